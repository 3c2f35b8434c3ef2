package alerts

import "aquamonitor/internal/models"

// CanTransition reports whether an alert may move from one status to
// another. PENDING is only ever a creation state.
func CanTransition(from, to models.AlertStatus) bool {
	switch to {
	case models.AlertAcknowledged:
		return from == models.AlertPending
	case models.AlertResolved:
		return from.IsActive()
	case models.AlertEscalated:
		return from.Valid() && from != models.AlertEscalated
	default:
		return false
	}
}
