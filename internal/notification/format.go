package notification

import (
	"fmt"
	"strings"
	"time"

	"aquamonitor/internal/models"
	"aquamonitor/internal/rules"
)

var kindLabels = map[models.AlertKind]string{
	models.AlertKindParameterOutOfRange: "Parámetro fuera de rango",
	models.AlertKindDeviceMalfunction:   "Falla del dispositivo",
	models.AlertKindMaintenanceRequired: "Mantenimiento requerido",
	models.AlertKindSystemError:         "Error del sistema",
	models.AlertKindCalibrationNeeded:   "Calibración necesaria",
	models.AlertKindHealthIssue:         "Problema de salud",
}

var priorityLabels = map[models.AlertPriority]string{
	models.PriorityHigh:   "Alta",
	models.PriorityMedium: "Media",
	models.PriorityLow:    "Baja",
}

func label(m map[models.AlertKind]string, k models.AlertKind) string {
	if l, ok := m[k]; ok {
		return l
	}
	return string(k)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// FormatMessage renders the alert template. Times are shown in loc.
func FormatMessage(alert models.Alert, mctx models.MeasurementContext, loc *time.Location) models.Message {
	if loc == nil {
		loc = time.UTC
	}
	h := mctx.Hierarchy
	kind := label(kindLabels, alert.Kind)

	priority := string(alert.Priority)
	if l, ok := priorityLabels[alert.Priority]; ok {
		priority = l
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🚨 Alerta: %s\n", kind)
	fmt.Fprintf(&b, "Prioridad: %s\n", priority)
	fmt.Fprintf(&b, "Descripción: %s\n", alert.Description)
	fmt.Fprintf(&b, "Granja: %s\n", orDash(h.FacilityName))
	fmt.Fprintf(&b, "Estanque: %s\n", orDash(h.TankName))
	fmt.Fprintf(&b, "Dispositivo: %s (%s)\n", orDash(h.DeviceName), orDash(h.DeviceSerial))

	params := parameterLines(mctx)
	if len(params) > 0 {
		b.WriteString("Parámetros:\n")
		for _, p := range params {
			fmt.Fprintf(&b, "  • %s\n", p)
		}
	}

	created := alert.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	fmt.Fprintf(&b, "Fecha: %s", created.In(loc).Format("02/01/2006 15:04:05 MST"))

	subject := fmt.Sprintf("[%s] %s", alert.Priority, kind)
	if h.TankName != "" {
		subject += " - " + h.TankName
	}

	return models.Message{
		AlertID: alert.ID,
		Subject: subject,
		Text:    b.String(),
		Alert:   alert,
		Context: mctx,
	}
}

// parameterLines lists the triggering parameters, or every reading when the
// alert was not raised by the evaluator.
func parameterLines(mctx models.MeasurementContext) []string {
	var out []string
	if len(mctx.Findings) > 0 {
		for _, f := range mctx.Findings {
			out = append(out, fmt.Sprintf("%s: %s", f.ParameterName, rules.FormatNumber(f.Value)))
		}
		return out
	}
	for _, r := range mctx.Measurement.Readings {
		out = append(out, fmt.Sprintf("%s: %s", r.ParameterName, rules.FormatNumber(r.Value)))
	}
	return out
}
