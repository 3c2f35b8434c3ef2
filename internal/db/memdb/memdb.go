// Package memdb is an in-process implementation of the storage ports. It
// backs the "memory" storage driver and the pipeline tests.
package memdb

import (
	"context"
	"sort"
	"sync"
	"time"

	"aquamonitor/internal/apperr"
	"aquamonitor/internal/models"
)

type tank struct {
	id         int64
	facilityID int64
	name       string
}

// Store keeps every table in maps guarded by one mutex, so check-then-insert
// sequences are atomic.
type Store struct {
	mu sync.Mutex

	seq int64
	now func() time.Time

	facilities    map[int64]string
	tanks         map[int64]tank
	devices       map[int64]models.Device
	sensors       map[int64]models.Sensor
	parameters    map[int64]models.Parameter
	rules         map[int64]models.ThresholdRule // by parameter id
	measurements  map[int64]models.Measurement
	alerts        map[int64]models.Alert
	notifications map[[16]byte]models.Notification
	audit         []models.AuditEntry

	faults map[string]error
}

func New() *Store {
	return &Store{
		now:           time.Now,
		facilities:    map[int64]string{},
		tanks:         map[int64]tank{},
		devices:       map[int64]models.Device{},
		sensors:       map[int64]models.Sensor{},
		parameters:    map[int64]models.Parameter{},
		rules:         map[int64]models.ThresholdRule{},
		measurements:  map[int64]models.Measurement{},
		alerts:        map[int64]models.Alert{},
		notifications: map[[16]byte]models.Notification{},
		faults:        map[string]error{},
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// InjectFault makes every call of the named method fail with err until
// cleared with a nil err.
func (s *Store) InjectFault(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, method)
		return
	}
	s.faults[method] = err
}

func (s *Store) fault(method string) error {
	if err, ok := s.faults[method]; ok {
		return apperr.Storage(method, err)
	}
	return nil
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

// ============================================
// Reference data
// ============================================

func (s *Store) AddFacility(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID()
	s.facilities[id] = name
	return id
}

func (s *Store) AddTank(facilityID int64, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID()
	s.tanks[id] = tank{id: id, facilityID: facilityID, name: name}
	return id
}

func (s *Store) AddDevice(d models.Device) models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == 0 {
		d.ID = s.nextID()
	}
	s.devices[d.ID] = d
	return d
}

func (s *Store) AddSensor(sn models.Sensor) models.Sensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sn.ID == 0 {
		sn.ID = s.nextID()
	}
	s.sensors[sn.ID] = sn
	return sn
}

func (s *Store) AddParameter(p models.Parameter) models.Parameter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.nextID()
	}
	s.parameters[p.ID] = p
	return p
}

func (s *Store) FindDeviceBySerial(_ context.Context, serial string) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("FindDeviceBySerial"); err != nil {
		return models.Device{}, err
	}
	for _, d := range s.devices {
		if d.Serial == serial {
			return d, nil
		}
	}
	return models.Device{}, apperr.NotFound("device", "device %q not found", serial)
}

func (s *Store) FindDeviceByID(_ context.Context, id int64) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		return d, nil
	}
	return models.Device{}, apperr.NotFound("device", "device %d not found", id)
}

func (s *Store) FindSensorBySerial(_ context.Context, serial string) (models.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sn := range s.sensors {
		if sn.Serial == serial {
			return sn, nil
		}
	}
	return models.Sensor{}, apperr.NotFound("sensor", "sensor %q not found", serial)
}

func (s *Store) FindSensorByID(_ context.Context, id int64) (models.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sn, ok := s.sensors[id]; ok {
		return sn, nil
	}
	return models.Sensor{}, apperr.NotFound("sensor", "sensor %d not found", id)
}

func (s *Store) FindParameterByName(_ context.Context, name string) (models.Parameter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parameters {
		if p.Name == name {
			return p, nil
		}
	}
	return models.Parameter{}, apperr.NotFound("parameter", "parameter %q not found", name)
}

func (s *Store) FindParameterByID(_ context.Context, id int64) (models.Parameter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.parameters[id]; ok {
		return p, nil
	}
	return models.Parameter{}, apperr.NotFound("parameter", "parameter %d not found", id)
}

func (s *Store) GetDeviceHierarchy(_ context.Context, deviceID int64) (models.DeviceHierarchy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return models.DeviceHierarchy{}, apperr.NotFound("device", "device %d not found", deviceID)
	}
	h := models.DeviceHierarchy{DeviceName: d.Name, DeviceSerial: d.Serial}
	if t, ok := s.tanks[d.TankID]; ok {
		h.TankName = t.name
		h.FacilityName = s.facilities[t.facilityID]
	}
	return h, nil
}

// ============================================
// Rules
// ============================================

func (s *Store) GetActiveRuleForParameter(_ context.Context, parameterID int64) (*models.ThresholdRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetActiveRuleForParameter"); err != nil {
		return nil, err
	}
	r, ok := s.rules[parameterID]
	if !ok || !r.Active {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) ListRules(context.Context) ([]models.ThresholdRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ThresholdRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParameterName < out[j].ParameterName })
	return out, nil
}

// UpsertRule creates or replaces the single rule of a parameter.
func (s *Store) UpsertRule(_ context.Context, rule models.ThresholdRule) (models.ThresholdRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parameters[rule.ParameterID]
	if !ok {
		return models.ThresholdRule{}, apperr.NotFound("parameter", "parameter %d not found", rule.ParameterID)
	}
	if existing, ok := s.rules[rule.ParameterID]; ok {
		rule.ID = existing.ID
	} else {
		rule.ID = s.nextID()
	}
	rule.ParameterName = p.Name
	rule.UpdatedAt = s.now()
	s.rules[rule.ParameterID] = rule
	return rule, nil
}

// ============================================
// Measurements
// ============================================

func (s *Store) CreateMeasurementWithParameters(_ context.Context, m models.Measurement) (models.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateMeasurementWithParameters"); err != nil {
		return models.Measurement{}, err
	}
	now := s.now()
	m.ID = s.nextID()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.Readings = append([]models.Reading(nil), m.Readings...)
	s.measurements[m.ID] = m
	return m, nil
}

func (s *Store) ReplaceMeasurementParameters(_ context.Context, id int64, readings []models.Reading) (models.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ReplaceMeasurementParameters"); err != nil {
		return models.Measurement{}, err
	}
	m, ok := s.measurements[id]
	if !ok {
		return models.Measurement{}, apperr.NotFound("measurement", "measurement %d not found", id)
	}
	m.Readings = append([]models.Reading(nil), readings...)
	m.UpdatedAt = s.now()
	s.measurements[id] = m
	return m, nil
}

func (s *Store) GetMeasurement(_ context.Context, id int64) (models.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.measurements[id]
	if !ok {
		return models.Measurement{}, apperr.NotFound("measurement", "measurement %d not found", id)
	}
	return m, nil
}

// MeasurementCount returns the number of stored measurements.
func (s *Store) MeasurementCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.measurements)
}

// ReadingCount returns the number of stored measurement parameter rows.
func (s *Store) ReadingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.measurements {
		n += len(m.Readings)
	}
	return n
}

// ============================================
// Alerts
// ============================================

func (s *Store) activeAlertLocked(measurementID int64) (models.Alert, bool) {
	for _, a := range s.alerts {
		if a.MeasurementID == measurementID && a.Status.IsActive() {
			return a, true
		}
	}
	return models.Alert{}, false
}

func (s *Store) FindActiveAlertForMeasurement(_ context.Context, measurementID int64) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("FindActiveAlertForMeasurement"); err != nil {
		return nil, err
	}
	if a, ok := s.activeAlertLocked(measurementID); ok {
		return &a, nil
	}
	return nil, nil
}

// CreateAlert inserts an alert unless the measurement already has an active
// one, in which case it fails with a conflict.
func (s *Store) CreateAlert(_ context.Context, a models.Alert) (models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateAlert"); err != nil {
		return models.Alert{}, err
	}
	if _, ok := s.measurements[a.MeasurementID]; !ok {
		return models.Alert{}, apperr.NotFound("measurement_id", "measurement %d not found", a.MeasurementID)
	}
	if a.Status.IsActive() {
		if existing, ok := s.activeAlertLocked(a.MeasurementID); ok {
			return models.Alert{}, apperr.Conflict("measurement %d already has active alert %d", a.MeasurementID, existing.ID)
		}
	}
	now := s.now()
	a.ID = s.nextID()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.alerts[a.ID] = a
	return a, nil
}

func (s *Store) CountAlertsForMeasurement(_ context.Context, measurementID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.MeasurementID == measurementID {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetAlert(_ context.Context, id int64) (models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, apperr.NotFound("alert", "alert %d not found", id)
	}
	return a, nil
}

// UpdateAlertStatus applies upd only if the alert is still in upd.From.
func (s *Store) UpdateAlertStatus(_ context.Context, id int64, upd models.AlertStatusUpdate) (models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, apperr.NotFound("alert", "alert %d not found", id)
	}
	if a.Status != upd.From {
		return models.Alert{}, apperr.Conflict("alert %d changed concurrently: status is %s", id, a.Status)
	}
	if upd.To.IsActive() && !upd.From.IsActive() {
		if other, ok := s.activeAlertLocked(a.MeasurementID); ok {
			return models.Alert{}, apperr.Conflict("measurement %d already has active alert %d", a.MeasurementID, other.ID)
		}
	}
	a.Status = upd.To
	a.UpdatedAt = s.now()
	if upd.ResolvedAt != nil {
		a.ResolvedAt = upd.ResolvedAt
		a.ResolvedBy = upd.ResolvedBy
	}
	if upd.Notes != "" {
		a.Notes = upd.Notes
	}
	s.alerts[id] = a
	return a, nil
}

func (s *Store) ListAlerts(_ context.Context, filter models.AlertFilter) ([]models.Alert, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.Alert
	for _, a := range s.alerts {
		if !s.matchLocked(a, filter) {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset >= total {
		return []models.Alert{}, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *Store) matchLocked(a models.Alert, f models.AlertFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if a.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	if f.Priority != "" && a.Priority != f.Priority {
		return false
	}
	if f.MeasurementID != 0 && a.MeasurementID != f.MeasurementID {
		return false
	}
	if f.DeviceID != 0 && s.measurements[a.MeasurementID].DeviceID != f.DeviceID {
		return false
	}
	if f.Since != nil && a.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// ============================================
// Notifications and audit
// ============================================

func (s *Store) CreateNotification(_ context.Context, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateNotification"); err != nil {
		return err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	s.notifications[n.ID] = n
	return nil
}

func (s *Store) UpdateNotificationStatus(_ context.Context, id [16]byte, status models.NotificationStatus, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return apperr.NotFound("notification", "notification not found")
	}
	n.Status = status
	n.Attempts = attempts
	n.LastError = lastError
	if status == models.NotificationSent {
		now := s.now()
		n.SentAt = &now
	}
	s.notifications[id] = n
	return nil
}

func (s *Store) ListNotificationsForAlert(_ context.Context, alertID int64) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for _, n := range s.notifications {
		if n.AlertID == alertID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (s *Store) InsertAuditEntry(_ context.Context, e models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertAuditEntry"); err != nil {
		return err
	}
	e.ID = s.nextID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.audit = append(s.audit, e)
	return nil
}

// AuditEntries returns a copy of the activity log.
func (s *Store) AuditEntries() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry(nil), s.audit...)
}
