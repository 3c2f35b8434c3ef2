package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"aquamonitor/internal/alerts"
	"aquamonitor/internal/apperr"
	"aquamonitor/internal/ingest"
	"aquamonitor/internal/logging"
	"aquamonitor/internal/models"
)

const userIDHeader = "X-User-Id"

type Handler struct {
	ingestor  Ingestor
	alerts    AlertService
	store     Store
	ruleCache RuleCache
	logger    *logging.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		ingestor:  d.Ingestor,
		alerts:    d.Alerts,
		store:     d.Store,
		ruleCache: d.RuleCache,
		logger:    d.Logger,
	}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Errorf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	} else {
		h.logger.Debugf("%s %s rejected: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, errorResponse{Error: err.Error(), Field: apperr.FieldOf(err)})
}

func parseID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation(name, "invalid id %q", c.Param(name))
	}
	return id, nil
}

func bindJSON(c *gin.Context, v interface{}) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return apperr.Validation("body", "invalid request body: %v", err)
	}
	return nil
}

// ============================================
// Measurements
// ============================================

func (h *Handler) CreateMeasurement(c *gin.Context) {
	var batch ingest.Batch
	if err := bindJSON(c, &batch); err != nil {
		h.fail(c, err)
		return
	}
	batch.UserID = c.GetHeader(userIDHeader)
	batch.Source = "http"

	res, err := h.ingestor.Ingest(c.Request.Context(), batch)
	if err != nil {
		h.failIngest(c, res, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) CorrectMeasurement(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var corr ingest.Correction
	if err := bindJSON(c, &corr); err != nil {
		h.fail(c, err)
		return
	}
	corr.UserID = c.GetHeader(userIDHeader)

	res, err := h.ingestor.Correct(c.Request.Context(), id, corr)
	if err != nil {
		h.failIngest(c, res, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// failIngest reports the stored measurement id when the failure happened
// after the measurement was committed.
func (h *Handler) failIngest(c *gin.Context, res ingest.Result, err error) {
	if res.Measurement.ID == 0 {
		h.fail(c, err)
		return
	}
	h.logger.Errorf("Measurement %d stored but evaluation failed: %v", res.Measurement.ID, err)
	c.JSON(apperr.HTTPStatus(err), gin.H{
		"error":          err.Error(),
		"measurement_id": res.Measurement.ID,
	})
}

func (h *Handler) GetMeasurement(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	m, err := h.store.GetMeasurement(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// ============================================
// Alerts
// ============================================

func (h *Handler) ListAlerts(c *gin.Context) {
	filter, err := parseAlertFilter(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	page, err := h.alerts.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func parseAlertFilter(c *gin.Context) (models.AlertFilter, error) {
	var f models.AlertFilter
	for _, raw := range c.QueryArray("status") {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, models.AlertStatus(strings.ToUpper(s)))
			}
		}
	}
	f.Kind = models.AlertKind(strings.ToUpper(c.Query("kind")))
	f.Priority = models.AlertPriority(strings.ToUpper(c.Query("priority")))

	ints := []struct {
		name string
		dst  *int64
	}{
		{"device_id", &f.DeviceID},
		{"measurement_id", &f.MeasurementID},
	}
	for _, q := range ints {
		if raw := c.Query(q.name); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return f, apperr.Validation(q.name, "invalid integer %q", raw)
			}
			*q.dst = v
		}
	}
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return f, apperr.Validation("limit", "invalid integer %q", raw)
		}
		f.Limit = v
	}
	if raw := c.Query("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return f, apperr.Validation("offset", "invalid integer %q", raw)
		}
		f.Offset = v
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, apperr.Validation("since", "invalid timestamp %q", raw)
		}
		f.Since = &t
	}
	return f, nil
}

func (h *Handler) GetAlert(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	alert, err := h.alerts.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) GetAlertNotifications(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	if _, err := h.alerts.Get(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	list, err := h.store.ListNotificationsForAlert(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) CreateAlert(c *gin.Context) {
	var in alerts.ManualAlert
	if err := bindJSON(c, &in); err != nil {
		h.fail(c, err)
		return
	}
	alert, err := h.alerts.CreateManual(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, alert)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

// bindOptional decodes a body that may be empty.
func bindOptional(c *gin.Context, v interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return bindJSON(c, v)
}

func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	h.notesTransition(c, h.alerts.Acknowledge)
}

func (h *Handler) EscalateAlert(c *gin.Context) {
	h.notesTransition(c, h.alerts.Escalate)
}

func (h *Handler) notesTransition(c *gin.Context, fn func(context.Context, int64, string) (models.Alert, error)) {
	id, err := parseID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var req notesRequest
	if err := bindOptional(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	alert, err := fn(c.Request.Context(), id, req.Notes)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) ResolveAlert(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var in alerts.Resolution
	if err := bindOptional(c, &in); err != nil {
		h.fail(c, err)
		return
	}
	if in.ResolvedBy == "" {
		in.ResolvedBy = c.GetHeader(userIDHeader)
	}
	alert, err := h.alerts.Resolve(c.Request.Context(), id, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// ============================================
// Threshold rules
// ============================================

func (h *Handler) ListRules(c *gin.Context) {
	list, err := h.store.ListRules(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []models.ThresholdRule{}
	}
	c.JSON(http.StatusOK, list)
}

type ruleRequest struct {
	Min    *float64 `json:"min"`
	Max    *float64 `json:"max"`
	Action string   `json:"action"`
	Active *bool    `json:"active"`
}

func (h *Handler) UpsertRule(c *gin.Context) {
	var req ruleRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if req.Min != nil && req.Max != nil && *req.Min > *req.Max {
		h.fail(c, apperr.Validation("min", "min %v is greater than max %v", *req.Min, *req.Max))
		return
	}

	ctx := c.Request.Context()
	param, err := h.findParameter(ctx, c.Param("parameter"))
	if err != nil {
		h.fail(c, err)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	rule, err := h.store.UpsertRule(ctx, models.ThresholdRule{
		ParameterID: param.ID,
		Min:         req.Min,
		Max:         req.Max,
		Action:      strings.TrimSpace(req.Action),
		Active:      active,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	rule.ParameterName = param.Name
	if h.ruleCache != nil {
		if err := h.ruleCache.Invalidate(ctx, param.ID); err != nil {
			h.logger.Warnf("Rule cache invalidation for parameter %d failed: %v", param.ID, err)
		}
	}
	h.logger.Infof("Rule for parameter %s updated", param.Name)
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) findParameter(ctx context.Context, ref string) (models.Parameter, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return h.store.FindParameterByID(ctx, id)
	}
	return h.store.FindParameterByName(ctx, ref)
}

func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
