package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/pkg/middleware"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
	"github.com/grigta/eventpulse/services/analytics-service/internal/service"
)

const defaultActor = "anonymous"

// HTTPHandler HTTP API приема событий и управления алертами
type HTTPHandler struct {
	dispatcher      *service.Dispatcher
	alerts          *service.AlertStateMachine
	alertRepo       service.AlertRepository
	rules           service.RuleRepository
	monitoring      *service.MonitoringEngine
	defaultCooldown int
	intakeLimit     gin.HandlerFunc
	logger          logger.Logger
}

// Deps зависимости HTTP API
type Deps struct {
	Dispatcher             *service.Dispatcher
	Alerts                 *service.AlertStateMachine
	AlertRepository        service.AlertRepository
	RuleRepository         service.RuleRepository
	Monitoring             *service.MonitoringEngine
	DefaultCooldownMinutes int
	// IntakeLimit ограничивает прием событий; nil без лимита
	IntakeLimit            gin.HandlerFunc
}

func NewHTTPHandler(deps Deps, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		dispatcher:      deps.Dispatcher,
		alerts:          deps.Alerts,
		alertRepo:       deps.AlertRepository,
		rules:           deps.RuleRepository,
		monitoring:      deps.Monitoring,
		defaultCooldown: deps.DefaultCooldownMinutes,
		intakeLimit:     deps.IntakeLimit,
		logger:          log.WithField("component", "http"),
	}
}

// Register подключает маршруты; изменения алертов и правил требуют JWT
func (h *HTTPHandler) Register(router *gin.Engine, auth *middleware.AuthMiddleware) {
	router.Use(observe())

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	intake := v1.Group("/events")
	if h.intakeLimit != nil {
		intake.Use(h.intakeLimit)
	}
	intake.POST("", h.RecordEvent)
	intake.POST("/async", h.RecordEventAsync)
	v1.GET("/events", h.QueryEvents)
	v1.GET("/backends", h.Backends)

	v1.GET("/alerts", h.ListAlerts)
	v1.GET("/alerts/summary", h.AlertSummary)
	v1.GET("/alerts/:id", h.GetAlert)
	v1.GET("/rules", h.ListRules)
	v1.GET("/rules/:id", h.GetRule)

	protected := v1.Group("", auth.Authenticate())
	protected.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
	protected.POST("/alerts/:id/resolve", h.ResolveAlert)
	protected.POST("/alerts/:id/dismiss", h.DismissAlert)
	protected.POST("/rules", h.CreateRule)
	protected.PUT("/rules/:id", h.UpdateRule)
	protected.DELETE("/rules/:id", h.DeleteRule)
	protected.POST("/monitoring/run", h.RunMonitoring)
}

func observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		service.RecordHTTPRequest(c.Request.Method, route, time.Since(start).Seconds(), c.Writer.Status())
	}
}

// fail переводит доменные ошибки в HTTP статусы
func (h *HTTPHandler) fail(c *gin.Context, err error, msg string) {
	var status int
	switch {
	case errors.Is(err, models.ErrAlertNotFound), errors.Is(err, models.ErrRuleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInvalidRule), errors.Is(err, models.ErrEmptyEventType):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNoQueryableBackend):
		status = http.StatusServiceUnavailable
	default:
		h.logger.WithError(err).Error(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type eventRequest struct {
	Type          string                 `json:"type" binding:"required"`
	Timestamp     *time.Time             `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Attributes    map[string]interface{} `json:"attributes"`
}

func (r eventRequest) toEvent() (models.Event, error) {
	var opts []models.EventOption
	if r.Timestamp != nil {
		opts = append(opts, models.WithTimestamp(*r.Timestamp))
	}
	if r.CorrelationID != "" {
		opts = append(opts, models.WithCorrelationID(r.CorrelationID))
	}
	return models.NewEvent(r.Type, r.Attributes, opts...)
}

func (h *HTTPHandler) bindEvent(c *gin.Context) (models.Event, bool) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return models.Event{}, false
	}
	event, err := req.toEvent()
	if err != nil {
		h.fail(c, err, "Invalid event")
		return models.Event{}, false
	}
	return event, true
}

// RecordEvent синхронная рассылка; allFailed не ошибка запроса
func (h *HTTPHandler) RecordEvent(c *gin.Context) {
	event, ok := h.bindEvent(c)
	if !ok {
		return
	}
	result := h.dispatcher.Record(c.Request.Context(), event)
	c.JSON(http.StatusAccepted, result)
}

func (h *HTTPHandler) RecordEventAsync(c *gin.Context) {
	event, ok := h.bindEvent(c)
	if !ok {
		return
	}
	h.dispatcher.RecordAsync(event)
	c.JSON(http.StatusAccepted, gin.H{"event_id": event.ID})
}

func (h *HTTPHandler) QueryEvents(c *gin.Context) {
	filter := models.EventFilter{ActorID: c.Query("actor_id")}
	if types := c.QueryArray("type"); len(types) > 0 {
		filter.EventTypes = types
	}
	var err error
	if filter.From, err = parseTime(c.Query("from")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
		return
	}
	if filter.To, err = parseTime(c.Query("to")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
		return
	}
	if filter.Limit, err = parseLimit(c.Query("limit")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	events, err := h.dispatcher.Query(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err, "Failed to query events")
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *HTTPHandler) Backends(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backends": h.dispatcher.Status(), "primary": h.dispatcher.Primary()})
}

// Health всегда 200; отсутствие здоровых бэкендов отражается флагом degraded
func (h *HTTPHandler) Health(c *gin.Context) {
	degraded := !h.dispatcher.AnyHealthy()
	status := "healthy"
	if degraded {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"degraded": degraded,
		"backends": h.dispatcher.Status(),
	})
}

func (h *HTTPHandler) ListAlerts(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	filter := models.AlertFilter{
		Status:   models.AlertStatus(c.Query("status")),
		Severity: models.Severity(c.Query("severity")),
		RuleID:   c.Query("rule_id"),
		Limit:    limit,
	}
	alerts, err := h.alertRepo.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err, "Failed to list alerts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (h *HTTPHandler) AlertSummary(c *gin.Context) {
	summary, err := h.alertRepo.Summary(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Failed to get alert summary")
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *HTTPHandler) GetAlert(c *gin.Context) {
	alert, err := h.alertRepo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to get alert")
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *HTTPHandler) AcknowledgeAlert(c *gin.Context) {
	alert, err := h.alerts.AcknowledgeByID(c.Request.Context(), c.Param("id"), middleware.Actor(c, defaultActor))
	h.respondAlert(c, alert, err)
}

func (h *HTTPHandler) ResolveAlert(c *gin.Context) {
	alert, err := h.alerts.ResolveByID(c.Request.Context(), c.Param("id"), middleware.Actor(c, defaultActor))
	h.respondAlert(c, alert, err)
}

func (h *HTTPHandler) DismissAlert(c *gin.Context) {
	alert, err := h.alerts.DismissByID(c.Request.Context(), c.Param("id"), middleware.Actor(c, defaultActor))
	h.respondAlert(c, alert, err)
}

func (h *HTTPHandler) respondAlert(c *gin.Context, alert *models.AlertInstance, err error) {
	if err != nil {
		h.fail(c, err, "Failed to update alert")
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *HTTPHandler) ListRules(c *gin.Context) {
	var (
		rules []models.AlertRule
		err   error
	)
	if c.Query("active") == "true" {
		rules, err = h.rules.ListActiveRules(c.Request.Context())
	} else {
		rules, err = h.rules.ListRules(c.Request.Context())
	}
	if err != nil {
		h.fail(c, err, "Failed to list rules")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (h *HTTPHandler) GetRule(c *gin.Context) {
	rule, err := h.rules.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to get rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

type ruleRequest struct {
	Name                 string               `json:"name"`
	EventTypeFilter      string               `json:"event_type_filter"`
	Metric               models.MetricType    `json:"metric"`
	ConditionType        models.ConditionType `json:"condition_type"`
	Threshold            float64              `json:"threshold"`
	TimeWindowMinutes    int                  `json:"time_window_minutes"`
	Severity             models.Severity      `json:"severity"`
	NotificationChannels []string             `json:"notification_channels"`
	CooldownMinutes      *int                 `json:"cooldown_minutes"`
	IsActive             *bool                `json:"is_active"`
}

// apply переносит поля запроса в правило; счетчики срабатываний не трогаются
func (r ruleRequest) apply(rule *models.AlertRule, defaultCooldown int) {
	rule.Name = r.Name
	rule.EventTypeFilter = r.EventTypeFilter
	rule.Metric = r.Metric
	rule.ConditionType = r.ConditionType
	rule.Threshold = r.Threshold
	rule.TimeWindowMinutes = r.TimeWindowMinutes
	rule.Severity = r.Severity
	rule.NotificationChannels = r.NotificationChannels
	rule.CooldownMinutes = defaultCooldown
	if r.CooldownMinutes != nil {
		rule.CooldownMinutes = *r.CooldownMinutes
	}
	rule.IsActive = true
	if r.IsActive != nil {
		rule.IsActive = *r.IsActive
	}
}

func (h *HTTPHandler) CreateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var rule models.AlertRule
	req.apply(&rule, h.defaultCooldown)
	if err := rule.Validate(); err != nil {
		h.fail(c, err, "Invalid rule")
		return
	}
	if err := h.rules.Save(c.Request.Context(), &rule); err != nil {
		h.fail(c, err, "Failed to create rule")
		return
	}
	h.logger.Info("Alert rule created",
		logger.Field{Key: "rule_id", Value: rule.ID},
		logger.Field{Key: "actor", Value: middleware.Actor(c, defaultActor)},
	)
	c.JSON(http.StatusCreated, rule)
}

func (h *HTTPHandler) UpdateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule, err := h.rules.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to load rule")
		return
	}
	req.apply(rule, rule.CooldownMinutes)
	if err := rule.Validate(); err != nil {
		h.fail(c, err, "Invalid rule")
		return
	}
	if err := h.rules.Save(c.Request.Context(), rule); err != nil {
		h.fail(c, err, "Failed to update rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *HTTPHandler) DeleteRule(c *gin.Context) {
	if err := h.rules.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "Failed to delete rule")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *HTTPHandler) RunMonitoring(c *gin.Context) {
	result := h.monitoring.RunCycle(c.Request.Context())
	c.JSON(http.StatusOK, result)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid limit")
	}
	return n, nil
}
