package admin

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nimburion/runqueue/pkg/health"
	"github.com/nimburion/runqueue/pkg/jobs"
	"github.com/nimburion/runqueue/pkg/observability/logger"
	"github.com/nimburion/runqueue/pkg/observability/metrics"
)

const maxListLimit = 1000

type api struct {
	deps Deps
	log  logger.Logger
}

// NewHandler builds the gin engine with every admin route registered.
func NewHandler(deps Deps, log logger.Logger) (http.Handler, error) {
	if deps.Queue == nil {
		return nil, errors.New("queue service is required")
	}
	if deps.DLQ == nil {
		return nil, errors.New("dlq service is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Health == nil {
		deps.Health = health.NewRegistry()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), observe(log))

	a := &api{deps: deps, log: log}
	engine.GET("/healthz", a.healthz)
	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := engine.Group("/v1")
	v1.GET("/worker/stats", a.workerStats)
	v1.GET("/queue/metrics", a.queueMetrics)
	v1.DELETE("/queue", a.purgeQueue)

	dlq := v1.Group("/dlq")
	dlq.GET("", a.listDLQ)
	dlq.DELETE("", a.purgeDLQ)
	dlq.GET("/metrics", a.dlqMetrics)
	dlq.GET("/groups", a.dlqGroups)
	dlq.POST("/replay", a.replayMany)
	dlq.GET("/:id", a.getDLQ)
	dlq.DELETE("/:id", a.deleteDLQ)
	dlq.POST("/:id/replay", a.replayOne)

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "route not found"})
	})
	return engine, nil
}

// observe records admin request metrics and logs failures.
func observe(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		done := metrics.TrackRequest(c.Request.Method)
		c.Next()

		status := c.Writer.Status()
		done(c.FullPath(), status)
		if status >= http.StatusInternalServerError {
			log.Warn("admin request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "status", status)
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type metricsResponse struct {
	Name             string  `json:"name"`
	Length           int64   `json:"length"`
	OldestAgeSeconds float64 `json:"oldest_age_seconds"`
	NewestAgeSeconds float64 `json:"newest_age_seconds"`
	TotalMessages    int64   `json:"total_messages"`
}

type dlqEntryResponse struct {
	MsgID      string              `json:"msg_id"`
	ReadCount  int                 `json:"read_count"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
	Job        *jobs.DeadLetterJob `json:"job"`
}

type dlqGroupResponse struct {
	ErrorMessage string   `json:"error_message"`
	Count        int      `json:"count"`
	MsgIDs       []string `json:"msg_ids"`
}

type workerStatsResponse struct {
	ID      string `json:"id"`
	Running bool   `json:"running"`
	jobs.WorkerStats
}

type replayRequest struct {
	IDs    []string `json:"ids"`
	Target string   `json:"target"`
}

func toMetricsResponse(m *jobs.QueueMetrics) metricsResponse {
	return metricsResponse{
		Name:             m.Name,
		Length:           m.Length,
		OldestAgeSeconds: m.OldestAge.Seconds(),
		NewestAgeSeconds: m.NewestAge.Seconds(),
		TotalMessages:    m.TotalMessages,
	}
}

func toEntryResponse(e *jobs.DLQEntry) dlqEntryResponse {
	return dlqEntryResponse{MsgID: e.MsgID, ReadCount: e.ReadCount, EnqueuedAt: e.EnqueuedAt, Job: e.Job}
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrStore):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), errorResponse{Error: err.Error()})
}

func (a *api) healthz(c *gin.Context) {
	result := a.deps.Health.Check(c.Request.Context())
	status := http.StatusOK
	if !result.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

func (a *api) workerStats(c *gin.Context) {
	out := make([]workerStatsResponse, 0, len(a.deps.Workers))
	for _, w := range a.deps.Workers {
		out = append(out, workerStatsResponse{ID: w.ID(), Running: w.Running(), WorkerStats: w.Stats()})
	}
	c.JSON(http.StatusOK, gin.H{"workers": out})
}

func (a *api) queueMetrics(c *gin.Context) {
	m, err := a.deps.Queue.GetQueueMetrics(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toMetricsResponse(m))
}

func (a *api) purgeQueue(c *gin.Context) {
	count, err := a.deps.Queue.PurgeQueue(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.log.Warn("main queue purged through admin api", "queue", a.deps.Queue.Name(), "count", count)
	c.JSON(http.StatusOK, gin.H{"purged": count})
}

func (a *api) listDLQ(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be an integer between 1 and " + strconv.Itoa(maxListLimit)})
			return
		}
		limit = n
	}
	entries, err := a.deps.DLQ.ListDeadLetterJobs(c.Request.Context(), limit)
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]dlqEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out, "count": len(out)})
}

func (a *api) getDLQ(c *gin.Context) {
	entry, err := a.deps.DLQ.GetDeadLetterJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "dead-letter job " + c.Param("id") + " not found"})
		return
	}
	c.JSON(http.StatusOK, toEntryResponse(entry))
}

func (a *api) deleteDLQ(c *gin.Context) {
	deleted, err := a.deps.DLQ.DeleteDeadLetterJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, errorResponse{Error: "dead-letter job " + c.Param("id") + " not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) purgeDLQ(c *gin.Context) {
	count, err := a.deps.DLQ.PurgeDLQ(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": count})
}

func (a *api) dlqMetrics(c *gin.Context) {
	m, err := a.deps.DLQ.GetDLQMetrics(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toMetricsResponse(m))
}

func (a *api) dlqGroups(c *gin.Context) {
	groups, err := a.deps.DLQ.GetJobsByErrorType(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]dlqGroupResponse, 0, len(groups))
	for message, entries := range groups {
		g := dlqGroupResponse{ErrorMessage: message, Count: len(entries)}
		for _, e := range entries {
			g.MsgIDs = append(g.MsgIDs, e.MsgID)
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ErrorMessage < out[j].ErrorMessage
	})
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

func (a *api) replayOne(c *gin.Context) {
	newID, err := a.deps.DLQ.ReplayDeadLetterJob(c.Request.Context(), c.Param("id"), c.Query("target"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg_id": newID})
}

func (a *api) replayMany(c *gin.Context) {
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "ids must not be empty"})
		return
	}
	result, err := a.deps.DLQ.ReplayMultipleJobs(c.Request.Context(), req.IDs, req.Target)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
