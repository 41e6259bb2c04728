package agent

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tapagent/internal/config"
	"github.com/mbd888/tapagent/internal/journal"
	"github.com/mbd888/tapagent/internal/logging"
	"github.com/mbd888/tapagent/internal/metrics"
	"github.com/mbd888/tapagent/internal/security"
)

func (a *Agent) setupRouter() {
	if !a.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	a.router = gin.New()

	a.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		a.logger.Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	a.router.Use(security.HeadersMiddleware())
	a.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))
	a.router.Use(metrics.Middleware())
	a.router.Use(a.loggingMiddleware())

	a.router.GET("/healthz", a.livenessHandler)
	a.router.GET("/readyz", a.readinessHandler)
	a.router.GET("/health", a.healthHandler)
	a.router.GET("/status", a.statusHandler)
	a.router.GET("/metrics", metrics.Handler())

	v1 := a.router.Group("/v1")
	{
		v1.GET("/attempts", a.listAttemptsHandler)
		v1.GET("/attempts/:id", a.getAttemptHandler)
		v1.GET("/eligibility", a.eligibilityHandler)
		v1.POST("/pair", a.pairHandler)
		v1.DELETE("/pair", a.unpairHandler)
	}
}

func (a *Agent) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		ctx := logging.WithLogger(c.Request.Context(), a.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		logger := a.logger
		fields := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case status >= 500:
			logger.Error("request completed", fields...)
		case status >= 400:
			logger.Warn("request completed", fields...)
		default:
			logger.Debug("request completed", fields...)
		}
	}
}

func (a *Agent) livenessHandler(c *gin.Context) {
	if !a.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (a *Agent) readinessHandler(c *gin.Context) {
	if !a.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (a *Agent) healthHandler(c *gin.Context) {
	healthy, statuses := a.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// statusResponse is the operator-facing snapshot of the daemon.
type statusResponse struct {
	State            string `json:"state"`
	Busy             bool   `json:"busy"`
	Paired           bool   `json:"paired"`
	ChannelConnected bool   `json:"channel_connected"`
	ReaderID         string `json:"reader_id,omitempty"`
	PosURL           string `json:"pos_url,omitempty"`
}

func (a *Agent) statusHandler(c *gin.Context) {
	resp := statusResponse{
		State:            string(a.orch.State()),
		Busy:             a.orch.Busy(),
		Paired:           a.Paired(),
		ChannelConnected: a.channel.Connected(),
	}
	if r := a.adapter.ConnectedReader(); r != nil {
		resp.ReaderID = r.ID
	}
	if p, err := a.pairing.Load(); err == nil {
		resp.PosURL = p.PosURL()
	}
	c.JSON(http.StatusOK, resp)
}

func (a *Agent) listAttemptsHandler(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be an integer between 1 and 100",
			})
			return
		}
		limit = n
	}

	attempts, err := a.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		a.logger.Error("list attempts failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

func (a *Agent) getAttemptHandler(c *gin.Context) {
	attempt, err := a.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		a.logger.Error("get attempt failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, attempt)
}

func (a *Agent) eligibilityHandler(c *gin.Context) {
	c.JSON(http.StatusOK, a.eligible.Check(c.Request.Context()))
}

// pairRequest accepts either a full pairing link or explicit fields.
type pairRequest struct {
	URL        string `json:"url"`
	Origin     string `json:"origin"`
	TposID     string `json:"tpos_id"`
	Bearer     string `json:"bearer"`
	LocationID string `json:"location_id"`
}

func (a *Agent) pairHandler(c *gin.Context) {
	var req pairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body must be JSON",
		})
		return
	}

	var p config.Pairing
	if req.URL != "" {
		parsed, err := config.ParsePairingURL(req.URL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_pairing_url",
				"message": err.Error(),
			})
			return
		}
		p = parsed
	} else {
		p = config.Pairing{
			Origin:     req.Origin,
			TposID:     req.TposID,
			Bearer:     req.Bearer,
			LocationID: req.LocationID,
		}
		if !p.Complete() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "incomplete_pairing",
				"message": "origin, tpos_id, bearer, and location_id are all required",
			})
			return
		}
	}

	if err := a.pairing.Save(p); err != nil {
		a.logger.Error("pairing save failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	a.logger.Info("paired", "origin", p.Origin, "tpos_id", p.TposID)

	// Pick up the new pairing on a fresh socket.
	if a.runCtx != nil {
		a.channel.RequestReconnect(a.runCtx, 0)
	}

	c.JSON(http.StatusOK, gin.H{
		"paired":  true,
		"pos_url": p.PosURL(),
	})
}

func (a *Agent) unpairHandler(c *gin.Context) {
	if err := a.pairing.Clear(); err != nil {
		a.logger.Error("pairing clear failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	a.logger.Info("unpaired")
	c.JSON(http.StatusOK, gin.H{"paired": false})
}
