package http

import (
	"net/http"
	"strconv"

	"returnfeed/internal/core/domain"
	"returnfeed/internal/core/ports"
	"returnfeed/internal/infrastructure/monitoring"
	"returnfeed/internal/infrastructure/registry"
	"returnfeed/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ControlHandler exposes the read-mostly REST surface next to the
// websocket plane: session state, bitrate settings, latency stats and
// operational health.
type ControlHandler struct {
	tally    ports.TallyService
	bitrate  ports.BitrateService
	latency  ports.LatencyService
	upstream ports.ProducerLink
	registry *registry.Registry
	health   *monitoring.HealthChecker
}

func NewControlHandler(
	tally ports.TallyService,
	bitrate ports.BitrateService,
	latency ports.LatencyService,
	upstream ports.ProducerLink,
	reg *registry.Registry,
	health *monitoring.HealthChecker,
) *ControlHandler {
	return &ControlHandler{
		tally:    tally,
		bitrate:  bitrate,
		latency:  latency,
		upstream: upstream,
		registry: reg,
		health:   health,
	}
}

func (h *ControlHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/sessions/:id/state", h.GetSessionState)
		api.GET("/sessions/:id/inputs", h.GetSessionInputs)
		api.GET("/sessions/:id/bitrate", h.ListBitrateSettings)
		api.GET("/sessions/:id/bitrate/:camera", h.GetBitrateSetting)
		api.POST("/sessions/:id/bitrate/:camera", h.SetBitratePercentage)
		api.GET("/sessions/:id/latency/:camera", h.GetLatencyStats)
		api.GET("/alerts", h.GetAlerts)
		api.GET("/stats", h.GetStats)
	}

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (h *ControlHandler) GetSessionState(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	state, err := h.tally.GetCurrentState(c.Request.Context(), sessionID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"state":     state,
	})
}

func (h *ControlHandler) GetSessionInputs(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	state, err := h.tally.GetCurrentState(c.Request.Context(), sessionID)
	if err != nil {
		c.Error(err)
		return
	}

	resp := gin.H{
		"sessionId": sessionID,
		"inputs":    state.Inputs,
	}
	if state.VmixVersion != "" {
		resp["vmixVersion"] = state.VmixVersion
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ControlHandler) ListBitrateSettings(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	settings := h.bitrate.SessionSettings(sessionID)
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"settings":  settings,
	})
}

func (h *ControlHandler) GetBitrateSetting(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))
	cameraID := domain.CameraID(c.Param("camera"))

	setting, err := h.bitrate.GetSetting(sessionID, cameraID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"setting":          setting,
		"effectiveBitrate": setting.EffectiveBitrate(),
	})
}

func (h *ControlHandler) SetBitratePercentage(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))
	cameraID := domain.CameraID(c.Param("camera"))

	var req struct {
		Percentage *float64 `json:"percentage"`
		MaxBitrate int      `json:"maxBitrate"`
		Adaptive   *bool    `json:"adaptive"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.MaxBitrate > 0 {
		setting, err := h.bitrate.Initialize(c.Request.Context(), sessionID, cameraID, req.MaxBitrate)
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"setting":          setting,
			"effectiveBitrate": setting.EffectiveBitrate(),
		})
		return
	}

	if req.Adaptive != nil {
		if err := h.bitrate.SetAdaptive(c.Request.Context(), sessionID, cameraID, *req.Adaptive); err != nil {
			c.Error(err)
			return
		}
	}

	if req.Percentage == nil {
		if req.Adaptive == nil {
			c.Error(errors.NewValidationError("percentage, maxBitrate or adaptive is required"))
			return
		}
		setting, err := h.bitrate.GetSetting(sessionID, cameraID)
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"setting":          setting,
			"effectiveBitrate": setting.EffectiveBitrate(),
		})
		return
	}

	setting, err := h.bitrate.SetPercentage(c.Request.Context(), sessionID, cameraID, *req.Percentage)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"setting":          setting,
		"effectiveBitrate": setting.EffectiveBitrate(),
	})
}

func (h *ControlHandler) GetLatencyStats(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))
	cameraID := domain.CameraID(c.Param("camera"))

	stats := h.latency.GetStats(sessionID, cameraID)
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"cameraId":  cameraID,
		"stats":     stats,
	})
}

func (h *ControlHandler) GetAlerts(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	alerts := h.latency.RecentAlerts(limit)
	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (h *ControlHandler) GetStats(c *gin.Context) {
	stats := h.registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"connections":       stats,
		"upstreamConnected": h.upstream.Connected(),
	})
}

func (h *ControlHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
