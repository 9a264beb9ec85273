package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"returnfeed/pkg/retry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// MediaPlaneScraper polls the external passthrough server's stats
// endpoint and re-exports its per-camera figures, so one Prometheus
// scrape of the relay covers the whole chain.
type MediaPlaneScraper struct {
	url          string
	pollInterval time.Duration
	client       *http.Client
	retryCfg     retry.Config

	cameraBitrate *prometheus.GaugeVec
	cameraFPS     *prometheus.GaugeVec
	srtRTT        *prometheus.GaugeVec
	scrapeErrors  prometheus.Counter

	logger *zap.SugaredLogger
}

type mediaPlaneStats struct {
	Cameras []struct {
		SessionID string  `json:"sessionId"`
		CameraID  string  `json:"cameraId"`
		Bitrate   int     `json:"bitrate"`
		FPS       float64 `json:"fps"`
		SrtRTTMs  float64 `json:"srtRttMs"`
	} `json:"cameras"`
}

func NewMediaPlaneScraper(url string, pollInterval time.Duration, logger *zap.SugaredLogger) *MediaPlaneScraper {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 2

	return &MediaPlaneScraper{
		url:          url,
		pollInterval: pollInterval,
		client:       &http.Client{Timeout: 5 * time.Second},
		retryCfg:     retryCfg,

		cameraBitrate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "returnfeed_media_camera_bitrate_bps",
			Help: "Bitrate reported by the media plane per camera",
		}, []string{"session_id", "camera_id"}),

		cameraFPS: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "returnfeed_media_camera_fps",
			Help: "Frame rate reported by the media plane per camera",
		}, []string{"session_id", "camera_id"}),

		srtRTT: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "returnfeed_media_srt_rtt_ms",
			Help: "SRT round trip time reported by the media plane",
		}, []string{"session_id", "camera_id"}),

		scrapeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "returnfeed_media_scrape_errors_total",
			Help: "Failed media plane stats polls",
		}),

		logger: logger,
	}
}

// Run polls until the context is cancelled.
func (s *MediaPlaneScraper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.scrape(ctx); err != nil {
				s.scrapeErrors.Inc()
				s.logger.Warnw("media plane scrape failed", "url", s.url, "error", err)
			}
		}
	}
}

func (s *MediaPlaneScraper) scrape(ctx context.Context) error {
	var stats mediaPlaneStats

	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("media plane returned status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&stats)
	})
	if err != nil {
		return err
	}

	for _, cam := range stats.Cameras {
		s.cameraBitrate.WithLabelValues(cam.SessionID, cam.CameraID).Set(float64(cam.Bitrate))
		s.cameraFPS.WithLabelValues(cam.SessionID, cam.CameraID).Set(cam.FPS)
		s.srtRTT.WithLabelValues(cam.SessionID, cam.CameraID).Set(cam.SrtRTTMs)
	}
	return nil
}
