package admin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/docstore-registry/internal/config"
	"github.com/gin-gonic/gin"
	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

const (
	requestRateQuery      = `sum(rate(docstore_registry_requests_total[5m]))`
	errorRateQuery        = `sum(rate(docstore_registry_requests_total{status=~"5.."}[5m])) / sum(rate(docstore_registry_requests_total[5m])) * 100`
	openConnectionsQuery  = `sum(docstore_registry_connections_open)`
	createRateQuery       = `sum(rate(docstore_registry_connections_created_total[5m])) by (outcome)`
	removalRateQuery      = `sum(rate(docstore_registry_connections_removed_total[5m])) by (cause)`
	driverLatencyP95Query = `histogram_quantile(0.95, sum(rate(docstore_registry_driver_latency_seconds_bucket[5m])) by (le, operation))`

	defaultStep   = time.Minute
	defaultWindow = time.Hour
	queryTimeout  = 5 * time.Second
)

var errPrometheusNotConfigured = errors.New("prometheus not configured")

type prometheusStatsHandler struct {
	api promv1.API
	err error
	now func() time.Time
}

type timeSeriesPoint struct {
	Timestamp string   `json:"timestamp"`
	Value     *float64 `json:"value"`
}

type timeSeriesResponse struct {
	Metric string            `json:"metric"`
	Unit   string            `json:"unit"`
	Data   []timeSeriesPoint `json:"data"`
}

type labeledSeries struct {
	Label string            `json:"label"`
	Data  []timeSeriesPoint `json:"data"`
}

type multiSeriesResponse struct {
	Metric string          `json:"metric"`
	Unit   string          `json:"unit"`
	Series []labeledSeries `json:"series"`
}

func newPrometheusStatsHandler(cfg *config.Config) *prometheusStatsHandler {
	h := &prometheusStatsHandler{now: time.Now, err: errPrometheusNotConfigured}
	if cfg == nil || strings.TrimSpace(cfg.PrometheusURL) == "" {
		return h
	}
	client, err := promapi.NewClient(promapi.Config{Address: strings.TrimSpace(cfg.PrometheusURL)})
	if err != nil {
		h.err = fmt.Errorf("invalid Prometheus URL: %w", err)
		return h
	}
	h.api = promv1.NewAPI(client)
	h.err = nil
	return h
}

func (h *prometheusStatsHandler) rangeHandler(promQL, metric, unit string) gin.HandlerFunc {
	return func(c *gin.Context) {
		matrix, ok := h.query(c, promQL)
		if !ok {
			return
		}
		resp := timeSeriesResponse{Metric: metric, Unit: unit, Data: []timeSeriesPoint{}}
		if len(matrix) > 0 {
			resp.Data = convertPoints(matrix[0].Values)
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *prometheusStatsHandler) multiSeriesHandler(promQL, metric, unit, labelKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		matrix, ok := h.query(c, promQL)
		if !ok {
			return
		}
		resp := multiSeriesResponse{Metric: metric, Unit: unit, Series: []labeledSeries{}}
		for _, stream := range matrix {
			label := strings.TrimSpace(string(stream.Metric[model.LabelName(labelKey)]))
			if label == "" {
				label = "unknown"
			}
			resp.Series = append(resp.Series, labeledSeries{Label: label, Data: convertPoints(stream.Values)})
		}
		c.JSON(http.StatusOK, resp)
	}
}

// query runs promQL over the request's range and writes an error response on failure.
func (h *prometheusStatsHandler) query(c *gin.Context, promQL string) (model.Matrix, bool) {
	if h.err != nil {
		h.writePrometheusError(c, h.err)
		return nil, false
	}
	r, err := h.resolveRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return nil, false
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()
	value, warnings, err := h.api.QueryRange(ctx, promQL, r)
	if err != nil {
		h.writePrometheusError(c, err)
		return nil, false
	}
	if len(warnings) > 0 {
		log.Debug("Prometheus query warnings", "query", promQL, "warnings", warnings)
	}
	matrix, ok := value.(model.Matrix)
	if !ok {
		h.writePrometheusError(c, fmt.Errorf("unexpected Prometheus result type %s", value.Type()))
		return nil, false
	}
	return matrix, true
}

func (h *prometheusStatsHandler) resolveRange(c *gin.Context) (promv1.Range, error) {
	now := h.now().UTC()
	r := promv1.Range{Start: now.Add(-defaultWindow), End: now, Step: defaultStep}

	var err error
	if raw := strings.TrimSpace(c.Query("start")); raw != "" {
		if r.Start, err = parseTimestamp(raw); err != nil {
			return r, fmt.Errorf("invalid start: %w", err)
		}
	}
	if raw := strings.TrimSpace(c.Query("end")); raw != "" {
		if r.End, err = parseTimestamp(raw); err != nil {
			return r, fmt.Errorf("invalid end: %w", err)
		}
	}
	if raw := strings.TrimSpace(c.Query("step")); raw != "" {
		if r.Step, err = time.ParseDuration(raw); err != nil || r.Step <= 0 {
			return r, fmt.Errorf("invalid step %q", raw)
		}
	}
	if !r.End.After(r.Start) {
		return r, errors.New("end must be after start")
	}
	return r, nil
}

// parseTimestamp accepts RFC 3339 or unix seconds, as the Prometheus HTTP API does.
func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported timestamp %q", raw)
	}
	sec, frac := math.Modf(seconds)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
}

func (h *prometheusStatsHandler) writePrometheusError(c *gin.Context, err error) {
	if errors.Is(err, errPrometheusNotConfigured) {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Prometheus not configured",
			"code":  "prometheus_not_configured",
			"details": gin.H{
				"message": "Prometheus is not configured. Set --prometheus-url to enable admin stats.",
			},
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": "Prometheus unavailable",
		"code":  "prometheus_unavailable",
		"details": gin.H{
			"message": err.Error(),
		},
	})
}

// convertPoints maps samples to JSON points; NaN and infinities become null.
func convertPoints(pairs []model.SamplePair) []timeSeriesPoint {
	out := make([]timeSeriesPoint, 0, len(pairs))
	for _, p := range pairs {
		point := timeSeriesPoint{Timestamp: p.Timestamp.Time().UTC().Format(time.RFC3339)}
		if v := float64(p.Value); !math.IsNaN(v) && !math.IsInf(v, 0) {
			point.Value = &v
		}
		out = append(out, point)
	}
	return out
}
