package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	SyncedProjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synced_projects",
		Help: "Количество проектов WhitePress после последней синхронизации",
	})
	SelectionRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "selection_runs_total",
		Help: "Количество прогонов подбора кампаний",
	}, []string{"strategy", "outcome"})
	PipelineStageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Длительность этапа конвейера для одной позиции",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage", "status"})
	PipelineItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_items_total",
		Help: "Количество обработанных позиций конвейера",
	}, []string{"mode", "result"})
	PublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_total",
		Help: "Количество отправок артикулов в публикацию",
	}, []string{"result"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 240, 300},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	WorkflowDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workflow_run_duration_seconds",
		Help:    "Длительность блокирующего запуска workflow Dify",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 180, 300, 600},
	}, []string{"workflow", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		SyncedProjects,
		SelectionRunsTotal,
		PipelineStageDuration,
		PipelineItemsTotal,
		PublishTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
		WorkflowDuration,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObservePipelineStage записывает длительность этапа конвейера для позиции.
func ObservePipelineStage(stage string, start time.Time, err error) {
	status := "done"
	if err != nil {
		status = "error"
	}
	PipelineStageDuration.WithLabelValues(stage, status).Observe(time.Since(start).Seconds())
}

// ObserveWorkflow записывает длительность запуска workflow.
func ObserveWorkflow(workflow string, start time.Time, succeeded bool) {
	status := "succeeded"
	if !succeeded {
		status = "failed"
	}
	WorkflowDuration.WithLabelValues(workflow, status).Observe(time.Since(start).Seconds())
}

// IncPipelineItem увеличивает счётчик обработанных позиций.
func IncPipelineItem(mode, result string) {
	PipelineItemsTotal.WithLabelValues(mode, result).Inc()
}

// IncPublish увеличивает счётчик публикаций.
func IncPublish(result string) {
	PublishTotal.WithLabelValues(result).Inc()
}
