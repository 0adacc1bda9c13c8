// Package metrics exposes OpenTelemetry instruments for the query
// pipeline. Instruments are initialized lazily so importing the
// package has no cost when no meter provider is configured.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/querypilot/querypilot/pkg/models"
)

var meter = otel.Meter("querypilot")

var (
	questionsAdmitted  metric.Int64Counter
	rateLimitRejected  metric.Int64Counter
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	queriesTerminal    metric.Int64Counter
	auditWriteFailures metric.Int64Counter
	stageLatency       metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		questionsAdmitted, err = meter.Int64Counter(
			"questions_admitted_total",
			metric.WithDescription("Questions admitted past authorization and rate limiting"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rateLimitRejected, err = meter.Int64Counter(
			"ratelimit_rejected_total",
			metric.WithDescription("Questions rejected by rate limiting"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheHits, err = meter.Int64Counter(
			"result_cache_hits_total",
			metric.WithDescription("Questions answered from the result cache"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"result_cache_misses_total",
			metric.WithDescription("Cache lookups that fell through to the query pipeline"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		queriesTerminal, err = meter.Int64Counter(
			"queries_terminal_total",
			metric.WithDescription("Queries reaching a terminal status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		auditWriteFailures, err = meter.Int64Counter(
			"audit_write_failures_total",
			metric.WithDescription("Audit entries that could not be persisted"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stageLatency, err = meter.Float64Histogram(
			"pipeline_stage_duration_seconds",
			metric.WithDescription("Duration of individual query pipeline stages"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// RecordAdmitted records a question admitted into the pipeline.
func RecordAdmitted(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	questionsAdmitted.Add(ctx, 1)
}

// RecordRateLimited records a rate-limit rejection for a scope
// (principal or global).
func RecordRateLimited(ctx context.Context, scope string) {
	if initMetrics() != nil {
		return
	}
	rateLimitRejected.Add(ctx, 1,
		metric.WithAttributes(attribute.String("scope", scope)),
	)
}

// RecordCacheHit records a question served from the result cache.
func RecordCacheHit(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheHits.Add(ctx, 1)
}

// RecordCacheMiss records a cache lookup that missed.
func RecordCacheMiss(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheMisses.Add(ctx, 1)
}

// RecordQueryTerminal records a query reaching a terminal status.
func RecordQueryTerminal(ctx context.Context, status models.QueryStatus) {
	if initMetrics() != nil {
		return
	}
	queriesTerminal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", string(status))),
	)
}

// RecordAuditWriteFailure records a dropped audit entry.
func RecordAuditWriteFailure(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	auditWriteFailures.Add(ctx, 1)
}

// RecordStageLatency records how long one pipeline stage took.
func RecordStageLatency(ctx context.Context, stage models.Stage, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	stageLatency.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stage", string(stage))),
	)
}
