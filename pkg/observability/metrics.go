package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRecordsTotal   = "vulndetect.records.total"
	metricStageDuration  = "vulndetect.stage.duration.seconds"
	metricFindingsTotal  = "vulndetect.findings.total"
	metricPollAttempts   = "vulndetect.scan.polls"
	metricInflightRecord = "vulndetect.records.inflight"

	attrOutcome = "outcome"
	attrStage   = "stage"
	attrLabel   = "label"
	attrStatus  = "status"
)

// stageBuckets covers sub-second patching up to multi-minute remote scans.
var stageBuckets = []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800}

var pollBuckets = []float64{1, 2, 5, 10, 15, 20, 30, 60}

// PipelineMetrics holds the instruments recorded by the pipeline driver.
type PipelineMetrics struct {
	records  metric.Int64Counter
	stages   metric.Float64Histogram
	findings metric.Int64Counter
	polls    metric.Int64Histogram
	inflight metric.Int64UpDownCounter
}

// NewPipelineMetrics creates the pipeline instruments from mt.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	records, err := mt.Int64Counter(metricRecordsTotal,
		metric.WithDescription("Records processed, by outcome"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRecordsTotal, err)
	}

	stages, err := mt.Float64Histogram(metricStageDuration,
		metric.WithDescription("Duration of one pipeline stage"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricStageDuration, err)
	}

	findings, err := mt.Int64Counter(metricFindingsTotal,
		metric.WithDescription("Findings attributed to target files"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricFindingsTotal, err)
	}

	polls, err := mt.Int64Histogram(metricPollAttempts,
		metric.WithDescription("Status polls spent per scan job"),
		metric.WithUnit("{poll}"),
		metric.WithExplicitBucketBoundaries(pollBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricPollAttempts, err)
	}

	inflight, err := mt.Int64UpDownCounter(metricInflightRecord,
		metric.WithDescription("Records currently being processed"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricInflightRecord, err)
	}

	return &PipelineMetrics{
		records:  records,
		stages:   stages,
		findings: findings,
		polls:    polls,
		inflight: inflight,
	}, nil
}

// RecordOutcome counts one finished record.
func (pm *PipelineMetrics) RecordOutcome(ctx context.Context, outcome, label string) {
	pm.records.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrOutcome, outcome),
		attribute.String(attrLabel, label),
	))
}

// RecordStage records the duration of one stage.
func (pm *PipelineMetrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	pm.stages.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String(attrStage, stage)))
}

// RecordFindings counts correlated findings for a label.
func (pm *PipelineMetrics) RecordFindings(ctx context.Context, label string, n int) {
	pm.findings.Add(ctx, int64(n), metric.WithAttributes(attribute.String(attrLabel, label)))
}

// RecordPolls records how many polls a job took to reach status.
func (pm *PipelineMetrics) RecordPolls(ctx context.Context, status string, n int) {
	pm.polls.Record(ctx, int64(n), metric.WithAttributes(attribute.String(attrStatus, status)))
}

// TrackInflight increments the in-flight gauge and returns its decrement.
func (pm *PipelineMetrics) TrackInflight(ctx context.Context) func() {
	pm.inflight.Add(ctx, 1)

	return func() {
		pm.inflight.Add(ctx, -1)
	}
}
