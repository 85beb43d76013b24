package ecs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type compositeObserver struct {
	observers []SchedulerObserver
}

func (c compositeObserver) StageCompleted(summary StageSummary) {
	for _, observer := range c.observers {
		observer.StageCompleted(summary)
	}
}

type loggingObserver struct {
	logger Logger
	format ObservationLogFormat
}

func newLoggingObserver(logger Logger, format ObservationLogFormat) SchedulerObserver {
	if logger == nil {
		return noopObserver{}
	}
	if format != ObservationLogFormatKeyValue {
		format = ObservationLogFormatJSON
	}
	return loggingObserver{logger: logger, format: format}
}

func (o loggingObserver) StageCompleted(summary StageSummary) {
	switch o.format {
	case ObservationLogFormatKeyValue:
		o.logKeyValue(summary)
	default:
		o.logJSON(summary)
	}
}

func (o loggingObserver) logJSON(summary StageSummary) {
	payload := summaryAttributes(summary)
	payload["duration_ms"] = float64(summary.Duration) / float64(time.Millisecond)
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.With("stage", summary.StageID).Error("stage summary marshal error", "err", err)
		return
	}
	o.logger.Info(string(data))
}

func (o loggingObserver) logKeyValue(summary StageSummary) {
	args := []any{
		"tick", summary.Tick,
		"duration", summary.Duration,
		"systems_total", summary.SystemsTotal,
		"systems_executed", summary.SystemsExecuted,
		"systems_skipped", summary.SystemsSkipped,
		"systems_failed", summary.SystemsFailed,
		"component_reads", strings.Join(componentNames(summary.ComponentReads), ","),
		"component_writes", strings.Join(componentNames(summary.ComponentWrites), ","),
	}
	if len(summary.ResourceReads) > 0 || len(summary.ResourceWrites) > 0 {
		args = append(args,
			"resource_reads", strings.Join(summary.ResourceReads, ","),
			"resource_writes", strings.Join(summary.ResourceWrites, ","),
		)
	}
	if summary.Error != nil {
		args = append(args, "error", summary.Error.Error())
	}
	o.logger.With("stage", summary.StageID).Info("stage summary", args...)
}

func summaryAttributes(summary StageSummary) map[string]any {
	attrs := map[string]any{
		"stage":            summary.StageID,
		"tick":             summary.Tick,
		"systems_total":    summary.SystemsTotal,
		"systems_executed": summary.SystemsExecuted,
		"systems_skipped":  summary.SystemsSkipped,
		"systems_failed":   summary.SystemsFailed,
		"component_reads":  componentNames(summary.ComponentReads),
		"component_writes": componentNames(summary.ComponentWrites),
		"resource_reads":   summary.ResourceReads,
		"resource_writes":  summary.ResourceWrites,
	}
	if len(summary.Failures) > 0 {
		failures := make([]map[string]any, 0, len(summary.Failures))
		for _, f := range summary.Failures {
			failures = append(failures, map[string]any{"system": f.System, "attempts": f.Attempts, "error": errString(f.Err)})
		}
		attrs["failures"] = failures
	}
	if summary.Error != nil {
		attrs["error"] = summary.Error.Error()
	}
	return attrs
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type prometheusObserver struct {
	collector PrometheusCollector
}

func (o prometheusObserver) StageCompleted(summary StageSummary) {
	o.collector.ObserveStage(summary)
}

type spanObserver struct {
	exporter SpanExporter
}

func (o spanObserver) StageCompleted(summary StageSummary) {
	o.exporter.ExportStage(summary)
}

func componentNames(types []ComponentType) []string {
	if len(types) == 0 {
		return nil
	}
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

func buildObserverChain(logger Logger, cfg InstrumentationConfig) SchedulerObserver {
	var observers []SchedulerObserver

	if cfg.Observer != nil {
		observers = append(observers, cfg.Observer)
	}

	obs := cfg.Observation

	if obs.EnableStructuredLogging {
		structuredLogger := obs.StructuredLogger
		if structuredLogger == nil {
			structuredLogger = logger
		}
		observers = append(observers, newLoggingObserver(structuredLogger, obs.LoggingFormat))
	}

	if obs.EnablePrometheus {
		collector := obs.PrometheusCollector
		if collector == nil {
			collector = NewPrometheusStageCollector(obs.PrometheusOptions)
		}
		observers = append(observers, prometheusObserver{collector: collector})
	}

	if obs.EnableSpans {
		exporter := obs.SpanExporter
		if exporter == nil {
			exporter = NewJSONSpanExporter(obs.SpanOptions)
		}
		observers = append(observers, spanObserver{exporter: exporter})
	}

	switch len(observers) {
	case 0:
		return noopObserver{}
	case 1:
		return observers[0]
	}
	return compositeObserver{observers: observers}
}

// PrometheusStageCollector keeps per-stage counters and renders them in the Prometheus
// text exposition format.
type PrometheusStageCollector struct {
	options *PrometheusCollectorOptions
	mu      sync.Mutex
	samples map[StageID]*stageSample
}

type stageSample struct {
	durationSum   float64
	durationCount float64
	buckets       []float64
	executed      float64
	skipped       float64
	failed        float64
	aborts        float64
}

func NewPrometheusStageCollector(opts *PrometheusCollectorOptions) *PrometheusStageCollector {
	if opts == nil {
		opts = &PrometheusCollectorOptions{}
	}
	return &PrometheusStageCollector{
		options: opts,
		samples: make(map[StageID]*stageSample),
	}
}

func (c *PrometheusStageCollector) ObserveStage(summary StageSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sample, ok := c.samples[summary.StageID]
	if !ok {
		sample = &stageSample{}
		if buckets := c.options.DurationBuckets; len(buckets) > 0 {
			sample.buckets = make([]float64, len(buckets))
		}
		c.samples[summary.StageID] = sample
	}
	durSeconds := summary.Duration.Seconds()
	sample.durationSum += durSeconds
	sample.durationCount++
	for i := range sample.buckets {
		if durSeconds <= c.options.DurationBuckets[i].Seconds() {
			sample.buckets[i]++
		}
	}
	sample.executed += float64(summary.SystemsExecuted)
	sample.skipped += float64(summary.SystemsSkipped)
	sample.failed += float64(summary.SystemsFailed)
	if summary.Error != nil {
		sample.aborts++
	}

	if writer := c.options.Writer; writer != nil {
		_ = c.writeMetricsLocked(writer)
	}
}

// WriteMetrics renders the current counters to w.
func (c *PrometheusStageCollector) WriteMetrics(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeMetricsLocked(w)
}

func (c *PrometheusStageCollector) writeMetricsLocked(w io.Writer) error {
	if w == nil {
		return nil
	}
	keys := make([]StageID, 0, len(c.samples))
	for key := range c.samples {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var buf bytes.Buffer
	buf.WriteString("# HELP ecs_stage_duration_seconds Stage execution duration, barrier included.\n")
	buf.WriteString("# TYPE ecs_stage_duration_seconds summary\n")
	for _, key := range keys {
		sample := c.samples[key]
		labels := fmt.Sprintf("stage=%q", string(key))
		fmt.Fprintf(&buf, "ecs_stage_duration_seconds_sum{%s} %f\n", labels, sample.durationSum)
		fmt.Fprintf(&buf, "ecs_stage_duration_seconds_count{%s} %f\n", labels, sample.durationCount)
		for i, bucket := range sample.buckets {
			le := c.options.DurationBuckets[i].Seconds()
			fmt.Fprintf(&buf, "ecs_stage_duration_seconds_bucket{%s,le=\"%.6f\"} %f\n", labels, le, bucket)
		}
	}

	counters := []struct {
		name  string
		help  string
		value func(*stageSample) float64
	}{
		{"ecs_stage_systems_executed_total", "Systems executed per stage.", func(s *stageSample) float64 { return s.executed }},
		{"ecs_stage_systems_skipped_total", "Systems skipped per stage.", func(s *stageSample) float64 { return s.skipped }},
		{"ecs_stage_systems_failed_total", "Systems that failed per stage.", func(s *stageSample) float64 { return s.failed }},
		{"ecs_stage_aborts_total", "Ticks aborted by the stage.", func(s *stageSample) float64 { return s.aborts }},
	}
	for _, counter := range counters {
		fmt.Fprintf(&buf, "# HELP %s %s\n", counter.name, counter.help)
		fmt.Fprintf(&buf, "# TYPE %s counter\n", counter.name)
		for _, key := range keys {
			fmt.Fprintf(&buf, "%s{stage=%q} %f\n", counter.name, string(key), counter.value(c.samples[key]))
		}
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// JSONSpanExporter writes one JSON span per stage summary, newline delimited.
type JSONSpanExporter struct {
	opts *SpanOptions
	mu   sync.Mutex
}

func NewJSONSpanExporter(opts *SpanOptions) *JSONSpanExporter {
	if opts == nil {
		opts = &SpanOptions{}
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "ecs-scheduler"
	}
	return &JSONSpanExporter{opts: opts}
}

func (e *JSONSpanExporter) ExportStage(summary StageSummary) {
	if e.opts.Writer == nil {
		return
	}
	span := map[string]any{
		"service_name": e.opts.ServiceName,
		"name":         "stage:" + string(summary.StageID),
		"timestamp":    time.Now().UnixNano(),
		"duration_ms":  float64(summary.Duration) / float64(time.Millisecond),
		"attributes":   summaryAttributes(summary),
	}
	payload, err := json.Marshal(span)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = e.opts.Writer.Write(append(payload, '\n'))
}

var (
	_ PrometheusCollector = (*PrometheusStageCollector)(nil)
	_ SpanExporter        = (*JSONSpanExporter)(nil)
)
