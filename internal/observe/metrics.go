// Package observe provides application-wide observability primitives for
// voxsub: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxsub metrics.
const meterName = "github.com/voxsub/voxsub"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscribeDuration tracks one engine transcription call.
	TranscribeDuration metric.Float64Histogram

	// AdvanceDuration tracks one frontier advance, engine call included.
	AdvanceDuration metric.Float64Histogram

	// PostprocessDuration tracks caption post-processing latency.
	PostprocessDuration metric.Float64Histogram

	// --- Counters ---

	// IngestBytes counts raw PCM bytes accepted per room and speaker.
	IngestBytes metric.Int64Counter

	// BlocksOpened counts utterance blocks opened by the segmenter.
	BlocksOpened metric.Int64Counter

	// BlocksCompleted counts blocks that reached consolidation completion.
	BlocksCompleted metric.Int64Counter

	// ChunksFlushed counts mid-utterance chunk flushes.
	ChunksFlushed metric.Int64Counter

	// CaptionsBroadcast counts captions delivered to room members.
	CaptionsBroadcast metric.Int64Counter

	// EngineErrors counts transcription engine failures. Use with attribute:
	//   attribute.String("engine", ...)
	EngineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveBlocks tracks blocks currently between open and harvest.
	ActiveBlocks metric.Int64UpDownCounter

	// ActiveSpeakers tracks the number of live speaker pipelines.
	ActiveSpeakers metric.Int64UpDownCounter

	// RoomClients tracks connected websocket clients across all rooms.
	RoomClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for caption-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscribeDuration, err = m.Float64Histogram("voxsub.transcribe.duration",
		metric.WithDescription("Latency of one transcription engine call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AdvanceDuration, err = m.Float64Histogram("voxsub.advance.duration",
		metric.WithDescription("Latency of one block frontier advance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PostprocessDuration, err = m.Float64Histogram("voxsub.postprocess.duration",
		metric.WithDescription("Latency of caption post-processing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.IngestBytes, err = m.Int64Counter("voxsub.ingest.bytes",
		metric.WithDescription("Raw PCM bytes accepted by room and speaker."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BlocksOpened, err = m.Int64Counter("voxsub.blocks.opened",
		metric.WithDescription("Utterance blocks opened by the segmenter."),
	); err != nil {
		return nil, err
	}
	if met.BlocksCompleted, err = m.Int64Counter("voxsub.blocks.completed",
		metric.WithDescription("Blocks fully consolidated and harvested."),
	); err != nil {
		return nil, err
	}
	if met.ChunksFlushed, err = m.Int64Counter("voxsub.chunks.flushed",
		metric.WithDescription("Mid-utterance chunk flushes."),
	); err != nil {
		return nil, err
	}
	if met.CaptionsBroadcast, err = m.Int64Counter("voxsub.captions.broadcast",
		metric.WithDescription("Captions delivered to room members."),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("voxsub.engine.errors",
		metric.WithDescription("Transcription engine failures by engine."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveBlocks, err = m.Int64UpDownCounter("voxsub.active_blocks",
		metric.WithDescription("Blocks currently between open and harvest."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("voxsub.active_speakers",
		metric.WithDescription("Live speaker pipelines."),
	); err != nil {
		return nil, err
	}
	if met.RoomClients, err = m.Int64UpDownCounter("voxsub.room_clients",
		metric.WithDescription("Connected websocket clients across all rooms."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxsub.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordIngest records accepted PCM bytes for a room and speaker.
func (m *Metrics) RecordIngest(ctx context.Context, room, speaker string, bytes int) {
	m.IngestBytes.Add(ctx, int64(bytes),
		metric.WithAttributes(
			attribute.String("room", room),
			attribute.String("speaker", speaker),
		),
	)
}

// RecordEngineError records one transcription engine failure.
func (m *Metrics) RecordEngineError(ctx context.Context, engine string) {
	m.EngineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("engine", engine)),
	)
}

// RecordCaption records one caption broadcast to a room.
func (m *Metrics) RecordCaption(ctx context.Context, room string) {
	m.CaptionsBroadcast.Add(ctx, 1,
		metric.WithAttributes(attribute.String("room", room)),
	)
}
