package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/voxsub/voxsub/internal/consolidate"
	"github.com/voxsub/voxsub/internal/dsp"
	"github.com/voxsub/voxsub/internal/observe"
	"github.com/voxsub/voxsub/internal/postprocess"
	"github.com/voxsub/voxsub/internal/segment"
	"github.com/voxsub/voxsub/pkg/asr"
)

// Config holds pipeline construction parameters shared by all speakers.
type Config struct {
	// SampleRate of ingested PCM in Hz. Defaults to 16000.
	SampleRate int

	// FrameDuration is the segmenter frame length. Defaults to 100ms.
	FrameDuration time.Duration

	// SilenceFrames is the number of consecutive silent frames that close
	// an utterance. Defaults to 10.
	SilenceFrames int

	// MaxBlockDuration force-rotates a block that exceeds this length.
	// Zero disables rotation.
	MaxBlockDuration time.Duration

	// MaxConcurrentInference bounds engine calls across all speakers.
	// Defaults to 2.
	MaxConcurrentInference int64

	// EngineName labels engine error metrics.
	EngineName string

	// DSP configures the per-speaker audio conditioner.
	DSP dsp.Config

	// NewConditioner overrides conditioner construction when set. Each
	// pipeline needs its own instance. Used by tests and custom VAD setups.
	NewConditioner func() segment.Conditioner
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FrameDuration == 0 {
		c.FrameDuration = 100 * time.Millisecond
	}
	if c.SilenceFrames == 0 {
		c.SilenceFrames = 10
	}
	if c.MaxConcurrentInference == 0 {
		c.MaxConcurrentInference = 2
	}
	if c.EngineName == "" {
		c.EngineName = "unknown"
	}
	return c
}

// Manager owns one [Pipeline] per (room, speaker) pair and the shared
// inference semaphore. Safe for concurrent use.
type Manager struct {
	cfg     Config
	engine  asr.Engine
	chain   *postprocess.Chain
	sink    Sink
	archive Archiver
	metrics *observe.Metrics
	sem     *semaphore.Weighted
	log     *slog.Logger

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	closed    bool
}

// NewManager creates a pipeline manager. archiver may be nil to disable
// persistence.
func NewManager(engine asr.Engine, chain *postprocess.Chain, sink Sink, archiver Archiver, cfg Config, metrics *observe.Metrics, log *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Manager{
		cfg:       cfg,
		engine:    engine,
		chain:     chain,
		sink:      sink,
		archive:   archiver,
		metrics:   metrics,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentInference),
		log:       log,
		pipelines: make(map[string]*Pipeline),
	}
}

func pipelineKey(room, speaker string) string {
	return room + "\x00" + speaker
}

// Pipeline returns the pipeline for the given room and speaker, creating it
// on first use. Creation opens a fresh engine stream.
func (m *Manager) Pipeline(ctx context.Context, room, speaker string) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("pipeline manager is closed")
	}

	key := pipelineKey(room, speaker)
	if p, ok := m.pipelines[key]; ok {
		return p, nil
	}

	stream, err := m.engine.NewStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening engine stream for %s/%s: %w", room, speaker, err)
	}

	log := m.log.With("room", room, "speaker", speaker)
	pctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		room:       room,
		speaker:    speaker,
		sampleRate: m.cfg.SampleRate,
		engineName: m.cfg.EngineName,
		stream:     stream,
		cons:       consolidate.New(stream, m.sem, log, consolidate.WithMetrics(m.metrics, m.cfg.EngineName)),
		chain:      m.chain,
		sink:       m.sink,
		archiver:   m.archive,
		metrics:    m.metrics,
		log:        log,
		ctx:        pctx,
		cancel:     cancel,
		blocks:     make(map[string]*blockState),
	}

	var conditioner segment.Conditioner
	if m.cfg.NewConditioner != nil {
		conditioner = m.cfg.NewConditioner()
	} else {
		dspCfg := m.cfg.DSP
		if dspCfg == (dsp.Config{}) {
			dspCfg = dsp.DefaultConfig()
		}
		dspCfg.SampleRate = m.cfg.SampleRate
		conditioner = dsp.NewConditioner(dspCfg, nil)
	}

	p.seg = segment.New(segment.Config{
		SampleRate:       m.cfg.SampleRate,
		FrameDuration:    m.cfg.FrameDuration,
		SilenceFrames:    m.cfg.SilenceFrames,
		MaxBlockDuration: m.cfg.MaxBlockDuration,
	}, conditioner, p.onUpdate, log)

	m.pipelines[key] = p
	m.metrics.ActiveSpeakers.Add(ctx, 1)
	log.Info("speaker pipeline opened")
	return p, nil
}

// Release closes and removes the pipeline for the given room and speaker.
// It is a no-op when no such pipeline exists.
func (m *Manager) Release(ctx context.Context, room, speaker string) error {
	m.mu.Lock()
	key := pipelineKey(room, speaker)
	p, ok := m.pipelines[key]
	delete(m.pipelines, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.metrics.ActiveSpeakers.Add(ctx, -1)
	p.log.Info("speaker pipeline closed")
	return p.Close()
}

// Close shuts down all pipelines and rejects further use.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	pipelines := m.pipelines
	m.pipelines = make(map[string]*Pipeline)
	m.mu.Unlock()

	var errs []error
	for _, p := range pipelines {
		m.metrics.ActiveSpeakers.Add(ctx, -1)
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
