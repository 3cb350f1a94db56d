// Command voxsub is the live-caption server for room voice chat. It ingests
// speaker audio over websockets or Discord voice, segments speech, feeds a
// transcription engine incrementally, and broadcasts consolidated captions
// to room members.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxsub/voxsub/internal/archive"
	"github.com/voxsub/voxsub/internal/config"
	"github.com/voxsub/voxsub/internal/dsp"
	"github.com/voxsub/voxsub/internal/health"
	"github.com/voxsub/voxsub/internal/observe"
	"github.com/voxsub/voxsub/internal/pipeline"
	"github.com/voxsub/voxsub/internal/postprocess"
	"github.com/voxsub/voxsub/internal/server"
	"github.com/voxsub/voxsub/pkg/asr"
	asrmock "github.com/voxsub/voxsub/pkg/asr/mock"
	"github.com/voxsub/voxsub/pkg/asr/vosk"
	"github.com/voxsub/voxsub/pkg/asr/whisper"
	discordcap "github.com/voxsub/voxsub/pkg/audio/discord"
	"github.com/voxsub/voxsub/pkg/embed"
	oaembed "github.com/voxsub/voxsub/pkg/embed/openai"
	"github.com/voxsub/voxsub/pkg/llm"
	"github.com/voxsub/voxsub/pkg/llm/anyllm"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxsub: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxsub: %v\n", err)
		}
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Level(),
	}))
	slog.SetDefault(logger)

	slog.Info("voxsub starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"engine", cfg.Engine.Name,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry providers. The Prometheus bridge backs the /metrics route.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxsub",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("initialising telemetry failed", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	engine, err := buildEngine(cfg)
	if err != nil {
		slog.Error("building transcription engine failed", "err", err)
		return 1
	}
	defer func() {
		if err := engine.Close(); err != nil {
			slog.Warn("engine close error", "err", err)
		}
	}()

	chain, err := buildPostprocess(cfg, logger)
	if err != nil {
		slog.Error("building caption post-processing failed", "err", err)
		return 1
	}

	var (
		store    *archive.Store
		checkers []health.Checker
	)
	if cfg.Archive.PostgresDSN != "" {
		embedder, err := buildEmbedder(cfg)
		if err != nil {
			slog.Error("building embedding provider failed", "err", err)
			return 1
		}
		store, err = archive.NewStore(ctx, cfg.Archive.PostgresDSN, embedder, logger)
		if err != nil {
			slog.Error("connecting to transcript archive failed", "err", err)
			return 1
		}
		defer store.Close()
		checkers = append(checkers, health.Checker{Name: "archive", Check: store.Ping})
		slog.Info("transcript archive connected")
	}

	hub := server.NewHub(cfg.Server.HistoryLimit, metrics, logger)

	var archiver pipeline.Archiver
	var transcripts server.TranscriptStore
	if store != nil {
		archiver = store
		transcripts = store
	}

	denoise := true
	if cfg.Audio.Denoise != nil {
		denoise = *cfg.Audio.Denoise
	}
	manager := pipeline.NewManager(engine, chain, hub, archiver, pipeline.Config{
		SampleRate:             cfg.Audio.SampleRate,
		FrameDuration:          time.Duration(cfg.Audio.FrameMs) * time.Millisecond,
		SilenceFrames:          cfg.Audio.SilenceFrames,
		MaxBlockDuration:       time.Duration(cfg.Audio.MaxBlockSec) * time.Second,
		MaxConcurrentInference: cfg.Audio.MaxConcurrentInference,
		EngineName:             string(cfg.Engine.Name),
		DSP:                    dspConfig(cfg, denoise),
	}, metrics, logger)

	srv := server.New(server.Config{
		Addr:           cfg.Server.ListenAddr,
		OriginPatterns: cfg.Server.OriginPatterns,
	}, manager, hub, transcripts, health.New(checkers...), metrics, logger)

	// Discord capture (optional) feeds the same pipelines as websocket
	// clients.
	var capture *discordcap.Capture
	if d := cfg.Discord; d != nil {
		capture, err = discordcap.New(discordcap.Config{
			Token:      d.Token,
			GuildID:    d.GuildID,
			ChannelID:  d.ChannelID,
			Room:       d.Room,
			TargetRate: cfg.Audio.SampleRate,
		}, func(room, speaker string, pcm []int16) {
			p, err := manager.Pipeline(ctx, room, speaker)
			if err != nil {
				slog.Warn("opening discord speaker pipeline failed",
					"room", room, "speaker", speaker, "err", err)
				return
			}
			p.IngestSamples(pcm)
		}, logger)
		if err != nil {
			slog.Error("creating discord capture failed", "err", err)
			return 1
		}
		if err := capture.Start(); err != nil {
			slog.Error("starting discord capture failed", "err", err)
			return 1
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			slog.Error("http server error", "err", err)
			return 1
		}
		return 0
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if capture != nil {
		if err := capture.Close(); err != nil {
			slog.Warn("discord capture close error", "err", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := manager.Close(shutdownCtx); err != nil {
		slog.Warn("pipeline shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// buildEngine constructs the configured transcription backend.
func buildEngine(cfg *config.Config) (asr.Engine, error) {
	switch cfg.Engine.Name {
	case config.EngineVosk:
		var opts []vosk.Option
		if cfg.Audio.SampleRate != 0 {
			opts = append(opts, vosk.WithSampleRate(cfg.Audio.SampleRate))
		}
		return vosk.New(cfg.Engine.URL, opts...)
	case config.EngineWhisper:
		var opts []whisper.Option
		if cfg.Engine.Language != "" {
			opts = append(opts, whisper.WithLanguage(cfg.Engine.Language))
		}
		return whisper.New(cfg.Engine.ModelPath, opts...)
	case config.EngineMock:
		return &asrmock.Engine{}, nil
	default:
		return nil, fmt.Errorf("unsupported engine %q", cfg.Engine.Name)
	}
}

// buildPostprocess assembles the caption cleanup chain, including the LLM
// captioner when one is configured.
func buildPostprocess(cfg *config.Config, logger *slog.Logger) (*postprocess.Chain, error) {
	var normOpts []postprocess.NormalizerOption
	if cfg.Postprocess.StutterThreshold > 0 {
		normOpts = append(normOpts, postprocess.WithStutterThreshold(cfg.Postprocess.StutterThreshold))
	}
	normalizer := postprocess.NewNormalizer(normOpts...)

	var captioner *postprocess.Captioner
	if lc := cfg.Postprocess.LLM; lc.Provider != "" {
		provider, err := buildLLM(lc)
		if err != nil {
			return nil, err
		}
		var capOpts []postprocess.CaptionerOption
		if lc.Temperature != 0 {
			capOpts = append(capOpts, postprocess.WithTemperature(lc.Temperature))
		}
		if lc.MaxTokens != 0 {
			capOpts = append(capOpts, postprocess.WithMaxTokens(lc.MaxTokens))
		}
		captioner = postprocess.NewCaptioner(provider, capOpts...)
		slog.Info("caption enrichment enabled", "provider", lc.Provider, "model", lc.Model)
	}

	return postprocess.NewChain(normalizer, captioner, logger), nil
}

// buildLLM constructs the caption-enrichment provider.
func buildLLM(lc config.LLMConfig) (llm.Provider, error) {
	var opts []anyllmlib.Option
	if lc.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(lc.APIKey))
	}
	if lc.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(lc.BaseURL))
	}
	return anyllm.New(lc.Provider, lc.Model, opts...)
}

// buildEmbedder constructs the embedding provider for similarity search.
// Returns nil when none is configured; the archive then stores captions
// without vectors.
func buildEmbedder(cfg *config.Config) (embed.Provider, error) {
	ec := cfg.Archive.Embeddings
	switch ec.Provider {
	case "":
		return nil, nil
	case "openai":
		var opts []oaembed.Option
		if ec.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(ec.BaseURL))
		}
		return oaembed.New(ec.APIKey, ec.Model, opts...)
	default:
		return nil, fmt.Errorf("unsupported embeddings provider %q", ec.Provider)
	}
}

// dspConfig folds the audio config block into conditioner parameters. The
// pipeline fills remaining zeroes with the built-in defaults.
func dspConfig(cfg *config.Config, denoise bool) dsp.Config {
	base := dsp.DefaultConfig()
	base.Denoise = denoise
	if cfg.Audio.EnergyThreshold > 0 {
		base.EnergyThreshold = cfg.Audio.EnergyThreshold
	}
	if cfg.Audio.MinCentroidHz > 0 {
		base.MinCentroidHz = cfg.Audio.MinCentroidHz
	}
	return base
}
