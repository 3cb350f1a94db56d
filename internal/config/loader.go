package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// validLLMProviders lists known caption-enrichment provider names. Used by
// [Validate] to warn about likely typos.
var validLLMProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found. Suspicious but legal
// combinations are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("server.history_limit %d must not be negative", cfg.Server.HistoryLimit))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameMs < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d must not be negative", cfg.Audio.FrameMs))
	}
	if cfg.Audio.SilenceFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.silence_frames %d must not be negative", cfg.Audio.SilenceFrames))
	}
	if cfg.Audio.MaxConcurrentInference < 0 {
		errs = append(errs, fmt.Errorf("audio.max_concurrent_inference %d must not be negative", cfg.Audio.MaxConcurrentInference))
	}

	// Engine
	switch {
	case cfg.Engine.Name == "":
		errs = append(errs, errors.New("engine.name is required; valid values: vosk, whisper, mock"))
	case !cfg.Engine.Name.IsValid():
		errs = append(errs, fmt.Errorf("engine.name %q is invalid; valid values: vosk, whisper, mock", cfg.Engine.Name))
	case cfg.Engine.Name == EngineVosk && cfg.Engine.URL == "":
		errs = append(errs, errors.New("engine.url is required when engine.name is vosk"))
	case cfg.Engine.Name == EngineWhisper && cfg.Engine.ModelPath == "":
		errs = append(errs, errors.New("engine.model_path is required when engine.name is whisper"))
	}
	if cfg.Engine.Name == EngineMock {
		slog.Warn("engine.name is mock; captions will be empty, use only for development")
	}

	// Postprocess
	if t := cfg.Postprocess.StutterThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("postprocess.stutter_threshold %.2f is out of range [0, 1]", t))
	}
	if name := cfg.Postprocess.LLM.Provider; name != "" && !slices.Contains(validLLMProviders, name) {
		slog.Warn("unknown LLM provider name — may be a typo or third-party provider",
			"name", name,
			"known", validLLMProviders,
		)
	}

	// Archive
	if cfg.Archive.Embeddings.Provider != "" && cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.embeddings is configured but archive.postgres_dsn is empty; similarity search will not be available")
	}
	if cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.postgres_dsn is empty; captions will not be persisted")
	}

	// Discord
	if d := cfg.Discord; d != nil {
		if d.Token == "" {
			errs = append(errs, errors.New("discord.token is required when the discord block is present"))
		}
		if d.GuildID == "" {
			errs = append(errs, errors.New("discord.guild_id is required when the discord block is present"))
		}
		if d.ChannelID == "" {
			errs = append(errs, errors.New("discord.channel_id is required when the discord block is present"))
		}
	}

	return errors.Join(errs...)
}
