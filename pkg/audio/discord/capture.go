// Package discord captures voice-channel audio from a Discord guild and
// delivers it as 16 kHz mono PCM per speaker. Incoming Opus packets are
// demuxed by SSRC, decoded with a per-speaker decoder, and downmixed and
// resampled before delivery.
package discord

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxsub/voxsub/pkg/audio"
)

// Config holds the Discord capture parameters.
type Config struct {
	// Token is the bot token (without the "Bot " prefix).
	Token string

	// GuildID and ChannelID identify the voice channel to capture.
	GuildID   string
	ChannelID string

	// Room is the caption room the captured audio feeds into. Defaults to
	// ChannelID.
	Room string

	// TargetRate is the delivered PCM sample rate in Hz. Defaults to 16000.
	TargetRate int
}

// Handler receives converted PCM for one speaker. Called from the receive
// goroutine; it must not block for long.
type Handler func(room, speaker string, pcm []int16)

// Capture joins a voice channel and streams per-speaker PCM to a [Handler].
type Capture struct {
	cfg     Config
	handler Handler
	log     *slog.Logger

	session *discordgo.Session
	vc      *discordgo.VoiceConnection

	mu       sync.Mutex
	ssrcUser map[uint32]string

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Capture. Call [Capture.Start] to connect.
func New(cfg Config, handler Handler, log *slog.Logger) (*Capture, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	if cfg.Room == "" {
		cfg.Room = cfg.ChannelID
	}
	if cfg.TargetRate == 0 {
		cfg.TargetRate = 16000
	}
	if log == nil {
		log = slog.Default()
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildVoiceStates

	return &Capture{
		cfg:      cfg,
		handler:  handler,
		log:      log,
		session:  session,
		ssrcUser: make(map[uint32]string),
		done:     make(chan struct{}),
	}, nil
}

// Start opens the gateway session, joins the voice channel muted, and
// begins receiving audio.
func (c *Capture) Start() error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	vc, err := c.session.ChannelVoiceJoin(c.cfg.GuildID, c.cfg.ChannelID, true, false)
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("discord: join voice channel %s/%s: %w", c.cfg.GuildID, c.cfg.ChannelID, err)
	}
	c.vc = vc

	// Speaking updates carry the SSRC to user mapping.
	vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop()
	c.log.Info("discord capture started",
		"guild", c.cfg.GuildID, "channel", c.cfg.ChannelID, "room", c.cfg.Room)
	return nil
}

// Close leaves the voice channel and closes the gateway session. Safe to
// call more than once.
func (c *Capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.vc != nil {
			err = c.vc.Disconnect()
		}
		if cerr := c.session.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (c *Capture) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.mu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.mu.Unlock()
}

// speakerFor resolves an SSRC to a user ID, falling back to the SSRC itself
// until a speaking update identifies the stream.
func (c *Capture) speakerFor(ssrc uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if user, ok := c.ssrcUser[ssrc]; ok {
		return user
	}
	return "ssrc-" + strconv.FormatUint(uint64(ssrc), 10)
}

// recvLoop demuxes incoming Opus packets by SSRC, decodes them, converts to
// the target format, and hands the PCM to the handler. Each SSRC keeps its
// own decoder and converter state.
func (c *Capture) recvLoop() {
	decoders := make(map[uint32]*opusDecoder)
	converters := make(map[uint32]*audio.Converter)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					c.log.Error("creating opus decoder failed", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}
			conv, exists := converters[pkt.SSRC]
			if !exists {
				conv = &audio.Converter{Target: audio.Format{SampleRate: c.cfg.TargetRate, Channels: 1}}
				converters[pkt.SSRC] = conv
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				c.log.Warn("opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}

			frame := conv.Convert(audio.AudioFrame{
				PCM:        pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
			})
			c.handler(c.cfg.Room, c.speakerFor(pkt.SSRC), frame.PCM)
		}
	}
}
