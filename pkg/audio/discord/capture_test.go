package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestSpeakerForFallsBackToSSRC(t *testing.T) {
	c := &Capture{ssrcUser: make(map[uint32]string)}

	if got := c.speakerFor(42); got != "ssrc-42" {
		t.Errorf("speakerFor(42) = %q, want %q", got, "ssrc-42")
	}

	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "alice", SSRC: 42})
	if got := c.speakerFor(42); got != "alice" {
		t.Errorf("speakerFor(42) after speaking update = %q, want %q", got, "alice")
	}

	// Updates without a user ID must not clobber the mapping.
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "", SSRC: 42})
	if got := c.speakerFor(42); got != "alice" {
		t.Errorf("speakerFor(42) = %q, want %q", got, "alice")
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Error("New accepted an empty token")
	}
}

func TestNewDefaultsRoomToChannel(t *testing.T) {
	c, err := New(Config{Token: "t", GuildID: "g", ChannelID: "chan"}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.cfg.Room != "chan" {
		t.Errorf("room = %q, want %q", c.cfg.Room, "chan")
	}
	if c.cfg.TargetRate != 16000 {
		t.Errorf("target rate = %d, want 16000", c.cfg.TargetRate)
	}
}
