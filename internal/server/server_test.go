package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxsub/voxsub/internal/archive"
	"github.com/voxsub/voxsub/internal/observe"
	"github.com/voxsub/voxsub/internal/pipeline"
	"github.com/voxsub/voxsub/internal/postprocess"
	"github.com/voxsub/voxsub/internal/segment"
	"github.com/voxsub/voxsub/pkg/asr"
	asrmock "github.com/voxsub/voxsub/pkg/asr/mock"
	"github.com/voxsub/voxsub/pkg/audio"
)

// budgetConditioner votes speech for the first speechFrames frames, then
// silence forever.
type budgetConditioner struct {
	speechFrames int
	seen         int
}

func (c *budgetConditioner) Condition(frame []int16) ([]float32, bool) {
	c.seen++
	return audio.ToFloat32(frame), c.seen <= c.speechFrames
}

type stubStore struct {
	entries []archive.Entry
	err     error
}

func (s *stubStore) Recent(_ context.Context, _ string, _ int) ([]archive.Entry, error) {
	return s.entries, s.err
}

func (s *stubStore) SearchSimilar(_ context.Context, _, _ string, _ int) ([]archive.Entry, error) {
	return s.entries, s.err
}

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newTestServer runs the full server over a scripted engine at a 1 kHz
// sample rate (100-sample frames).
func newTestServer(t *testing.T, engine asr.Engine, store TranscriptStore) (*httptest.Server, *Hub) {
	t.Helper()
	metrics := newTestMetrics(t)
	hub := NewHub(0, metrics, slog.Default())
	chain := postprocess.NewChain(postprocess.NewNormalizer(), nil, slog.Default())
	manager := pipeline.NewManager(engine, chain, hub, nil, pipeline.Config{
		SampleRate:    1000,
		FrameDuration: 100 * time.Millisecond,
		SilenceFrames: 10,
		EngineName:    "mock",
		NewConditioner: func() segment.Conditioner {
			return &budgetConditioner{speechFrames: 3}
		},
	}, metrics, slog.Default())
	t.Cleanup(func() { _ = manager.Close(context.Background()) })

	srv := New(Config{OriginPatterns: []string{"*"}}, manager, hub, store, nil, metrics, slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, hub
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
}

func sendMessage(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("websocket write: %v", err)
	}
}

func TestWebsocketAudioProducesBroadcast(t *testing.T) {
	engine := &asrmock.Engine{Script: []asr.Result{
		{Text: "hello world", Final: true},
	}}
	ts, _ := newTestServer(t, engine, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/lobby"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// 3 speech frames then enough silence to close the utterance.
	pcm := audio.EncodePCM16(make([]int16, 1500))
	sendMessage(t, ctx, conn, map[string]any{
		"type":    "audio_chunk",
		"user_id": "alice",
		"data":    base64.StdEncoding.EncodeToString(pcm),
	})

	var msg struct {
		Type    string `json:"type"`
		UserID  string `json:"user_id"`
		Text    string `json:"text"`
		History []struct {
			Text string `json:"text"`
		} `json:"history"`
	}
	readMessage(t, ctx, conn, &msg)

	if msg.Type != "new_text" {
		t.Errorf("message type = %q, want %q", msg.Type, "new_text")
	}
	if msg.UserID != "alice" {
		t.Errorf("user_id = %q, want %q", msg.UserID, "alice")
	}
	if msg.Text != "hello world" {
		t.Errorf("text = %q, want %q", msg.Text, "hello world")
	}
	if len(msg.History) != 1 || msg.History[0].Text != "hello world" {
		t.Errorf("history = %+v, want one entry with the caption", msg.History)
	}
}

func TestWebsocketHistoryRequest(t *testing.T) {
	engine := &asrmock.Engine{}
	ts, hub := newTestServer(t, engine, nil)

	hub.Publish(context.Background(), postprocess.Caption{
		Utterance: postprocess.Utterance{Room: "lobby", Speaker: "bob"},
		Display:   "earlier caption",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/lobby"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendMessage(t, ctx, conn, map[string]any{"type": "get_history"})

	var msg struct {
		Type    string `json:"type"`
		History []struct {
			Text   string `json:"text"`
			UserID string `json:"user_id"`
		} `json:"history"`
	}
	readMessage(t, ctx, conn, &msg)

	if msg.Type != "text_history" {
		t.Errorf("message type = %q, want %q", msg.Type, "text_history")
	}
	if len(msg.History) != 1 || msg.History[0].Text != "earlier caption" {
		t.Errorf("history = %+v, want the published caption", msg.History)
	}
}

func TestHistoryTrimsToLimit(t *testing.T) {
	hub := NewHub(3, newTestMetrics(t), slog.Default())
	for i := 0; i < 5; i++ {
		hub.Publish(context.Background(), postprocess.Caption{
			Utterance: postprocess.Utterance{Room: "lobby", Speaker: "bob"},
			Display:   strings.Repeat("x", i+1),
		})
	}
	got := hub.History("lobby", 20)
	if len(got) != 3 {
		t.Fatalf("history length = %d, want 3", len(got))
	}
	if got[0].Text != "xxx" || got[2].Text != "xxxxx" {
		t.Errorf("history kept wrong entries: %+v", got)
	}
}

func TestTranscriptsEndpoint(t *testing.T) {
	store := &stubStore{entries: []archive.Entry{
		{Room: "lobby", Speaker: "alice", Text: "archived caption"},
	}}
	ts, _ := newTestServer(t, &asrmock.Engine{}, store)

	resp, err := http.Get(ts.URL + "/api/rooms/lobby/transcripts")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body transcriptsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Room != "lobby" || len(body.Entries) != 1 || body.Entries[0].Text != "archived caption" {
		t.Errorf("body = %+v, want the archived entry", body)
	}
}

func TestSearchEndpointRequiresQuery(t *testing.T) {
	ts, _ := newTestServer(t, &asrmock.Engine{}, &stubStore{})

	resp, err := http.Get(ts.URL + "/api/rooms/lobby/search")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestTranscriptsWithoutArchive(t *testing.T) {
	ts, _ := newTestServer(t, &asrmock.Engine{}, nil)

	resp, err := http.Get(ts.URL + "/api/rooms/lobby/transcripts")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestTranscriptsEndpointStoreError(t *testing.T) {
	ts, _ := newTestServer(t, &asrmock.Engine{}, &stubStore{err: errors.New("db down")})

	resp, err := http.Get(ts.URL + "/api/rooms/lobby/transcripts")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
}
