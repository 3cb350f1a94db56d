package archive_test

import (
	"context"
	"os"
	"testing"

	"github.com/voxsub/voxsub/internal/archive"
	"github.com/voxsub/voxsub/internal/postprocess"
	embedmock "github.com/voxsub/voxsub/pkg/embed/mock"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXSUB_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXSUB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXSUB_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *archive.Store {
	t.Helper()
	ctx := context.Background()
	store, err := archive.NewStore(ctx, testDSN(t), &embedmock.Provider{Dim: 8}, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestSaveAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	caption := postprocess.Caption{
		Utterance: postprocess.Utterance{
			Room:       "room-archive-test",
			Speaker:    "alice",
			BlockID:    "b1",
			Text:       "hello world",
			SampleRate: 16000,
			Audio:      [][]int16{make([]int16, 16000)},
		},
		Display:   "Hello, world.",
		Sentences: []postprocess.Sentence{{Text: "Hello, world.", Emotion: "happy"}},
	}
	if err := store.Save(ctx, caption); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := store.Recent(ctx, "room-archive-test", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no entries returned")
	}
	got := entries[0]
	if got.Text != "Hello, world." || got.RawText != "hello world" {
		t.Errorf("entry = %+v", got)
	}
	if len(got.Sentences) != 1 || got.Sentences[0].Emotion != "happy" {
		t.Errorf("sentences = %+v", got.Sentences)
	}
	if got.Duration.Seconds() < 0.9 || got.Duration.Seconds() > 1.1 {
		t.Errorf("duration = %v, want ~1s", got.Duration)
	}
}

func TestSearchSimilar(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, text := range []string{"the cat sat", "completely unrelated"} {
		err := store.Save(ctx, postprocess.Caption{
			Utterance: postprocess.Utterance{Room: "room-search-test", Text: text},
			Display:   text,
		})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	// The mock embedder is deterministic, so an identical query embeds
	// identically and must rank its own row first.
	entries, err := store.SearchSimilar(ctx, "room-search-test", "the cat sat", 1)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "the cat sat" {
		t.Errorf("entries = %+v", entries)
	}
}
