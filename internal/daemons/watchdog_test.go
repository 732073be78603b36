package daemons

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/thandden/mediaserver/internal/data/repos/testutil"
)

func TestWatchDogStartRejectsBadParams(t *testing.T) {
	w := NewWatchDog(nil, testutil.Logger(t), nil)
	if err := w.Start(context.Background(), json.RawMessage(`not json`)); err == nil {
		t.Fatal("expected error for malformed params")
	}

	w = NewWatchDog(nil, testutil.Logger(t), nil)
	if err := w.Start(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing dir_path")
	}

	w = NewWatchDog(nil, testutil.Logger(t), nil)
	missing := filepath.Join(t.TempDir(), "gone")
	params, _ := json.Marshal(map[string]any{"dir_path": missing, "media_type": "MOVIE"})
	if err := w.Start(context.Background(), params); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestWatchDogIsSelfPaced(t *testing.T) {
	w := NewWatchDog(nil, testutil.Logger(t), nil)
	if w.IterationInterval() != 0 {
		t.Fatalf("watchdog must self-pace, got interval %s", w.IterationInterval())
	}
}
