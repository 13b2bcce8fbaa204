package autosave

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func staticSnapshot(v any) SnapshotFunc {
	return func() (any, bool) { return v, v != nil }
}

func TestSaveNowSuccessTransitions(t *testing.T) {
	s := NewScheduler(nil)
	var seen []State
	var mu sync.Mutex
	s.AddListener("form1", func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	ok := s.SaveNow("form1", func(ctx context.Context, snapshot any) (bool, error) {
		return true, nil
	}, staticSnapshot("draft"))
	if !ok {
		t.Fatalf("SaveNow reported failure")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("listener saw %d transitions, want 2", len(seen))
	}
	if !seen[0].IsSaving {
		t.Fatalf("first transition = %+v, want saving", seen[0])
	}
	final := seen[1]
	if final.IsSaving || final.HasUnsavedChanges || final.LastError != "" || final.LastSavedAt.IsZero() {
		t.Fatalf("final state = %+v", final)
	}
}

func TestSaveNowFailureKeepsLastSavedAt(t *testing.T) {
	s := NewScheduler(nil)
	calls := 0
	saveFn := func(ctx context.Context, snapshot any) (bool, error) {
		calls++
		if calls == 2 {
			return false, errors.New("backend down")
		}
		return true, nil
	}

	if !s.SaveNow("form1", saveFn, staticSnapshot("draft")) {
		t.Fatalf("first save failed")
	}
	stateAfterFirst, _ := s.State("form1")

	if s.SaveNow("form1", saveFn, staticSnapshot("draft")) {
		t.Fatalf("second save succeeded, want failure")
	}
	state, ok := s.State("form1")
	if !ok {
		t.Fatalf("no state for form1")
	}
	if state.IsSaving || !state.HasUnsavedChanges || state.LastError != "backend down" {
		t.Fatalf("failure state = %+v", state)
	}
	if !state.LastSavedAt.Equal(stateAfterFirst.LastSavedAt) {
		t.Fatalf("LastSavedAt changed on failure: %v -> %v", stateAfterFirst.LastSavedAt, state.LastSavedAt)
	}
}

// Alternating success, failure, success across three attempts walks the
// documented state sequence and advances LastSavedAt only on successes.
func TestStateMachineAcrossAlternatingAttempts(t *testing.T) {
	s := NewScheduler(nil)
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	s.clock = func() time.Time {
		now = now.Add(time.Minute)
		return now
	}

	calls := 0
	saveFn := func(ctx context.Context, snapshot any) (bool, error) {
		calls++
		if calls == 2 {
			return false, errors.New("flaky")
		}
		return true, nil
	}

	if !s.SaveNow("form1", saveFn, staticSnapshot("draft")) {
		t.Fatalf("attempt 1 failed")
	}
	first, _ := s.State("form1")

	if s.SaveNow("form1", saveFn, staticSnapshot("draft")) {
		t.Fatalf("attempt 2 succeeded")
	}
	second, _ := s.State("form1")
	if !second.LastSavedAt.Equal(first.LastSavedAt) {
		t.Fatalf("LastSavedAt advanced on failed attempt")
	}
	if !second.HasUnsavedChanges || second.LastError == "" {
		t.Fatalf("failed attempt state = %+v", second)
	}

	if !s.SaveNow("form1", saveFn, staticSnapshot("draft")) {
		t.Fatalf("attempt 3 failed")
	}
	third, _ := s.State("form1")
	if !third.LastSavedAt.After(first.LastSavedAt) {
		t.Fatalf("LastSavedAt did not advance on recovery")
	}
	if third.HasUnsavedChanges || third.LastError != "" {
		t.Fatalf("recovered state = %+v", third)
	}
}

func TestEmptySnapshotSkipsSave(t *testing.T) {
	s := NewScheduler(nil)
	saved := false
	ok := s.SaveNow("form1", func(ctx context.Context, snapshot any) (bool, error) {
		saved = true
		return true, nil
	}, func() (any, bool) { return nil, false })
	if ok || saved {
		t.Fatalf("empty snapshot triggered a save")
	}
	if state, exists := s.State("form1"); exists && state.IsSaving {
		t.Fatalf("skipped attempt left state = %+v", state)
	}
}

func TestTimerLoopSurvivesFailuresAndPanics(t *testing.T) {
	s := NewScheduler(nil)
	var mu sync.Mutex
	calls := 0
	saveFn := func(ctx context.Context, snapshot any) (bool, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			return false, errors.New("boom")
		case 2:
			panic("saveFn exploded")
		default:
			return true, nil
		}
	}

	if err := s.Start("form1", saveFn, staticSnapshot("draft"), 10*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop("form1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	n := calls
	mu.Unlock()
	if n < 3 {
		t.Fatalf("loop stopped after failure, %d calls", n)
	}
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if state, _ := s.State("form1"); state.LastError == "" && !state.LastSavedAt.IsZero() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, _ := s.State("form1")
	t.Fatalf("loop never recovered, state = %+v", state)
}

func TestStopCancelsLoopAndKeepsState(t *testing.T) {
	s := NewScheduler(nil)
	var mu sync.Mutex
	calls := 0
	if err := s.Start("form1", func(ctx context.Context, snapshot any) (bool, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return true, nil
	}, staticSnapshot("draft"), 10*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop("form1")
	if s.IsRunning("form1") {
		t.Fatalf("loop still running after Stop")
	}
	mu.Lock()
	before := calls
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := calls
	mu.Unlock()
	if after != before {
		t.Fatalf("ticks continued after Stop: %d -> %d", before, after)
	}
	if state, ok := s.State("form1"); !ok || state.LastSavedAt.IsZero() {
		t.Fatalf("state lost after Stop: %+v, %v", state, ok)
	}

	// Stop is idempotent, including on unknown ids.
	s.Stop("form1")
	s.Stop("never-started")
}

func TestStartReplacesExistingLoop(t *testing.T) {
	s := NewScheduler(nil)
	var mu sync.Mutex
	firstCalls, secondCalls := 0, 0

	if err := s.Start("form1", func(ctx context.Context, snapshot any) (bool, error) {
		mu.Lock()
		firstCalls++
		mu.Unlock()
		return true, nil
	}, staticSnapshot("draft"), 10*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start("form1", func(ctx context.Context, snapshot any) (bool, error) {
		mu.Lock()
		secondCalls++
		mu.Unlock()
		return true, nil
	}, staticSnapshot("draft"), 10*time.Millisecond); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.Stop("form1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := secondCalls
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if secondCalls < 2 {
		t.Fatalf("replacement loop ran %d times", secondCalls)
	}
	// The first loop may squeeze in one tick before it is replaced, but it
	// must not keep ticking.
	if firstCalls > 1 {
		t.Fatalf("replaced loop kept ticking: %d calls", firstCalls)
	}
}

func TestRemoveListener(t *testing.T) {
	s := NewScheduler(nil)
	var mu sync.Mutex
	notified := 0
	remove := s.AddListener("form1", func(State) {
		mu.Lock()
		notified++
		mu.Unlock()
	})
	s.MarkDirty("form1")
	remove()
	s.MarkDirty("form1")

	mu.Lock()
	defer mu.Unlock()
	if notified != 1 {
		t.Fatalf("listener notified %d times, want 1", notified)
	}
}

func TestDraftWatcherMarksDirty(t *testing.T) {
	s := NewScheduler(nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "draft.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("seed draft: %v", err)
	}

	w, err := NewDraftWatcher(s, "form1", path, nil)
	if err != nil {
		t.Fatalf("NewDraftWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`{"title":"x"}`), 0o644); err != nil {
		t.Fatalf("write draft: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, ok := s.State("form1"); ok && state.HasUnsavedChanges {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("draft change never marked form dirty")
}
