// Package autosave runs periodic save loops for dirty form drafts and
// exposes each loop's state to synchronous listeners.
package autosave

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultInterval = 30 * time.Second

	saveTimeout = 15 * time.Second
)

// SaveFunc persists a snapshot. A false result without an error means the
// backend rejected the save; both count as a failed attempt.
type SaveFunc func(ctx context.Context, snapshot any) (bool, error)

// SnapshotFunc captures the current draft. Returning ok=false skips the
// tick entirely with no state transition.
type SnapshotFunc func() (snapshot any, ok bool)

// State is the observable save status of one form.
type State struct {
	IsSaving          bool
	LastSavedAt       time.Time
	HasUnsavedChanges bool
	LastError         string
}

// Listener receives a copy of the state after every transition.
type Listener func(State)

// form tracks one formID. The entry outlives Stop so the last-known state
// stays queryable.
type form struct {
	id string

	mu           sync.Mutex
	state        State
	listeners    map[int]Listener
	nextListener int

	// saveMu serializes save attempts for the form. A tick that fires while
	// the previous save is still in flight waits rather than racing it.
	saveMu sync.Mutex

	stop chan struct{}
}

// Scheduler owns the per-form timer loops. One instance per client; state
// is never shared through package globals.
type Scheduler struct {
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	forms map[string]*form
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		clock:  time.Now,
		forms:  map[string]*form{},
	}
}

func (s *Scheduler) formFor(formID string) *form {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forms[formID]
	if !ok {
		f = &form{id: formID, listeners: map[int]Listener{}}
		s.forms[formID] = f
	}
	return f
}

// Start begins a repeating save loop for formID, stopping any loop already
// running for it. Each tick snapshots the draft and saves it when the
// snapshot is non-empty.
func (s *Scheduler) Start(formID string, saveFn SaveFunc, snapshotFn SnapshotFunc, interval time.Duration) error {
	formID = strings.TrimSpace(formID)
	if formID == "" || saveFn == nil || snapshotFn == nil {
		return fmt.Errorf("form id, save function and snapshot function are required")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	f := s.formFor(formID)

	f.mu.Lock()
	if f.stop != nil {
		close(f.stop)
	}
	stop := make(chan struct{})
	f.stop = stop
	f.mu.Unlock()

	s.logger.Debug("auto-save loop started", "form", formID, "interval", interval)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.attempt(f, saveFn, snapshotFn)
			}
		}
	}()
	return nil
}

// Stop cancels the timer loop for formID. The last-known state is kept.
func (s *Scheduler) Stop(formID string) {
	s.mu.Lock()
	f, ok := s.forms[strings.TrimSpace(formID)]
	s.mu.Unlock()
	if !ok {
		return
	}
	f.mu.Lock()
	if f.stop != nil {
		close(f.stop)
		f.stop = nil
	}
	f.mu.Unlock()
	s.logger.Debug("auto-save loop stopped", "form", formID)
}

// StopAll cancels every running loop.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	forms := make([]*form, 0, len(s.forms))
	for _, f := range s.forms {
		forms = append(forms, f)
	}
	s.mu.Unlock()
	for _, f := range forms {
		s.Stop(f.id)
	}
}

// SaveNow performs one save attempt immediately, outside the timer, and
// reports whether it succeeded. A skipped attempt (empty snapshot) counts
// as not saved.
func (s *Scheduler) SaveNow(formID string, saveFn SaveFunc, snapshotFn SnapshotFunc) bool {
	formID = strings.TrimSpace(formID)
	if formID == "" || saveFn == nil || snapshotFn == nil {
		return false
	}
	return s.attempt(s.formFor(formID), saveFn, snapshotFn)
}

// State returns the last-known state for formID.
func (s *Scheduler) State(formID string) (State, bool) {
	s.mu.Lock()
	f, ok := s.forms[strings.TrimSpace(formID)]
	s.mu.Unlock()
	if !ok {
		return State{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, true
}

// IsRunning reports whether a timer loop is active for formID.
func (s *Scheduler) IsRunning(formID string) bool {
	s.mu.Lock()
	f, ok := s.forms[strings.TrimSpace(formID)]
	s.mu.Unlock()
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stop != nil
}

// MarkDirty records that formID has unsaved changes. External change
// detectors feed this.
func (s *Scheduler) MarkDirty(formID string) {
	formID = strings.TrimSpace(formID)
	if formID == "" {
		return
	}
	s.transition(s.formFor(formID), func(st *State) {
		st.HasUnsavedChanges = true
	})
}

// AddListener registers cb for formID's state transitions and returns a
// function that removes it. Multiple listeners per form are supported.
func (s *Scheduler) AddListener(formID string, cb Listener) func() {
	formID = strings.TrimSpace(formID)
	if formID == "" || cb == nil {
		return func() {}
	}
	f := s.formFor(formID)
	f.mu.Lock()
	id := f.nextListener
	f.nextListener++
	f.listeners[id] = cb
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

// attempt runs one save pass. Attempts for the same form never overlap;
// a tick that fires mid-save waits its turn.
func (s *Scheduler) attempt(f *form, saveFn SaveFunc, snapshotFn SnapshotFunc) bool {
	f.saveMu.Lock()
	defer f.saveMu.Unlock()

	snapshot, ok := snapshotFn()
	if !ok || snapshot == nil {
		return false
	}

	s.transition(f, func(st *State) {
		st.IsSaving = true
	})

	saved, err := runSave(saveFn, snapshot)
	if err == nil && saved {
		now := s.clock()
		s.transition(f, func(st *State) {
			st.IsSaving = false
			st.LastSavedAt = now
			st.HasUnsavedChanges = false
			st.LastError = ""
		})
		s.logger.Debug("auto-save succeeded", "form", f.id)
		return true
	}

	message := "save rejected"
	if err != nil {
		message = err.Error()
	}
	s.transition(f, func(st *State) {
		st.IsSaving = false
		st.HasUnsavedChanges = true
		st.LastError = message
	})
	s.logger.Warn("auto-save failed", "form", f.id, "error", message)
	return false
}

// runSave shields the loop from a panicking save function.
func runSave(saveFn SaveFunc, snapshot any) (saved bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			saved = false
			err = fmt.Errorf("save panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	return saveFn(ctx, snapshot)
}

// transition applies mutate to the form state and notifies listeners
// synchronously, outside the state lock so listeners may query the
// scheduler.
func (s *Scheduler) transition(f *form, mutate func(*State)) {
	f.mu.Lock()
	mutate(&f.state)
	state := f.state
	listeners := make([]Listener, 0, len(f.listeners))
	for _, cb := range f.listeners {
		listeners = append(listeners, cb)
	}
	f.mu.Unlock()
	for _, cb := range listeners {
		cb(state)
	}
}
