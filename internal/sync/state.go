package sync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunState is the locally persisted record of recent passes
type RunState struct {
	Source      string     `json:"source"`
	LastResult  *RunResult `json:"last_result,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	Passes      int        `json:"passes"`
}

// StateTracker manages local run state
type StateTracker struct {
	state    *RunState
	filePath string
	mu       sync.RWMutex
	dirty    bool
}

// NewStateTracker creates a state tracker stored in dir. Each source gets
// its own file so switching sources does not mix histories.
func NewStateTracker(dir, source string) (*StateTracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	sourceHash := HashString(source)[:12]
	st := &StateTracker{
		filePath: filepath.Join(dir, "state-"+sourceHash+".json"),
		state:    &RunState{Source: source},
	}

	// A missing or unreadable file starts from empty state
	_ = st.load()

	if st.state.Source != source {
		st.state = &RunState{Source: source}
	}

	return st, nil
}

// load reads state from disk
func (st *StateTracker) load() error {
	data, err := os.ReadFile(st.filePath)
	if err != nil {
		return err
	}

	state := &RunState{}
	if err := json.Unmarshal(data, state); err != nil {
		return err
	}

	st.state = state
	return nil
}

// Save persists state to disk
func (st *StateTracker) Save() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.dirty {
		return nil
	}

	data, err := json.MarshalIndent(st.state, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(st.filePath, data, 0644); err != nil {
		return err
	}

	st.dirty = false
	return nil
}

// Record stores res as the latest pass
func (st *StateTracker) Record(res *RunResult) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.state.LastResult = res
	st.state.Passes++
	if res.Status == StatusSuccess {
		t := res.FinishedAt
		st.state.LastSuccess = &t
	}
	st.dirty = true
}

// Snapshot returns a copy of the current state
func (st *StateTracker) Snapshot() *RunState {
	st.mu.RLock()
	defer st.mu.RUnlock()

	cp := *st.state
	return &cp
}

// Path returns the state file location
func (st *StateTracker) Path() string {
	return st.filePath
}
