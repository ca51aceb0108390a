package watch

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

const stateFileName = "watch_state.yaml"

// SiteState is the outcome of the last mirror run of a site
type SiteState struct {
	LastRunTime    time.Time     `yaml:"last_run_time"`
	LastRunSuccess bool          `yaml:"last_run_success"`
	Duration       time.Duration `yaml:"duration"`
	Saved          int64         `yaml:"saved"`
	Failed         int64         `yaml:"failed"`
	ErrorMessage   string        `yaml:"error_message,omitempty"`
}

// State is the persistent state of the scheduler
type State struct {
	Sites     map[string]SiteState `yaml:"sites"`
	UpdatedAt time.Time            `yaml:"updated_at"`
}

// StateManager loads and saves the scheduler state. An empty directory keeps it in memory.
type StateManager struct {
	statePath string
	state     State
	mu        sync.RWMutex
}

// NewStateManager creates a state manager persisting to stateDir
func NewStateManager(stateDir string) *StateManager {
	m := &StateManager{state: State{Sites: make(map[string]SiteState)}}
	if stateDir != "" {
		m.statePath = filepath.Join(stateDir, stateFileName)
	}
	return m
}

// Load reads the state from disk. A missing file is a fresh state.
func (m *StateManager) Load() error {
	if m.statePath == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read watch state: %w", utils.ErrFilesystem, err)
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("%w: watch state '%s': %w", utils.ErrParsing, m.statePath, err)
	}
	if st.Sites == nil {
		st.Sites = make(map[string]SiteState)
	}
	m.state = st
	return nil
}

// Save writes the state to disk
func (m *StateManager) Save() error {
	if m.statePath == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = time.Now()
	data, err := yaml.Marshal(&m.state)
	if err != nil {
		return fmt.Errorf("marshal watch state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0755); err != nil {
		return fmt.Errorf("%w: create state directory: %w", utils.ErrFilesystem, err)
	}
	if err := os.WriteFile(m.statePath, data, 0644); err != nil {
		return fmt.Errorf("%w: write watch state: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// SiteState returns the state of siteKey
func (m *StateManager) SiteState(siteKey string) (SiteState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.state.Sites[siteKey]
	return st, ok
}

// Record stores the outcome of a run of siteKey
func (m *StateManager) Record(siteKey string, st SiteState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Sites[siteKey] = st
}

// NextRun returns when siteKey is due; zero means now.
func (m *StateManager) NextRun(siteKey string, interval time.Duration) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.state.Sites[siteKey]
	if !ok {
		return time.Time{}
	}
	return st.LastRunTime.Add(interval)
}

// Due reports whether siteKey should be mirrored at now
func (m *StateManager) Due(siteKey string, interval time.Duration, now time.Time) bool {
	return !now.Before(m.NextRun(siteKey, interval))
}

// Sites returns a copy of all site states
func (m *StateManager) Sites() map[string]SiteState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.state.Sites)
}
