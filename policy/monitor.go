package policy

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// MonitorState is the lifecycle state of a Monitor
type MonitorState int32

const (
	Stopped MonitorState = iota
	Watching
)

func (s MonitorState) String() string {
	if s == Watching {
		return "watching"
	}
	return "stopped"
}

// MonitorStats counts policy file loads since the monitor was created.
type MonitorStats struct {
	Loaded uint64
	Failed uint64
}

type fileEntry struct {
	modTime  time.Time
	size     int64
	policies []*Policy
}

// Monitor watches a policy directory and republishes the policy set in
// Store whenever a policy file is created, modified, renamed or removed.
//
// A file that fails to parse keeps contributing the policies from its last
// successful load, so a bad edit never removes or alters live policies.
type Monitor struct {
	// Directory holding policy files. If empty, only built-in policies are served.
	Path string

	Store *Store

	// Log destination (if not set, log is discarded)
	Log *log.Logger

	mu      sync.Mutex
	state   MonitorState
	watcher *fsnotify.Watcher
	done    chan struct{}

	reloadMu sync.Mutex
	files    map[string]fileEntry

	loaded atomic.Uint64
	failed atomic.Uint64
}

// NewMonitor creates a stopped monitor for path publishing into store.
func NewMonitor(path string, store *Store, l *log.Logger) *Monitor {
	if l == nil {
		l = log.New(io.Discard, "", log.LstdFlags)
	}
	return &Monitor{
		Path:  path,
		Store: store,
		Log:   l,
		files: make(map[string]fileEntry),
	}
}

// State returns the current monitor state.
func (m *Monitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns load counters.
func (m *Monitor) Stats() MonitorStats {
	return MonitorStats{Loaded: m.loaded.Load(), Failed: m.failed.Load()}
}

// Start loads the policy directory and begins watching it.
//
// Calling Start on a watching monitor is a no-op.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Watching {
		return nil
	}

	if m.Path == "" {
		m.Log.Printf("[WARN] No policy path configured, serving built-in policies only")
		m.state = Watching
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "error creating policy watcher")
	}

	if err = watcher.Add(m.Path); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "error watching policy directory %s", m.Path)
	}

	m.Reload()

	m.watcher = watcher
	m.done = make(chan struct{})
	m.state = Watching

	go m.run(watcher, m.done)

	m.Log.Printf("[INFO] Watching policy directory %s", m.Path)

	return nil
}

// Stop stops watching and waits for the watcher goroutine to exit.
//
// Stop is idempotent. The last published policy set stays live.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Stopped {
		return
	}
	m.state = Stopped

	if m.watcher == nil {
		return
	}

	if err := m.watcher.Close(); err != nil {
		m.Log.Printf("[WARN] Error closing policy watcher: %s", err)
	}
	<-m.done

	m.watcher = nil
	m.done = nil

	m.Log.Printf("[INFO] Stopped watching policy directory %s", m.Path)
}

func (m *Monitor) run(watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !IsPolicyFile(event.Name) || event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			m.Log.Printf("[INFO] Policy file %s changed (%s)", event.Name, event.Op)
			m.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.Log.Printf("[ERROR] Policy watcher error: %s", err)
		}
	}
}

// Reload rescans the policy directory and publishes a new policy set if
// anything changed.
func (m *Monitor) Reload() {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	entries, err := os.ReadDir(m.Path)
	if err != nil {
		m.Log.Printf("[ERROR] Error reading policy directory %s: %s", m.Path, err)
		return
	}

	changed := false
	seen := make(map[string]bool, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !IsPolicyFile(entry.Name()) {
			continue
		}

		path := filepath.Join(m.Path, entry.Name())
		seen[path] = true

		info, err := entry.Info()
		if err != nil {
			// removed between listing and stat; next event will catch up
			continue
		}

		cached, ok := m.files[path]
		if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
			continue
		}

		policies, err := m.loadFile(path)
		if err != nil {
			m.failed.Add(1)
			reloadsTotal.WithLabelValues("error").Inc()
			if ok {
				m.Log.Printf("[ERROR] %s, keeping previously loaded policies from this file", err)
			} else {
				m.Log.Printf("[ERROR] %s, ignoring file", err)
			}
			continue
		}

		m.loaded.Add(1)
		reloadsTotal.WithLabelValues("ok").Inc()
		m.files[path] = fileEntry{modTime: info.ModTime(), size: info.Size(), policies: policies}
		changed = true
	}

	for path := range m.files {
		if !seen[path] {
			m.Log.Printf("[INFO] Policy file %s removed", path)
			delete(m.files, path)
			changed = true
		}
	}

	if !changed {
		return
	}

	m.publish()
}

func (m *Monitor) loadFile(path string) ([]*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrPolicyParse, "%s: %s", path, err)
	}
	return ParseFile(path, data)
}

func (m *Monitor) publish() {
	paths := make([]string, 0, len(m.files))
	for path := range m.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	policies := Builtin()
	definedBy := make(map[string]string)
	byName := make(map[string]*Policy)

	for _, path := range paths {
		for _, p := range m.files[path].policies {
			if IsReserved(p.Name) {
				m.Log.Printf("[WARN] Policy %q in %s redefines a built-in policy, skipping", p.Name, path)
				continue
			}
			if prev, ok := definedBy[p.Name]; ok {
				m.Log.Printf("[WARN] Policy %q in %s overrides definition from %s", p.Name, path, prev)
			}
			definedBy[p.Name] = path
			byName[p.Name] = p
		}
	}

	live := make([]string, 0, len(byName))
	for name, p := range byName {
		policies = append(policies, p)
		live = append(live, name)
	}

	snapshot := m.Store.Replace(policies, live)
	generationGauge.Set(float64(snapshot.Generation()))

	m.Log.Printf("[INFO] Published policy set generation %d, live policies: %v", snapshot.Generation(), snapshot.Live())
}
