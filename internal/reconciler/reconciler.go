// Package reconciler merges externally reported carrier sets into a
// persisted current/today state with a daily reset of today.
package reconciler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"

	"mailcam/internal/tracker"
)

// State is the persisted form, written as {"ts":..., "current":[...], "today":[...]}.
type State struct {
	TS      int64    `json:"ts"`
	Current []string `json:"current"`
	Today   []string `json:"today"`
}

// Reconciler owns the current and today sets and their state file. All
// methods are safe for concurrent use; the lock is held across each
// read-modify-write-persist sequence.
type Reconciler struct {
	path      string
	resetHour int
	now       func() time.Time
	log       logrus.FieldLogger

	mu      sync.Mutex
	current map[string]struct{}
	today   map[string]struct{}
	day     time.Time
	ts      int64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates an empty reconciler persisting to path.
func New(path string, resetHour int, log logrus.FieldLogger, opts ...Option) *Reconciler {
	r := &Reconciler{
		path:      path,
		resetHour: resetHour,
		now:       time.Now,
		log:       log,
		current:   map[string]struct{}{},
		today:     map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.day = tracker.DayStart(r.now(), resetHour)
	return r
}

// Load replaces the in-memory state with the state file. A missing or
// unreadable file leaves the state empty. The day boundary is taken from the
// persisted timestamp so a reset missed while stopped still happens.
func (r *Reconciler) Load() {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := os.ReadFile(r.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.log.WithError(err).Warn("Could not read state file, starting empty")
		}
		return
	}

	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		r.log.WithError(err).Warn("Corrupt state file, starting empty")
		return
	}

	r.current = toSet(s.Current)
	r.today = toSet(s.Today)
	r.ts = s.TS
	if s.TS > 0 {
		r.day = tracker.DayStart(time.Unix(s.TS, 0).In(r.now().Location()), r.resetHour)
	}
	r.log.WithFields(logrus.Fields{"current": s.Current, "today": s.Today}).Info("Loaded state")
}

// Handle parses and applies one raw payload. Unrecognised payloads are
// logged and dropped. It reports whether the state changed.
func (r *Reconciler) Handle(payload []byte) bool {
	msg, err := ParseMessage(payload)
	if err != nil {
		r.log.WithError(err).WithField("payload", truncate(payload, 256)).Warn("Ignored payload")
		return false
	}
	changed, err := r.Apply(msg)
	if err != nil {
		r.log.WithError(err).Error("Failed to write state")
	}
	return changed
}

// Apply merges msg into the state: entered is unioned into both sets, then
// explicit current and today replace their set. The state file is written
// only when something changed, and memory is updated only after the write
// succeeds. The persisted ts is the write time; msg.TS is only logged.
func (r *Reconciler) Apply(msg Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	day, reset := r.pendingReset()

	current, today := cloneSet(r.current), cloneSet(r.today)
	if reset {
		today = map[string]struct{}{}
	}
	for _, c := range msg.Entered {
		current[c] = struct{}{}
		today[c] = struct{}{}
	}
	if msg.ReplaceCurrent {
		current = toSet(msg.Current)
	}
	if msg.ReplaceToday {
		today = toSet(msg.Today)
	}

	if !reset && equalSets(current, r.current) && equalSets(today, r.today) {
		return false, nil
	}
	if err := r.commitLocked(day, current, today); err != nil {
		return false, err
	}
	if reset {
		r.log.WithField("reset_hour", r.resetHour).Info("Reset today")
	}
	fields := logrus.Fields{
		"current": sortedKeys(r.current),
		"today":   sortedKeys(r.today),
	}
	if msg.TS > 0 {
		fields["event_ts"] = msg.TS
	}
	r.log.WithFields(fields).Info("Wrote state")
	return true, nil
}

// CheckReset clears today if the day boundary has passed and persists the
// result. It reports whether a reset happened.
func (r *Reconciler) CheckReset() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	day, reset := r.pendingReset()
	if !reset {
		return false, nil
	}
	if err := r.commitLocked(day, r.current, map[string]struct{}{}); err != nil {
		return false, err
	}
	r.log.WithField("reset_hour", r.resetHour).Info("Reset today")
	return true, nil
}

// Save writes the current state unconditionally.
func (r *Reconciler) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitLocked(r.day, r.current, r.today)
}

// Snapshot returns a copy of the state.
func (r *Reconciler) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{TS: r.ts, Current: sortedKeys(r.current), Today: sortedKeys(r.today)}
}

// pendingReset returns the current day boundary and whether it is past the
// stored one.
func (r *Reconciler) pendingReset() (time.Time, bool) {
	day := tracker.DayStart(r.now(), r.resetHour)
	return day, day.After(r.day)
}

// commitLocked writes the given state stamped with the current time and
// adopts it in memory once the file is in place.
func (r *Reconciler) commitLocked(day time.Time, current, today map[string]struct{}) error {
	s := State{TS: r.now().Unix(), Current: sortedKeys(current), Today: sortedKeys(today)}
	if err := r.write(s); err != nil {
		return err
	}
	r.day, r.current, r.today, r.ts = day, current, today, s.TS
	return nil
}

// write replaces the state file atomically.
func (r *Reconciler) write(s State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := renameio.WriteFile(r.path, raw, 0o644); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func equalSets(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
