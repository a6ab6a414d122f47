// Package tracker records the first sighting of each carrier per day, where
// a day runs from the reset hour to the next reset hour in local time.
package tracker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultResetHour is the local hour at which a new day starts.
const DefaultResetHour = 3

// DayStart returns local midnight of the day that t belongs to, treating
// hours before resetHour as part of the previous day.
func DayStart(t time.Time, resetHour int) time.Time {
	if t.Hour() < resetHour {
		t = t.AddDate(0, 0, -1)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Tracker is the per-carrier "seen today" state machine. It is safe for
// concurrent use.
type Tracker struct {
	carriers  []string
	resetHour int
	now       func() time.Time
	log       logrus.FieldLogger

	mu         sync.RWMutex
	detections map[string]time.Time
	day        time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(t *Tracker) { t.log = log }
}

// New creates a tracker for a fixed set of carriers.
func New(carriers []string, resetHour int, opts ...Option) *Tracker {
	t := &Tracker{
		carriers:   append([]string(nil), carriers...),
		resetHour:  resetHour,
		now:        time.Now,
		log:        logrus.StandardLogger(),
		detections: make(map[string]time.Time, len(carriers)),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.day = DayStart(t.now(), resetHour)
	return t
}

// Carriers returns the tracked carriers in construction order.
func (t *Tracker) Carriers() []string {
	return append([]string(nil), t.carriers...)
}

func (t *Tracker) known(carrier string) bool {
	for _, c := range t.carriers {
		if c == carrier {
			return true
		}
	}
	return false
}

// CheckAndReset clears every carrier once the day boundary has advanced and
// reports whether it did. Repeated calls within a day are no-ops.
func (t *Tracker) CheckAndReset() bool {
	day := DayStart(t.now(), t.resetHour)

	t.mu.Lock()
	defer t.mu.Unlock()

	if !day.After(t.day) {
		return false
	}
	t.detections = make(map[string]time.Time, len(t.carriers))
	t.day = day
	t.log.WithField("reset_hour", t.resetHour).Info("Daily carrier reset")
	return true
}

// MarkDetected records ts as the first sighting of carrier today. It returns
// false for unknown carriers and for carriers already seen today.
func (t *Tracker) MarkDetected(carrier string, ts time.Time) bool {
	if !t.known(carrier) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, seen := t.detections[carrier]; seen {
		return false
	}
	t.detections[carrier] = ts
	t.log.WithFields(logrus.Fields{
		"carrier": carrier,
		"time":    ts.Format(timeFormat),
	}).Info("First detection today")
	return true
}

// IsDetected reports whether carrier was seen since the last reset.
func (t *Tracker) IsDetected(carrier string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.detections[carrier]
	return ok
}

// Detected returns the carriers seen since the last reset.
func (t *Tracker) Detected() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for _, c := range t.carriers {
		if _, ok := t.detections[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

const timeFormat = "03:04 PM"

// CarrierSummary is one carrier's entry in a Summary.
type CarrierSummary struct {
	Detected  bool     `json:"detected"`
	Timestamp *float64 `json:"timestamp,omitempty"` // epoch seconds
	Time      string   `json:"time,omitempty"`
}

// Summary is a snapshot of the current day.
type Summary struct {
	Date     string                    `json:"date"`
	Carriers map[string]CarrierSummary `json:"carriers"`
}

// Summary returns a snapshot of today's detections.
func (t *Tracker) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Summary{
		Date:     t.day.Format("2006-01-02"),
		Carriers: make(map[string]CarrierSummary, len(t.carriers)),
	}
	for _, c := range t.carriers {
		ts, ok := t.detections[c]
		if !ok {
			s.Carriers[c] = CarrierSummary{}
			continue
		}
		epoch := float64(ts.UnixNano()) / 1e9
		s.Carriers[c] = CarrierSummary{
			Detected:  true,
			Timestamp: &epoch,
			Time:      ts.Format(timeFormat),
		}
	}
	return s
}
