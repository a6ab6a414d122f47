package tracker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func at(day, hour, min int) time.Time {
	return time.Date(2026, time.March, day, hour, min, 0, 0, time.Local)
}

func newTracker(c *clock, carriers ...string) *Tracker {
	log, _ := test.NewNullLogger()
	return New(carriers, 3, WithClock(c.now), WithLogger(log))
}

func TestDayStart(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before reset is yesterday", at(10, 2, 0), at(9, 0, 0)},
		{"just before reset", at(10, 2, 59), at(9, 0, 0)},
		{"at reset is today", at(10, 3, 0), at(10, 0, 0)},
		{"after reset is today", at(10, 4, 0), at(10, 0, 0)},
		{"late evening", at(10, 23, 59), at(10, 0, 0)},
		{"month boundary", time.Date(2026, time.April, 1, 1, 0, 0, 0, time.Local), at(31, 0, 0)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.want.Equal(DayStart(tc.now, 3)), "got %s", DayStart(tc.now, 3))
		})
	}
}

func TestMarkDetected_IdempotentPerDay(t *testing.T) {
	c := &clock{at(10, 9, 0)}
	tr := newTracker(c, "ups", "usps")

	first := at(10, 9, 15)
	assert.True(t, tr.MarkDetected("ups", first))
	assert.False(t, tr.MarkDetected("ups", at(10, 11, 0)))

	s := tr.Summary()
	require.True(t, s.Carriers["ups"].Detected)
	assert.Equal(t, float64(first.Unix()), *s.Carriers["ups"].Timestamp)
	assert.Equal(t, "09:15 AM", s.Carriers["ups"].Time)
	assert.False(t, s.Carriers["usps"].Detected)
	assert.Nil(t, s.Carriers["usps"].Timestamp)
}

func TestMarkDetected_UnknownCarrier(t *testing.T) {
	c := &clock{at(10, 9, 0)}
	tr := newTracker(c, "ups")

	assert.False(t, tr.MarkDetected("dhl", at(10, 9, 1)))
	assert.False(t, tr.IsDetected("dhl"))
	assert.NotContains(t, tr.Summary().Carriers, "dhl")
	assert.Equal(t, []string{"ups"}, tr.Carriers())
}

func TestCheckAndReset_OncePerBoundary(t *testing.T) {
	c := &clock{at(10, 22, 0)}
	tr := newTracker(c, "ups", "usps")
	tr.MarkDetected("ups", c.t)
	tr.MarkDetected("usps", c.t)

	c.t = at(11, 2, 30)
	assert.False(t, tr.CheckAndReset(), "still the same day before the reset hour")
	assert.True(t, tr.IsDetected("ups"))

	c.t = at(11, 3, 1)
	assert.True(t, tr.CheckAndReset())
	assert.Empty(t, tr.Detected())

	tr.MarkDetected("usps", at(11, 3, 5))
	for i := 0; i < 5; i++ {
		c.t = c.t.Add(time.Minute)
		assert.False(t, tr.CheckAndReset())
	}
	assert.Equal(t, []string{"usps"}, tr.Detected())
	assert.Equal(t, "2026-03-11", tr.Summary().Date)
}

func TestResetHourAcrossDays(t *testing.T) {
	c := &clock{at(10, 2, 0)}
	tr := newTracker(c, "ups", "usps")
	assert.Equal(t, "2026-03-09", tr.Summary().Date, "02:00 belongs to yesterday")

	c.t = at(10, 2, 59)
	tr.CheckAndReset()
	assert.True(t, tr.MarkDetected("ups", c.t))

	c.t = at(10, 4, 0)
	assert.True(t, tr.CheckAndReset())
	assert.Equal(t, "2026-03-10", tr.Summary().Date)

	c.t = at(10, 4, 1)
	tr.CheckAndReset()
	assert.True(t, tr.MarkDetected("ups", c.t), "a new day's first detection")
}

func TestSummary_JSON(t *testing.T) {
	c := &clock{at(10, 9, 0)}
	tr := newTracker(c, "fedex", "ups")
	tr.MarkDetected("fedex", at(10, 14, 5))

	raw, err := json.Marshal(tr.Summary())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "2026-03-10", decoded["date"])

	carriers := decoded["carriers"].(map[string]any)
	assert.Equal(t, map[string]any{"detected": false}, carriers["ups"])
	fedex := carriers["fedex"].(map[string]any)
	assert.Equal(t, true, fedex["detected"])
	assert.Equal(t, "02:05 PM", fedex["time"])
}
