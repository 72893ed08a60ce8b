package clock

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedTime(millis int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(millis) }
}

func TestNowStrictlyMonotonic(t *testing.T) {
	// A frozen wall clock forces the counter path.
	c := NewWithTime("device-a", fixedTime(1_700_000_000_000))

	prev := c.Now()
	for i := 0; i < 1000; i++ {
		ts := c.Now()
		require.True(t, prev.Less(ts), "Now() must strictly increase: %s then %s", prev, ts)
		require.Less(t, prev.String(), ts.String(), "string order must match causal order")
		prev = ts
	}
}

func TestNowAdvancesWithWallClock(t *testing.T) {
	millis := int64(1_700_000_000_000)
	c := NewWithTime("device-a", func() time.Time { return time.UnixMilli(millis) })

	first := c.Now()
	millis += 5
	second := c.Now()

	assert.Equal(t, uint64(1_700_000_000_005), second.Millis)
	assert.Equal(t, uint16(0), second.Counter, "counter resets when wall time advances")
	assert.True(t, first.Less(second))
}

func TestStringFormat(t *testing.T) {
	ts := Timestamp{Millis: 42, Counter: 7, DeviceID: "dev-1"}
	assert.Equal(t, "0000000000042-0007-dev-1", ts.String())
}

func TestParseRoundTrip(t *testing.T) {
	ids := []string{
		"device",
		"device-with-dashes",
		"9f3c2a10-55aa-4c00-8d2e-0123456789ab",
	}
	for _, id := range ids {
		t.Run(id, func(t *testing.T) {
			orig := Timestamp{Millis: 1_700_000_000_123, Counter: 99, DeviceID: id}
			parsed, err := Parse(orig.String())
			require.NoError(t, err)
			assert.Equal(t, orig, parsed)
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"not-a-timestamp",
		"123-0000-dev",                  // millis not 13 digits
		"0000000000042-07-dev",          // counter not 4 digits
		"0000000000042-0007-",           // empty device id
		"000000000004x-0007-dev",        // non-numeric millis
		fmt.Sprintf("%013d-%04d", 1, 2), // missing device id entirely
	}
	for _, s := range cases {
		_, err := Parse(s)
		assert.Error(t, err, "Parse(%q) should fail", s)
	}
}

func TestUpdateExceedsBoth(t *testing.T) {
	wall := int64(1_700_000_000_000)
	c := NewWithTime("local", fixedTime(wall))
	local := c.Now()

	remote := Timestamp{Millis: uint64(wall) + 100, Counter: 3, DeviceID: "remote"}
	merged := c.Update(remote)

	assert.True(t, local.Less(merged))
	assert.True(t, remote.Less(merged))
	assert.Equal(t, remote.Millis, merged.Millis)
	assert.Equal(t, remote.Counter+1, merged.Counter)
}

func TestUpdateEqualMillisTakesMaxCounter(t *testing.T) {
	wall := int64(1_700_000_000_000)
	c := NewWithTime("local", fixedTime(wall))
	c.Now() // local state: (wall, 0)

	remote := Timestamp{Millis: uint64(wall), Counter: 9, DeviceID: "remote"}
	merged := c.Update(remote)

	assert.Equal(t, uint64(wall), merged.Millis)
	assert.Equal(t, uint16(10), merged.Counter)
}

func TestUpdateLocalAhead(t *testing.T) {
	wall := int64(1_700_000_000_000)
	c := NewWithTime("local", fixedTime(wall))
	c.Now()

	remote := Timestamp{Millis: uint64(wall) - 500, Counter: 40, DeviceID: "remote"}
	merged := c.Update(remote)

	assert.Equal(t, uint64(wall), merged.Millis, "local millis kept")
	assert.Equal(t, uint16(1), merged.Counter, "counter incremented")
}

func TestUpdateClampsExcessiveDrift(t *testing.T) {
	wall := int64(1_700_000_000_000)
	c := NewWithTime("local", fixedTime(wall))

	farFuture := uint64(wall) + uint64(DriftBound.Milliseconds()) + 60_000
	merged := c.Update(Timestamp{Millis: farFuture, Counter: 0, DeviceID: "remote"})

	assert.Equal(t, uint64(wall), merged.Millis, "remote millis beyond the drift bound must never be adopted")
}

func TestUpdateWithinDriftBoundAdopts(t *testing.T) {
	wall := int64(1_700_000_000_000)
	c := NewWithTime("local", fixedTime(wall))

	nearFuture := uint64(wall) + uint64(DriftBound.Milliseconds()) - 60_000
	merged := c.Update(Timestamp{Millis: nearFuture, Counter: 2, DeviceID: "remote"})

	assert.Equal(t, nearFuture, merged.Millis, "remote millis within the bound is adopted")
	assert.Equal(t, uint16(3), merged.Counter)
}

func TestConcurrentNow(t *testing.T) {
	c := New("device-a")
	const goroutines = 8
	const perG = 200

	results := make(chan Timestamp, goroutines*perG)
	for g := 0; g < goroutines; g++ {
		go func() {
			for i := 0; i < perG; i++ {
				results <- c.Now()
			}
		}()
	}

	seen := make(map[string]bool, goroutines*perG)
	for i := 0; i < goroutines*perG; i++ {
		ts := (<-results).String()
		require.False(t, seen[ts], "duplicate timestamp %s", ts)
		seen[ts] = true
	}
}
