// Package clock implements the hybrid logical clock that total-orders writes
// across devices with unsynchronized wall clocks.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DriftBound is the maximum tolerated clock skew from a remote device.
// Remote timestamps further than this ahead of local wall time are clamped
// before merging so one bad clock cannot poison the mesh's notion of "now".
const DriftBound = 24 * time.Hour

// Timestamp is a hybrid logical clock reading. The zero-padded string form
// sorts lexicographically in causal order, with the device id as the final
// deterministic tiebreaker.
type Timestamp struct {
	Millis   uint64
	Counter  uint16
	DeviceID string
}

// String renders the timestamp as "{millis:013}-{counter:04}-{device_id}".
func (t Timestamp) String() string {
	return fmt.Sprintf("%013d-%04d-%s", t.Millis, t.Counter, t.DeviceID)
}

// Parse inverts String. Device ids may themselves contain dashes.
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return Timestamp{}, fmt.Errorf("malformed timestamp %q", s)
	}
	if len(parts[0]) != 13 || len(parts[1]) != 4 {
		return Timestamp{}, fmt.Errorf("malformed timestamp %q: bad field widths", s)
	}
	millis, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	counter, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return Timestamp{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	if parts[2] == "" {
		return Timestamp{}, fmt.Errorf("malformed timestamp %q: empty device id", s)
	}
	return Timestamp{Millis: millis, Counter: uint16(counter), DeviceID: parts[2]}, nil
}

// Compare reports -1, 0 or 1 following the lexicographic order of the string
// forms, which is the causal total order.
func (t Timestamp) Compare(o Timestamp) int {
	return strings.Compare(t.String(), o.String())
}

// Less reports whether t orders strictly before o.
func (t Timestamp) Less(o Timestamp) bool {
	return t.Compare(o) < 0
}

// Clock produces and merges Timestamps for one device. All methods are safe
// for concurrent use; the internal mutex is never held across I/O.
type Clock struct {
	mu       sync.Mutex
	millis   uint64
	counter  uint16
	deviceID string
	nowFn    func() time.Time
}

// New creates a Clock for the given device, reading wall time from time.Now.
func New(deviceID string) *Clock {
	return NewWithTime(deviceID, time.Now)
}

// NewWithTime creates a Clock with an injected time source for deterministic
// tests.
func NewWithTime(deviceID string, nowFn func() time.Time) *Clock {
	return &Clock{deviceID: deviceID, nowFn: nowFn}
}

// DeviceID returns the device id the clock stamps its readings with.
func (c *Clock) DeviceID() string {
	return c.deviceID
}

// Now returns a Timestamp strictly greater than every Timestamp previously
// returned by this instance.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := uint64(c.nowFn().UnixMilli())
	if wall > c.millis {
		c.millis = wall
		c.counter = 0
	} else {
		c.counter++
	}
	return Timestamp{Millis: c.millis, Counter: c.counter, DeviceID: c.deviceID}
}

// Update merges a just-received remote Timestamp into local state and returns
// a new local Timestamp guaranteed greater than both the previous local state
// and the remote value.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := uint64(c.nowFn().UnixMilli())

	// Skew guard: a remote clock too far ahead of local wall time is clamped
	// to local wall time before merging.
	remoteMillis := remote.Millis
	remoteCounter := remote.Counter
	if remoteMillis > wall && remoteMillis-wall > uint64(DriftBound.Milliseconds()) {
		remoteMillis = wall
		remoteCounter = 0
	}

	switch {
	case wall > c.millis && wall > remoteMillis:
		c.millis = wall
		c.counter = 0
	case remoteMillis > c.millis:
		c.millis = remoteMillis
		c.counter = remoteCounter + 1
	case c.millis > remoteMillis:
		c.counter++
	default:
		if remoteCounter > c.counter {
			c.counter = remoteCounter
		}
		c.counter++
	}
	return Timestamp{Millis: c.millis, Counter: c.counter, DeviceID: c.deviceID}
}
