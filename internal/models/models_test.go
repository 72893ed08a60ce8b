package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		DeviceID:      "dev-a",
		Seq:           5,
		SchemaVersion: SchemaVersion,
		Timestamp:     WireTime(time.Now()),
		Message:       "nightly sync",
		Payload:       []byte{0x01, 0x02},
	}
	data, err := env.Encode()
	require.NoError(t, err)
	got, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("garbage"))
	assert.Error(t, err)

	missing := &Envelope{Seq: 1, Payload: []byte("x")}
	data, err := missing.Encode()
	require.NoError(t, err)
	_, err = DecodeEnvelope(data)
	assert.Error(t, err, "device id is required")

	zeroSeq := &Envelope{DeviceID: "dev-a", Payload: []byte("x")}
	data, err = zeroSeq.Encode()
	require.NoError(t, err)
	_, err = DecodeEnvelope(data)
	assert.Error(t, err, "seq starts at 1")
}

func TestHeadRoundTrip(t *testing.T) {
	head := &Head{DeviceID: "dev-a", Seq: 9, SnapshotSeq: 4, UpdatedAt: WireTime(time.Now())}
	data, err := head.Encode()
	require.NoError(t, err)
	got, err := DecodeHead(data)
	require.NoError(t, err)
	assert.Equal(t, head, got)
}

func TestDecodeSnapshotManifestRequiresDatabase(t *testing.T) {
	m := &SnapshotManifest{DeviceID: "dev-a", Seq: 1, CreatedAt: WireTime(time.Now())}
	data, err := m.Encode()
	require.NoError(t, err)
	_, err = DecodeSnapshotManifest(data)
	assert.Error(t, err)
}

func TestCursorSetAdvanceIsMonotonic(t *testing.T) {
	c := make(CursorSet)
	assert.Zero(t, c.Get("dev-a"))

	c.Advance("dev-a", 3)
	c.Advance("dev-a", 2)
	assert.Equal(t, uint64(3), c.Get("dev-a"), "a lower seq never moves the cursor back")

	c.Advance("dev-a", 7)
	assert.Equal(t, uint64(7), c.Get("dev-a"))
}

func TestCursorSetCloneIsIndependent(t *testing.T) {
	c := CursorSet{"dev-a": 1}
	clone := c.Clone()
	clone.Advance("dev-a", 9)
	assert.Equal(t, uint64(1), c.Get("dev-a"))
	assert.Equal(t, uint64(9), clone.Get("dev-a"))
}

func TestWireTimeIsUTC(t *testing.T) {
	loc := time.FixedZone("test", 3*3600)
	s := WireTime(time.Date(2026, 3, 1, 12, 0, 0, 0, loc))
	assert.Equal(t, "2026-03-01T09:00:00Z", s)
}
