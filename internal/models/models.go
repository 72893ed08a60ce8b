// Package models provides the shared wire types exchanged through the sync
// bucket: envelopes, heads, snapshot manifests and cursor sets.
package models

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// SchemaVersion is the current local schema version. Changesets published
// with a greater version are skipped on pull rather than applied.
const SchemaVersion = 1

// Envelope wraps one changeset for transport.
type Envelope struct {
	DeviceID      string `cbor:"device_id"`
	Seq           uint64 `cbor:"seq"`
	SchemaVersion int    `cbor:"schema_version"`
	Timestamp     string `cbor:"timestamp"`
	Message       string `cbor:"message,omitempty"`
	Payload       []byte `cbor:"payload"`
}

// Encode serializes the envelope to CBOR.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope deserializes an envelope from CBOR.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.DeviceID == "" || e.Seq == 0 {
		return nil, fmt.Errorf("malformed envelope: missing device id or seq")
	}
	return &e, nil
}

// Head is a device's published high-water mark. Pullers list heads to
// discover which devices have new changesets without enumerating every key.
type Head struct {
	DeviceID    string `cbor:"device_id"`
	Seq         uint64 `cbor:"seq"`
	SnapshotSeq uint64 `cbor:"snapshot_seq,omitempty"`
	UpdatedAt   string `cbor:"updated_at"`
}

// Encode serializes the head to CBOR.
func (h *Head) Encode() ([]byte, error) {
	data, err := cbor.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode head: %w", err)
	}
	return data, nil
}

// DecodeHead deserializes a head from CBOR.
func DecodeHead(data []byte) (*Head, error) {
	var h Head
	if err := cbor.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to decode head: %w", err)
	}
	if h.DeviceID == "" {
		return nil, fmt.Errorf("malformed head: missing device id")
	}
	return &h, nil
}

// SnapshotManifest is a full database dump taken at a known local seq,
// together with the cursor set at dump time. A new device bootstraps from the
// newest manifest plus any changesets with seq greater than the manifest's.
type SnapshotManifest struct {
	DeviceID  string            `cbor:"device_id"`
	Seq       uint64            `cbor:"seq"`
	CreatedAt string            `cbor:"created_at"`
	Cursors   map[string]uint64 `cbor:"cursors"`
	Database  []byte            `cbor:"database"`
}

// Encode serializes the manifest to CBOR.
func (m *SnapshotManifest) Encode() ([]byte, error) {
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot manifest: %w", err)
	}
	return data, nil
}

// DecodeSnapshotManifest deserializes a manifest from CBOR.
func DecodeSnapshotManifest(data []byte) (*SnapshotManifest, error) {
	var m SnapshotManifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot manifest: %w", err)
	}
	if m.DeviceID == "" || len(m.Database) == 0 {
		return nil, fmt.Errorf("malformed snapshot manifest")
	}
	return &m, nil
}

// SnapshotRef identifies a published snapshot without its payload.
type SnapshotRef struct {
	DeviceID string
	Seq      uint64
}

// CursorSet maps remote device id to the highest seq already applied from
// that device. Cursors only ever move forward.
type CursorSet map[string]uint64

// Get returns the cursor for a device, zero when the device is unknown.
func (c CursorSet) Get(deviceID string) uint64 {
	return c[deviceID]
}

// Advance raises the cursor for a device. Lower values are ignored so the
// set stays monotonically non-decreasing.
func (c CursorSet) Advance(deviceID string, seq uint64) {
	if seq > c[deviceID] {
		c[deviceID] = seq
	}
}

// Clone returns a copy of the cursor set.
func (c CursorSet) Clone() CursorSet {
	out := make(CursorSet, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// WireTime renders a wall-clock instant in the format used for envelope and
// head timestamps.
func WireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
