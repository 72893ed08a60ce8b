package bucket

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/baelib/baesync/internal/models"
)

// Key prefixes of the bucket layout.
const (
	changesPrefix   = "changes/"
	headsPrefix     = "heads/"
	snapshotsPrefix = "snapshots/"
)

// ChangesetKey returns the key for one published changeset:
// changes/{device_id}/{seq}.enc
func ChangesetKey(deviceID string, seq uint64) string {
	return fmt.Sprintf("%s%s/%d.enc", changesPrefix, deviceID, seq)
}

// HeadKey returns the key for a device's head pointer:
// heads/{device_id}.json.enc
func HeadKey(deviceID string) string {
	return fmt.Sprintf("%s%s.json.enc", headsPrefix, deviceID)
}

// SnapshotKey returns the key for a published snapshot:
// snapshots/{device_id}-{seq}.enc
func SnapshotKey(deviceID string, seq uint64) string {
	return fmt.Sprintf("%s%s-%d.enc", snapshotsPrefix, deviceID, seq)
}

// DeviceFromHeadKey extracts the device id from a head key, or "" when the
// key does not follow the scheme.
func DeviceFromHeadKey(key string) string {
	if !strings.HasPrefix(key, headsPrefix) || !strings.HasSuffix(key, ".json.enc") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(key, headsPrefix), ".json.enc")
}

// ParseSnapshotKey extracts the device id and seq from a snapshot key.
// Device ids may contain dashes, so the seq is the segment after the last
// dash.
func ParseSnapshotKey(key string) (models.SnapshotRef, error) {
	if !strings.HasPrefix(key, snapshotsPrefix) || !strings.HasSuffix(key, ".enc") {
		return models.SnapshotRef{}, fmt.Errorf("malformed snapshot key %q", key)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(key, snapshotsPrefix), ".enc")
	i := strings.LastIndex(body, "-")
	if i <= 0 || i == len(body)-1 {
		return models.SnapshotRef{}, fmt.Errorf("malformed snapshot key %q", key)
	}
	seq, err := strconv.ParseUint(body[i+1:], 10, 64)
	if err != nil {
		return models.SnapshotRef{}, fmt.Errorf("malformed snapshot key %q: %w", key, err)
	}
	return models.SnapshotRef{DeviceID: body[:i], Seq: seq}, nil
}
