package bucket

import (
	"context"
	"fmt"
	"sort"

	"github.com/baelib/baesync/internal/crypto"
	"github.com/baelib/baesync/internal/models"
)

// Store is the typed, encrypted view of a Bucket. It owns the key scheme and
// seals every blob with the library recovery key before it leaves the
// process.
type Store struct {
	bucket Bucket
	box    *crypto.Box
}

// NewStore creates a Store over bucket, sealing blobs with box.
func NewStore(bucket Bucket, box *crypto.Box) *Store {
	return &Store{bucket: bucket, box: box}
}

// Bucket exposes the underlying raw bucket (used by the tenant relay, which
// moves already-encrypted blobs without opening them).
func (s *Store) Bucket() Bucket {
	return s.bucket
}

// PutChangeset publishes one encoded envelope under the device's next key.
func (s *Store) PutChangeset(ctx context.Context, deviceID string, seq uint64, encoded []byte) error {
	sealed, err := s.box.Seal(encoded)
	if err != nil {
		return err
	}
	return s.bucket.Write(ctx, ChangesetKey(deviceID, seq), sealed)
}

// GetChangeset fetches and decodes one envelope.
func (s *Store) GetChangeset(ctx context.Context, deviceID string, seq uint64) (*models.Envelope, error) {
	blob, err := s.bucket.Read(ctx, ChangesetKey(deviceID, seq))
	if err != nil {
		return nil, err
	}
	plain, err := s.box.Open(blob)
	if err != nil {
		return nil, err
	}
	return models.DecodeEnvelope(plain)
}

// PutHead publishes a device's head pointer.
func (s *Store) PutHead(ctx context.Context, head *models.Head) error {
	encoded, err := head.Encode()
	if err != nil {
		return err
	}
	sealed, err := s.box.Seal(encoded)
	if err != nil {
		return err
	}
	return s.bucket.Write(ctx, HeadKey(head.DeviceID), sealed)
}

// GetHead fetches one device's head pointer.
func (s *Store) GetHead(ctx context.Context, deviceID string) (*models.Head, error) {
	blob, err := s.bucket.Read(ctx, HeadKey(deviceID))
	if err != nil {
		return nil, err
	}
	plain, err := s.box.Open(blob)
	if err != nil {
		return nil, err
	}
	return models.DecodeHead(plain)
}

// ListHeads returns every published head. Heads that fail to decrypt or
// decode are returned in the malformed list by device id rather than failing
// the whole listing.
func (s *Store) ListHeads(ctx context.Context) ([]*models.Head, []string, error) {
	keys, err := s.bucket.List(ctx, headsPrefix)
	if err != nil {
		return nil, nil, err
	}
	var heads []*models.Head
	var malformed []string
	for _, key := range keys {
		device := DeviceFromHeadKey(key)
		if device == "" {
			continue
		}
		head, err := s.GetHead(ctx, device)
		if err != nil {
			malformed = append(malformed, device)
			continue
		}
		heads = append(heads, head)
	}
	return heads, malformed, nil
}

// PutSnapshot publishes an already-sealed snapshot blob keyed by device and
// seq. Snapshot blobs are sealed by the snapshot service, which also embeds
// the manifest.
func (s *Store) PutSnapshot(ctx context.Context, deviceID string, seq uint64, sealed []byte) error {
	return s.bucket.Write(ctx, SnapshotKey(deviceID, seq), sealed)
}

// GetSnapshot fetches and opens a snapshot manifest.
func (s *Store) GetSnapshot(ctx context.Context, ref models.SnapshotRef) (*models.SnapshotManifest, error) {
	blob, err := s.bucket.Read(ctx, SnapshotKey(ref.DeviceID, ref.Seq))
	if err != nil {
		return nil, err
	}
	plain, err := s.box.Open(blob)
	if err != nil {
		return nil, err
	}
	return models.DecodeSnapshotManifest(plain)
}

// ListSnapshots returns all published snapshot refs ordered by seq ascending.
// Keys that do not follow the scheme are skipped.
func (s *Store) ListSnapshots(ctx context.Context) ([]models.SnapshotRef, error) {
	keys, err := s.bucket.List(ctx, snapshotsPrefix)
	if err != nil {
		return nil, err
	}
	refs := make([]models.SnapshotRef, 0, len(keys))
	for _, key := range keys {
		ref, err := ParseSnapshotKey(key)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Seq != refs[j].Seq {
			return refs[i].Seq < refs[j].Seq
		}
		return refs[i].DeviceID < refs[j].DeviceID
	})
	return refs, nil
}

// Seal encrypts raw bytes with the store's recovery key.
func (s *Store) Seal(data []byte) ([]byte, error) {
	return s.box.Seal(data)
}

// Open decrypts a blob sealed with the store's recovery key.
func (s *Store) Open(blob []byte) ([]byte, error) {
	return s.box.Open(blob)
}

// String describes the store for logs.
func (s *Store) String() string {
	return fmt.Sprintf("store(key=%08x)", s.box.Fingerprint())
}
