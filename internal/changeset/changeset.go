// Package changeset records the row-level mutations of local transactions as
// opaque binary diffs and replays such diffs on another copy of the schema.
//
// Synced tables carry a TEXT primary key column "id" and a TEXT column
// "_updated_at" holding the hybrid-logical-clock string of the last writer;
// conflict resolution is a pure function of that column.
package changeset

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// UpdatedAtColumn is the per-row last-writer timestamp column every synced
// table carries.
const UpdatedAtColumn = "_updated_at"

// Op identifies a row operation kind.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// RowOp is one captured row mutation.
type RowOp struct {
	Table string `cbor:"table"`
	Op    Op     `cbor:"op"`
	PK    string `cbor:"pk"`

	// OldUpdatedAt is the row's _updated_at before this session touched it,
	// empty for rows the session created. Apply uses it to recognize the
	// claimed old state.
	OldUpdatedAt string `cbor:"old_updated_at,omitempty"`

	// Values is the full new row image, keyed by column. Nil for deletes.
	Values map[string]interface{} `cbor:"values,omitempty"`
}

// UpdatedAt returns the new-image _updated_at, or the pre-image one for
// deletes.
func (op RowOp) UpdatedAt() string {
	if op.Values != nil {
		if ts, ok := op.Values[UpdatedAtColumn].(string); ok {
			return ts
		}
	}
	return op.OldUpdatedAt
}

// Changeset is the ordered list of row operations of one capture session.
// Once extracted it is an immutable value.
type Changeset struct {
	Ops []RowOp `cbor:"ops"`
}

// Empty reports whether the changeset contains no operations.
func (c *Changeset) Empty() bool {
	return c == nil || len(c.Ops) == 0
}

// Encode serializes the changeset to its binary form.
func (c *Changeset) Encode() ([]byte, error) {
	data, err := cbor.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode changeset: %w", err)
	}
	return data, nil
}

// Decode deserializes a changeset from its binary form.
func Decode(data []byte) (*Changeset, error) {
	var c Changeset
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode changeset: %w", err)
	}
	for _, op := range c.Ops {
		if op.Table == "" || op.PK == "" {
			return nil, fmt.Errorf("malformed changeset: op missing table or pk")
		}
		switch op.Op {
		case OpInsert, OpUpdate, OpDelete:
		default:
			return nil, fmt.Errorf("malformed changeset: unknown op %q", op.Op)
		}
	}
	return &c, nil
}
