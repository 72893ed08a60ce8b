package changeset

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/baelib/baesync/internal/errors"
)

// Conflict classifies the state found when replaying one row operation.
type Conflict int

const (
	// ConflictNotFound: an update or delete targets a row the local copy
	// does not have.
	ConflictNotFound Conflict = iota
	// ConflictData: the local row differs from the diff's claimed old state.
	ConflictData
	// ConflictConstraint: applying the op violated a unique or foreign-key
	// constraint.
	ConflictConstraint
	// ConflictNoChange: the local row is already in the target state.
	ConflictNoChange
)

func (c Conflict) String() string {
	switch c {
	case ConflictNotFound:
		return "not_found"
	case ConflictData:
		return "data"
	case ConflictConstraint:
		return "constraint"
	case ConflictNoChange:
		return "no_change"
	default:
		return "unknown"
	}
}

// Disposition is a resolver's decision for one conflicting row operation.
type Disposition int

const (
	// Omit drops the incoming op; the local row wins.
	Omit Disposition = iota
	// Replace overwrites the local row with the incoming op.
	Replace
	// Abort fails the entire apply and rolls back.
	Abort
)

// Resolver decides the disposition for a conflicting row operation. It is a
// pure function of the conflict kind and the two last-writer timestamps.
type Resolver func(kind Conflict, localUpdatedAt, incomingUpdatedAt string) Disposition

// LastWriterWins is the sync layer's default policy: the lexicographically
// greater _updated_at string wins; the device id embedded in the string
// breaks ties deterministically. Missing rows adopt the incoming op and rows
// already in the target state are left alone. It never aborts.
func LastWriterWins(kind Conflict, localUpdatedAt, incomingUpdatedAt string) Disposition {
	switch kind {
	case ConflictNoChange:
		return Omit
	case ConflictNotFound:
		return Replace
	default:
		if incomingUpdatedAt > localUpdatedAt {
			return Replace
		}
		return Omit
	}
}

// Stats summarizes one apply.
type Stats struct {
	Applied int
	Omitted int
}

// Apply replays every row operation of the changeset onto db inside one
// transaction, consulting resolve for each conflicting row. An Abort
// disposition rolls back everything and returns ErrApplyAborted.
func Apply(db *sql.DB, cs *Changeset, resolve Resolver) (Stats, error) {
	var stats Stats
	if cs.Empty() {
		return stats, nil
	}
	if resolve == nil {
		resolve = LastWriterWins
	}

	tx, err := db.Begin()
	if err != nil {
		return stats, fmt.Errorf("failed to begin apply: %w", err)
	}
	defer tx.Rollback()

	for _, op := range cs.Ops {
		applied, err := applyOp(tx, op, resolve)
		if err != nil {
			return Stats{}, err
		}
		if applied {
			stats.Applied++
		} else {
			stats.Omitted++
		}
	}
	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("failed to commit apply: %w", err)
	}
	return stats, nil
}

func applyOp(tx *sql.Tx, op RowOp, resolve Resolver) (bool, error) {
	localTS, exists, err := localUpdatedAt(tx, op.Table, op.PK)
	if err != nil {
		return false, err
	}

	kind, resolved := classify(op, localTS, exists)
	if resolved {
		// No conflicting state; apply directly. A constraint violation on
		// the direct path is itself a conflict class.
		err := execOp(tx, op, false)
		if err == nil {
			return true, nil
		}
		if !isConstraintErr(err) {
			return false, fmt.Errorf("failed to apply %s on %s/%s: %w", op.Op, op.Table, op.PK, err)
		}
		kind = ConflictConstraint
	}

	switch resolve(kind, localTS, op.UpdatedAt()) {
	case Omit:
		return false, nil
	case Replace:
		if err := execOp(tx, op, true); err != nil {
			return false, fmt.Errorf("failed to apply %s on %s/%s: %w", op.Op, op.Table, op.PK, err)
		}
		return true, nil
	default:
		return false, errors.New(errors.ErrApplyAborted,
			fmt.Sprintf("apply aborted on %s conflict for %s/%s", kind, op.Table, op.PK))
	}
}

// classify inspects local state for op. resolved=true means the op can be
// applied without consulting the resolver.
func classify(op RowOp, localTS string, exists bool) (kind Conflict, resolved bool) {
	switch op.Op {
	case OpInsert:
		if !exists {
			return 0, true
		}
		if localTS == op.UpdatedAt() {
			return ConflictNoChange, false
		}
		return ConflictData, false
	case OpUpdate:
		if !exists {
			return ConflictNotFound, false
		}
		if localTS == op.UpdatedAt() {
			return ConflictNoChange, false
		}
		if localTS == op.OldUpdatedAt {
			return 0, true
		}
		return ConflictData, false
	default: // OpDelete
		if !exists {
			return ConflictNoChange, false
		}
		if localTS == op.OldUpdatedAt {
			return 0, true
		}
		return ConflictData, false
	}
}

// execOp performs the row write. force selects INSERT OR REPLACE semantics
// for a Replace disposition; updates without force stay plain UPDATEs so they
// cannot trip the primary key constraint of their own row.
func execOp(tx *sql.Tx, op RowOp, force bool) error {
	switch {
	case op.Op == OpDelete:
		_, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", quoteIdent(op.Table)), op.PK)
		return err
	case op.Op == OpUpdate && !force:
		return updateRow(tx, op)
	default:
		return insertRow(tx, op, force)
	}
}

func insertRow(tx *sql.Tx, op RowOp, force bool) error {
	cols := sortedColumns(op)

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
		marks[i] = "?"
		args[i] = op.Values[col]
	}

	verb := "INSERT INTO"
	if force {
		verb = "INSERT OR REPLACE INTO"
	}
	stmt := fmt.Sprintf("%s %s (%s) VALUES (%s)",
		verb, quoteIdent(op.Table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	_, err := tx.Exec(stmt, args...)
	return err
}

func updateRow(tx *sql.Tx, op RowOp) error {
	cols := sortedColumns(op)

	sets := make([]string, 0, len(cols))
	args := make([]interface{}, 0, len(cols)+1)
	for _, col := range cols {
		if col == "id" {
			continue
		}
		sets = append(sets, quoteIdent(col)+" = ?")
		args = append(args, op.Values[col])
	}
	args = append(args, op.PK)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?",
		quoteIdent(op.Table), strings.Join(sets, ", "))
	_, err := tx.Exec(stmt, args...)
	return err
}

func sortedColumns(op RowOp) []string {
	cols := make([]string, 0, len(op.Values))
	for col := range op.Values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func localUpdatedAt(tx *sql.Tx, table, pk string) (string, bool, error) {
	var ts sql.NullString
	err := tx.QueryRow(
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", quoteIdent(UpdatedAtColumn), quoteIdent(table)),
		pk).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read local row %s/%s: %w", table, pk, err)
	}
	return ts.String, true, nil
}

func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}
