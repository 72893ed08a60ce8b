package changeset

import (
	"database/sql"
	"fmt"
	"strings"
)

// Session captures row mutations on a live connection via TEMP triggers.
// TEMP objects are connection-scoped, so the *sql.DB handed in must be
// limited to a single underlying connection (db.Open does this), and the
// session must be closed before that connection closes.
type Session struct {
	db        *sql.DB
	tables    []string
	closed    bool
	extracted int64 // highest capture_log entry covered by the last Extract
}

// OpenSession creates the capture log on the connection. Call Attach or
// AttachAll before writing.
func OpenSession(db *sql.DB) (*Session, error) {
	const setup = `
	CREATE TEMP TABLE IF NOT EXISTS capture_log (
		entry  INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl    TEXT NOT NULL,
		op     TEXT NOT NULL,
		pk     TEXT NOT NULL,
		old_ts TEXT
	);
	CREATE TEMP TABLE IF NOT EXISTS capture_muted (flag INTEGER);`
	if _, err := db.Exec(setup); err != nil {
		return nil, fmt.Errorf("failed to create capture log: %w", err)
	}
	return &Session{db: db}, nil
}

// Attach installs capture triggers on one table. The table must carry the
// "id" primary key and the _updated_at column.
func (s *Session) Attach(table string) error {
	if s.closed {
		return fmt.Errorf("capture session is closed")
	}
	// SQLite forbids schema-qualified targets in DML inside trigger bodies;
	// the unqualified capture_log resolves to the TEMP table because the temp
	// schema shadows main within a connection.
	q := quoteIdent(table)
	lit := quoteString(table)
	triggers := []string{
		fmt.Sprintf(`CREATE TEMP TRIGGER IF NOT EXISTS %s AFTER INSERT ON main.%s
			WHEN (SELECT COUNT(*) FROM temp.capture_muted) = 0
			BEGIN INSERT INTO capture_log (tbl, op, pk, old_ts) VALUES (%s, 'I', NEW.id, NULL); END;`,
			triggerIdent(table, "i"), q, lit),
		fmt.Sprintf(`CREATE TEMP TRIGGER IF NOT EXISTS %s AFTER UPDATE ON main.%s
			WHEN (SELECT COUNT(*) FROM temp.capture_muted) = 0
			BEGIN INSERT INTO capture_log (tbl, op, pk, old_ts) VALUES (%s, 'U', NEW.id, OLD.%s); END;`,
			triggerIdent(table, "u"), q, lit, quoteIdent(UpdatedAtColumn)),
		fmt.Sprintf(`CREATE TEMP TRIGGER IF NOT EXISTS %s AFTER DELETE ON main.%s
			WHEN (SELECT COUNT(*) FROM temp.capture_muted) = 0
			BEGIN INSERT INTO capture_log (tbl, op, pk, old_ts) VALUES (%s, 'D', OLD.id, OLD.%s); END;`,
			triggerIdent(table, "d"), q, lit, quoteIdent(UpdatedAtColumn)),
	}
	for _, trigger := range triggers {
		if _, err := s.db.Exec(trigger); err != nil {
			return fmt.Errorf("failed to attach table %s: %w", table, err)
		}
	}
	s.tables = append(s.tables, table)
	return nil
}

// AttachAll installs capture triggers on every synced table, i.e. every user
// table carrying the _updated_at column.
func (s *Session) AttachAll() error {
	tables, err := SyncedTables(s.db)
	if err != nil {
		return err
	}
	for _, table := range tables {
		if err := s.Attach(table); err != nil {
			return err
		}
	}
	return nil
}

// SyncedTables lists the tables eligible for capture.
func SyncedTables(db *sql.DB) ([]string, error) {
	rows, err := db.Query(
		`SELECT name FROM sqlite_schema
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE 'sync_%'
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		candidates = append(candidates, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var tables []string
	for _, name := range candidates {
		ok, err := hasColumn(db, name, UpdatedAtColumn)
		if err != nil {
			return nil, err
		}
		if ok {
			tables = append(tables, name)
		}
	}
	return tables, nil
}

// Mute suspends capture. Applying remote changesets runs muted so replayed
// rows are not re-captured and re-published as local writes.
func (s *Session) Mute() error {
	_, err := s.db.Exec("INSERT INTO temp.capture_muted (flag) VALUES (1)")
	if err != nil {
		return fmt.Errorf("failed to mute capture: %w", err)
	}
	return nil
}

// Unmute resumes capture.
func (s *Session) Unmute() error {
	_, err := s.db.Exec("DELETE FROM temp.capture_muted")
	if err != nil {
		return fmt.Errorf("failed to unmute capture: %w", err)
	}
	return nil
}

// Extract materializes the recorded mutations as a Changeset. Multiple
// operations on the same row collapse to one op carrying the current row
// image; the pre-image timestamp is the oldest one recorded. The returned
// changeset is empty when the session captured nothing.
func (s *Session) Extract() (*Changeset, error) {
	if s.closed {
		return nil, fmt.Errorf("capture session is closed")
	}
	rows, err := s.db.Query("SELECT entry, tbl, op, pk, old_ts FROM temp.capture_log ORDER BY entry")
	if err != nil {
		return nil, fmt.Errorf("failed to read capture log: %w", err)
	}

	type pending struct {
		op      Op
		oldTS   string
		created bool // first entry was an insert
	}
	type rowKey struct{ table, pk string }

	order := make([]rowKey, 0)
	state := make(map[rowKey]*pending)
	var lastEntry int64
	for rows.Next() {
		var entry int64
		var tbl, op, pk string
		var oldTS sql.NullString
		if err := rows.Scan(&entry, &tbl, &op, &pk, &oldTS); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan capture log: %w", err)
		}
		lastEntry = entry
		key := rowKey{tbl, pk}
		p, seen := state[key]
		if !seen {
			p = &pending{created: op == "I", oldTS: oldTS.String}
			state[key] = p
			order = append(order, key)
		}
		switch op {
		case "I":
			// A re-insert after a delete of a pre-existing row is an update
			// from the perspective of the session boundary.
			if p.created {
				p.op = OpInsert
			} else {
				p.op = OpUpdate
			}
		case "U":
			if p.created {
				p.op = OpInsert
			} else {
				p.op = OpUpdate
			}
		case "D":
			p.op = OpDelete
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if lastEntry > s.extracted {
		s.extracted = lastEntry
	}

	cs := &Changeset{}
	for _, key := range order {
		p := state[key]
		if p.created && p.op == OpDelete {
			// Created and destroyed within the session; nothing to sync.
			continue
		}
		op := RowOp{Table: key.table, Op: p.op, PK: key.pk, OldUpdatedAt: p.oldTS}
		if p.op != OpDelete {
			values, err := readRow(s.db, key.table, key.pk)
			if err != nil {
				return nil, err
			}
			if values == nil {
				// Row vanished without a captured delete (muted apply); skip.
				continue
			}
			op.Values = values
		}
		cs.Ops = append(cs.Ops, op)
	}
	return cs, nil
}

// Reset discards the entries covered by the last Extract, typically after a
// successful publish. Writes captured after that Extract stay in the log for
// the next cycle; with the connection serialized at statement granularity an
// application write can land between Extract and Reset.
func (s *Session) Reset() error {
	if _, err := s.db.Exec("DELETE FROM temp.capture_log WHERE entry <= ?", s.extracted); err != nil {
		return fmt.Errorf("failed to reset capture log: %w", err)
	}
	return nil
}

// Close tears down the triggers and the capture log. Must be called before
// the owning connection closes.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, table := range s.tables {
		for _, suffix := range []string{"i", "u", "d"} {
			if _, err := s.db.Exec("DROP TRIGGER IF EXISTS " + triggerIdent(table, suffix)); err != nil {
				return fmt.Errorf("failed to drop capture trigger for %s: %w", table, err)
			}
		}
	}
	_, err := s.db.Exec("DROP TABLE IF EXISTS temp.capture_log; DROP TABLE IF EXISTS temp.capture_muted;")
	if err != nil {
		return fmt.Errorf("failed to drop capture log: %w", err)
	}
	return nil
}

// readRow loads the full current row image, nil when the row does not exist.
func readRow(db *sql.DB, table, pk string) (map[string]interface{}, error) {
	rows, err := db.Query(fmt.Sprintf("SELECT * FROM %s WHERE id = ?", quoteIdent(table)), pk)
	if err != nil {
		return nil, fmt.Errorf("failed to read row %s/%s: %w", table, pk, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	raw := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan row %s/%s: %w", table, pk, err)
	}
	values := make(map[string]interface{}, len(cols))
	for i, col := range cols {
		values[col] = raw[i]
	}
	return values, nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, typ string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteString renders name as a SQL string literal.
func quoteString(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

// triggerIdent is the quoted name of one capture trigger; the table name may
// contain characters that are not valid in a bare identifier.
func triggerIdent(table, suffix string) string {
	return quoteIdent(fmt.Sprintf("capture_%s_%s", table, suffix))
}
