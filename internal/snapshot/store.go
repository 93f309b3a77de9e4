// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package snapshot copies the live contents of the shared tables into a
// SQLite database for offline inspection. The shared tables themselves are
// only read.
package snapshot

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"grimm.is/corrstate/internal/errors"
	"grimm.is/corrstate/internal/ipc"
)

// Store is a snapshot database.
type Store struct {
	db *sql.DB
}

// Result describes one written snapshot.
type Result struct {
	ID int64
	// UUID identifies the snapshot across databases.
	UUID     string
	TakenAt  time.Time
	Flowbits int
	Rates    int
}

// Open opens or creates the snapshot database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to open snapshot db"), "path", path)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Attr(errors.Wrap(err, errors.KindInternal, "failed to create snapshot schema"), "path", path)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for queries over exported data.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		taken_at INTEGER NOT NULL, -- Unix timestamp
		dir TEXT NOT NULL,
		counters_fresh BOOLEAN NOT NULL
	);
	CREATE TABLE IF NOT EXISTS flowbits (
		snapshot_id INTEGER NOT NULL REFERENCES snapshots(id),
		slot INTEGER NOT NULL,
		name TEXT NOT NULL,
		src_ip TEXT NOT NULL,
		dst_ip TEXT NOT NULL,
		state INTEGER NOT NULL,
		expiry INTEGER, -- NULL when the flowbit never expires
		PRIMARY KEY (snapshot_id, slot)
	);
	CREATE TABLE IF NOT EXISTS rates (
		snapshot_id INTEGER NOT NULL REFERENCES snapshots(id),
		table_name TEXT NOT NULL,
		slot INTEGER NOT NULL,
		key TEXT NOT NULL,
		count INTEGER NOT NULL,
		updated INTEGER NOT NULL,
		expire INTEGER NOT NULL,
		sid TEXT NOT NULL,
		PRIMARY KEY (snapshot_id, table_name, slot)
	);
	CREATE INDEX IF NOT EXISTS idx_rates_key ON rates(key);
	CREATE INDEX IF NOT EXISTS idx_flowbits_name ON flowbits(name);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Write copies every live row of reg into a new snapshot in one transaction.
func (s *Store) Write(ctx context.Context, reg *ipc.Registry) (Result, error) {
	res := Result{UUID: uuid.NewString(), TakenAt: time.Now()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, errors.Wrap(err, errors.KindUnavailable, "failed to begin snapshot")
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (uuid, taken_at, dir, counters_fresh) VALUES (?, ?, ?, ?)`,
		res.UUID, res.TakenAt.Unix(), reg.Dir(), reg.CountersFresh())
	if err != nil {
		return res, errors.Wrap(err, errors.KindInternal, "failed to record snapshot")
	}
	if res.ID, err = r.LastInsertId(); err != nil {
		return res, errors.Wrap(err, errors.KindInternal, "failed to record snapshot")
	}

	if res.Flowbits, err = writeFlowbits(ctx, tx, res.ID, reg.Flowbits); err != nil {
		return res, errors.Attr(errors.Wrap(err, errors.KindInternal, "failed to export flowbits"), "table", ipc.TableFlowbit.String())
	}

	addrTables := []struct {
		id    ipc.TableID
		store *ipc.Store[ipc.AddrRate]
	}{
		{ipc.TableThreshBySrc, reg.ThreshBySrc},
		{ipc.TableThreshByDst, reg.ThreshByDst},
		{ipc.TableAfterBySrc, reg.AfterBySrc},
		{ipc.TableAfterByDst, reg.AfterByDst},
	}
	for _, t := range addrTables {
		n, err := writeRates(ctx, tx, res.ID, t.id, t.store, func(a ipc.AddrRate) rateRow {
			return rateRow{a.Address().String(), a.Count, a.Updated, a.Expire, a.SIDString()}
		})
		if err != nil {
			return res, errors.Attr(errors.Wrap(err, errors.KindInternal, "failed to export rates"), "table", t.id.String())
		}
		res.Rates += n
	}

	userTables := []struct {
		id    ipc.TableID
		store *ipc.Store[ipc.UserRate]
	}{
		{ipc.TableThreshByUsername, reg.ThreshByUsername},
		{ipc.TableAfterByUsername, reg.AfterByUsername},
	}
	for _, t := range userTables {
		n, err := writeRates(ctx, tx, res.ID, t.id, t.store, func(u ipc.UserRate) rateRow {
			return rateRow{u.UsernameString(), u.Count, u.Updated, u.Expire, u.SIDString()}
		})
		if err != nil {
			return res, errors.Attr(errors.Wrap(err, errors.KindInternal, "failed to export rates"), "table", t.id.String())
		}
		res.Rates += n
	}

	if err := tx.Commit(); err != nil {
		return res, errors.Wrap(err, errors.KindInternal, "failed to commit snapshot")
	}
	return res, nil
}

func writeFlowbits(ctx context.Context, tx *sql.Tx, snapshotID int64, store *ipc.Store[ipc.Flowbit]) (int, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO flowbits (snapshot_id, slot, name, src_ip, dst_ip, state, expiry)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var n int
	store.Each(func(i int, f ipc.Flowbit) bool {
		var expiry sql.NullInt64
		if f.HasExpiry != 0 {
			expiry = sql.NullInt64{Int64: int64(f.Expiry), Valid: true}
		}
		_, err = stmt.ExecContext(ctx, snapshotID, i, f.NameString(), f.Src().String(), f.Dst().String(), f.State, expiry)
		if err != nil {
			return false
		}
		n++
		return true
	})
	return n, err
}

type rateRow struct {
	key     string
	count   uint32
	updated uint32
	expire  uint32
	sid     string
}

func writeRates[R any](ctx context.Context, tx *sql.Tx, snapshotID int64, id ipc.TableID, store *ipc.Store[R], row func(R) rateRow) (int, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rates (snapshot_id, table_name, slot, key, count, updated, expire, sid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var n int
	store.Each(func(i int, r R) bool {
		v := row(r)
		_, err = stmt.ExecContext(ctx, snapshotID, id.String(), i, v.key, v.count, v.updated, v.expire, v.sid)
		if err != nil {
			return false
		}
		n++
		return true
	})
	return n, err
}

// Export writes one snapshot of reg to the database at path.
func Export(ctx context.Context, reg *ipc.Registry, path string) (Result, error) {
	s, err := Open(path)
	if err != nil {
		return Result{}, err
	}
	defer s.Close()
	return s.Write(ctx, reg)
}
