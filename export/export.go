// Package export writes dependence graphs and slices to a SQL database so
// they can be queried after the analysis. SQLite and DuckDB are supported.
package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/dynslice/program"
	"github.com/chazu/dynslice/slicing"
)

var log = commonlog.GetLogger("dynslice.export")

// Database drivers.
const (
	SQLite = "sqlite"
	DuckDB = "duckdb"
)

// ErrUnknownDriver is returned by Open for drivers other than SQLite and
// DuckDB.
var ErrUnknownDriver = errors.New("export: unknown driver")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		threads BIGINT NOT NULL,
		occurrences BIGINT NOT NULL,
		edges BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS instructions (
		run TEXT NOT NULL,
		idx BIGINT NOT NULL,
		method TEXT NOT NULL,
		line BIGINT NOT NULL,
		op TEXT NOT NULL,
		PRIMARY KEY (run, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS occurrences (
		run TEXT NOT NULL,
		thread BIGINT NOT NULL,
		seq BIGINT NOT NULL,
		instruction BIGINT NOT NULL,
		ordinal BIGINT NOT NULL,
		frame BIGINT NOT NULL,
		PRIMARY KEY (run, thread, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS edges (
		run TEXT NOT NULL,
		kind TEXT NOT NULL,
		from_thread BIGINT NOT NULL,
		from_seq BIGINT NOT NULL,
		to_thread BIGINT NOT NULL,
		to_seq BIGINT NOT NULL,
		variable TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS slices (
		id TEXT PRIMARY KEY,
		run TEXT NOT NULL,
		criterion TEXT NOT NULL,
		direction TEXT NOT NULL,
		data BOOLEAN NOT NULL,
		control BOOLEAN NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS slice_members (
		slice TEXT NOT NULL,
		thread BIGINT NOT NULL,
		seq BIGINT NOT NULL,
		seed BOOLEAN NOT NULL
	)`,
}

// Exporter writes to one database.
type Exporter struct {
	db     *sql.DB
	driver string
	mu     sync.Mutex
}

// Open opens the database at dsn and creates the tables if needed.
func Open(driver, dsn string) (*Exporter, error) {
	if driver != SQLite && driver != DuckDB {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if driver == SQLite {
		// Set busy timeout for concurrent access
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}
	return &Exporter{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (x *Exporter) Close() error {
	if x.db != nil {
		return x.db.Close()
	}
	return nil
}

// Driver returns the driver name the exporter was opened with.
func (x *Exporter) Driver() string {
	return x.driver
}

// DB returns the underlying database.
func (x *Exporter) DB() *sql.DB {
	return x.db
}

// WriteGraph stores the program's instructions and the graph's
// occurrences and edges under run. An existing run with the same id is
// replaced.
func (x *Exporter) WriteGraph(ctx context.Context, run string, prog *program.Program, g *slicing.Graph) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	occs := g.Occurrences()
	edges := g.Edges()
	if x.driver == DuckDB {
		// DuckDB checks primary keys against rows deleted earlier in the
		// same transaction.
		if err := x.inTx(ctx, func(tx *sql.Tx) error { return clearRun(ctx, tx, run) }); err != nil {
			return err
		}
	}
	return x.inTx(ctx, func(tx *sql.Tx) error {
		if x.driver != DuckDB {
			if err := clearRun(ctx, tx, run); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO runs (id, threads, occurrences, edges) VALUES (?, ?, ?, ?)",
			run, len(g.Threads()), len(occs), len(edges),
		); err != nil {
			return fmt.Errorf("saving run: %w", err)
		}

		err := insertAll(ctx, tx, "INSERT INTO instructions (run, idx, method, line, op) VALUES (?, ?, ?, ?, ?)",
			prog.Len(), func(i int) []any {
				in := prog.Instruction(i)
				return []any{run, in.Index, in.Method().Name, in.Line, in.Op.String()}
			})
		if err != nil {
			return fmt.Errorf("saving instructions: %w", err)
		}

		err = insertAll(ctx, tx, "INSERT INTO occurrences (run, thread, seq, instruction, ordinal, frame) VALUES (?, ?, ?, ?, ?, ?)",
			len(occs), func(i int) []any {
				o := occs[i]
				return []any{run, o.Thread, o.Seq, o.Instruction, o.Ordinal, o.Frame}
			})
		if err != nil {
			return fmt.Errorf("saving occurrences: %w", err)
		}

		err = insertAll(ctx, tx, "INSERT INTO edges (run, kind, from_thread, from_seq, to_thread, to_seq, variable) VALUES (?, ?, ?, ?, ?, ?, ?)",
			len(edges), func(i int) []any {
				e := edges[i]
				var v sql.NullString
				if e.Variable != nil {
					v = sql.NullString{String: e.Variable.String(), Valid: true}
				}
				return []any{run, e.Kind.String(), e.From.Thread, e.From.Seq, e.To.Thread, e.To.Seq, v}
			})
		if err != nil {
			return fmt.Errorf("saving edges: %w", err)
		}
		log.Infof("exported run %s: %d occurrences, %d edges", run, len(occs), len(edges))
		return nil
	})
}

// WriteSlice stores the members of r under run and returns the new
// slice's id.
func (x *Exporter) WriteSlice(ctx context.Context, run string, r *slicing.Result) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	id := uuid.NewString()
	seeds := make(map[[2]int64]bool, len(r.Seeds))
	for _, s := range r.Seeds {
		seeds[[2]int64{s.Thread, s.Seq}] = true
	}
	err := x.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO slices (id, run, criterion, direction, data, control) VALUES (?, ?, ?, ?, ?, ?)",
			id, run, r.Criterion.String(), r.Options.Direction.String(), r.Options.Data, r.Options.Control,
		); err != nil {
			return fmt.Errorf("saving slice: %w", err)
		}
		err := insertAll(ctx, tx, "INSERT INTO slice_members (slice, thread, seq, seed) VALUES (?, ?, ?, ?)",
			len(r.Occurrences), func(i int) []any {
				o := r.Occurrences[i]
				return []any{id, o.Thread, o.Seq, seeds[[2]int64{o.Thread, o.Seq}]}
			})
		if err != nil {
			return fmt.Errorf("saving slice members: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	log.Infof("exported slice %s of run %s: %d occurrences", id, run, len(r.Occurrences))
	return id, nil
}

// Summary counts the rows stored for a run.
type Summary struct {
	Instructions int64
	Occurrences  int64
	Edges        int64
	Slices       int64
}

// Summarize counts the rows stored for run.
func (x *Exporter) Summarize(ctx context.Context, run string) (Summary, error) {
	var s Summary
	for _, q := range []struct {
		dst   *int64
		query string
	}{
		{&s.Instructions, "SELECT COUNT(*) FROM instructions WHERE run = ?"},
		{&s.Occurrences, "SELECT COUNT(*) FROM occurrences WHERE run = ?"},
		{&s.Edges, "SELECT COUNT(*) FROM edges WHERE run = ?"},
		{&s.Slices, "SELECT COUNT(*) FROM slices WHERE run = ?"},
	} {
		if err := x.db.QueryRowContext(ctx, q.query, run).Scan(q.dst); err != nil {
			return s, fmt.Errorf("counting rows: %w", err)
		}
	}
	return s, nil
}

func clearRun(ctx context.Context, tx *sql.Tx, run string) error {
	for _, table := range []string{"runs", "instructions", "occurrences", "edges"} {
		col := "run"
		if table == "runs" {
			col = "id"
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+col+" = ?", run); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}

func (x *Exporter) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertAll(ctx context.Context, tx *sql.Tx, query string, n int, row func(i int) []any) error {
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := range n {
		if _, err := stmt.ExecContext(ctx, row(i)...); err != nil {
			return err
		}
	}
	return nil
}
