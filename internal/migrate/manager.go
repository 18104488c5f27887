// Package migrate applies the store's SQL schema and optional seed data. Applied file
// names are kept in bookkeeping tables so every command can be rerun safely.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

var (
	ErrNothingApplied = errors.New("migrate: no migrations applied")
	ErrMissingDown    = errors.New("migrate: down migration not found")
)

// Manager runs versioned migrations (NNNN_name.up.sql with a matching .down.sql) and
// seeds (any .sql file) read from file systems, usually the embedded pg.Migrations().
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

type Option func(*Manager)

// WithMigrationsTable renames the table recording applied migrations.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable renames the table recording applied seeds.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithSeeds sets the files Seed applies. Without it Seed does nothing.
func WithSeeds(fsys fs.FS) Option {
	return func(m *Manager) { m.seeds = fsys }
}

func NewManager(db *sql.DB, migrations fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		migrationsTable: "schema_migrations",
		seedsTable:      "schema_seeds",
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every migration not yet recorded, in file name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyPending(ctx, m.migrations, ".up.sql", m.migrationsTable, "migration")
}

// Seed applies every seed file not yet recorded.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyPending(ctx, m.seeds, ".sql", m.seedsTable, "seed")
}

// Down reverts the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	applied, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return ErrNothingApplied
	}
	last := applied[len(applied)-1]
	want := strings.TrimSuffix(last, ".up.sql") + ".down.sql"

	downs, err := listFiles(m.migrations, ".down.sql")
	if err != nil {
		return err
	}
	i := sort.Search(len(downs), func(i int) bool { return downs[i].name >= want })
	if i == len(downs) || downs[i].name != want {
		return fmt.Errorf("%w: %s", ErrMissingDown, want)
	}
	if err := m.run(ctx, m.migrations, downs[i].path); err != nil {
		return fmt.Errorf("migrate: revert %s: %w", last, err)
	}
	_, err = m.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
	return err
}

// Status lists applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.bootstrap(ctx); err != nil {
		return nil, err
	}
	return m.applied(ctx, m.migrationsTable)
}

func (m *Manager) applyPending(ctx context.Context, fsys fs.FS, suffix, table, kind string) error {
	if err := m.bootstrap(ctx); err != nil {
		return err
	}
	done, err := m.applied(ctx, table)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(done))
	for _, name := range done {
		seen[name] = true
	}
	files, err := listFiles(fsys, suffix)
	if err != nil {
		return err
	}
	for _, f := range files {
		if seen[f.name] {
			continue
		}
		if err := m.run(ctx, fsys, f.path); err != nil {
			return fmt.Errorf("migrate: apply %s %s: %w", kind, f.name, err)
		}
		q := fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table)
		if _, err := m.db.ExecContext(ctx, q, f.name, m.now().UTC()); err != nil {
			return fmt.Errorf("migrate: record %s %s: %w", kind, f.name, err)
		}
	}
	return nil
}

func (m *Manager) bootstrap(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
			create table if not exists %s (
				name text primary key,
				applied_at timestamptz not null default now()
			);`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: create %s: %w", table, err)
		}
	}
	return nil
}

func (m *Manager) applied(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// run executes one file in a single transaction.
func (m *Manager) run(ctx context.Context, fsys fs.FS, path string) error {
	body, err := fs.ReadFile(fsys, path)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type sqlFile struct {
	name string
	path string
}

// listFiles returns files ending in suffix sorted by base name. A nil or missing
// file system has no files.
func listFiles(fsys fs.FS, suffix string) ([]sqlFile, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{name: d.Name(), path: path})
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// splitStatements cuts a script at semicolons outside single-quoted literals and drops
// blank statements. Dollar quoting is not understood, so function bodies cannot be used.
func splitStatements(script string) []string {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, r := range script {
		cur.WriteRune(r)
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ';' && !quoted:
			flush()
		}
	}
	flush()
	return out
}
