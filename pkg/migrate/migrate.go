// Package migrate applies the versioned SQL files in migrations/ with pgx.
// Files are named NNNNNN_description.up.sql / .down.sql and versions must be
// contiguous starting at 1.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// ErrNoChange is returned by Down when nothing has been applied.
var ErrNoChange = errors.New("no migrations to roll back")

type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Load reads and validates every migration pair found at the root of fsys.
func Load(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := map[int]*Migration{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var up bool
		var stem string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			up, stem = true, strings.TrimSuffix(name, ".up.sql")
		case strings.HasSuffix(name, ".down.sql"):
			stem = strings.TrimSuffix(name, ".down.sql")
		default:
			return nil, fmt.Errorf("migration %s: expected .up.sql or .down.sql", name)
		}

		prefix, label, _ := strings.Cut(stem, "_")
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: invalid version prefix", name)
		}

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Name: label}
			byVersion[version] = m
		}
		if up {
			m.Up = string(body)
		} else {
			m.Down = string(body)
		}
	}

	if len(byVersion) == 0 {
		return nil, errors.New("no migrations found")
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })

	for i, m := range out {
		if m.Version != i+1 {
			return nil, fmt.Errorf("migration %d missing", i+1)
		}
		if strings.TrimSpace(m.Up) == "" {
			return nil, fmt.Errorf("migration %d has no up script", m.Version)
		}
	}
	return out, nil
}

// Migrator tracks applied versions in schema_migrations.
type Migrator struct {
	conn       *pgx.Conn
	migrations []Migration
	logger     *zap.Logger
}

func New(ctx context.Context, databaseURL string, fsys fs.FS, logger *zap.Logger) (*Migrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations, err := Load(fsys)
	if err != nil {
		return nil, err
	}

	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if _, err := conn.Exec(ctx, createVersionTable); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	return &Migrator{conn: conn, migrations: migrations, logger: logger}, nil
}

func (m *Migrator) Close(ctx context.Context) error {
	return m.conn.Close(ctx)
}

// Version returns the highest applied version, or 0 when none.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	var version int
	if err := m.conn.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error {
	return m.Steps(ctx, len(m.migrations))
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.Steps(ctx, -1)
}

// Steps moves n migrations forward (n > 0) or back (n < 0).
func (m *Migrator) Steps(ctx context.Context, n int) error {
	current, err := m.Version(ctx)
	if err != nil {
		return err
	}

	for ; n > 0 && current < len(m.migrations); n-- {
		next := m.migrations[current]
		if err := m.apply(ctx, next, true); err != nil {
			return err
		}
		current = next.Version
	}

	for ; n < 0; n++ {
		if current == 0 {
			return ErrNoChange
		}
		last := m.migrations[current-1]
		if err := m.apply(ctx, last, false); err != nil {
			return err
		}
		current = last.Version - 1
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration, up bool) error {
	script, record, direction := mig.Up, `INSERT INTO schema_migrations (version) VALUES ($1)`, "up"
	if !up {
		script, record, direction = mig.Down, `DELETE FROM schema_migrations WHERE version = $1`, "down"
		if strings.TrimSpace(script) == "" {
			return fmt.Errorf("migration %d has no down script", mig.Version)
		}
	}

	tx, err := m.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", mig.Version, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, script); err != nil {
		return fmt.Errorf("migration %d %s: %w", mig.Version, direction, err)
	}
	if _, err := tx.Exec(ctx, record, mig.Version); err != nil {
		return fmt.Errorf("record migration %d: %w", mig.Version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %d: %w", mig.Version, err)
	}

	m.logger.Info("migration applied", zap.Int("version", mig.Version), zap.String("name", mig.Name), zap.String("direction", direction))
	return nil
}
