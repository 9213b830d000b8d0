// Package store provides the Postgres-backed record store.
package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/benchharvest/harvester/internal/bench"
)

// schemaVersion is bumped whenever the declared column set changes. A
// mismatch on startup drops and recreates the data table; downgrades lose
// data and that is accepted, the raw payload cache allows a full rebuild.
const schemaVersion = 1

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for record rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock stands in
// for it during tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists benchmark record rows keyed by their remote ID.
type Store struct {
	pool   pool
	table  string
	schema bench.Schema
	logger *zap.Logger

	upsertSQL  string
	allNullSQL string
}

// New connects a Store to Postgres using the provided config.
func New(ctx context.Context, cfg Config, schema bench.Schema, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, cfg.Table, schema, logger)
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing with pgxmock).
func NewWithPool(p pool, table string, schema bench.Schema, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		pool:   p,
		table:  table,
		schema: schema,
		logger: logger,
	}
	s.upsertSQL = s.buildUpsertSQL()
	s.allNullSQL = s.buildAllNullSQL()
	return s, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Init creates the version and data tables, recreating the data table when
// the stored schema version does not match the declared one.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}

	var current int
	err := s.pool.QueryRow(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	haveVersion := err == nil
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("read schema version: %w", err)
	}

	if _, err := s.pool.Exec(ctx, s.buildCreateTableSQL()); err != nil {
		return fmt.Errorf("create data table: %w", err)
	}

	if haveVersion && current == schemaVersion {
		return nil
	}

	if haveVersion {
		s.logger.Warn("schema version mismatch, dropping data table",
			zap.Int("stored", current),
			zap.Int("declared", schemaVersion))
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table)); err != nil {
		return fmt.Errorf("drop data table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, s.buildCreateTableSQL()); err != nil {
		return fmt.Errorf("recreate data table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("clear schema version: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, schemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// Upsert replaces the whole row for row.ID. Field updates are never
// partial; a retry fully overwrites the previous attempt.
func (s *Store) Upsert(ctx context.Context, row bench.Row) error {
	if row.ID <= 0 {
		return fmt.Errorf("record id must be > 0")
	}
	if len(row.Values) != len(s.schema.Fields) {
		return fmt.Errorf("row has %d values, schema declares %d", len(row.Values), len(s.schema.Fields))
	}
	args := make([]any, 0, len(row.Values)+1)
	args = append(args, row.ID)
	for _, v := range row.Values {
		args = append(args, v)
	}
	if _, err := s.pool.Exec(ctx, s.upsertSQL, args...); err != nil {
		return fmt.Errorf("upsert record %d: %w", row.ID, err)
	}
	return nil
}

// EnsureAttempted records a bare row for id unless one already exists,
// marking the ID as attempted without touching any populated fields.
func (s *Store) EnsureAttempted(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`INSERT INTO %s (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("mark record %d attempted: %w", id, err)
	}
	return nil
}

// MaxID returns the highest stored ID, or 0 for an empty table.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var max int64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s`, s.table)
	if err := s.pool.QueryRow(ctx, query).Scan(&max); err != nil {
		return 0, fmt.Errorf("query max id: %w", err)
	}
	return max, nil
}

// PresentIDs returns every stored ID in ascending order.
func (s *Store) PresentIDs(ctx context.Context) ([]int64, error) {
	query := fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, s.table)
	return s.queryIDs(ctx, query)
}

// AllNullIDs returns the IDs whose rows have every declared field null, in
// ascending order. These cover confirmed 404s and failed parses alike.
func (s *Store) AllNullIDs(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, s.allNullSQL)
}

// Delete removes the row for id. Used only by the top-down null trim.
func (s *Store) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return nil
}

func (s *Store) queryIDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

func (s *Store) buildCreateTableSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS %s (id BIGINT PRIMARY KEY`, s.table)
	for _, name := range s.schema.ColumnNames() {
		fmt.Fprintf(&b, `, %q TEXT`, name)
	}
	b.WriteString(`)`)
	return b.String()
}

func (s *Store) buildUpsertSQL() string {
	names := s.schema.ColumnNames()
	var cols, params, updates strings.Builder
	for i, name := range names {
		fmt.Fprintf(&cols, `, %q`, name)
		fmt.Fprintf(&params, `, $%d`, i+2)
		if i > 0 {
			updates.WriteString(`, `)
		}
		fmt.Fprintf(&updates, `%q = EXCLUDED.%q`, name, name)
	}
	return fmt.Sprintf(`INSERT INTO %s (id%s) VALUES ($1%s) ON CONFLICT (id) DO UPDATE SET %s`,
		s.table, cols.String(), params.String(), updates.String())
}

func (s *Store) buildAllNullSQL() string {
	conds := make([]string, 0, len(s.schema.Fields))
	for _, name := range s.schema.ColumnNames() {
		conds = append(conds, fmt.Sprintf(`%q IS NULL`, name))
	}
	return fmt.Sprintf(`SELECT id FROM %s WHERE %s ORDER BY id`,
		s.table, strings.Join(conds, ` AND `))
}
