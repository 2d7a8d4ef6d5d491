package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/polisai/polis-aggregator/pkg/domain"
)

const defaultTable = "aggregation_configs"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLConfig holds database connection configuration.
type SQLConfig struct {
	Driver string // database/sql driver name: sqlite, postgres, mysql
	DSN    string // Data source name / connection string
	Table  string
}

// SQLStore is a ConfigStore backed by one table of a SQL database. The
// driver must be registered by the binary.
type SQLStore struct {
	db    *sqlx.DB
	table string
}

type configRow struct {
	Method   string `db:"method"`
	Path     string `db:"path"`
	ConfigID string `db:"config_id"`
	Document string `db:"document"`
}

// OpenSQL connects to the database and creates the table when missing.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store := &SQLStore{db: db, table: cfg.Table}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// DB returns the underlying sqlx.DB.
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
method VARCHAR(16) NOT NULL,
path VARCHAR(512) NOT NULL,
config_id VARCHAR(255) NOT NULL,
document TEXT NOT NULL,
updated_at BIGINT NOT NULL,
PRIMARY KEY (method, path)
)`, s.table)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Snapshot reads the whole table.
func (s *SQLStore) Snapshot(ctx context.Context) (map[domain.ResourceKey][]byte, error) {
	var rows []configRow
	query := fmt.Sprintf(`SELECT method, path, config_id, document FROM %s`, s.table)
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("select configs: %w", err)
	}
	out := make(map[domain.ResourceKey][]byte, len(rows))
	for _, row := range rows {
		out[domain.NewResourceKey(row.Method, row.Path)] = []byte(row.Document)
	}
	return out, nil
}

// Put replaces the rows sharing rec's key or id inside one transaction.
func (s *SQLStore) Put(ctx context.Context, rec Record) (err error) {
	if err := rec.validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	del := tx.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE (method = ? AND path = ?) OR (config_id <> '' AND config_id = ?)`, s.table))
	if _, err = tx.ExecContext(ctx, del, rec.Key.Method, rec.Key.Path, rec.ID); err != nil {
		return fmt.Errorf("delete previous %s: %w", rec.Key, err)
	}
	ins := tx.Rebind(fmt.Sprintf(`INSERT INTO %s (method, path, config_id, document, updated_at) VALUES (?, ?, ?, ?, ?)`, s.table))
	if _, err = tx.ExecContext(ctx, ins, rec.Key.Method, rec.Key.Path, rec.ID, string(rec.Document), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert %s: %w", rec.Key, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete removes the rows carrying ids.
func (s *SQLStore) Delete(ctx context.Context, ids ...string) (int, error) {
	filtered := ids[:0:0]
	for _, id := range ids {
		if id != "" {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(fmt.Sprintf(`DELETE FROM %s WHERE config_id IN (?)`, s.table), filtered)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("delete configs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
