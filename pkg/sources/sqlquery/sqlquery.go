// Package sqlquery implements the SQL source adapter. Connections are pooled
// per (driver, dsn) for the lifetime of the process; query arguments are path
// expressions resolved against the execution context.
package sqlquery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/polisai/polis-aggregator/pkg/engine/runtime"
	"github.com/polisai/polis-aggregator/pkg/transform"
)

// Type is the source type this adapter registers under.
const Type = "sql"

// Config is the adapter-specific part of a source block.
type Config struct {
	// Driver is a database/sql driver name: sqlite, postgres or mysql.
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	Query  string `json:"query"`
	// Args are path expressions bound to the query's positional parameters.
	Args []string `json:"args"`
	// Single returns the first row instead of the row list.
	Single  bool             `json:"single"`
	Timeout runtime.Duration `json:"timeout"`
}

// Pools keeps one *sqlx.DB per (driver, dsn).
type Pools struct {
	mu          sync.Mutex
	dbs         map[string]*sqlx.DB
	maxOpen     int
	maxLifetime time.Duration
}

// NewPools creates an empty pool set. maxOpen of zero leaves the driver default.
func NewPools(maxOpen int, maxLifetime time.Duration) *Pools {
	return &Pools{dbs: make(map[string]*sqlx.DB), maxOpen: maxOpen, maxLifetime: maxLifetime}
}

// Get returns the pool for driver and dsn, opening it on first use.
func (p *Pools) Get(driver, dsn string) (*sqlx.DB, error) {
	key := driver + "\x00" + dsn
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.dbs[key]; ok {
		return db, nil
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if p.maxOpen > 0 {
		db.SetMaxOpenConns(p.maxOpen)
	}
	if p.maxLifetime > 0 {
		db.SetConnMaxLifetime(p.maxLifetime)
	}
	p.dbs[key] = db
	return db, nil
}

// Close closes every pool.
func (p *Pools) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, db := range p.dbs {
		errs = append(errs, db.Close())
		delete(p.dbs, key)
	}
	return errors.Join(errs...)
}

// Options holds the collaborators shared by every SQL source.
type Options struct {
	Pools  *Pools
	Logger *slog.Logger
}

// Factory returns the source factory bound to opts.
func Factory(opts Options) runtime.SourceFactory {
	if opts.Pools == nil {
		opts.Pools = NewPools(0, 0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return func(cfg runtime.SourceConfig) (runtime.Source, error) {
		var c Config
		if err := cfg.Decode(&c); err != nil {
			return nil, err
		}
		c.Driver = strings.TrimSpace(c.Driver)
		switch {
		case c.Driver == "":
			return nil, fmt.Errorf("source %q: driver is required", cfg.Name)
		case !driverRegistered(c.Driver):
			return nil, fmt.Errorf("source %q: sql driver %q is not registered", cfg.Name, c.Driver)
		case strings.TrimSpace(c.Query) == "":
			return nil, fmt.Errorf("source %q: query is required", cfg.Name)
		}
		return &Source{name: cfg.Name, step: cfg.Step, cfg: c, opts: opts}, nil
	}
}

func driverRegistered(name string) bool {
	return slices.Contains(sql.Drivers(), name)
}

// Source is one query for one pipeline run.
type Source struct {
	name string
	step string
	cfg  Config
	opts Options

	args []any
}

// Prepare binds the query arguments. Missing paths bind NULL.
func (s *Source) Prepare(_ context.Context, ec *runtime.ExecutionContext) error {
	tree := ec.Tree()
	s.args = make([]any, len(s.cfg.Args))
	for i, path := range s.cfg.Args {
		if v, ok := transform.Lookup(tree, path); ok {
			s.args[i] = v
		}
	}
	return nil
}

// ShouldRun always schedules the query.
func (s *Source) ShouldRun(*runtime.ExecutionContext) bool {
	return true
}

// Execute runs the query and returns its rows.
func (s *Source) Execute(ctx context.Context) (runtime.SourceResult, error) {
	result := runtime.SourceResult{
		Name:    s.name,
		Request: map[string]any{"query": s.cfg.Query, "args": append([]any(nil), s.args...)},
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout.Std())
		defer cancel()
	}

	db, err := s.opts.Pools.Get(s.cfg.Driver, s.cfg.DSN)
	if err != nil {
		return result, err
	}
	rows, err := db.QueryxContext(ctx, s.cfg.Query, s.args...)
	if err != nil {
		return result, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, records, err := scan(rows)
	if err != nil {
		return result, err
	}

	cols := make([]any, len(columns))
	for i, c := range columns {
		cols[i] = c
	}
	result.Response.Headers = map[string]any{"columns": cols, "count": len(records)}
	if s.cfg.Single {
		if len(records) > 0 {
			result.Response.Body = records[0]
		}
	} else {
		list := make([]any, len(records))
		for i, r := range records {
			list[i] = r
		}
		result.Response.Body = list
	}
	s.opts.Logger.Debug("sql source returned rows", "step", s.step, "source", s.name, "rows", len(records))
	return result, nil
}

func scan(rows *sqlx.Rows) ([]string, []map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("columns: %w", err)
	}
	var records []map[string]any
	for rows.Next() {
		record := make(map[string]any, len(columns))
		if err := rows.MapScan(record); err != nil {
			return nil, nil, fmt.Errorf("scan: %w", err)
		}
		for name, v := range record {
			record[name] = normalize(v)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows: %w", err)
	}
	return columns, records, nil
}

// normalize maps driver values onto the JSON-like types used in the context.
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
