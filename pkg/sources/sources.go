// Package sources wires the built-in source adapters into a source registry.
package sources

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/polisai/polis-aggregator/internal/governance"
	"github.com/polisai/polis-aggregator/pkg/engine"
	"github.com/polisai/polis-aggregator/pkg/script"
	"github.com/polisai/polis-aggregator/pkg/sources/httpcall"
	"github.com/polisai/polis-aggregator/pkg/sources/rpccall"
	"github.com/polisai/polis-aggregator/pkg/sources/sqlquery"
	"github.com/polisai/polis-aggregator/pkg/sources/static"
	"github.com/polisai/polis-aggregator/pkg/transform"
)

// Options tunes the shared resources of the built-in adapters.
type Options struct {
	Scripts    *script.Engine
	HTTPClient *http.Client
	// SQLMaxOpen and SQLMaxLifetime bound every SQL pool.
	SQLMaxOpen     int
	SQLMaxLifetime time.Duration
	Logger         *slog.Logger
}

// Builtins owns the process-wide resources behind the built-in adapters.
type Builtins struct {
	Breakers *governance.BreakerSet
	Pools    *sqlquery.Pools
	Conns    *rpccall.Conns
}

// RegisterDefaults registers http, sql, rpc and static sources (v1, with
// their common aliases) and returns the resources they share.
func RegisterDefaults(reg *engine.SourceRegistry, opts Options) *Builtins {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transforms := transform.NewEngine(opts.Scripts)

	b := &Builtins{
		Breakers: governance.NewBreakerSet(),
		Pools:    sqlquery.NewPools(opts.SQLMaxOpen, opts.SQLMaxLifetime),
		Conns:    rpccall.NewConns(),
	}

	reg.Register(httpcall.Type, "v1", httpcall.Factory(httpcall.Options{
		Client:     opts.HTTPClient,
		Transforms: transforms,
		Breakers:   b.Breakers,
		Logger:     logger,
	}), "https", "rest")
	reg.Register(sqlquery.Type, "v1", sqlquery.Factory(sqlquery.Options{
		Pools:  b.Pools,
		Logger: logger,
	}), "db", "database")
	reg.Register(rpccall.Type, "v1", rpccall.Factory(rpccall.Options{
		Conns:      b.Conns,
		Transforms: transforms,
		Logger:     logger,
	}), "grpc")
	reg.Register(static.Type, "v1", static.Factory, "mock", "fixture")
	return b
}

// Close releases the SQL pools and RPC connections.
func (b *Builtins) Close() error {
	return errors.Join(b.Pools.Close(), b.Conns.Close())
}
