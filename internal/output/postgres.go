package output

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for the migrate connection

	dbmigrations "github.com/coachpo/backsim/db/migrations"
	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/observability"
	"github.com/coachpo/backsim/internal/stats"
)

// DefaultResultsTable is the table the bundled migration creates.
const DefaultResultsTable = "backsim_results"

// PostgresWriter bulk-copies result rows into Postgres. Construction applies
// the embedded schema migrations before the first write.
type PostgresWriter struct {
	pool  *pgxpool.Pool
	table string
}

func NewPostgresWriter(ctx context.Context, dsn, table string) (*PostgresWriter, error) {
	if dsn == "" {
		return nil, errs.New("output/postgres", errs.CodeConfig,
			errs.WithMessage("datastore_parameters.dsn required"))
	}
	if table == "" {
		table = DefaultResultsTable
	}
	if err := Migrate(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.New("output/postgres", errs.CodeRetryableIO, errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New("output/postgres", errs.CodeRetryableIO, errs.WithCause(err))
	}
	return &PostgresWriter{pool: pool, table: table}, nil
}

func (w *PostgresWriter) Write(ctx context.Context, rows []stats.ResultRow) error {
	if len(rows) == 0 {
		return nil
	}
	began := time.Now()
	src := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		return copyValues(&rows[i])
	})
	n, err := w.pool.CopyFrom(ctx, pgx.Identifier{w.table}, resultColumns, src)
	if err != nil {
		return errs.New("output/postgres", errs.CodeRetryableIO, errs.WithCause(err))
	}
	observability.Telemetry().ObserveHistogram("output.write.duration",
		float64(time.Since(began).Milliseconds()), map[string]string{"datastore": "postgres"})
	observability.Log().Debug("results batch stored",
		observability.Field{Key: "table", Value: w.table},
		observability.Field{Key: "rows", Value: n})
	return nil
}

func (w *PostgresWriter) Close(context.Context) error {
	w.pool.Close()
	return nil
}

func copyValues(r *stats.ResultRow) ([]any, error) {
	var price any
	if r.HasPx {
		price = r.Px.Float()
	}
	var session any
	if !r.TradingSession.IsZero() {
		session = r.TradingSession
	}
	var params any
	if len(r.Params) > 0 {
		raw, err := json.Marshal(r.Params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		params = raw
	}
	return []any{
		r.ExecutionID,
		r.TimestampMillis,
		session,
		r.Type,
		r.Source,
		r.Symbol,
		r.SymbolID,
		r.Account,
		price,
		r.TradeQty.Float(),
		r.NetQty.Float(),
		r.InventoryContracts.Float(),
		r.InventoryDollars.String(),
		r.RealisedPnL.String(),
		r.RPnLCum.String(),
		r.UPnL.String(),
		r.UPnLReversal.String(),
		r.RPnLCumHash.String(),
		r.Equity.String(),
		r.Cancelled,
		r.CancellationReason,
		r.Simulation,
		r.Hash,
		params,
	}, nil
}

// withMigrator runs fn against a migrator built over the embedded SQL
// migrations and the database at dsn.
func withMigrator(ctx context.Context, dsn string, fn func(*migrate.Migrate) error) error {
	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return errs.New("output/postgres", errs.CodeSimulation, errs.WithCause(err))
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errs.New("output/postgres", errs.CodeRetryableIO, errs.WithCause(err))
	}
	defer db.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return errs.New("output/postgres", errs.CodeRetryableIO, errs.WithCause(err))
	}
	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return errs.New("output/postgres", errs.CodeRetryableIO, errs.WithCause(err))
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return errs.New("output/postgres", errs.CodeRetryableIO, errs.WithCause(err))
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Error("migrations source close",
				observability.Field{Key: "error", Value: sourceErr})
		}
		if dbErr != nil {
			observability.Log().Error("migrations db close",
				observability.Field{Key: "error", Value: dbErr})
		}
	}()
	return fn(m)
}

// Migrate runs the embedded SQL migrations against dsn. An already current
// schema is not an error.
func Migrate(ctx context.Context, dsn string) error {
	return withMigrator(ctx, dsn, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				observability.Log().Debug("results schema up to date")
				return nil
			}
			return errs.New("output/postgres", errs.CodeRetryableIO,
				errs.WithMessage("apply migrations"), errs.WithCause(err))
		}
		observability.Log().Info("results schema migrated")
		return nil
	})
}

// Rollback reverts the most recent steps migrations against dsn.
func Rollback(ctx context.Context, dsn string, steps int) error {
	return withMigrator(ctx, dsn, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				return nil
			}
			return errs.New("output/postgres", errs.CodeRetryableIO,
				errs.WithMessage("rollback migrations"), errs.WithCause(err))
		}
		observability.Log().Info("results schema rolled back",
			observability.Field{Key: "steps", Value: steps})
		return nil
	})
}
