package db

import (
	"context"
	"database/sql"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
)

// Open connects to the sqlite database at path and creates the schema
// if it does not exist yet. An empty path opens an in-memory database,
// which is what tests and ephemeral runs use.
func Open(ctx context.Context, path, environment string) (*bun.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, err
	}

	bdb := bun.NewDB(sqldb, sqlitedialect.New())
	if environment != "production" {
		bdb.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(false)))
	}

	if _, err := bdb.NewCreateTable().Model((*Job)(nil)).IfNotExists().Exec(ctx); err != nil {
		bdb.Close()
		return nil, err
	}

	return bdb, nil
}
