// Copyright 2025 James Ross

// Package catalog owns the authoritative relational state of the gateway:
// studies, series, instances, destinations, forward jobs, and the ingest
// audit trail. It is the only package that issues SQL against Postgres.
package catalog

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/lib/pq"

	"github.com/flyingrobots/dicom-gateway/internal/config"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open connects to Postgres and bounds the connection pool per cfg.
func Open(cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.Catalog.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to catalog database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Catalog.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Catalog.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Catalog.ConnMaxLifetime)
	return db, nil
}

// Migrate applies any pending goose migrations embedded in this package.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
