package sqlite

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"gorm.io/gorm"
)

//go:embed migrations/catalog/*.sql migrations/graph/*.sql
var migrationsFS embed.FS

// RunCatalogMigrations brings the entity store schema up to date.
func RunCatalogMigrations(ctx context.Context, db *gorm.DB) error {
	return Migrate(ctx, db, migrationsFS, "migrations/catalog")
}

// RunGraphMigrations brings the mirror schema up to date.
func RunGraphMigrations(ctx context.Context, db *gorm.DB) error {
	return Migrate(ctx, db, migrationsFS, "migrations/graph")
}

// Migrate applies the goose migrations found under dir in fsys. The two
// databases keep separate migration sets, so a provider is used instead of
// goose's package-level base FS.
func Migrate(ctx context.Context, db *gorm.DB, fsys fs.FS, dir string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, sqlDB, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}
