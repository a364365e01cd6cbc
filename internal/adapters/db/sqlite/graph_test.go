package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tahopetis/archzero/internal/adapters/db/mirrortest"
	"github.com/tahopetis/archzero/internal/domain"
)

func TestGraphRepositoryMirrorContract(t *testing.T) {
	mirrortest.Run(t, func(t *testing.T) domain.GraphMirror {
		db, err := Open(filepath.Join(t.TempDir(), "graph_test.db"))
		require.NoError(t, err)
		require.NoError(t, RunGraphMigrations(context.Background(), db))
		t.Cleanup(func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		return NewGraphRepository(db)
	})
}
