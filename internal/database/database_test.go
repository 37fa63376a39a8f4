package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/memflow/memflow/config"
	"github.com/memflow/memflow/types"
)

func TestOpenSQLiteInMemory(t *testing.T) {
	t.Parallel()

	cfg := config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}
	db, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)

	// Schema is in place: inserts against every tier succeed.
	require.NoError(t, db.Create(&types.SensoryRecord{ID: "s1", OwnerID: "u1", Status: types.SensoryPending}).Error)
	require.NoError(t, db.Create(&types.LongTermMemory{ID: "m1", OwnerID: "u1", Active: true}).Error)

	var count int64
	require.NoError(t, db.Model(&types.SensoryRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(config.DatabaseConfig{Driver: "oracle"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestEmbeddingSerialization(t *testing.T) {
	t.Parallel()

	db, err := OpenTest()
	require.NoError(t, err)

	in := &types.LongTermMemory{
		ID:        "m1",
		OwnerID:   "u1",
		Embedding: []float32{0.1, 0.2, 0.3},
		Lineage:   []string{"stm-1"},
		Active:    true,
	}
	require.NoError(t, db.Create(in).Error)

	var out types.LongTermMemory
	require.NoError(t, db.First(&out, "id = ?", "m1").Error)
	assert.Equal(t, in.Embedding, out.Embedding)
	assert.Equal(t, in.Lineage, out.Lineage)
}
