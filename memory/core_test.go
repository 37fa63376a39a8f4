package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memflow/memflow/types"
)

func TestCoreCreateListAndCategoryFilter(t *testing.T) {
	t.Parallel()

	s := NewCoreStore(newTestDB(t), nil)
	ctx := context.Background()

	_, err := s.Create(ctx, "alice", "prefers concise answers", types.CorePreference, 0.8, 4, nil)
	require.NoError(t, err)
	_, err = s.Create(ctx, "alice", "works as a data engineer", types.CoreIdentity, 0.9, 5, nil)
	require.NoError(t, err)
	_, err = s.Create(ctx, "bob", "trains for a marathon", types.CoreGoal, 0.7, 3, nil)
	require.NoError(t, err)

	all, err := s.List(ctx, "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "works as a data engineer", all[0].Content)

	prefs, err := s.List(ctx, "alice", types.CorePreference, 10)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, types.CorePreference, prefs[0].Category)
}

func TestCoreReinforceCapsConfidence(t *testing.T) {
	t.Parallel()

	s := NewCoreStore(newTestDB(t), nil)
	ctx := context.Background()

	m, err := s.Create(ctx, "alice", "prefers dark mode", types.CorePreference, 0.95, 3, nil)
	require.NoError(t, err)

	m, err = s.Reinforce(ctx, m.ID, 0.05, 2)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.Confidence)
	assert.Equal(t, 5, m.EvidenceCount)

	m, err = s.Reinforce(ctx, m.ID, 0.05, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.Confidence)

	_, err = s.Reinforce(ctx, "missing", 0.05, 1)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestCoreFindByContent(t *testing.T) {
	t.Parallel()

	s := NewCoreStore(newTestDB(t), nil)
	ctx := context.Background()

	created, err := s.Create(ctx, "alice", "vegetarian", types.CoreConstraint, 0.8, 3, nil)
	require.NoError(t, err)

	found, err := s.FindByContent(ctx, "alice", "vegetarian")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)

	missing, err := s.FindByContent(ctx, "alice", "carnivore")
	require.NoError(t, err)
	assert.Nil(t, missing)

	foreign, err := s.FindByContent(ctx, "bob", "vegetarian")
	require.NoError(t, err)
	assert.Nil(t, foreign)
}

func TestCoreDeleteOwnershipAndSoftness(t *testing.T) {
	t.Parallel()

	s := NewCoreStore(newTestDB(t), nil)
	ctx := context.Background()

	m, err := s.Create(ctx, "alice", "plays the piano", types.CoreIdentity, 0.75, 3, nil)
	require.NoError(t, err)

	err = s.Delete(ctx, "bob", m.ID)
	assert.True(t, types.IsCode(err, types.ErrOwnership))

	require.NoError(t, s.Delete(ctx, "alice", m.ID))

	listed, err := s.List(ctx, "alice", "", 10)
	require.NoError(t, err)
	assert.Empty(t, listed)

	// Row survives soft deletion.
	var row types.CoreMemory
	require.NoError(t, s.db.First(&row, "id = ?", m.ID).Error)
	assert.False(t, row.Active)
}
