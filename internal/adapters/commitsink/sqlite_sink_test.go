package commitsink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

func TestSQLiteSinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := NewSQLiteSink(path, "")
	require.NoError(t, err)

	base := time.Unix(1700000000, 0)
	recs := []ports.CommitRecord{
		{Key: domain.Key{SourceID: "cmds", ID: 1}, CommittedAt: base},
		{Key: domain.Key{SourceID: "cmds", ID: 2}, CommittedAt: base.Add(time.Minute)},
		{Key: domain.Key{SourceID: "vib", ID: 1}, CommittedAt: base.Add(2 * time.Minute)},
	}
	require.NoError(t, s.Persist(ctx, recs))
	require.NoError(t, s.Persist(ctx, recs), "persist must be idempotent")
	require.NoError(t, s.Close())

	s, err = NewSQLiteSink(path, "")
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, recs[0].Key, got[0].Key)
	assert.True(t, got[0].CommittedAt.Equal(base))

	require.NoError(t, s.Truncate(ctx, base.Add(90*time.Second)))
	got, err = s.Load(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.Key{SourceID: "vib", ID: 1}, got[0].Key)
}

func TestSQLiteSinkLargeIDsSurvive(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteSink(filepath.Join(t.TempDir(), "ledger.db"), "keys")
	require.NoError(t, err)
	defer s.Close()

	big := uint64(1) << 63
	require.NoError(t, s.Persist(ctx, []ports.CommitRecord{{Key: domain.Key{SourceID: "x", ID: big}, CommittedAt: time.Now()}}))

	got, err := s.Load(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, big, got[0].Key.ID)
}

func TestSQLiteSinkRejectsBadTable(t *testing.T) {
	_, err := NewSQLiteSink(filepath.Join(t.TempDir(), "x.db"), "bad;drop")
	assert.Error(t, err)
}
