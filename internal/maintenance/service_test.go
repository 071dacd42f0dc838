package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pacebot/internal/history"
	"pacebot/internal/storage"
	logx "pacebot/pkg/logx"
)

type refresher struct {
	calls atomic.Int32
	err   error
}

func (r *refresher) RefreshRooms(ctx context.Context) ([]storage.Room, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return []storage.Room{{ID: "a"}, {ID: "b"}}, nil
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Config{}.Validate())
	require.NoError(t, Config{RefreshRooms: "@every 1h", PruneHistory: "0 3 * * *"}.Validate())
	require.NoError(t, Config{PruneHistory: "*/30 * * * * *"}.Validate())
	require.Error(t, Config{RefreshRooms: "every hour"}.Validate())
	require.Error(t, Config{HistoryRetention: -time.Second}.Validate())
	require.Error(t, Config{Timezone: "Mars/Olympus"}.Validate())
}

func TestRunPruneUsesRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := history.NewMemory(0)
	require.NoError(t, repo.Append(ctx, history.Record{Channel: "invites", At: now.Add(-48 * time.Hour)}))
	require.NoError(t, repo.Append(ctx, history.Record{Channel: "invites", At: now.Add(-time.Hour)}))

	s := New(Config{HistoryRetention: 24 * time.Hour}, nil, repo, logx.Nop())
	s.now = func() time.Time { return now }

	n, err := s.RunPrune(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	left, err := repo.Retrieve(ctx, history.Query{})
	require.NoError(t, err)
	require.Len(t, left, 1)

	s.Apply(Config{})
	n, err = s.RunPrune(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRunRefresh(t *testing.T) {
	t.Parallel()

	r := &refresher{}
	s := New(Config{}, r, nil, logx.Nop())
	n, err := s.RunRefresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	r.err = errors.New("offline")
	_, err = s.RunRefresh(context.Background())
	require.Error(t, err)
}

func TestScheduledJobRuns(t *testing.T) {
	t.Parallel()

	r := &refresher{}
	s := New(Config{RefreshRooms: "* * * * * *"}, r, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return r.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	snap := s.Snapshot()
	require.Contains(t, snap, JobRefreshRooms)
	require.NotContains(t, snap, JobPruneHistory)
	require.Eventually(t, func() bool { return s.Snapshot()[JobRefreshRooms].Runs >= 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, int64(2), s.Snapshot()[JobRefreshRooms].Affected)
}
