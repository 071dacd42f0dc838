package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pacebot/internal/history"
	"pacebot/internal/history/postgres"
)

func initRepo(t *testing.T) *postgres.Repo {
	t.Helper()
	if db == nil {
		t.Skip("postgres not available")
	}
	require.NoError(t, db.Exec("TRUNCATE dispatch_history").Error)
	return postgres.NewHistoryRepo(db)
}

func TestAppendRetrievePrune(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Append(ctx, history.Record{Channel: "invites", Kind: "invite", Destination: "r1", Status: history.StatusOK, At: base}))
	require.NoError(t, repo.Append(ctx, history.Record{Channel: "group-messages", Kind: "message", Destination: "g1", BatchID: "b", Status: history.StatusFailed, Error: "boom", At: base.Add(time.Minute)}))
	require.NoError(t, repo.Append(ctx, history.Record{Channel: "group-messages", Kind: "message", Destination: "g2", BatchID: "b", Status: history.StatusOK, At: base.Add(2 * time.Minute)}))

	cases := []struct {
		desc  string
		query history.Query
		dests []string
	}{
		{"query all data", history.Query{}, []string{"g2", "g1", "r1"}},
		{"query using offset and limit", history.Query{Offset: 1, Limit: 1}, []string{"g1"}},
		{"query by channel", history.Query{Channel: "invites"}, []string{"r1"}},
		{"query by status", history.Query{Status: history.StatusOK}, []string{"g2", "r1"}},
		{"query by batch", history.Query{BatchID: "b"}, []string{"g2", "g1"}},
	}
	for _, c := range cases {
		res, err := repo.Retrieve(ctx, c.query)
		require.NoError(t, err, c.desc)
		require.Len(t, res, len(c.dests), c.desc)
		for i, r := range res {
			require.Equal(t, c.dests[i], r.Destination, c.desc)
		}
	}

	n, err := repo.Prune(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	res, err := repo.Retrieve(ctx, history.Query{})
	require.NoError(t, err)
	require.Len(t, res, 1)
}
