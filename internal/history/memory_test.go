package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryRetrieveFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMemory(0)
	require.NoError(t, repo.Append(ctx, Record{Channel: "invites", Kind: "invite", Destination: "r1", Status: StatusOK, At: base}))
	require.NoError(t, repo.Append(ctx, Record{Channel: "group-messages", Kind: "message", Destination: "g1", BatchID: "b", Status: StatusFailed, At: base.Add(time.Minute)}))
	require.NoError(t, repo.Append(ctx, Record{Channel: "group-messages", Kind: "message", Destination: "g2", BatchID: "b", Status: StatusOK, At: base.Add(2 * time.Minute)}))

	cases := []struct {
		desc  string
		query Query
		dests []string
	}{
		{"all newest first", Query{}, []string{"g2", "g1", "r1"}},
		{"by channel", Query{Channel: "invites"}, []string{"r1"}},
		{"by status", Query{Status: StatusOK}, []string{"g2", "r1"}},
		{"by batch", Query{BatchID: "b"}, []string{"g2", "g1"}},
		{"offset and limit", Query{Offset: 1, Limit: 1}, []string{"g1"}},
		{"since", Query{Since: base.Add(time.Minute)}, []string{"g2", "g1"}},
		{"offset past end", Query{Offset: 5}, []string{}},
	}
	for _, c := range cases {
		res, err := repo.Retrieve(ctx, c.query)
		require.NoError(t, err, c.desc)
		got := make([]string, 0, len(res))
		for _, r := range res {
			got = append(got, r.Destination)
		}
		require.Equal(t, c.dests, got, c.desc)
	}
}

func TestMemoryPruneAndCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMemory(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Append(ctx, Record{Channel: "c", Destination: "d", Status: StatusOK, At: base.Add(time.Duration(i) * time.Hour)}))
	}
	all, err := repo.Retrieve(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	n, err := repo.Prune(ctx, base.Add(4*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	all, err = repo.Retrieve(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}
