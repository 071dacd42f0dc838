package pacing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntervalIsMonotoneAndBounded(t *testing.T) {
	t.Parallel()
	for name, c := range map[string]Curve{"invite": InviteCurve(), "message": MessageCurve()} {
		c := c
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			prev := time.Duration(0)
			for count := 0; count <= 200; count++ {
				got := c.Interval(count)
				require.GreaterOrEqual(t, got, prev, "count=%d", count)
				require.LessOrEqual(t, got, c.Ceiling(), "count=%d", count)
				require.GreaterOrEqual(t, got, c.Floor, "count=%d", count)
				prev = got
			}
			require.Equal(t, c.Ceiling(), c.Interval(10_000))
		})
	}
}

func TestKnownIntervals(t *testing.T) {
	t.Parallel()
	inv := InviteCurve()
	msg := MessageCurve()

	tests := []struct {
		name  string
		curve Curve
		count int
		want  time.Duration
	}{
		{name: "invite start clamps to floor", curve: inv, count: 0, want: 5 * time.Second},
		{name: "invite first", curve: inv, count: 1, want: 5 * time.Second},
		{name: "invite second", curve: inv, count: 2, want: 28223 * time.Millisecond},
		{name: "invite third", curve: inv, count: 3, want: 61776 * time.Millisecond},
		{name: "message second", curve: msg, count: 2, want: 9094 * time.Millisecond},
		{name: "message third", curve: msg, count: 3, want: 16805 * time.Millisecond},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.curve.Interval(tt.count))
		})
	}
}

func TestRawNegativeCountTreatedAsZero(t *testing.T) {
	t.Parallel()
	c := InviteCurve()
	require.Equal(t, c.Raw(0), c.Raw(-5))
	require.Equal(t, 20264*time.Millisecond, c.Raw(0))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, InviteCurve().Validate())
	require.NoError(t, MessageCurve().Validate())

	bad := MessageCurve()
	bad.K = 0
	require.Error(t, bad.Validate())

	bad = MessageCurve()
	bad.B = -1
	require.Error(t, bad.Validate())

	bad = MessageCurve()
	bad.Floor = -time.Second
	require.Error(t, bad.Validate())
}
