package bufferpool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	internaltelemetry "github.com/sushant-115/geoindex/internal/telemetry"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"
)

type fakeOwner struct {
	sync.Mutex
	discarded []string
	failing   map[string]bool
}

type fakePayload struct {
	owner *fakeOwner
	name  string
}

func (f fakePayload) Owner() Owner { return f.owner }

func (f fakePayload) Discard(ctx context.Context) error {
	if f.owner.failing[f.name] {
		return errors.New("disk full")
	}
	f.owner.discarded = append(f.owner.discarded, f.name)
	return nil
}

func newOwner() *fakeOwner { return &fakeOwner{failing: map[string]bool{}} }

func newTestPool(t *testing.T, budget int) *Pool {
	metrics, err := internaltelemetry.NewPoolMetrics(noop.NewMeterProvider().Meter(""))
	require.NoError(t, err)
	return New(Config{Budget: budget, Logger: zaptest.NewLogger(t), Metrics: metrics})
}

func TestPoolEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 10)
	o := newOwner()
	o.Lock()
	defer o.Unlock()

	a, b, c := fakePayload{o, "a"}, fakePayload{o, "b"}, fakePayload{o, "c"}
	p.Admit(ctx, o, a, 4)
	p.Admit(ctx, o, b, 4)
	p.Touch(a)
	p.Admit(ctx, o, c, 4)

	require.Equal(t, []string{"b"}, o.discarded)
	require.Equal(t, 8, p.Used())
	require.True(t, p.Resident(a))
	require.False(t, p.Resident(b))
	require.True(t, p.Resident(c))
}

func TestPoolNeverEvictsPinned(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 5)
	o := newOwner()
	o.Lock()
	defer o.Unlock()

	a, b := fakePayload{o, "a"}, fakePayload{o, "b"}
	p.Admit(ctx, o, a, 4)
	require.NoError(t, p.Pin(a))
	p.Admit(ctx, o, b, 4)

	// Both stay: a is pinned and b was just admitted.
	require.Empty(t, o.discarded)
	require.Equal(t, 8, p.Used())
	require.Equal(t, 1, p.Stats().Pinned)

	require.NoError(t, p.Unpin(ctx, o, a))
	require.Equal(t, []string{"a"}, o.discarded)
	require.LessOrEqual(t, p.Used(), 5)
	require.ErrorIs(t, p.Unpin(ctx, o, b), ErrNotPinned)
}

func TestPoolFailedDiscardStaysResident(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 6)
	o := newOwner()
	o.failing["a"] = true
	o.Lock()
	defer o.Unlock()

	a, b, c := fakePayload{o, "a"}, fakePayload{o, "b"}, fakePayload{o, "c"}
	p.Admit(ctx, o, a, 3)
	p.Admit(ctx, o, b, 3)
	p.Admit(ctx, o, c, 1)

	require.True(t, p.Resident(a), "a failed to discard and must stay")
	require.False(t, p.Resident(b), "the next oldest payload is tried")
	require.Equal(t, int64(1), p.Stats().FailedEvictions)
	require.Equal(t, int64(1), p.Stats().Evictions)
	require.Equal(t, 4, p.Used())
}

func TestPoolSkipsBusyForeignOwners(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 4)
	mine, theirs := newOwner(), newOwner()

	theirs.Lock()
	p.Admit(ctx, theirs, fakePayload{theirs, "x"}, 4)
	// theirs is still locked by "another operation".
	mine.Lock()
	p.Admit(ctx, mine, fakePayload{mine, "y"}, 4)
	require.Empty(t, theirs.discarded)
	require.Equal(t, int64(1), p.Stats().SkippedLocked)
	mine.Unlock()
	theirs.Unlock()

	mine.Lock()
	p.Enforce(ctx, mine)
	mine.Unlock()
	require.Equal(t, []string{"x"}, theirs.discarded)
	require.Equal(t, 4, p.Used())
}

func TestPoolTransferKeepsEntry(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 0)
	o := newOwner()
	from, to := fakePayload{o, "from"}, fakePayload{o, "to"}

	p.Admit(ctx, o, from, 7)
	require.NoError(t, p.Pin(from))
	require.NoError(t, p.Transfer(from, to))
	require.False(t, p.Resident(from))
	require.True(t, p.Resident(to))
	require.Equal(t, 7, p.Used())
	require.NoError(t, p.Unpin(ctx, o, to))

	require.ErrorIs(t, p.Transfer(from, to), ErrNotResident)
}

func TestPoolResizeRemoveAndBudget(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, 0)
	o := newOwner()
	o.Lock()
	defer o.Unlock()

	a, b := fakePayload{o, "a"}, fakePayload{o, "b"}
	p.Admit(ctx, o, a, 2)
	p.Admit(ctx, o, b, 2)
	require.NoError(t, p.Resize(ctx, o, a, 10))
	require.Equal(t, 12, p.Used())
	require.Empty(t, o.discarded, "budget 0 never evicts")

	p.SetBudget(ctx, o, 10)
	require.Equal(t, []string{"b"}, o.discarded)
	require.Equal(t, 10, p.Used(), "the resized payload is the most recent and stays")

	p.Remove(ctx, a)
	require.Zero(t, p.Used())
	require.ErrorIs(t, p.Resize(ctx, o, a, 1), ErrNotResident)

	p.Admit(ctx, o, a, 1)
	p.Admit(ctx, o, b, 1)
	require.Equal(t, 2, p.RemoveOwned(ctx, o))
	require.Zero(t, p.Stats().Resident)
}
