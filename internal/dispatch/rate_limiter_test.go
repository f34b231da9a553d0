package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachforge/outreach/internal/store"
)

func newTestLimiter(t *testing.T, mailboxPace, channelPace Pace) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, mailboxPace, channelPace)
}

func TestAllowWithinPace(t *testing.T) {
	rl := newTestLimiter(t,
		Pace{PerSecond: 5, PerMinute: 100, PerDay: 1000},
		Pace{PerSecond: 10, PerMinute: 100, PerDay: 1000})
	ctx := context.Background()
	id := uuid.New()

	for i := 0; i < 5; i++ {
		ok, _, err := rl.Allow(ctx, "ses", id)
		require.NoError(t, err)
		assert.True(t, ok, "send %d should pass", i)
	}
}

func TestAllowDeniesOverPerSecond(t *testing.T) {
	rl := newTestLimiter(t,
		Pace{PerSecond: 2, PerMinute: 100, PerDay: 1000},
		Pace{PerSecond: 100, PerMinute: 1000, PerDay: 10000})
	// Freeze the clock so every call lands in the same second bucket.
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	ctx := context.Background()
	id := uuid.New()

	for i := 0; i < 2; i++ {
		ok, _, err := rl.Allow(ctx, "ses", id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, wait, err := rl.Allow(ctx, "ses", id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)
}

func TestAllowDeniesOverPerMinute(t *testing.T) {
	rl := newTestLimiter(t,
		Pace{PerSecond: 100, PerMinute: 3, PerDay: 1000},
		Pace{PerSecond: 100, PerMinute: 1000, PerDay: 10000})
	fixed := time.Date(2026, 5, 1, 10, 0, 30, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	ctx := context.Background()
	id := uuid.New()

	for i := 0; i < 3; i++ {
		ok, _, err := rl.Allow(ctx, "ses", id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, wait, err := rl.Allow(ctx, "ses", id)
	require.NoError(t, err)
	assert.False(t, ok)
	// Held until the minute bucket rolls over.
	assert.Equal(t, 31*time.Second, wait)
}

func TestAllowDailyCeilingDefersToTomorrow(t *testing.T) {
	rl := newTestLimiter(t,
		Pace{PerSecond: 100, PerMinute: 100, PerDay: 1},
		Pace{PerSecond: 100, PerMinute: 1000, PerDay: 10000})
	fixed := time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	ctx := context.Background()
	id := uuid.New()

	ok, _, err := rl.Allow(ctx, "ses", id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, wait, err := rl.Allow(ctx, "ses", id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Hour, wait)
}

func TestAllowChannelBudgetIsShared(t *testing.T) {
	// Two mailboxes on one channel drain the same aggregate budget:
	// once the channel's slot is gone, neither may send, regardless of
	// their own per-mailbox headroom.
	rl := newTestLimiter(t,
		Pace{PerSecond: 10, PerMinute: 100, PerDay: 1000},
		Pace{PerSecond: 1, PerMinute: 100, PerDay: 10000})
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	ok, _, err := rl.Allow(ctx, "smtp:relay.example.com", a)
	require.NoError(t, err)
	require.True(t, ok)

	ok, wait, err := rl.Allow(ctx, "smtp:relay.example.com", b)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)
}

func TestAllowChannelsAreIsolated(t *testing.T) {
	rl := newTestLimiter(t,
		Pace{PerSecond: 10, PerMinute: 100, PerDay: 1000},
		Pace{PerSecond: 1, PerMinute: 100, PerDay: 10000})
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	ctx := context.Background()

	ok, _, err := rl.Allow(ctx, "ses", uuid.New())
	require.NoError(t, err)
	require.True(t, ok)

	// A different relay's budget is untouched.
	ok, _, err = rl.Allow(ctx, "smtp:relay.example.com", uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowMailboxTierUnderChannel(t *testing.T) {
	// The per-mailbox cadence still applies under a roomy channel
	// ceiling.
	rl := newTestLimiter(t,
		Pace{PerSecond: 1, PerMinute: 100, PerDay: 1000},
		Pace{PerSecond: 100, PerMinute: 1000, PerDay: 10000})
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	ok, _, err := rl.Allow(ctx, "ses", a)
	require.NoError(t, err)
	require.True(t, ok)

	// Mailbox A is throttled; mailbox B still has its own slot.
	ok, _, _ = rl.Allow(ctx, "ses", a)
	assert.False(t, ok)
	ok, _, err = rl.Allow(ctx, "ses", b)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowDenialSpendsNoBudget(t *testing.T) {
	// A mailbox-tier denial must not consume the channel's slot.
	rl := newTestLimiter(t,
		Pace{PerSecond: 1, PerMinute: 100, PerDay: 1000},
		Pace{PerSecond: 2, PerMinute: 100, PerDay: 10000})
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	ok, _, err := rl.Allow(ctx, "ses", a)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, _ = rl.Allow(ctx, "ses", a)
	require.False(t, ok)

	// Channel still has one slot left for the second mailbox.
	ok, _, err = rl.Allow(ctx, "ses", b)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetChannelPaceOverride(t *testing.T) {
	rl := newTestLimiter(t,
		Pace{PerSecond: 10, PerMinute: 100, PerDay: 1000},
		Pace{PerSecond: 10, PerMinute: 100, PerDay: 10000})
	rl.SetChannelPace("smtp:slow.example.com", Pace{PerSecond: 1, PerMinute: 100, PerDay: 10000})
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	ctx := context.Background()

	ok, _, err := rl.Allow(ctx, "smtp:slow.example.com", uuid.New())
	require.NoError(t, err)
	require.True(t, ok)

	ok, wait, err := rl.Allow(ctx, "smtp:slow.example.com", uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)
}

func TestChannelFor(t *testing.T) {
	ses := &store.Mailbox{Provider: "ses"}
	assert.Equal(t, "ses", ChannelFor(ses))

	smtp := &store.Mailbox{Provider: "smtp", SMTPHost: "relay.example.com"}
	assert.Equal(t, "smtp:relay.example.com", ChannelFor(smtp))
}

func TestNilClientAllowsEverything(t *testing.T) {
	rl := NewRateLimiter(nil, DefaultPace, DefaultChannelPace)
	ok, wait, err := rl.Allow(context.Background(), "ses", uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, wait)
}
