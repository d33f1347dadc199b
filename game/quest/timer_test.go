package quest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tommyshellberg/unquest-core/authority"
	"github.com/tommyshellberg/unquest-core/model"
	"github.com/tommyshellberg/unquest-core/scheduler"
	"github.com/tommyshellberg/unquest-core/storage"
	"github.com/tommyshellberg/unquest-core/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type timerEnv struct {
	store *Store
	timer *Timer
	fake  *testutil.FakeAuthority
	clock *fakeClock
	sched *scheduler.Scheduler
	db    *gorm.DB
	kv    storage.KV
}

// newTimerEnv builds the full single-device pipeline over a fake
// authority. The minimum tick is an hour so nothing fires on its own;
// tests drive the tick by hand.
func newTimerEnv(t *testing.T) *timerEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	kv := storage.NewKV(db)
	c, ps := testutil.SetupTestCache(t)
	clock := newFakeClock(time.Date(2025, 3, 10, 14, 0, 0, 0, time.Local))
	fake := testutil.NewFakeAuthority(t)
	client := authority.NewClient(authority.Config{BaseURL: fake.URL()},
		authority.StaticTokenSource("test-token"), zap.NewNop())

	store := NewStore(db, kv, c, ps, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, store.Load(context.Background()))
	sched := scheduler.New(zap.NewNop())
	t.Cleanup(sched.Stop)
	timer := NewTimer(store, client, sched, zap.NewNop(),
		WithTimerClock(clock.Now), WithMinTick(time.Hour))
	return &timerEnv{store: store, timer: timer, fake: fake, clock: clock, sched: sched, db: db, kv: kv}
}

func minuteTemplate() *model.QuestTemplate {
	return &model.QuestTemplate{
		ID:              "quest-min",
		Title:           "One quiet minute",
		DurationMinutes: 1,
		Reward:          3,
		Mode:            model.ModeCustom,
	}
}

func TestPrepareThenLock(t *testing.T) {
	e := newTimerEnv(t)
	ctx := context.Background()

	require.NoError(t, e.timer.Prepare(ctx, minuteTemplate()))
	require.NotNil(t, e.store.Pending())
	assert.Equal(t, 1, e.fake.CreateRunCalls)
	assert.Equal(t, "run-1", e.store.RunID())
	assert.True(t, e.sched.Has(taskQuestTick))

	e.timer.OnDeviceLocked(ctx)
	active := e.store.Active()
	require.NotNil(t, active)
	require.NotNil(t, active.StartTime)
	assert.Nil(t, e.store.Pending())
	assert.Equal(t, "run-1", active.RunID)
}

func TestLock_Idempotent(t *testing.T) {
	e := newTimerEnv(t)
	ctx := context.Background()

	require.NoError(t, e.timer.Prepare(ctx, minuteTemplate()))
	e.timer.OnDeviceLocked(ctx)
	first := e.store.Active()

	e.clock.Advance(10 * time.Second)
	e.timer.OnDeviceLocked(ctx)
	second := e.store.Active()
	assert.True(t, second.StartTime.Equal(*first.StartTime))
}

func TestLock_NoPreparedQuest(t *testing.T) {
	e := newTimerEnv(t)
	e.timer.OnDeviceLocked(context.Background())
	assert.Nil(t, e.store.Active())
}

func TestUnlockEarly_Fails(t *testing.T) {
	e := newTimerEnv(t)
	ctx := context.Background()

	require.NoError(t, e.timer.Prepare(ctx, minuteTemplate()))
	e.timer.OnDeviceLocked(ctx)
	e.clock.Advance(30 * time.Second)
	e.timer.OnDeviceUnlocked(ctx)

	assert.Nil(t, e.store.Active())
	failed := e.store.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, 30*time.Second, failed[0].StopTime.Sub(*failed[0].StartTime))

	// The authority heard about the failure.
	var statuses []model.RunStatus
	for _, u := range e.fake.StatusUpdates {
		statuses = append(statuses, u.Status)
	}
	assert.Contains(t, statuses, model.RunFailed)

	// Terminal transition stops the background task.
	assert.False(t, e.sched.Has(taskQuestTick))
}

func TestUnlockAfterDeadline_Completes(t *testing.T) {
	e := newTimerEnv(t)
	ctx := context.Background()

	require.NoError(t, e.timer.Prepare(ctx, minuteTemplate()))
	e.timer.OnDeviceLocked(ctx)
	e.clock.Advance(61 * time.Second)
	e.timer.OnDeviceUnlocked(ctx)

	assert.Nil(t, e.store.Active())
	assert.Len(t, e.store.Completed(), 1)
	assert.Empty(t, e.store.Failed())
}

func TestUnlockAtExactDeadline_Completes(t *testing.T) {
	e := newTimerEnv(t)
	ctx := context.Background()

	require.NoError(t, e.timer.Prepare(ctx, minuteTemplate()))
	e.timer.OnDeviceLocked(ctx)
	e.clock.Advance(time.Minute)
	e.timer.OnDeviceUnlocked(ctx)

	assert.Len(t, e.store.Completed(), 1)
}

func TestUnlock_NoActiveQuest(t *testing.T) {
	e := newTimerEnv(t)
	e.timer.OnDeviceUnlocked(context.Background())
	assert.Empty(t, e.store.Failed())
	assert.Empty(t, e.store.Completed())
}

func TestBackgroundTick_CompletesWhileLocked(t *testing.T) {
	e := newTimerEnv(t)
	ctx := context.Background()

	require.NoError(t, e.timer.Prepare(ctx, minuteTemplate()))
	e.timer.OnDeviceLocked(ctx)

	e.clock.Advance(30 * time.Second)
	e.timer.tick(ctx)
	assert.NotNil(t, e.store.Active(), "tick before the deadline must not complete")

	e.clock.Advance(31 * time.Second)
	e.timer.tick(ctx)
	assert.Nil(t, e.store.Active())
	assert.Len(t, e.store.Completed(), 1)
}

func TestTick_RebuildsFromCheckpoint(t *testing.T) {
	e := newTimerEnv(t)
	ctx := context.Background()

	require.NoError(t, e.timer.Prepare(ctx, minuteTemplate()))
	e.timer.OnDeviceLocked(ctx)
	e.clock.Advance(2 * time.Minute)

	// Host process tears the singleton down and recreates it between
	// ticks; the new instance has no in-memory state.
	c2, ps2 := testutil.SetupTestCache(t)
	store2 := NewStore(e.db, e.kv, c2, ps2, zap.NewNop(), WithClock(e.clock.Now))
	client := authority.NewClient(authority.Config{BaseURL: e.fake.URL()},
		authority.StaticTokenSource("test-token"), zap.NewNop())
	timer2 := NewTimer(store2, client, e.sched, zap.NewNop(),
		WithTimerClock(e.clock.Now), WithMinTick(time.Hour))

	timer2.tick(ctx)
	assert.Nil(t, store2.Active())
	require.Len(t, store2.Completed(), 1)
	assert.Equal(t, "quest-min", store2.Completed()[0].ID)
}

func TestPrepare_AuthorityDown_StillPlayable(t *testing.T) {
	e := newTimerEnv(t)
	ctx := context.Background()
	e.fake.FailAll = true

	require.NoError(t, e.timer.Prepare(ctx, minuteTemplate()))
	assert.Empty(t, e.store.RunID())

	e.timer.OnDeviceLocked(ctx)
	require.NotNil(t, e.store.Active())
	e.clock.Advance(61 * time.Second)
	e.timer.OnDeviceUnlocked(ctx)
	assert.Len(t, e.store.Completed(), 1)
}

func TestCancel_StopsTaskAndClearsState(t *testing.T) {
	e := newTimerEnv(t)
	ctx := context.Background()

	require.NoError(t, e.timer.Prepare(ctx, minuteTemplate()))
	e.timer.OnDeviceLocked(ctx)
	e.timer.Cancel(ctx)

	assert.Nil(t, e.store.Active())
	assert.Nil(t, e.store.Pending())
	assert.False(t, e.sched.Has(taskQuestTick))
	assert.Empty(t, e.store.Failed())
}

func TestResume_RestartsTick(t *testing.T) {
	e := newTimerEnv(t)
	ctx := context.Background()

	require.NoError(t, e.timer.Prepare(ctx, minuteTemplate()))
	e.timer.OnDeviceLocked(ctx)
	e.sched.Remove(taskQuestTick) // simulate process death

	e.timer.Resume(ctx)
	assert.True(t, e.sched.Has(taskQuestTick))
}
