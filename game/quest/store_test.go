package quest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tommyshellberg/unquest-core/cache/local"
	"github.com/tommyshellberg/unquest-core/model"
	"github.com/tommyshellberg/unquest-core/storage"
	"github.com/tommyshellberg/unquest-core/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakeClock is a mutable time source for deterministic duration checks.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type storeEnv struct {
	store *Store
	db    *gorm.DB
	kv    storage.KV
	clock *fakeClock
}

func newStoreEnv(t *testing.T, opts ...StoreOption) *storeEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	kv := storage.NewKV(db)
	c, ps := testutil.SetupTestCache(t)
	clock := newFakeClock(time.Date(2025, 3, 10, 14, 0, 0, 0, time.Local))
	opts = append([]StoreOption{WithClock(clock.Now)}, opts...)
	s := NewStore(db, kv, c, ps, zap.NewNop(), opts...)
	require.NoError(t, s.Load(context.Background()))
	return &storeEnv{store: s, db: db, kv: kv, clock: clock}
}

func testTemplate() *model.QuestTemplate {
	return &model.QuestTemplate{
		ID:              "quest-1",
		Title:           "Phone-free focus",
		DurationMinutes: 30,
		Reward:          90,
		Mode:            model.ModeCustom,
		Category:        "focus",
	}
}

func (e *storeEnv) startQuest(t *testing.T) *model.Quest {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.SetPending(ctx, testTemplate()))
	q, err := e.store.StartQuest(ctx, e.clock.Now())
	require.NoError(t, err)
	return q
}

func TestStartQuest_ClearsPendingAndPersists(t *testing.T) {
	e := newStoreEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.SetPending(ctx, testTemplate()))
	require.NotNil(t, e.store.Pending())

	q, err := e.store.StartQuest(ctx, e.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, q.StartTime)
	assert.Nil(t, e.store.Pending())
	assert.Equal(t, model.QuestActive, q.Status)

	// Start time must be durable before StartQuest returns.
	raw, err := e.kv.Get(ctx, keyStartTime)
	require.NoError(t, err)
	persisted, err := time.Parse(time.RFC3339Nano, raw)
	require.NoError(t, err)
	assert.True(t, persisted.Equal(*q.StartTime))
}

func TestStartQuest_Idempotent(t *testing.T) {
	e := newStoreEnv(t)
	ctx := context.Background()

	first := e.startQuest(t)
	e.clock.Advance(5 * time.Minute)
	second, err := e.store.StartQuest(ctx, e.clock.Now())
	require.NoError(t, err)
	assert.True(t, second.StartTime.Equal(*first.StartTime), "second start must not move the start time")
}

func TestStartQuest_NoPending(t *testing.T) {
	e := newStoreEnv(t)
	_, err := e.store.StartQuest(context.Background(), e.clock.Now())
	assert.ErrorIs(t, err, ErrNoPendingQuest)
}

func TestCompleteQuest_AfterDeadline(t *testing.T) {
	e := newStoreEnv(t)
	ctx := context.Background()

	e.startQuest(t)
	e.clock.Advance(31 * time.Minute)

	q, err := e.store.CompleteQuest(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, model.QuestCompleted, q.Status)
	require.NotNil(t, q.StopTime)

	assert.Nil(t, e.store.Active())
	assert.Nil(t, e.store.Pending())
	assert.Len(t, e.store.Completed(), 1)

	prog := e.store.Progress()
	assert.Equal(t, 90, prog.XP)
	assert.Equal(t, 1, prog.Streak)

	var recs []model.QuestRecord
	e.db.Where("status = ?", "completed").Find(&recs)
	require.Len(t, recs, 1)
	assert.Equal(t, "quest-1", recs[0].QuestID)
}

func TestCompleteQuest_ExactBoundaryCompletes(t *testing.T) {
	e := newStoreEnv(t)
	e.startQuest(t)
	e.clock.Advance(30 * time.Minute) // elapsed == duration

	q, err := e.store.CompleteQuest(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, model.QuestCompleted, q.Status)
}

func TestCompleteQuest_EarlyCallFails(t *testing.T) {
	e := newStoreEnv(t)
	e.startQuest(t)
	e.clock.Advance(10 * time.Minute)

	q, err := e.store.CompleteQuest(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, model.QuestFailed, q.Status)
	assert.Len(t, e.store.Failed(), 1)
	assert.Empty(t, e.store.Completed())
}

func TestCompleteQuest_IgnoreDuration(t *testing.T) {
	e := newStoreEnv(t)
	e.startQuest(t)
	e.clock.Advance(time.Minute)

	q, err := e.store.CompleteQuest(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, model.QuestCompleted, q.Status)
}

func TestCompleteQuest_SecondCallerNoOp(t *testing.T) {
	e := newStoreEnv(t)
	e.startQuest(t)
	e.clock.Advance(31 * time.Minute)
	ctx := context.Background()

	_, err := e.store.CompleteQuest(ctx, true)
	require.NoError(t, err)

	// The unlock handler and the background tick can both observe the
	// deadline passing; the loser must find nothing to complete.
	_, err = e.store.CompleteQuest(ctx, true)
	assert.ErrorIs(t, err, ErrNoActiveQuest)
	assert.Len(t, e.store.Completed(), 1)
}

func TestCompleteQuest_NoActive(t *testing.T) {
	e := newStoreEnv(t)
	_, err := e.store.CompleteQuest(context.Background(), true)
	assert.ErrorIs(t, err, ErrNoActiveQuest)
}

func TestFailQuest_RecordsStopTime(t *testing.T) {
	e := newStoreEnv(t)
	e.startQuest(t)
	e.clock.Advance(30 * time.Second)

	q, err := e.store.FailQuest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.QuestFailed, q.Status)
	require.NotNil(t, q.StopTime)
	assert.Equal(t, 30*time.Second, q.StopTime.Sub(*q.StartTime))
	assert.Nil(t, e.store.Active())
}

func TestFailQuest_PendingOnly(t *testing.T) {
	e := newStoreEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.SetPending(ctx, testTemplate()))

	q, err := e.store.FailQuest(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QuestFailed, q.Status)
	assert.Nil(t, q.StartTime)
	assert.Nil(t, e.store.Pending())
}

func TestFailQuest_PlaceholderTitle(t *testing.T) {
	e := newStoreEnv(t)
	ctx := context.Background()
	tmpl := testTemplate()
	tmpl.Title = ""
	require.NoError(t, e.store.SetPending(ctx, tmpl))

	q, err := e.store.FailQuest(ctx)
	require.NoError(t, err)
	assert.Equal(t, placeholderTitle, q.Title)
}

func TestFailQuest_NothingInFlight(t *testing.T) {
	e := newStoreEnv(t)
	_, err := e.store.FailQuest(context.Background())
	assert.ErrorIs(t, err, ErrNothingToFail)
}

func TestCancelQuest_NoHistoryEntry(t *testing.T) {
	e := newStoreEnv(t)
	e.startQuest(t)

	e.store.CancelQuest(context.Background())
	assert.Nil(t, e.store.Active())
	assert.Empty(t, e.store.Completed())
	assert.Empty(t, e.store.Failed())

	var count []model.QuestRecord
	e.db.Find(&count)
	assert.Empty(t, count)
}

func TestStreakPolicy(t *testing.T) {
	base := time.Date(2025, 3, 10, 14, 0, 0, 0, time.Local)
	at := func(day, hour, min int) time.Time {
		return time.Date(2025, 3, day, hour, min, 0, 0, time.Local)
	}
	cases := []struct {
		name    string
		last    *time.Time
		now     time.Time
		current int
		want    int
	}{
		{"first completion", nil, base, 0, 1},
		{"same day unchanged", ptr(at(10, 9, 0)), at(10, 23, 0), 4, 4},
		{"same day zero repaired", ptr(at(10, 9, 0)), at(10, 23, 0), 0, 1},
		{"next day increments", ptr(at(10, 9, 0)), at(11, 9, 0), 4, 5},
		{"two minutes across midnight", ptr(at(10, 23, 59)), at(11, 0, 1), 2, 3},
		{"two days resets", ptr(at(10, 9, 0)), at(12, 9, 0), 7, 1},
		{"week gap resets", ptr(at(3, 9, 0)), at(10, 9, 0), 30, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, nextStreak(tc.last, tc.now, tc.current))
		})
	}
}

func TestStreak_ConsecutiveCompletions(t *testing.T) {
	e := newStoreEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.store.SetPending(ctx, testTemplate()))
		_, err := e.store.StartQuest(ctx, e.clock.Now())
		require.NoError(t, err)
		e.clock.Advance(31 * time.Minute)
		_, err = e.store.CompleteQuest(ctx, false)
		require.NoError(t, err)
		e.clock.Advance(24*time.Hour - 31*time.Minute)
	}
	assert.Equal(t, 3, e.store.Progress().Streak)
	assert.Equal(t, 270, e.store.Progress().XP)
}

func TestApplyRunSnapshot_StaleDiscarded(t *testing.T) {
	e := newStoreEnv(t)
	ctx := context.Background()

	fresh := &model.CooperativeQuestRun{
		ID:        "run-1",
		Status:    model.RunActive,
		UpdatedAt: e.clock.Now(),
	}
	require.True(t, e.store.ApplyRunSnapshot(ctx, fresh))

	stale := &model.CooperativeQuestRun{
		ID:        "run-1",
		Status:    model.RunPending,
		UpdatedAt: e.clock.Now().Add(-time.Minute),
	}
	assert.False(t, e.store.ApplyRunSnapshot(ctx, stale))
	assert.Equal(t, model.RunActive, e.store.CooperativeRun().Status)
}

func TestSetParticipantReady_Optimistic(t *testing.T) {
	e := newStoreEnv(t)
	ctx := context.Background()

	run := &model.CooperativeQuestRun{
		ID:     "run-1",
		Status: model.RunPending,
		Participants: []model.Participant{
			{UserID: "alice"},
			{UserID: "bob"},
		},
		UpdatedAt: e.clock.Now(),
	}
	require.True(t, e.store.ApplyRunSnapshot(ctx, run))
	require.NoError(t, e.store.SetParticipantReady(ctx, "alice", true))

	got := e.store.CooperativeRun()
	assert.True(t, got.Participants[0].Ready)
	assert.False(t, got.Participants[1].Ready)
	assert.False(t, got.AllReady())
}

func TestSetParticipantReady_NoRun(t *testing.T) {
	e := newStoreEnv(t)
	err := e.store.SetParticipantReady(context.Background(), "alice", true)
	assert.ErrorIs(t, err, ErrNoCooperativeRun)
}

func TestCompleteQuest_InvalidatesProfileCache(t *testing.T) {
	db := testutil.SetupTestDB(t)
	kv := storage.NewKV(db)
	c, ps := testutil.SetupTestCache(t)
	clock := newFakeClock(time.Date(2025, 3, 10, 14, 0, 0, 0, time.Local))
	s := NewStore(db, kv, c, ps, zap.NewNop(), WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	require.NoError(t, c.Set(ctx, profileCacheKey, `{"level":3}`, 0))

	require.NoError(t, s.SetPending(ctx, testTemplate()))
	_, err := s.StartQuest(ctx, clock.Now())
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)
	_, err = s.CompleteQuest(ctx, false)
	require.NoError(t, err)

	_, err = c.Get(ctx, profileCacheKey)
	assert.ErrorIs(t, err, local.ErrNotFound)
}

func ptr(t time.Time) *time.Time { return &t }
