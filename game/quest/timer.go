package quest

import (
	"context"
	"time"

	"github.com/tommyshellberg/unquest-core/authority"
	"github.com/tommyshellberg/unquest-core/model"
	"github.com/tommyshellberg/unquest-core/scheduler"
	"go.uber.org/zap"
)

// taskQuestTick is the scheduler name of the recurring progress check.
const taskQuestTick = "quest:tick"

// Timer drives the single-device quest state machine:
// Idle → Prepared → Active → {Completed, Failed}. Transitions come from
// device lock/unlock signals delivered by the shell and from the
// recurring background tick; the Store is the single authority that
// turns an observation into a state mutation, so every handler here is
// idempotent against being invoked when its precondition no longer
// holds.
type Timer struct {
	store   *Store
	client  *authority.Client
	sched   *scheduler.Scheduler
	logger  *zap.Logger
	now     func() time.Time
	minTick time.Duration
}

// TimerOption configures a Timer.
type TimerOption func(*Timer)

// WithTimerClock injects the time source.
func WithTimerClock(now func() time.Time) TimerOption {
	return func(t *Timer) { t.now = now }
}

// WithMinTick bounds the background tick interval from below.
func WithMinTick(d time.Duration) TimerOption {
	return func(t *Timer) { t.minTick = d }
}

// NewTimer creates the state machine and registers itself as the store's
// terminal hook so any terminal transition stops the background task.
func NewTimer(store *Store, client *authority.Client, sched *scheduler.Scheduler, logger *zap.Logger, opts ...TimerOption) *Timer {
	t := &Timer{
		store:   store,
		client:  client,
		sched:   sched,
		logger:  logger,
		now:     time.Now,
		minTick: time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	store.SetOnTerminal(func() { sched.Remove(taskQuestTick) })
	return t
}

// Prepare persists the template, informs the authority that a run is
// being created and starts the background task. The authority call is
// best-effort: a disconnected client can still play solo.
func (t *Timer) Prepare(ctx context.Context, tmpl *model.QuestTemplate) error {
	if err := t.store.SetPending(ctx, tmpl); err != nil {
		return err
	}
	if snap := t.client.NotifyRunCreated(ctx, tmpl); snap != nil {
		t.store.SetRunID(ctx, snap.ID)
	}
	t.startTick(tmpl.Duration())
	t.logger.Info("quest prepared",
		zap.String("quest_id", tmpl.ID),
		zap.Int("duration_minutes", tmpl.DurationMinutes))
	return nil
}

// PrepareExisting is Prepare for a run that already exists server-side
// (a cooperative run the client joined): no create call is made.
func (t *Timer) PrepareExisting(ctx context.Context, tmpl *model.QuestTemplate, runID string) error {
	if err := t.store.SetPending(ctx, tmpl); err != nil {
		return err
	}
	t.store.SetRunID(ctx, runID)
	t.startTick(tmpl.Duration())
	t.logger.Info("cooperative quest prepared",
		zap.String("quest_id", tmpl.ID),
		zap.String("run_id", runID))
	return nil
}

// OnDeviceLocked is signalled by the shell when the device locks. If a
// template is prepared and no start time exists yet this is the
// Prepared→Active transition; otherwise it is a no-op, so a duplicate
// lock signal has no observable effect.
func (t *Timer) OnDeviceLocked(ctx context.Context) {
	if t.store.Active() != nil {
		return
	}
	t.startAt(ctx, t.now())
}

// StartFromServer enters Active using the authority-assigned shared
// start time of a cooperative run. Participants' phones lock at
// different wall-clock moments; the server's actualStartTime is the one
// shared timer. No-op when already active, so duplicate "all ready"
// observations cannot double-start.
func (t *Timer) StartFromServer(ctx context.Context, startTime time.Time) {
	if t.store.Active() != nil {
		return
	}
	t.startAt(ctx, startTime)
}

func (t *Timer) startAt(ctx context.Context, startTime time.Time) {
	q, err := t.store.StartQuest(ctx, startTime)
	if err != nil {
		// Precondition no longer holds; logged by the store.
		return
	}
	// Revive the tick if the process was recreated since prepare.
	if !t.sched.Has(taskQuestTick) {
		t.startTick(q.Duration())
	}
	live := t.store.LiveActivity(ctx)
	t.client.NotifyRunStatus(ctx, q.RunID, authority.StatusUpdate{
		Status:         model.RunActive,
		LiveActivityID: live,
	})
}

// OnDeviceUnlocked is signalled by the shell when the device unlocks.
// Unlocking before the duration elapsed fails the quest; at or past the
// deadline it completes (the unlock raced the background tick, and both
// paths are safe to run once).
func (t *Timer) OnDeviceUnlocked(ctx context.Context) {
	active := t.store.Active()
	if active == nil || active.StartTime == nil {
		return
	}
	elapsed := t.now().Sub(*active.StartTime)
	if elapsed < active.Duration() {
		if _, err := t.store.FailQuest(ctx); err != nil {
			return
		}
		t.client.NotifyRunStatus(ctx, active.RunID, authority.StatusUpdate{Status: model.RunFailed})
		return
	}
	if _, err := t.store.CompleteQuest(ctx, false); err != nil {
		return
	}
	t.client.NotifyRunStatus(ctx, active.RunID, authority.StatusUpdate{Status: model.RunCompleted})
}

// Cancel stops the background task and clears in-flight state without
// recording history.
func (t *Timer) Cancel(ctx context.Context) {
	t.store.CancelQuest(ctx)
}

// Resume restarts the background task after a process restart, once the
// store has been loaded and reconciled.
func (t *Timer) Resume(ctx context.Context) {
	if active := t.store.Active(); active != nil {
		t.startTick(active.Duration())
		t.logger.Info("quest tick resumed", zap.String("quest_id", active.ID))
		return
	}
	if pending := t.store.Pending(); pending != nil {
		t.startTick(pending.Duration())
		t.logger.Info("quest tick resumed", zap.String("quest_id", pending.ID))
	}
}

// startTick schedules the recurring progress check at duration/100,
// bounded below by the configured minimum.
func (t *Timer) startTick(duration time.Duration) {
	interval := duration / 100
	if interval < t.minTick {
		interval = t.minTick
	}
	t.sched.AddTicker(taskQuestTick, interval, func() {
		t.tick(context.Background())
	})
}

// tick reloads persisted state before deciding anything: the in-memory
// singleton may have been torn down and recreated by the host process
// since the last tick, and closed-over variables cannot be trusted.
func (t *Timer) tick(ctx context.Context) {
	active := t.store.RefreshActiveFromCheckpoint(ctx)
	if active == nil {
		if t.store.Pending() == nil {
			t.sched.Remove(taskQuestTick)
		}
		return
	}
	if active.StartTime == nil {
		return
	}
	if t.now().Sub(*active.StartTime) < active.Duration() {
		return
	}
	q, err := t.store.CompleteQuest(ctx, true)
	if err != nil {
		// Lost the race against the unlock handler; nothing to do.
		return
	}
	t.client.NotifyRunStatus(ctx, q.RunID, authority.StatusUpdate{Status: model.RunCompleted})
}
