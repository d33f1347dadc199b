package quest

import (
	"context"
	"fmt"
	"time"

	"github.com/tommyshellberg/unquest-core/authority"
	"github.com/tommyshellberg/unquest-core/model"
	"github.com/tommyshellberg/unquest-core/scheduler"
	"go.uber.org/zap"
)

// Scheduler task names for the cooperative polling loops.
const (
	taskInvitationPoll = "coop:invitation_poll"
	taskRunPoll        = "coop:run_poll"
)

// defaultRewardPerMinute reconstructs a reward when the authority omits
// one from run details.
const defaultRewardPerMinute = 3

// Coordinator extends the single-device state machine to N participants.
// Agreement is reached by polling, not push: invitation status while the
// lobby fills, run status afterwards. Externally observed transitions
// (another participant failing, the authority assigning the shared start
// time) are replayed into local state through the same Store mutations
// local device events use. A participant offline when another fails
// learns of it on the next poll tick; staleness is bounded by one
// polling interval.
type Coordinator struct {
	store          *Store
	client         *authority.Client
	timer          *Timer
	sched          *scheduler.Scheduler
	logger         *zap.Logger
	now            func() time.Time
	invitationIntv time.Duration
	runIntv        time.Duration
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithPollIntervals overrides the invitation and run-status polling intervals.
func WithPollIntervals(invitation, run time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.invitationIntv = invitation
		c.runIntv = run
	}
}

// WithCoordinatorClock injects the time source.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates the cooperative synchronization layer.
func NewCoordinator(store *Store, client *authority.Client, timer *Timer, sched *scheduler.Scheduler, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:          store,
		client:         client,
		timer:          timer,
		sched:          sched,
		logger:         logger,
		now:            time.Now,
		invitationIntv: 5 * time.Second,
		runIntv:        30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InitializeRun creates a cooperative lobby as the host and starts
// invitation polling. The authority result is required; failures
// propagate so the shell can show a retry state.
func (c *Coordinator) InitializeRun(ctx context.Context, hostID, title string, durationMinutes int, inviteeIDs []string, questData *model.QuestTemplate) (*authority.InitializeResult, error) {
	res, err := c.client.InitializeCooperative(ctx, title, durationMinutes, inviteeIDs, questData)
	if err != nil {
		return nil, fmt.Errorf("initialize cooperative run: %w", err)
	}
	now := c.now()
	c.store.SetInvitation(ctx, &model.QuestInvitation{
		ID:         res.InvitationID,
		QuestRunID: res.LobbyID,
		Inviter:    hostID,
		Invitees:   res.ValidInvitees,
		Status:     model.InvitationPending,
		CreatedAt:  now,
	})
	c.StartInvitationPolling()
	c.logger.Info("cooperative run initialized",
		zap.String("invitation_id", res.InvitationID),
		zap.String("lobby_id", res.LobbyID),
		zap.Int("invitees", len(res.ValidInvitees)))
	return res, nil
}

// AcceptInvitation records acceptance with the authority, fetches full
// run details, and prepares the run exactly as a solo quest would be
// prepared, with the cooperative slot populated first so the rest of the
// pipeline can reference host and participant data. Failures propagate:
// the server result is required to proceed.
func (c *Coordinator) AcceptInvitation(ctx context.Context, invitationID string) (*model.CooperativeQuestRun, error) {
	res, err := c.client.AcceptInvitation(ctx, invitationID)
	if err != nil {
		return nil, fmt.Errorf("accept invitation: %w", err)
	}
	snap := res.QuestRun
	if snap == nil {
		snap, err = c.client.GetRunStatus(ctx, res.Invitation.QuestRunID)
		if err != nil {
			return nil, fmt.Errorf("fetch run after accept: %w", err)
		}
	}
	run := snap.Run()
	c.store.ApplyRunSnapshot(ctx, run)
	c.store.ClearInvitation(ctx)

	tmpl := templateFromRun(snap)
	if err := c.timer.PrepareExisting(ctx, tmpl, run.ID); err != nil {
		return nil, err
	}
	c.StartRunPolling()
	c.logger.Info("invitation accepted",
		zap.String("invitation_id", invitationID),
		zap.String("run_id", run.ID))
	return run, nil
}

// DeclineInvitation records refusal and drops the invitation locally.
func (c *Coordinator) DeclineInvitation(ctx context.Context, invitationID string) error {
	if err := c.client.DeclineInvitation(ctx, invitationID); err != nil {
		return fmt.Errorf("decline invitation: %w", err)
	}
	c.store.ClearInvitation(ctx)
	c.sched.Remove(taskInvitationPoll)
	return nil
}

// SetReady flips the local participant's ready flag optimistically,
// reports it to the authority, and overwrites the participant list with
// the server's view. The server is the tie-breaker for whether everyone
// is ready: if it says so and has assigned the shared start time, the
// local state machine enters Active with that time.
func (c *Coordinator) SetReady(ctx context.Context, userID string, ready bool) error {
	run := c.store.CooperativeRun()
	if run == nil {
		return ErrNoCooperativeRun
	}
	if err := c.store.SetParticipantReady(ctx, userID, ready); err != nil {
		return err
	}
	snap, err := c.client.UpdateRunStatus(ctx, run.ID, authority.StatusUpdate{
		Status: run.Status,
		Ready:  &ready,
	})
	if err != nil {
		return fmt.Errorf("set ready: %w", err)
	}
	c.applySnapshot(ctx, snap, run.Status)
	return nil
}

// StartInvitationPolling begins the 5s invitation status loop.
func (c *Coordinator) StartInvitationPolling() {
	c.sched.AddTicker(taskInvitationPoll, c.invitationIntv, func() {
		c.pollInvitation(context.Background())
	})
}

// StartRunPolling begins the 30s run status fallback loop, catching
// transitions missed by direct mutation responses.
func (c *Coordinator) StartRunPolling() {
	c.sched.AddTicker(taskRunPoll, c.runIntv, func() {
		c.pollRun(context.Background())
	})
}

// StopPolling cancels both cooperative polling loops.
func (c *Coordinator) StopPolling() {
	c.sched.Remove(taskInvitationPoll)
	c.sched.Remove(taskRunPoll)
}

// Resume restarts whichever polling loop the persisted snapshot calls
// for after a process restart.
func (c *Coordinator) Resume(ctx context.Context) {
	if c.store.Invitation() != nil {
		c.StartInvitationPolling()
	}
	if run := c.store.CooperativeRun(); run != nil && !run.Status.Terminal() {
		c.StartRunPolling()
	}
}

func (c *Coordinator) pollInvitation(ctx context.Context) {
	inv := c.store.Invitation()
	if inv == nil {
		c.sched.Remove(taskInvitationPoll)
		return
	}
	res, err := c.client.GetInvitationStatus(ctx, inv.ID)
	if err != nil {
		// Transient; the next tick retries.
		c.logger.Warn("invitation poll failed",
			zap.String("invitation_id", inv.ID), zap.Error(err))
		return
	}

	switch res.Invitation.Status {
	case model.InvitationExpired, model.InvitationDeclined:
		c.logger.Info("invitation closed",
			zap.String("invitation_id", inv.ID),
			zap.String("status", string(res.Invitation.Status)))
		c.store.ClearInvitation(ctx)
		c.sched.Remove(taskInvitationPoll)

	case model.InvitationComplete:
		if res.QuestRun == nil {
			c.logger.Warn("complete invitation without embedded run",
				zap.String("invitation_id", inv.ID))
			return
		}
		c.store.ApplyRunSnapshot(ctx, res.QuestRun.Run())
		c.store.ClearInvitation(ctx)
		c.sched.Remove(taskInvitationPoll)
		c.StartRunPolling()

	default:
		updated := res.Invitation
		c.store.SetInvitation(ctx, &updated)
	}
}

func (c *Coordinator) pollRun(ctx context.Context) {
	run := c.store.CooperativeRun()
	if run == nil || run.Status.Terminal() {
		c.sched.Remove(taskRunPoll)
		return
	}
	snap, err := c.client.GetRunStatus(ctx, run.ID)
	if err != nil {
		c.logger.Warn("run poll failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	c.applySnapshot(ctx, snap, run.Status)
}

// applySnapshot replays an authority snapshot into local state. prev is
// the locally cached status before this read; transitions are acted on
// only when they are genuinely new, so overlapping polls and mutation
// responses cannot double-apply.
func (c *Coordinator) applySnapshot(ctx context.Context, snap *authority.RunSnapshot, prev model.RunStatus) {
	if !c.store.ApplyRunSnapshot(ctx, snap.Run()) {
		return // stale, discarded
	}

	switch {
	case snap.Status == model.RunFailed && prev != model.RunFailed:
		// Remote-triggered failure propagation: another participant
		// unlocked early, so the whole run fails even though this device
		// never did. Same terminal path as a local failure.
		c.logger.Info("remote failure propagated", zap.String("run_id", snap.ID))
		if _, err := c.store.FailQuest(ctx); err != nil {
			c.logger.Debug("remote failure with nothing in flight", zap.Error(err))
		}
		c.StopPolling()

	case snap.Status.Completed() && !prev.Completed():
		c.logger.Info("remote completion observed", zap.String("run_id", snap.ID))
		if _, err := c.store.CompleteFromRun(ctx); err != nil {
			c.logger.Debug("remote completion with nothing in flight", zap.Error(err))
		}
		c.StopPolling()

	case snap.Run().AllReady() && snap.ActualStartTime != nil:
		// Everyone is ready and the authority assigned the shared timer.
		// StartFromServer is a no-op when already active, so duplicate
		// observations across overlapping polls cannot double-start.
		c.timer.StartFromServer(ctx, *snap.ActualStartTime)
	}
}

// templateFromRun builds a runnable local template from authority run
// details, computing defaults where the authority omitted fields.
func templateFromRun(snap *authority.RunSnapshot) *model.QuestTemplate {
	tmpl := &model.QuestTemplate{
		ID:   snap.QuestID,
		Mode: model.ModeCustom,
	}
	if snap.Quest != nil {
		*tmpl = *snap.Quest
		if tmpl.ID == "" {
			tmpl.ID = snap.QuestID
		}
	}
	if tmpl.Reward == 0 {
		tmpl.Reward = tmpl.DurationMinutes * defaultRewardPerMinute
	}
	return tmpl
}
