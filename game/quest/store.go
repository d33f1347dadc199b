package quest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/tommyshellberg/unquest-core/cache"
	"github.com/tommyshellberg/unquest-core/model"
	"github.com/tommyshellberg/unquest-core/storage"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Durable checkpoint keys. Each key is persisted independently so a crash
// between writes recovers to the most recent checkpoint.
const (
	keyTemplate     = "quest:template"
	keyStartTime    = "quest:start_time"
	keyRunID        = "quest:run_id"
	keyCoopRun      = "quest:coop_run"
	keyInvitation   = "quest:invitation"
	keyLiveActivity = "quest:live_activity"
)

// profileCacheKey caches server-derived profile data; quest completion
// invalidates it so the next read refetches.
const profileCacheKey = "profile:snapshot"

var (
	ErrNoPendingQuest    = errors.New("quest: no pending quest")
	ErrNoActiveQuest     = errors.New("quest: no active quest")
	ErrNothingToFail     = errors.New("quest: nothing to fail")
	ErrNoCooperativeRun  = errors.New("quest: no cooperative run")
)

// ExpiredQuestPolicy decides what happens to an active quest found past
// its deadline at rehydration.
type ExpiredQuestPolicy string

const (
	PolicyForgive ExpiredQuestPolicy = "forgive" // clear silently, no history entry
	PolicyFail    ExpiredQuestPolicy = "fail"    // record as a failed run
)

// NotificationScheduler is the shell-side capability that owns the daily
// streak-warning notification. Completion reschedules it; failure does not.
type NotificationScheduler interface {
	RescheduleStreakWarning(ctx context.Context, lastCompleted time.Time)
}

// NopNotifier ignores all notification requests.
type NopNotifier struct{}

func (NopNotifier) RescheduleStreakWarning(context.Context, time.Time) {}

// placeholderTitle fills the history row when a failed quest's template
// never carried a title; the row still records that a run happened.
const placeholderTitle = "Unknown Quest"

// Store holds the authoritative in-process view of the quest lifecycle:
// the active and pending quest, history, and the cooperative run
// projection. It exposes the only mutation entry points; all mutations
// are atomic with respect to each other under one mutex, and every
// caller re-validates preconditions inside that mutex, which is what
// makes the completion race between the unlock handler and the
// background tick safe.
type Store struct {
	mu       sync.Mutex
	db       *gorm.DB
	kv       storage.KV
	cache    cache.Cache
	events   cache.PubSub
	notifier NotificationScheduler
	logger   *zap.Logger
	now      func() time.Time
	policy   ExpiredQuestPolicy

	// onTerminal is registered by the Timer; invoked on every terminal
	// transition and on cancel so the background task stops.
	onTerminal func()

	active     *model.Quest
	pending    *model.QuestTemplate
	runID      string
	coopRun    *model.CooperativeQuestRun
	coopVer    int64 // monotonic snapshot version (server UpdatedAt, unix ms)
	invitation *model.QuestInvitation
	completed  []model.Quest
	failed     []model.Quest
	progress   model.PlayerProgress
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock injects the time source, for deterministic tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithNotifier injects the streak-warning scheduler.
func WithNotifier(n NotificationScheduler) StoreOption {
	return func(s *Store) { s.notifier = n }
}

// WithExpiredQuestPolicy sets the rehydration policy for expired quests.
func WithExpiredQuestPolicy(p ExpiredQuestPolicy) StoreOption {
	return func(s *Store) { s.policy = p }
}

// NewStore creates a Store. Call Load before using it.
func NewStore(db *gorm.DB, kv storage.KV, c cache.Cache, events cache.PubSub, logger *zap.Logger, opts ...StoreOption) *Store {
	s := &Store{
		db:       db,
		kv:       kv,
		cache:    c,
		events:   events,
		notifier: NopNotifier{},
		logger:   logger,
		now:      time.Now,
		policy:   PolicyForgive,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOnTerminal registers the callback run on every terminal transition.
func (s *Store) SetOnTerminal(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminal = fn
}

// Load reads the persisted snapshot into memory and reconciles it. Runs
// once at process start, before any event handler fires.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.WithContext(ctx).Where(model.PlayerProgress{ID: 1}).
		FirstOrCreate(&s.progress).Error; err != nil {
		return err
	}

	var records []model.QuestRecord
	if err := s.db.WithContext(ctx).Order("id asc").Find(&records).Error; err != nil {
		return err
	}
	s.completed = s.completed[:0]
	s.failed = s.failed[:0]
	for _, rec := range records {
		q := recordToQuest(rec)
		if q.Status == model.QuestCompleted {
			s.completed = append(s.completed, q)
		} else {
			s.failed = append(s.failed, q)
		}
	}

	if tmpl, ok := getJSON[model.QuestTemplate](ctx, s.kv, keyTemplate, s.logger); ok {
		s.pending = tmpl
	}
	if s.pending != nil {
		if raw, err := s.kv.Get(ctx, keyStartTime); err == nil {
			if start, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
				st := start
				s.active = &model.Quest{
					QuestTemplate: *s.pending,
					StartTime:     &st,
					Status:        model.QuestActive,
				}
				s.pending = nil
			} else {
				s.logger.Warn("discarding unparsable start time checkpoint", zap.Error(perr))
				_ = s.kv.Del(ctx, keyStartTime)
			}
		}
	}
	if raw, err := s.kv.Get(ctx, keyRunID); err == nil {
		s.runID = raw
		if s.active != nil {
			s.active.RunID = raw
		}
	}
	if run, ok := getJSON[model.CooperativeQuestRun](ctx, s.kv, keyCoopRun, s.logger); ok {
		s.coopRun = run
		s.coopVer = run.UpdatedAt.UnixMilli()
	}
	if inv, ok := getJSON[model.QuestInvitation](ctx, s.kv, keyInvitation, s.logger); ok {
		s.invitation = inv
	}

	s.reconcileLocked(ctx)
	return nil
}

// SetPending records a prepared template and persists it. Preparing over
// an existing pending template overwrites it; only one quest can be in
// flight.
func (s *Store) SetPending(ctx context.Context, tmpl *model.QuestTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = tmpl
	s.runID = ""
	if err := setJSON(ctx, s.kv, keyTemplate, tmpl); err != nil {
		return err
	}
	// A fresh prepare has no start time yet.
	if err := s.kv.Del(ctx, keyStartTime, keyRunID); err != nil {
		s.logger.Warn("clearing stale checkpoints failed", zap.Error(err))
	}
	s.publish(ctx, Event{Type: EventPrepared, Template: tmpl})
	return nil
}

// SetRunID records the server-assigned run identifier for the in-flight
// quest so its terminal record stays resolvable back to the run.
func (s *Store) SetRunID(ctx context.Context, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	if s.active != nil {
		s.active.RunID = runID
	}
	if err := s.kv.Set(ctx, keyRunID, runID); err != nil {
		s.logger.Warn("run id checkpoint failed", zap.Error(err))
	}
}

// SetLiveActivity checkpoints the background-activity reference handed
// over by the shell.
func (s *Store) SetLiveActivity(ctx context.Context, ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Set(ctx, keyLiveActivity, ref); err != nil {
		s.logger.Warn("live activity checkpoint failed", zap.Error(err))
	}
}

// LiveActivity returns the checkpointed background-activity reference.
func (s *Store) LiveActivity(ctx context.Context) string {
	ref, err := s.kv.Get(ctx, keyLiveActivity)
	if err != nil {
		return ""
	}
	return ref
}

// StartQuest is the Prepared→Active transition. The start time is
// persisted before the method returns: a crash after this call must
// still resume as Active.
func (s *Store) StartQuest(ctx context.Context, startTime time.Time) (*model.Quest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		// Already active; locked twice in a row.
		return s.active, nil
	}
	if s.pending == nil {
		s.logger.Debug("start requested with no pending quest")
		return nil, ErrNoPendingQuest
	}

	if err := s.kv.Set(ctx, keyStartTime, startTime.Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	st := startTime
	s.active = &model.Quest{
		QuestTemplate: *s.pending,
		RunID:         s.runID,
		StartTime:     &st,
		Status:        model.QuestActive,
	}
	s.pending = nil

	s.logger.Info("quest started",
		zap.String("quest_id", s.active.ID),
		zap.Time("start_time", startTime))
	s.publish(ctx, Event{Type: EventStarted, Quest: s.active})
	return s.active, nil
}

// CompleteQuest performs the terminal completion transition. The caller
// asserts the deadline passed; unless ignoreDuration is set (trusted
// caller that already checked), the elapsed time is re-validated and an
// early call fails the quest instead. Safe to call from both the unlock
// handler and the background tick: the second caller finds no active
// quest and takes no action.
func (s *Store) CompleteQuest(ctx context.Context, ignoreDuration bool) (*model.Quest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.StartTime == nil {
		s.logger.Debug("complete requested with no active quest")
		return nil, ErrNoActiveQuest
	}

	now := s.now()
	elapsed := now.Sub(*s.active.StartTime)
	if !ignoreDuration && elapsed < s.active.Duration() {
		// Completion requested before the deadline fails the quest.
		return s.failLocked(ctx)
	}

	q := *s.active
	q.Status = model.QuestCompleted
	stop := now
	q.StopTime = &stop

	s.completed = append(s.completed, q)
	s.appendRecordLocked(ctx, q)

	s.progress.Streak = nextStreak(s.progress.LastCompletedAt, now, s.progress.Streak)
	s.progress.XP += q.Reward
	last := now
	s.progress.LastCompletedAt = &last
	if err := s.db.WithContext(ctx).Save(&s.progress).Error; err != nil {
		s.logger.Error("progress save failed", zap.Error(err))
	}
	s.notifier.RescheduleStreakWarning(ctx, now)
	if err := s.cache.Del(ctx, profileCacheKey); err != nil {
		s.logger.Warn("profile cache invalidation failed", zap.Error(err))
	}

	s.clearInFlightLocked(ctx)
	s.logger.Info("quest completed",
		zap.String("quest_id", q.ID),
		zap.Int("reward", q.Reward),
		zap.Int("streak", s.progress.Streak))
	s.publish(ctx, Event{Type: EventCompleted, Quest: &q, Streak: s.progress.Streak, XP: s.progress.XP})
	return &q, nil
}

// FailQuest performs the terminal failure transition for the active or
// pending quest.
func (s *Store) FailQuest(ctx context.Context) (*model.Quest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failLocked(ctx)
}

func (s *Store) failLocked(ctx context.Context) (*model.Quest, error) {
	if s.active == nil && s.pending == nil {
		s.logger.Debug("fail requested with nothing in flight")
		return nil, ErrNothingToFail
	}

	now := s.now()
	var q model.Quest
	if s.active != nil {
		q = *s.active
		stop := now
		q.StopTime = &stop
	} else {
		q = model.Quest{QuestTemplate: *s.pending, RunID: s.runID}
	}
	if q.Title == "" {
		q.Title = placeholderTitle
	}
	q.Status = model.QuestFailed

	s.failed = append(s.failed, q)
	s.appendRecordLocked(ctx, q)
	s.clearInFlightLocked(ctx)

	s.logger.Info("quest failed", zap.String("quest_id", q.ID))
	s.publish(ctx, Event{Type: EventFailed, Quest: &q})
	return &q, nil
}

// CancelQuest clears pending and active state without recording a
// history entry. Distinct from failure.
func (s *Store) CancelQuest(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil && s.pending == nil {
		return
	}
	s.clearInFlightLocked(ctx)
	s.logger.Info("quest cancelled")
	s.publish(ctx, Event{Type: EventCancelled})
}

// clearInFlightLocked clears every in-flight slot, durable checkpoints
// included, and stops the background task.
func (s *Store) clearInFlightLocked(ctx context.Context) {
	s.active = nil
	s.pending = nil
	s.runID = ""
	s.coopRun = nil
	s.coopVer = 0
	s.invitation = nil
	if err := s.kv.Del(ctx, keyTemplate, keyStartTime, keyRunID, keyCoopRun, keyInvitation, keyLiveActivity); err != nil {
		s.logger.Warn("checkpoint cleanup failed", zap.Error(err))
	}
	if s.onTerminal != nil {
		s.onTerminal()
	}
}

func (s *Store) appendRecordLocked(ctx context.Context, q model.Quest) {
	var options datatypes.JSON
	if len(q.Options) > 0 {
		if raw, err := json.Marshal(q.Options); err == nil {
			options = datatypes.JSON(raw)
		}
	}
	rec := model.QuestRecord{
		QuestID:         q.ID,
		RunID:           q.RunID,
		Title:           q.Title,
		DurationMinutes: q.DurationMinutes,
		Reward:          q.Reward,
		Mode:            string(q.Mode),
		Category:        q.Category,
		Options:         options,
		Status:          string(q.Status),
		StartTime:       q.StartTime,
		StopTime:        q.StopTime,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		s.logger.Error("history record write failed",
			zap.String("quest_id", q.ID), zap.Error(err))
	}
}

// RefreshActiveFromCheckpoint rebuilds the in-memory active quest from
// durable checkpoints when the process was torn down and recreated
// between ticks. Returns the active quest, rebuilt or not.
func (s *Store) RefreshActiveFromCheckpoint(ctx context.Context) *model.Quest {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return s.active
	}
	tmpl, ok := getJSON[model.QuestTemplate](ctx, s.kv, keyTemplate, s.logger)
	if !ok {
		return nil
	}
	raw, err := s.kv.Get(ctx, keyStartTime)
	if err != nil {
		return nil
	}
	start, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	runID, _ := s.kv.Get(ctx, keyRunID)
	s.active = &model.Quest{
		QuestTemplate: *tmpl,
		RunID:         runID,
		StartTime:     &start,
		Status:        model.QuestActive,
	}
	s.pending = nil
	s.runID = runID
	s.logger.Info("active quest rebuilt from checkpoint",
		zap.String("quest_id", tmpl.ID))
	return s.active
}

// ---- cooperative slot ----

// ApplyRunSnapshot overwrites the cooperative run projection with a
// server read. Snapshots older than the cached one are discarded so an
// out-of-order poll response cannot roll local state back; the report
// value tells the caller whether the snapshot was applied.
func (s *Store) ApplyRunSnapshot(ctx context.Context, run *model.CooperativeQuestRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ver := run.UpdatedAt.UnixMilli()
	if s.coopRun != nil && s.coopRun.ID == run.ID && ver < s.coopVer {
		s.logger.Debug("stale run snapshot discarded",
			zap.String("run_id", run.ID),
			zap.Int64("version", ver),
			zap.Int64("cached", s.coopVer))
		return false
	}
	s.coopRun = run
	s.coopVer = ver
	if err := setJSON(ctx, s.kv, keyCoopRun, run); err != nil {
		s.logger.Warn("coop run checkpoint failed", zap.Error(err))
	}
	s.publish(ctx, Event{Type: EventRunUpdated, Run: run})
	return true
}

// SetParticipantReady optimistically flips one participant's ready flag.
// Every other participant field is authority-owned; the next snapshot
// overwrite is the tie-breaker.
func (s *Store) SetParticipantReady(ctx context.Context, userID string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coopRun == nil {
		return ErrNoCooperativeRun
	}
	for i := range s.coopRun.Participants {
		if s.coopRun.Participants[i].UserID == userID {
			s.coopRun.Participants[i].Ready = ready
			break
		}
	}
	if err := setJSON(ctx, s.kv, keyCoopRun, s.coopRun); err != nil {
		s.logger.Warn("coop run checkpoint failed", zap.Error(err))
	}
	s.publish(ctx, Event{Type: EventRunUpdated, Run: s.coopRun})
	return nil
}

// SetInvitation records the outstanding cooperative invitation.
func (s *Store) SetInvitation(ctx context.Context, inv *model.QuestInvitation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invitation = inv
	if err := setJSON(ctx, s.kv, keyInvitation, inv); err != nil {
		s.logger.Warn("invitation checkpoint failed", zap.Error(err))
	}
	s.publish(ctx, Event{Type: EventInvitationUpdated, Invitation: inv})
}

// ClearInvitation discards the invitation from active tracking.
func (s *Store) ClearInvitation(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invitation == nil {
		return
	}
	s.invitation = nil
	if err := s.kv.Del(ctx, keyInvitation); err != nil {
		s.logger.Warn("invitation checkpoint cleanup failed", zap.Error(err))
	}
	s.publish(ctx, Event{Type: EventInvitationCleared})
}

// ---- accessors ----

// Active returns the active quest, or nil.
func (s *Store) Active() *model.Quest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	q := *s.active
	return &q
}

// Pending returns the prepared template, or nil.
func (s *Store) Pending() *model.QuestTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	t := *s.pending
	return &t
}

// RunID returns the server-assigned identifier of the in-flight run.
func (s *Store) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// CooperativeRun returns the cached run projection, or nil.
func (s *Store) CooperativeRun() *model.CooperativeQuestRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coopRun == nil {
		return nil
	}
	r := *s.coopRun
	r.Participants = append([]model.Participant(nil), s.coopRun.Participants...)
	return &r
}

// Invitation returns the outstanding invitation, or nil.
func (s *Store) Invitation() *model.QuestInvitation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invitation == nil {
		return nil
	}
	inv := *s.invitation
	return &inv
}

// Completed returns the completed-run history, oldest first.
func (s *Store) Completed() []model.Quest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Quest(nil), s.completed...)
}

// Failed returns the failed-run history, oldest first.
func (s *Store) Failed() []model.Quest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Quest(nil), s.failed...)
}

// Progress returns the player's xp and streak aggregate.
func (s *Store) Progress() model.PlayerProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// ---- streak ----

// nextStreak applies the daily streak policy. Calendar days are compared
// by local wall-clock date, not a fixed 24-hour window: 11:59pm followed
// by 12:01am counts as consecutive days.
func nextStreak(last *time.Time, now time.Time, current int) int {
	if last == nil {
		return 1
	}
	lastDay := dayOf(*last)
	nowDay := dayOf(now)
	switch {
	case lastDay.Equal(nowDay):
		if current < 1 {
			return 1
		}
		return current
	case lastDay.AddDate(0, 0, 1).Equal(nowDay):
		return current + 1
	default:
		return 1
	}
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ---- checkpoint helpers ----

func setJSON(ctx context.Context, kv storage.KV, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return kv.Set(ctx, key, string(raw))
}

func getJSON[T any](ctx context.Context, kv storage.KV, key string, logger *zap.Logger) (*T, bool) {
	raw, err := kv.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		logger.Warn("discarding corrupt checkpoint",
			zap.String("key", key), zap.Error(err))
		_ = kv.Del(ctx, key)
		return nil, false
	}
	return &v, true
}

func recordToQuest(rec model.QuestRecord) model.Quest {
	var options []model.StoryOption
	if len(rec.Options) > 0 {
		_ = json.Unmarshal(rec.Options, &options)
	}
	return model.Quest{
		QuestTemplate: model.QuestTemplate{
			ID:              rec.QuestID,
			Title:           rec.Title,
			DurationMinutes: rec.DurationMinutes,
			Reward:          rec.Reward,
			Mode:            model.QuestMode(rec.Mode),
			Category:        rec.Category,
			Options:         options,
		},
		RunID:     rec.RunID,
		StartTime: rec.StartTime,
		StopTime:  rec.StopTime,
		Status:    model.QuestStatus(rec.Status),
	}
}
