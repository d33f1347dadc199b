package quest

import (
	"context"

	"github.com/tommyshellberg/unquest-core/model"
	"go.uber.org/zap"
)

// reconcileLocked repairs persisted snapshots that are impossible for a
// fresh install or stale after the process slept through a transition.
// Inconsistencies are self-healed, logged for diagnostics only, never
// surfaced as errors.
func (s *Store) reconcileLocked(ctx context.Context) {
	now := s.now()

	// An active quest with an empty completion history is a stale
	// snapshot: content gating means a quest cannot be active before the
	// first completion.
	if s.active != nil && len(s.completed) == 0 {
		s.logger.Warn("rehydration: active quest with empty history, clearing",
			zap.String("quest_id", s.active.ID))
		s.dropInFlightLocked(ctx)
	}

	// A pending quest already recorded as completed means a cooperative
	// run finished server-side while the client was asleep.
	if s.pending != nil && s.hasCompletedLocked(s.pending.ID) {
		s.logger.Warn("rehydration: pending quest already completed, clearing",
			zap.String("quest_id", s.pending.ID))
		s.pending = nil
		s.coopRun = nil
		s.coopVer = 0
		if err := s.kv.Del(ctx, keyTemplate, keyCoopRun); err != nil {
			s.logger.Warn("rehydration checkpoint cleanup failed", zap.Error(err))
		}
	}

	// A cooperative run that completed (by status, or because its
	// scheduled end already passed) while a pending quest is still set:
	// the "quest finished" push was missed. Synthesize the completed run
	// from the best-available timestamps so history is not lost, then
	// clear the stuck slots.
	if s.coopRun != nil && s.pending != nil {
		ended := s.coopRun.ScheduledEndTime != nil && s.coopRun.ScheduledEndTime.Before(now)
		if s.coopRun.Status.Completed() || ended {
			s.logger.Warn("rehydration: cooperative run already finished, recovering",
				zap.String("run_id", s.coopRun.ID),
				zap.String("status", string(s.coopRun.Status)))
			s.recoverFinishedRunLocked(ctx)
		}
	}

	// An active quest whose deadline already passed: the process was
	// killed and never saw the end of the run.
	if s.active != nil && s.active.StartTime != nil &&
		s.active.StartTime.Add(s.active.Duration()).Before(now) {
		s.logger.Warn("rehydration: active quest expired",
			zap.String("quest_id", s.active.ID),
			zap.String("policy", string(s.policy)))
		if s.policy == PolicyFail {
			if _, err := s.failLocked(ctx); err != nil {
				s.logger.Warn("rehydration: expired quest fail", zap.Error(err))
			}
		} else {
			s.dropInFlightLocked(ctx)
		}
	}
}

// recoverFinishedRunLocked synthesizes a completed Quest record from the
// best-available cooperative-run timestamps and clears the stuck
// pending/cooperative slots. Shared by rehydration and by the live poll
// path that observes a run finishing while only a pending quest exists.
func (s *Store) recoverFinishedRunLocked(ctx context.Context) {
	now := s.now()
	q := model.Quest{
		QuestTemplate: *s.pending,
		RunID:         s.coopRun.ID,
		Status:        model.QuestCompleted,
	}
	if s.coopRun.ActualStartTime != nil {
		st := *s.coopRun.ActualStartTime
		q.StartTime = &st
	}
	if s.coopRun.ScheduledEndTime != nil {
		et := *s.coopRun.ScheduledEndTime
		q.StopTime = &et
	} else {
		et := now
		q.StopTime = &et
	}
	s.completed = append(s.completed, q)
	s.appendRecordLocked(ctx, q)
	s.pending = nil
	s.coopRun = nil
	s.coopVer = 0
	s.invitation = nil
	if err := s.kv.Del(ctx, keyTemplate, keyCoopRun, keyInvitation); err != nil {
		s.logger.Warn("rehydration checkpoint cleanup failed", zap.Error(err))
	}
	if s.onTerminal != nil {
		s.onTerminal()
	}
}

// CompleteFromRun resolves a run the authority reports as finished when
// no local unlock ever happened: completes the active quest if there is
// one, otherwise recovers the pending slot from the cooperative run's
// timestamps.
func (s *Store) CompleteFromRun(ctx context.Context) (*model.Quest, error) {
	s.mu.Lock()
	if s.active == nil && s.pending != nil && s.coopRun != nil {
		s.recoverFinishedRunLocked(ctx)
		q := s.completed[len(s.completed)-1]
		s.publish(ctx, Event{Type: EventCompleted, Quest: &q, Streak: s.progress.Streak, XP: s.progress.XP})
		s.mu.Unlock()
		return &q, nil
	}
	s.mu.Unlock()
	return s.CompleteQuest(ctx, true)
}

// dropInFlightLocked clears active and pending without recording history.
func (s *Store) dropInFlightLocked(ctx context.Context) {
	s.active = nil
	s.pending = nil
	s.runID = ""
	if err := s.kv.Del(ctx, keyTemplate, keyStartTime, keyRunID, keyLiveActivity); err != nil {
		s.logger.Warn("rehydration checkpoint cleanup failed", zap.Error(err))
	}
}

func (s *Store) hasCompletedLocked(questID string) bool {
	for _, q := range s.completed {
		if q.ID == questID {
			return true
		}
	}
	return false
}
