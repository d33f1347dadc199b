package quest

import (
	"context"
	"encoding/json"

	"github.com/tommyshellberg/unquest-core/model"
	"go.uber.org/zap"
)

// EventChannel is the pub/sub channel engine events are published on.
const EventChannel = "quest_events"

// Event types.
const (
	EventPrepared          = "quest_prepared"
	EventStarted           = "quest_started"
	EventCompleted         = "quest_completed"
	EventFailed            = "quest_failed"
	EventCancelled         = "quest_cancelled"
	EventRunUpdated        = "coop_run_updated"
	EventInvitationUpdated = "invitation_updated"
	EventInvitationCleared = "invitation_cleared"
)

// Event is the engine's state-transition notification, consumed by the
// shell's presentation layer through the SSE stream.
type Event struct {
	Type       string                     `json:"type"`
	Template   *model.QuestTemplate       `json:"template,omitempty"`
	Quest      *model.Quest               `json:"quest,omitempty"`
	Run        *model.CooperativeQuestRun `json:"run,omitempty"`
	Invitation *model.QuestInvitation     `json:"invitation,omitempty"`
	Streak     int                        `json:"streak,omitempty"`
	XP         int                        `json:"xp,omitempty"`
}

// publish fans the event out to in-process subscribers, best-effort.
func (s *Store) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("event marshal failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if err := s.events.Publish(ctx, EventChannel, string(payload)); err != nil {
		s.logger.Warn("event publish failed", zap.String("type", ev.Type), zap.Error(err))
	}
}
