package model

import "time"

// QuestMode distinguishes narrative quests from user-defined ones.
type QuestMode string

const (
	ModeStory  QuestMode = "story"
	ModeCustom QuestMode = "custom"
)

// QuestStatus is the terminal-or-active state of a single run.
type QuestStatus string

const (
	QuestActive    QuestStatus = "active"
	QuestCompleted QuestStatus = "completed"
	QuestFailed    QuestStatus = "failed"
)

// StoryOption is one linear branching choice inside a story quest.
type StoryOption struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	NextID string `json:"nextId,omitempty"`
}

// QuestTemplate is the immutable description of a quest a user can
// undertake. Templates come from static content or user input and are
// never mutated after creation.
type QuestTemplate struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	DurationMinutes int           `json:"durationMinutes"`
	Reward          int           `json:"reward"` // experience points
	Mode            QuestMode     `json:"mode"`
	Narrative       string        `json:"recap,omitempty"`    // story mode
	Options         []StoryOption `json:"options,omitempty"`  // story mode
	Category        string        `json:"category,omitempty"` // custom mode
}

// Duration returns the required lock duration.
func (t QuestTemplate) Duration() time.Duration {
	return time.Duration(t.DurationMinutes) * time.Minute
}

// Quest is one run of a template: the template plus runtime fields. A
// Quest exists only once a pending template transitions, reaches exactly
// one terminal status and is immutable afterwards.
type Quest struct {
	QuestTemplate
	RunID     string      `json:"runId,omitempty"` // server run id, set for cooperative runs
	StartTime *time.Time  `json:"startTime,omitempty"`
	StopTime  *time.Time  `json:"stopTime,omitempty"`
	Status    QuestStatus `json:"status"`
}

// RunStatus is the lifecycle state of a cooperative quest run as held by
// the remote authority.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunSuccess   RunStatus = "success" // legacy alias some server builds emit
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunSuccess || s == RunFailed
}

// Completed reports whether the run finished successfully.
func (s RunStatus) Completed() bool {
	return s == RunCompleted || s == RunSuccess
}

// Participant is one member of a cooperative run. Ready is the only
// field a client may set optimistically; everything else is owned by the
// remote authority.
type Participant struct {
	UserID string    `json:"userId"`
	Ready  bool      `json:"ready"`
	Status RunStatus `json:"status,omitempty"`
}

// CooperativeQuestRun is the local projection of a server-owned run. It
// is overwritten wholesale whenever a fresher server read arrives.
type CooperativeQuestRun struct {
	ID               string        `json:"id"`
	QuestID          string        `json:"questId"`
	HostID           string        `json:"hostId"`
	Status           RunStatus     `json:"status"`
	Participants     []Participant `json:"participants"`
	ActualStartTime  *time.Time    `json:"actualStartTime,omitempty"`
	ScheduledEndTime *time.Time    `json:"scheduledEndTime,omitempty"`
	InvitationID     string        `json:"invitationId,omitempty"`
	Quest            *QuestTemplate `json:"quest,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// AllReady reports whether every participant has signalled readiness.
// False for an empty participant list.
func (r *CooperativeQuestRun) AllReady() bool {
	if len(r.Participants) == 0 {
		return false
	}
	for _, p := range r.Participants {
		if !p.Ready {
			return false
		}
	}
	return true
}

// InvitationStatus is the lifecycle state of a cooperative invitation.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationExpired  InvitationStatus = "expired"
	InvitationComplete InvitationStatus = "complete"
)

// InvitationResponse is one invitee's recorded answer.
type InvitationResponse struct {
	UserID   string           `json:"userId"`
	Response InvitationStatus `json:"response"`
}

// QuestInvitation tracks an outstanding cooperative invite. It is created
// by the host's initialize action, mutated only by polling results or
// explicit accept/decline, and discarded once terminal.
type QuestInvitation struct {
	ID         string               `json:"id"`
	QuestRunID string               `json:"questRunId"`
	Inviter    string               `json:"inviter"`
	Invitees   []string             `json:"invitees"`
	Status     InvitationStatus     `json:"status"`
	Responses  []InvitationResponse `json:"responses,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
	ExpiresAt  time.Time            `json:"expiresAt"`
}
