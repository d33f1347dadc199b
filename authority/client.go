package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tommyshellberg/unquest-core/model"
	"go.uber.org/zap"
)

// RunSnapshot is the authority's view of a quest run, returned by every
// run read or mutation. Clients overwrite their cached projection with it
// wholesale; they never merge.
type RunSnapshot struct {
	ID               string              `json:"id"`
	QuestID          string              `json:"questId"`
	HostID           string              `json:"hostId"`
	Status           model.RunStatus     `json:"status"`
	Participants     []model.Participant `json:"participants"`
	ActualStartTime  *time.Time          `json:"actualStartTime,omitempty"`
	ScheduledEndTime *time.Time          `json:"scheduledEndTime,omitempty"`
	InvitationID     string              `json:"invitationId,omitempty"`
	Quest            *model.QuestTemplate `json:"quest,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// Run converts the snapshot into the local projection type.
func (s *RunSnapshot) Run() *model.CooperativeQuestRun {
	return &model.CooperativeQuestRun{
		ID:               s.ID,
		QuestID:          s.QuestID,
		HostID:           s.HostID,
		Status:           s.Status,
		Participants:     s.Participants,
		ActualStartTime:  s.ActualStartTime,
		ScheduledEndTime: s.ScheduledEndTime,
		InvitationID:     s.InvitationID,
		Quest:            s.Quest,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

// InitializeResult is the authority's answer to a cooperative initialize.
type InitializeResult struct {
	InvitationID  string   `json:"invitationId"`
	LobbyID       string   `json:"lobbyId"`
	ValidInvitees []string `json:"validInvitees"`
}

// InvitationResult pairs an invitation's current state with the embedded
// quest run the authority attaches once enough invitees accepted.
type InvitationResult struct {
	Invitation model.QuestInvitation `json:"invitation"`
	QuestRun   *RunSnapshot          `json:"questRun,omitempty"`
}

// StatusUpdate is the body of a run status mutation.
type StatusUpdate struct {
	Status         model.RunStatus `json:"status"`
	LiveActivityID string          `json:"liveActivityId,omitempty"`
	Ready          *bool           `json:"ready,omitempty"`
}

// Client talks to the Remote Quest Authority, the source of truth for
// cooperative run and participant state. All calls are plain
// request/response over HTTP with bearer-token auth.
type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
	logger *zap.Logger
}

// Config holds authority client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient creates an authority client. A zero timeout defaults to 10s
// so a hung call can never block quest preparation indefinitely.
func NewClient(cfg Config, tokens TokenSource, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:   cfg.BaseURL,
		http:   &http.Client{Timeout: timeout},
		tokens: tokens,
		logger: logger,
	}
}

// CreateRun registers a new quest run. Solo runs send the full template;
// story quests already known server-side send only the template id.
func (c *Client) CreateRun(ctx context.Context, tmpl *model.QuestTemplate) (*RunSnapshot, error) {
	var quest interface{}
	if tmpl.Mode == model.ModeStory && tmpl.ID != "" {
		quest = map[string]string{"questTemplateId": tmpl.ID}
	} else {
		quest = tmpl
	}
	var snap RunSnapshot
	if err := c.do(ctx, http.MethodPost, "/quest-runs", map[string]interface{}{"quest": quest}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// UpdateRunStatus mutates a run's status and, optionally, the caller's
// ready flag. The returned snapshot is the authority's post-mutation view.
func (c *Client) UpdateRunStatus(ctx context.Context, runID string, update StatusUpdate) (*RunSnapshot, error) {
	var snap RunSnapshot
	path := fmt.Sprintf("/quest-runs/%s/status", runID)
	if err := c.do(ctx, http.MethodPatch, path, update, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetRunStatus reads the current run snapshot.
func (c *Client) GetRunStatus(ctx context.Context, runID string) (*RunSnapshot, error) {
	var snap RunSnapshot
	if err := c.do(ctx, http.MethodGet, "/quest-runs/"+runID, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// InitializeCooperative creates a cooperative run lobby and invites the
// given users.
func (c *Client) InitializeCooperative(ctx context.Context, title string, durationMinutes int, inviteeIDs []string, questData *model.QuestTemplate) (*InitializeResult, error) {
	body := map[string]interface{}{
		"title":      title,
		"duration":   durationMinutes,
		"inviteeIds": inviteeIDs,
	}
	if questData != nil {
		body["questData"] = questData
	}
	var res InitializeResult
	if err := c.do(ctx, http.MethodPost, "/quest-runs/cooperative/initialize", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetInvitationStatus polls an outstanding invitation.
func (c *Client) GetInvitationStatus(ctx context.Context, invitationID string) (*InvitationResult, error) {
	var res InvitationResult
	if err := c.do(ctx, http.MethodGet, "/quest-runs/invitations/"+invitationID, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AcceptInvitation records the caller's acceptance.
func (c *Client) AcceptInvitation(ctx context.Context, invitationID string) (*InvitationResult, error) {
	var res InvitationResult
	if err := c.do(ctx, http.MethodPost, "/quest-runs/invitations/"+invitationID+"/accept", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeclineInvitation records the caller's refusal.
func (c *Client) DeclineInvitation(ctx context.Context, invitationID string) error {
	return c.do(ctx, http.MethodPost, "/quest-runs/invitations/"+invitationID+"/decline", nil, nil)
}

// ---- best-effort notifications ----
//
// The state machine's remote notifications are fire-and-forget: a network
// failure is logged and the local transition stands, so a disconnected
// client can still play solo quests. These wrappers return nil instead of
// an error to keep that contract explicit at the call site.

// NotifyRunCreated is the best-effort form of CreateRun.
func (c *Client) NotifyRunCreated(ctx context.Context, tmpl *model.QuestTemplate) *RunSnapshot {
	snap, err := c.CreateRun(ctx, tmpl)
	if err != nil {
		c.logger.Warn("run create notification failed",
			zap.String("quest_id", tmpl.ID), zap.Error(err))
		return nil
	}
	return snap
}

// NotifyRunStatus is the best-effort form of UpdateRunStatus.
func (c *Client) NotifyRunStatus(ctx context.Context, runID string, update StatusUpdate) *RunSnapshot {
	if runID == "" {
		return nil
	}
	snap, err := c.UpdateRunStatus(ctx, runID, update)
	if err != nil {
		c.logger.Warn("run status notification failed",
			zap.String("run_id", runID),
			zap.String("status", string(update.Status)),
			zap.Error(err))
		return nil
	}
	return snap
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("authority: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("authority: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("authority: token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("authority: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("authority: %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("authority: decode %s %s: %w", method, path, err)
	}
	return nil
}
