package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tommyshellberg/unquest-core/game/quest"
	"github.com/tommyshellberg/unquest-core/model"
	"go.uber.org/zap"
)

// BridgeHandler exposes the engine to the device shell over local HTTP.
// The shell forwards OS lock/unlock signals and user intents here; the
// engine owns all state. Rendering, navigation and notification
// presentation stay on the shell side.
type BridgeHandler struct {
	store  *quest.Store
	timer  *quest.Timer
	coord  *quest.Coordinator
	logger *zap.Logger
}

// NewBridgeHandler creates a new BridgeHandler.
func NewBridgeHandler(store *quest.Store, timer *quest.Timer, coord *quest.Coordinator, logger *zap.Logger) *BridgeHandler {
	return &BridgeHandler{store: store, timer: timer, coord: coord, logger: logger}
}

type prepareRequest struct {
	model.QuestTemplate
	LiveActivityID string `json:"liveActivityId,omitempty"`
}

// Prepare handles POST /api/quests/prepare.
func (h *BridgeHandler) Prepare(c *gin.Context) {
	var req prepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.DurationMinutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration must be positive"})
		return
	}
	if req.LiveActivityID != "" {
		h.store.SetLiveActivity(c.Request.Context(), req.LiveActivityID)
	}
	tmpl := req.QuestTemplate
	if err := h.timer.Prepare(c.Request.Context(), &tmpl); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prepare failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pending": h.store.Pending()})
}

// Cancel handles POST /api/quests/cancel.
func (h *BridgeHandler) Cancel(c *gin.Context) {
	h.timer.Cancel(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// DeviceLocked handles POST /api/device/locked. Device-event handlers
// never report precondition failures: a duplicate or out-of-place signal
// is absorbed as a no-op so the signal source cannot be crashed.
func (h *BridgeHandler) DeviceLocked(c *gin.Context) {
	h.timer.OnDeviceLocked(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"active": h.store.Active()})
}

// DeviceUnlocked handles POST /api/device/unlocked.
func (h *BridgeHandler) DeviceUnlocked(c *gin.Context) {
	h.timer.OnDeviceUnlocked(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"active":   h.store.Active(),
		"progress": h.store.Progress(),
	})
}

// State handles GET /api/state.
func (h *BridgeHandler) State(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":         h.store.Active(),
		"pending":        h.store.Pending(),
		"cooperativeRun": h.store.CooperativeRun(),
		"invitation":     h.store.Invitation(),
	})
}

// History handles GET /api/history.
func (h *BridgeHandler) History(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"completed": h.store.Completed(),
		"failed":    h.store.Failed(),
	})
}

// Progress handles GET /api/progress.
func (h *BridgeHandler) Progress(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Progress())
}

type initializeRequest struct {
	HostID     string               `json:"hostId" binding:"required"`
	Title      string               `json:"title" binding:"required"`
	Duration   int                  `json:"duration" binding:"required"`
	InviteeIDs []string             `json:"inviteeIds" binding:"required"`
	QuestData  *model.QuestTemplate `json:"questData,omitempty"`
}

// InitializeCooperative handles POST /api/coop/initialize. The authority
// result is required here; errors surface so the shell can retry.
func (h *BridgeHandler) InitializeCooperative(c *gin.Context) {
	var req initializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.coord.InitializeRun(c.Request.Context(), req.HostID, req.Title, req.Duration, req.InviteeIDs, req.QuestData)
	if err != nil {
		h.logger.Warn("cooperative initialize failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "authority unavailable"})
		return
	}
	c.JSON(http.StatusCreated, res)
}

// AcceptInvitation handles POST /api/coop/invitations/:id/accept.
func (h *BridgeHandler) AcceptInvitation(c *gin.Context) {
	run, err := h.coord.AcceptInvitation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Warn("invitation accept failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "authority unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"questRun": run, "pending": h.store.Pending()})
}

// DeclineInvitation handles POST /api/coop/invitations/:id/decline.
func (h *BridgeHandler) DeclineInvitation(c *gin.Context) {
	if err := h.coord.DeclineInvitation(c.Request.Context(), c.Param("id")); err != nil {
		h.logger.Warn("invitation decline failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "authority unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "declined"})
}

type readyRequest struct {
	UserID string `json:"userId" binding:"required"`
	Ready  *bool  `json:"ready" binding:"required"`
}

// SetReady handles POST /api/coop/ready.
func (h *BridgeHandler) SetReady(c *gin.Context) {
	var req readyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.coord.SetReady(c.Request.Context(), req.UserID, *req.Ready); err != nil {
		if err == quest.ErrNoCooperativeRun {
			c.JSON(http.StatusConflict, gin.H{"error": "no cooperative run"})
			return
		}
		h.logger.Warn("set ready failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "authority unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cooperativeRun": h.store.CooperativeRun()})
}
