package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tommyshellberg/unquest-core/authority"
	"github.com/tommyshellberg/unquest-core/model"
)

// FakeAuthority is an in-memory stand-in for the Remote Quest Authority,
// speaking the real wire shapes over httptest.
type FakeAuthority struct {
	mu sync.Mutex

	Server *httptest.Server

	Runs        map[string]*authority.RunSnapshot
	Invitations map[string]*authority.InvitationResult

	// FailAll makes every endpoint answer 500, for offline-behavior tests.
	FailAll bool

	// OnStatusUpdate, when set, computes the snapshot returned by the
	// status PATCH instead of the default echo behavior.
	OnStatusUpdate func(runID string, update authority.StatusUpdate) *authority.RunSnapshot

	CreateRunCalls int
	StatusUpdates  []authority.StatusUpdate

	nextID int
}

// NewFakeAuthority starts a fake authority server; it is shut down with
// the test.
func NewFakeAuthority(t *testing.T) *FakeAuthority {
	t.Helper()
	f := &FakeAuthority{
		Runs:        make(map[string]*authority.RunSnapshot),
		Invitations: make(map[string]*authority.InvitationResult),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /quest-runs", f.createRun)
	mux.HandleFunc("PATCH /quest-runs/{id}/status", f.updateStatus)
	mux.HandleFunc("GET /quest-runs/{id}", f.getRun)
	mux.HandleFunc("POST /quest-runs/cooperative/initialize", f.initialize)
	mux.HandleFunc("GET /quest-runs/invitations/{id}", f.getInvitation)
	mux.HandleFunc("POST /quest-runs/invitations/{id}/accept", f.accept)
	mux.HandleFunc("POST /quest-runs/invitations/{id}/decline", f.decline)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the fake authority's base URL.
func (f *FakeAuthority) URL() string { return f.Server.URL }

// SetRun installs a run snapshot directly.
func (f *FakeAuthority) SetRun(snap *authority.RunSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Runs[snap.ID] = snap
}

// SetInvitation installs an invitation result directly.
func (f *FakeAuthority) SetInvitation(res *authority.InvitationResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Invitations[res.Invitation.ID] = res
}

func (f *FakeAuthority) failing(w http.ResponseWriter) bool {
	if f.FailAll {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return true
	}
	return false
}

func (f *FakeAuthority) createRun(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing(w) {
		return
	}
	f.CreateRunCalls++
	var body struct {
		Quest json.RawMessage `json:"quest"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.nextID++
	now := time.Now()
	snap := &authority.RunSnapshot{
		ID:        fmt.Sprintf("run-%d", f.nextID),
		Status:    model.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var tmpl model.QuestTemplate
	if json.Unmarshal(body.Quest, &tmpl) == nil {
		snap.QuestID = tmpl.ID
		snap.Quest = &tmpl
	}
	f.Runs[snap.ID] = snap
	writeJSON(w, http.StatusCreated, snap)
}

func (f *FakeAuthority) updateStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing(w) {
		return
	}
	runID := r.PathValue("id")
	var update authority.StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.StatusUpdates = append(f.StatusUpdates, update)

	if f.OnStatusUpdate != nil {
		snap := f.OnStatusUpdate(runID, update)
		f.Runs[runID] = snap
		writeJSON(w, http.StatusOK, snap)
		return
	}

	snap, ok := f.Runs[runID]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	snap.Status = update.Status
	snap.UpdatedAt = time.Now()
	writeJSON(w, http.StatusOK, snap)
}

func (f *FakeAuthority) getRun(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing(w) {
		return
	}
	snap, ok := f.Runs[r.PathValue("id")]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (f *FakeAuthority) initialize(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing(w) {
		return
	}
	var body struct {
		Title      string               `json:"title"`
		Duration   int                  `json:"duration"`
		InviteeIDs []string             `json:"inviteeIds"`
		QuestData  *model.QuestTemplate `json:"questData"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.nextID++
	invID := fmt.Sprintf("inv-%d", f.nextID)
	lobbyID := fmt.Sprintf("lobby-%d", f.nextID)
	now := time.Now()
	f.Invitations[invID] = &authority.InvitationResult{
		Invitation: model.QuestInvitation{
			ID:         invID,
			QuestRunID: lobbyID,
			Invitees:   body.InviteeIDs,
			Status:     model.InvitationPending,
			CreatedAt:  now,
			ExpiresAt:  now.Add(10 * time.Minute),
		},
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"invitationId":  invID,
		"lobbyId":       lobbyID,
		"validInvitees": body.InviteeIDs,
	})
}

func (f *FakeAuthority) getInvitation(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing(w) {
		return
	}
	res, ok := f.Invitations[r.PathValue("id")]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (f *FakeAuthority) accept(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing(w) {
		return
	}
	res, ok := f.Invitations[r.PathValue("id")]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	res.Invitation.Status = model.InvitationAccepted
	writeJSON(w, http.StatusOK, res)
}

func (f *FakeAuthority) decline(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing(w) {
		return
	}
	res, ok := f.Invitations[r.PathValue("id")]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	res.Invitation.Status = model.InvitationDeclined
	writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
