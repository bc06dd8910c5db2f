package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/tonimelisma/melisma/internal/folders"
	"github.com/tonimelisma/melisma/internal/mail"
	"github.com/tonimelisma/melisma/internal/target"
	"github.com/tonimelisma/melisma/internal/viewmodel"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// FolderStateInfo is the folder state of one account.
type FolderStateInfo struct {
	Status  string        `json:"status"`
	Folders []mail.Folder `json:"folders,omitempty"`
	Message string        `json:"message,omitempty"`
}

// AccountInfo represents an account in list responses.
type AccountInfo struct {
	mail.Account
	Folders     *FolderStateInfo `json:"folders,omitempty"`
	Schedule    string           `json:"schedule,omitempty"`
	NextRefresh string           `json:"next_refresh,omitempty"`
}

// SyncInfo describes background message paging activity.
type SyncInfo struct {
	Kind      string `json:"kind"`
	AccountID string `json:"account_id,omitempty"`
	FolderID  string `json:"folder_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// StateResponse is the main screen state.
type StateResponse struct {
	AuthPhase              string        `json:"auth_phase"`
	AuthError              string        `json:"auth_error,omitempty"`
	OverallAuthState       string        `json:"overall_auth_state"`
	Accounts               []AccountInfo `json:"accounts"`
	SelectedAccountID      string        `json:"selected_account_id,omitempty"`
	SelectedFolder         *mail.Folder  `json:"selected_folder,omitempty"`
	ViewMode               mail.ViewMode `json:"view_mode"`
	Toast                  string        `json:"toast,omitempty"`
	IsLoadingAccountAction bool          `json:"is_loading_account_action"`
	IsLoadingFolders       bool          `json:"is_loading_folders"`
	IsOnline               bool          `json:"is_online"`
	Sync                   SyncInfo      `json:"sync"`
}

// ListResponse is the state of the thread or message list.
type ListResponse[T any] struct {
	Status  string `json:"status"`
	Items   []T    `json:"items"`
	Message string `json:"message,omitempty"`
}

// MessagesResponse is the message list with the pager's view of it.
type MessagesResponse struct {
	ListResponse[mail.Message]
	Page PageInfo `json:"page"`
}

// PageInfo is the pager snapshot of the selected folder.
type PageInfo struct {
	Items        []mail.Message `json:"items"`
	Placeholders int            `json:"placeholders"`
	Loading      bool           `json:"loading"`
	EndReached   bool           `json:"end_reached"`
	Message      string         `json:"message,omitempty"`
}

// StatsResponse represents cache statistics.
type StatsResponse struct {
	Accounts     int64 `json:"accounts"`
	Folders      int64 `json:"folders"`
	Messages     int64 `json:"messages"`
	CacheBytes   int64 `json:"cache_bytes"`
	DatabaseSize int64 `json:"database_size_bytes"`
}

// SchedulerStatusResponse represents scheduler status.
type SchedulerStatusResponse struct {
	Running  bool            `json:"running"`
	Accounts []AccountStatus `json:"accounts"`
}

type addAccountRequest struct {
	Provider string `json:"provider"`
}

type selectionRequest struct {
	AccountID string `json:"account_id"`
	FolderID  string `json:"folder_id"`
}

type viewModeRequest struct {
	Mode string `json:"mode"`
}

type displayedRequest struct {
	Index int `json:"index"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func accepted(w http.ResponseWriter) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return false
	}
	return true
}

func folderInfo(st folders.FetchState) *FolderStateInfo {
	return &FolderStateInfo{Status: st.Status.String(), Folders: st.Folders, Message: st.Message}
}

func (s *Server) accountInfos(st viewmodel.MainScreenState) []AccountInfo {
	var schedules map[string]AccountStatus
	if s.scheduler != nil {
		schedules = make(map[string]AccountStatus)
		for _, as := range s.scheduler.Status() {
			schedules[as.AccountID] = as
		}
	}

	out := make([]AccountInfo, 0, len(st.Accounts))
	for _, a := range st.Accounts {
		info := AccountInfo{Account: a}
		if fs, ok := st.FolderStates[a.ID]; ok {
			info.Folders = folderInfo(fs)
		}
		if as, ok := schedules[a.ID]; ok {
			info.Schedule = as.Schedule
			if !as.NextRun.IsZero() {
				info.NextRefresh = as.NextRun.Format(time.RFC3339)
			}
		}
		out = append(out, info)
	}
	return out
}

func (s *Server) stateResponse(st viewmodel.MainScreenState) StateResponse {
	resp := StateResponse{
		AuthPhase:              st.AuthState.Phase.String(),
		OverallAuthState:       st.OverallAuthState.String(),
		Accounts:               s.accountInfos(st),
		SelectedAccountID:      st.SelectedAccountID,
		SelectedFolder:         st.SelectedFolder,
		ViewMode:               st.ViewMode,
		Toast:                  st.ToastMessage,
		IsLoadingAccountAction: st.IsLoadingAccountAction,
		IsLoadingFolders:       st.IsLoadingFolders,
		IsOnline:               st.IsOnline,
		Sync: SyncInfo{
			Kind:      st.SyncState.Kind.String(),
			AccountID: st.SyncState.AccountID,
			FolderID:  st.SyncState.FolderID,
			Message:   st.SyncState.Message,
		},
	}
	if st.AuthState.Err != nil {
		resp.AuthError = st.AuthState.Err.Error()
	}
	return resp
}

func listResponse[T any](st target.State[T]) ListResponse[T] {
	items := st.Items
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Status: st.Status.String(), Items: items, Message: st.Message}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stateResponse(s.vm.State().Value()))
}

// handleEvents streams the main screen state as server-sent events, one
// "state" event per change.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	updates := s.vm.State().Subscribe(r.Context())
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case st, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(s.stateResponse(st))
			if err != nil {
				s.logger.Error("encode state event", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Database not available")
		return
	}
	stats, err := s.store.GetStats()
	if err != nil {
		s.logger.Error("failed to get stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve statistics")
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Accounts:     stats.AccountCount,
		Folders:      stats.FolderCount,
		Messages:     stats.MessageCount,
		CacheBytes:   stats.CacheBytes,
		DatabaseSize: stats.DatabaseSize,
	})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": s.accountInfos(s.vm.State().Value()),
	})
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, ok := mail.ParseProvider(req.Provider)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_provider", fmt.Sprintf("Unknown provider %q", req.Provider))
		return
	}
	s.vm.AddAccount(s.prompter, p)
	accepted(w)
}

func (s *Server) findAccount(w http.ResponseWriter, id string) (mail.Account, bool) {
	a, ok := mail.FindAccount(s.vm.State().Value().Accounts, id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Account %s not found", id))
	}
	return a, ok
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	a, ok := s.findAccount(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	s.vm.RemoveAccount(a)
	accepted(w)
}

func (s *Server) handleAccountFolders(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.findAccount(w, id); !ok {
		return
	}
	st, ok := s.vm.State().Value().FolderStates[id]
	if !ok {
		writeJSON(w, http.StatusOK, FolderStateInfo{Status: folders.StatusLoading.String()})
		return
	}
	writeJSON(w, http.StatusOK, folderInfo(st))
}

func (s *Server) handleRefreshFolders(w http.ResponseWriter, r *http.Request) {
	s.vm.RefreshAllFolders(s.prompter)
	accepted(w)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	st := s.vm.State().Value()
	if _, ok := mail.FindAccount(st.Accounts, req.AccountID); !ok {
		// The view model reports the unknown account through the toast.
		s.vm.SelectFolder(req.AccountID, mail.Folder{ID: req.FolderID})
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Account %s not found", req.AccountID))
		return
	}
	fs := st.FolderStates[req.AccountID]
	for _, f := range fs.Folders {
		if f.ID == req.FolderID {
			s.vm.SelectFolder(req.AccountID, f)
			accepted(w)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Folder %s not found", req.FolderID))
}

func (s *Server) handleViewMode(w http.ResponseWriter, r *http.Request) {
	var req viewModeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mode, ok := mail.ParseViewMode(req.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_mode", fmt.Sprintf("Unknown view mode %q", req.Mode))
		return
	}
	s.vm.SetViewModePreference(mode)
	accepted(w)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	st := s.vm.State().Value()
	items := st.Page.Items
	if items == nil {
		items = []mail.Message{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{
		ListResponse: listResponse(st.MessageState),
		Page: PageInfo{
			Items:        items,
			Placeholders: st.Page.Placeholders,
			Loading:      st.Page.Loading,
			EndReached:   st.Page.EndReached,
			Message:      st.Page.Message,
		},
	})
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listResponse(s.vm.State().Value().ThreadState))
}

func (s *Server) handleRefreshMessages(w http.ResponseWriter, r *http.Request) {
	s.vm.RefreshMessages(s.prompter)
	accepted(w)
}

func (s *Server) handleMessageDisplayed(w http.ResponseWriter, r *http.Request) {
	var req displayedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Index < 0 {
		writeError(w, http.StatusBadRequest, "invalid_index", "Index must not be negative")
		return
	}
	s.vm.MessageDisplayed(req.Index)
	accepted(w)
}

// handleDismissToast acknowledges the toast named by the message query
// parameter. A toast that has since been replaced is left in place.
func (s *Server) handleDismissToast(w http.ResponseWriter, r *http.Request) {
	shown := r.URL.Query().Get("message")
	if shown == "" {
		writeError(w, http.StatusBadRequest, "missing_message", "Query parameter 'message' is required")
		return
	}
	s.vm.ToastMessageShown(shown)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "Scheduler not running")
		return
	}
	id := chi.URLParam(r, "id")
	if !s.scheduler.IsScheduled(id) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Account %s has no schedule", id))
		return
	}
	if err := s.scheduler.TriggerRefresh(id); err != nil {
		writeError(w, http.StatusConflict, "refresh_error", err.Error())
		return
	}
	accepted(w)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, SchedulerStatusResponse{Accounts: []AccountStatus{}})
		return
	}
	writeJSON(w, http.StatusOK, SchedulerStatusResponse{
		Running:  s.scheduler.IsRunning(),
		Accounts: s.scheduler.Status(),
	})
}
