// Package api exposes the conversation service over JSON HTTP. Routing uses
// gorilla/mux; handlers stay thin and delegate every decision to the thread
// service, translating its sentinel errors into status codes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"loom/pkg/errdefs"
	"loom/pkg/logger"
	"loom/pkg/models"
	"loom/pkg/thread"
)

// Handler serves the /v1 conversation API.
type Handler struct {
	svc *thread.Service
}

// NewHandler returns a Handler over svc.
func NewHandler(svc *thread.Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers every /v1 endpoint on a fresh router.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/threads", h.createThread).Methods(http.MethodPost)
	r.HandleFunc("/v1/threads", h.listThreads).Methods(http.MethodGet)
	r.HandleFunc("/v1/threads/{id}", h.getThread).Methods(http.MethodGet)
	r.HandleFunc("/v1/threads/{id}", h.renameThread).Methods(http.MethodPatch)
	r.HandleFunc("/v1/threads/{id}", h.deleteThread).Methods(http.MethodDelete)
	r.HandleFunc("/v1/threads/{id}/conversation", h.activeConversation).Methods(http.MethodGet)
	r.HandleFunc("/v1/threads/{id}/messages", h.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/threads/{id}/messages", h.addUserMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/threads/{id}/assistant", h.addAssistantMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{id}/siblings", h.siblings).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages/{id}", h.updateAssistant).Methods(http.MethodPatch)
	r.HandleFunc("/v1/messages/{id}/finish", h.finishAssistant).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{id}/edit", h.editUserMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{id}/regenerate", h.regenerate).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{id}/navigate", h.navigate).Methods(http.MethodPost)
	r.HandleFunc("/v1/data", h.deleteAllData).Methods(http.MethodDelete)
	return r
}

type createThreadReq struct {
	Title string `json:"title"`
}

func (h *Handler) createThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadReq
	if !decode(w, r, &req) {
		return
	}
	th, err := h.svc.CreateThread(r.Context(), req.Title)
	if err != nil {
		writeErr(w, err)
		return
	}
	logger.Info("thread_created", "thread", th.ID)
	writeJSON(w, http.StatusCreated, th)
}

func (h *Handler) listThreads(w http.ResponseWriter, r *http.Request) {
	ths, err := h.svc.Threads(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Threads []*models.Thread `json:"threads"`
	}{Threads: ths})
}

func (h *Handler) getThread(w http.ResponseWriter, r *http.Request) {
	th, err := h.svc.Thread(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (h *Handler) renameThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadReq
	if !decode(w, r, &req) {
		return
	}
	th, err := h.svc.RenameThread(r.Context(), mux.Vars(r)["id"], req.Title)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (h *Handler) deleteThread(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteThread(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) activeConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msgs, err := h.svc.ActiveConversation(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Thread   string                 `json:"thread"`
		Messages []models.ThreadMessage `json:"messages"`
	}{Thread: id, Messages: msgs})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msgs, err := h.svc.Messages(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Thread   string            `json:"thread"`
		Messages []*models.Message `json:"messages"`
	}{Thread: id, Messages: msgs})
}

type userMessageReq struct {
	Content       models.Content `json:"content"`
	AttachmentIDs []string       `json:"attachment_ids,omitempty"`
}

func (h *Handler) addUserMessage(w http.ResponseWriter, r *http.Request) {
	var req userMessageReq
	if !decode(w, r, &req) {
		return
	}
	m, err := h.svc.AddUserMessage(r.Context(), mux.Vars(r)["id"], req.Content, req.AttachmentIDs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type assistantMessageReq struct {
	ParentID *string `json:"parent_id,omitempty"`
	Model    string  `json:"model,omitempty"`
	Provider string  `json:"provider,omitempty"`
}

func (h *Handler) addAssistantMessage(w http.ResponseWriter, r *http.Request) {
	var req assistantMessageReq
	if !decode(w, r, &req) {
		return
	}
	m, err := h.svc.AddAssistantMessage(r.Context(), mux.Vars(r)["id"], req.ParentID,
		thread.ModelInfo{Model: req.Model, Provider: req.Provider})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) siblings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	group, err := h.svc.Siblings(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ID       string            `json:"id"`
		Siblings []*models.Message `json:"siblings"`
	}{ID: id, Siblings: group})
}

func (h *Handler) updateAssistant(w http.ResponseWriter, r *http.Request) {
	var delta models.AssistantDelta
	if !decode(w, r, &delta) {
		return
	}
	if err := h.svc.UpdateAssistantMessage(r.Context(), mux.Vars(r)["id"], delta); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) finishAssistant(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.FinishAssistantMessage(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) editUserMessage(w http.ResponseWriter, r *http.Request) {
	var req userMessageReq
	if !decode(w, r, &req) {
		return
	}
	m, err := h.svc.EditUserMessage(r.Context(), mux.Vars(r)["id"], req.Content, req.AttachmentIDs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) regenerate(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.RegenerateAssistant(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	// nil means the target was gone or not an assistant message; the caller
	// simply has nothing to regenerate
	writeJSON(w, http.StatusOK, struct {
		Message *models.Message `json:"message"`
	}{Message: m})
}

type navigateReq struct {
	Direction thread.Direction `json:"direction"`
}

func (h *Handler) navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateReq
	if !decode(w, r, &req) {
		return
	}
	if req.Direction != thread.DirectionPrev && req.Direction != thread.DirectionNext {
		http.Error(w, `{"error":"direction must be prev or next"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.NavigateBranch(r.Context(), mux.Vars(r)["id"], req.Direction); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteAllData(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteAllData(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	logger.Info("all_data_deleted")
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrThreadNotFound), errors.Is(err, errdefs.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errdefs.ErrInvalidParent):
		status = http.StatusBadRequest
	case errors.Is(err, errdefs.ErrConcurrentModification):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.Error("request_failed", "error", err)
	}
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}
