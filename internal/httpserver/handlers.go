package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"broadcast/internal/campaign"
	"broadcast/internal/domain"
)

type CampaignService interface {
	Create(ctx context.Context, req campaign.CreateRequest) (domain.Campaign, error)
	Get(ctx context.Context, id string) (domain.Progress, error)
	Start(ctx context.Context, id string) (domain.Campaign, error)
	Pause(ctx context.Context, id string) (domain.Campaign, error)
	Resume(ctx context.Context, id string) (domain.Campaign, error)
	Reenqueue(ctx context.Context, id string) (domain.Campaign, error)
	Stop(ctx context.Context, id string) (domain.Campaign, domain.CleanupReport, error)
	Delete(ctx context.Context, id string) error
}

type ReplyService interface {
	Send(ctx context.Context, contactID, body string) (domain.Message, error)
}

type API struct {
	Campaigns CampaignService
	Replies   ReplyService
}

const maxBody = 1 << 20

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/campaigns", a.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}", a.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/v1/campaigns/{id}", a.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/v1/campaigns/{id}/start", a.lifecycle(a.Campaigns.Start)).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/pause", a.lifecycle(a.Campaigns.Pause)).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/resume", a.lifecycle(a.Campaigns.Resume)).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/enqueue", a.lifecycle(a.Campaigns.Reenqueue)).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/stop", a.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/v1/contacts/{id}/reply", a.handleReply).Methods(http.MethodPost)
}

type stateResponse struct {
	ID      string                `json:"id"`
	Status  domain.CampaignStatus `json:"status"`
	Cleanup *domain.CleanupReport `json:"cleanup,omitempty"`
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req campaign.CreateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		badJSON(w)
		return
	}
	c, err := a.Campaigns.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := a.Campaigns.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.Campaigns.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) lifecycle(op func(ctx context.Context, id string) (domain.Campaign, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := op(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stateResponse{ID: c.ID, Status: c.Status})
	}
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	c, report, err := a.Campaigns.Stop(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{ID: c.ID, Status: c.Status, Cleanup: &report})
}

type replyRequest struct {
	Body string `json:"body"`
}

func (a *API) handleReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		badJSON(w)
		return
	}
	msg, err := a.Replies.Send(r.Context(), mux.Vars(r)["id"], req.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}
