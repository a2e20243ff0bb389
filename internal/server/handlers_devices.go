package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/reconcile"
	"git.cscs.ch/openchami/chamicore-valence/pkg/types"
)

const syncRequestTimeout = 5 * time.Minute

type syncRequest struct {
	PodmID string `json:"podm_id,omitempty"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	items, err := s.devices.ListDevices(r.Context(), queryFilter(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResourceList(types.KindDeviceList, items))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	device, err := s.devices.GetDevice(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResource(types.KindDevice, id, device))
}

func (s *Server) handleAttachDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reconcile.AttachRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, apierr.BadRequest("invalid request body: %v", err))
		return
	}
	confirmation, err := s.devices.AttachDevice(r.Context(), id, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResource(types.KindConfirmation, id, confirmation))
}

func (s *Server) handleDetachDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	confirmation, err := s.devices.DetachDevice(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResource(types.KindConfirmation, id, confirmation))
}

// handleSyncDevices runs one reconciliation pass. The pod manager may be
// given in the body or as ?podm_id=; without one every pod manager is synced.
func (s *Server) handleSyncDevices(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, r, apierr.BadRequest("invalid request body: %v", err))
			return
		}
	}
	if req.PodmID == "" {
		req.PodmID = r.URL.Query().Get("podm_id")
	}

	ctx, cancel := context.WithTimeout(r.Context(), syncRequestTimeout)
	defer cancel()

	results, err := s.devices.SynchronizeDevices(ctx, req.PodmID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResourceList(types.KindSyncResult, results))
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, types.NewResourceList(types.KindSyncStatus, s.devices.Statuses()))
}
