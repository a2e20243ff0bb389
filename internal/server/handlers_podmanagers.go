package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/podmanager"
	"git.cscs.ch/openchami/chamicore-valence/pkg/types"
)

func (s *Server) handleListPodManagers(w http.ResponseWriter, r *http.Request) {
	items, err := s.podms.List(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResourceList(types.KindPodManagerList, items))
}

func (s *Server) handleCreatePodManager(w http.ResponseWriter, r *http.Request) {
	var req podmanager.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, apierr.BadRequest("invalid request body: %v", err))
		return
	}
	podm, err := s.podms.Create(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/pod_managers/"+podm.UUID)
	respondJSON(w, http.StatusCreated, types.NewResource(types.KindPodManager, podm.UUID, podm))
}

func (s *Server) handleGetPodManager(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.podms.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResource(types.KindPodManager, id, view))
}

func (s *Server) handleUpdatePodManager(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req podmanager.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, apierr.BadRequest("invalid request body: %v", err))
		return
	}
	podm, err := s.podms.Update(r.Context(), id, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResource(types.KindPodManager, id, podm))
}

func (s *Server) handleDeletePodManager(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	counts, err := s.podms.Delete(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResource(types.KindCascade, id, counts))
}

func (s *Server) handleListSystems(w http.ResponseWriter, r *http.Request) {
	filters := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			filters[key] = values[0]
		}
	}
	items, err := s.podms.Systems(r.Context(), chi.URLParam(r, "id"), filters)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResourceList(types.KindSystemList, items))
}

func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	systemID := chi.URLParam(r, "system_id")
	system, err := s.podms.System(r.Context(), chi.URLParam(r, "id"), systemID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResource(types.KindSystem, systemID, system))
}

func (s *Server) handleListRacks(w http.ResponseWriter, r *http.Request) {
	items, err := s.podms.Racks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResourceList(types.KindRackList, items))
}

func (s *Server) handleGetRack(w http.ResponseWriter, r *http.Request) {
	rackID := chi.URLParam(r, "rack_id")
	rack, err := s.podms.Rack(r.Context(), chi.URLParam(r, "id"), rackID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResource(types.KindRack, rackID, rack))
}
