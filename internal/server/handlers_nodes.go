package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/compose"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
	"git.cscs.ch/openchami/chamicore-valence/pkg/types"
)

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	items, err := s.nodes.ListNodes(r.Context(), queryFilter(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResourceList(types.KindNodeList, items))
}

// handleComposeNode composes synchronously unless ?async=true, which
// returns a task to poll.
func (s *Server) handleComposeNode(w http.ResponseWriter, r *http.Request) {
	var req compose.ComposeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, apierr.BadRequest("invalid request body: %v", err))
		return
	}

	async, err := parseBoolQuery(r, "async")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if async {
		task, err := s.nodes.ComposeAsync(r.Context(), req)
		if err != nil {
			respondError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/tasks/"+task.UUID)
		respondJSON(w, http.StatusAccepted, types.NewResource(types.KindTask, task.UUID, task))
		return
	}

	node, err := s.nodes.Compose(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/nodes/"+node.UUID)
	respondJSON(w, http.StatusCreated, types.NewResource(types.KindNode, node.UUID, node))
}

func (s *Server) handleManageNode(w http.ResponseWriter, r *http.Request) {
	var req compose.ManageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, apierr.BadRequest("invalid request body: %v", err))
		return
	}
	node, err := s.nodes.ManageNode(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, types.NewResource(types.KindNode, node.UUID, node))
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	node, err := s.nodes.GetNode(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResource(types.KindNode, id, node))
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	confirmation, err := s.nodes.DeleteNode(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResource(types.KindConfirmation, id, confirmation))
}

func (s *Server) handleNodeAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, r, apierr.BadRequest("reading request body: %v", err))
		return
	}
	confirmation, err := s.nodes.NodeAction(r.Context(), id, raw)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResource(types.KindConfirmation, id, confirmation))
}

// handleIronicParams accepts optional overrides as a JSON object on POST.
func (s *Server) handleIronicParams(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var overrides map[string]any
	if r.Method == http.MethodPost {
		if err := decodeJSON(r, &overrides); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, r, apierr.BadRequest("invalid request body: %v", err))
			return
		}
	}
	params, err := s.nodes.IronicParams(r.Context(), id, overrides)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResource(types.KindIronicParams, id, params))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	items, err := s.nodes.ListTasks(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResourceList(types.KindTaskList, items))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.nodes.GetTask(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.NewResource(types.KindTask, id, task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.nodes.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryFilter maps query parameters to equality filters; the first value wins.
func queryFilter(r *http.Request) store.Filter {
	filter := store.Filter{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			filter[key] = values[0]
		}
	}
	return filter
}

func parseBoolQuery(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apierr.BadRequest("query parameter %s must be a boolean", key)
	}
	return value, nil
}
