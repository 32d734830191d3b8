package controlplane

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/codeharbor/codeharbor/pkg/provision"
	"github.com/codeharbor/codeharbor/pkg/types"
)

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authenticate(w, r); !ok {
		return
	}

	templates, err := s.store.ListTemplates()
	if err != nil {
		writeError(w, failure.New(failure.Storage, err))
		return
	}
	if templates == nil {
		templates = []*types.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req provision.TemplateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.OwnerID = user.ID

	tmpl, err := s.provisioner.CreateTemplate(context.WithoutCancel(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info().Str("template_id", tmpl.ID).Str("user_id", user.ID).Msg("Template created")
	writeText(w, http.StatusCreated, "Template created successfully")
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	_, user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id", "Invalid template UUID format")
	if !ok {
		return
	}

	if err := s.provisioner.DeleteTemplate(r.Context(), user.ID, id); err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, "Template deleted")
}
