// Package api provides HTTP handlers for FormWeaver endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/formweaver/formweaver/internal/auth"
	"github.com/formweaver/formweaver/internal/models"
)

// generationResult is the envelope payload for generation endpoints.
type generationResult struct {
	SessionID string                    `json:"sessionId"`
	Schema    models.FormSchema         `json:"schema"`
	History   []models.ConversationTurn `json:"history,omitempty"`
}

func (s *Server) generateFormHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.generateFormHandler: processing generation request", "path", r.URL.Path)

	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.generateFormHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	sessionID, schemaOut, err := s.generator.Generate(r.Context(), req.Prompt, req.SessionID)
	if err != nil {
		s.writeGenerationError(w, "Server.generateFormHandler", err)
		return
	}

	slog.Info("Server.generateFormHandler: schema generated", "sessionID", sessionID, "fields", len(schemaOut))
	writeJSONResponse(w, http.StatusOK, models.Success(generationResult{SessionID: sessionID, Schema: schemaOut}))
}

func (s *Server) amendFormHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	owner, _ := auth.UserFromContext(r.Context())

	var req models.AmendFormRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.amendFormHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.FormID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("formId is required"))
		return
	}

	sessionID, schemaOut, err := s.generator.AmendFromForm(r.Context(), req.FormID, owner, req.Prompt)
	if err != nil {
		s.writeGenerationError(w, "Server.amendFormHandler", err)
		return
	}

	slog.Info("Server.amendFormHandler: amendment session started", "sessionID", sessionID, "formID", req.FormID)
	writeJSONResponse(w, http.StatusOK, models.Success(generationResult{SessionID: sessionID, Schema: schemaOut}))
}

func (s *Server) amendSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	var req models.RefineSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.amendSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	sessionID, schemaOut, history, err := s.generator.RefineSession(r.Context(), req.SessionID, req.RefinementPrompt)
	if err != nil {
		s.writeGenerationError(w, "Server.amendSessionHandler", err)
		return
	}

	slog.Info("Server.amendSessionHandler: session refined", "sessionID", sessionID, "turns", len(history))
	writeJSONResponse(w, http.StatusOK, models.Success(generationResult{SessionID: sessionID, Schema: schemaOut, History: history}))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	history, schemaOut, err := s.generator.SessionState(r.Context(), sessionID)
	if err != nil {
		s.writeGenerationError(w, "Server.getSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(generationResult{SessionID: sessionID, Schema: schemaOut, History: history}))
}

func (s *Server) saveFormHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	owner, _ := auth.UserFromContext(r.Context())

	var req models.SaveFormRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.saveFormHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.saveFormHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	form := models.Form{
		Title:       req.Title,
		Description: req.Description,
		Fields:      req.Schema,
		Owner:       owner,
	}
	if err := s.store.CreateForm(r.Context(), &form); err != nil {
		slog.Error("Server.saveFormHandler: failed to persist form", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save form"))
		return
	}

	// The working session is consumed once its schema is published. Deletion
	// failures are not surfaced; the session expires on its own.
	if req.SessionID != "" {
		if err := s.generator.DiscardSession(r.Context(), req.SessionID); err != nil {
			slog.Warn("Server.saveFormHandler: failed to discard session", "error", err, "sessionID", req.SessionID)
		}
	}

	slog.Info("Server.saveFormHandler: form saved", "formID", form.ID, "owner", owner)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Form saved successfully", form))
}

func (s *Server) listFormsHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserFromContext(r.Context())

	forms, err := s.store.ListForms(r.Context(), owner)
	if err != nil {
		slog.Error("Server.listFormsHandler: failed to list forms", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list forms"))
		return
	}
	if forms == nil {
		forms = []models.Form{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(forms))
}

func (s *Server) getFormHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserFromContext(r.Context())
	formID := chi.URLParam(r, "formID")

	form, err := s.store.GetOwnedForm(r.Context(), formID, owner)
	if err != nil {
		s.writeStoreError(w, "Server.getFormHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(form))
}

// publicForm strips ownership from a form for submitter-facing rendering.
type publicForm struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Fields      models.FormSchema `json:"fields"`
}

func (s *Server) getPublicFormHandler(w http.ResponseWriter, r *http.Request) {
	formID := chi.URLParam(r, "formID")

	form, err := s.store.GetForm(r.Context(), formID)
	if err != nil {
		s.writeStoreError(w, "Server.getPublicFormHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(publicForm{
		ID:          form.ID,
		Title:       form.Title,
		Description: form.Description,
		Fields:      form.Fields,
	}))
}

func (s *Server) submitResponseHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	formID := chi.URLParam(r, "formID")
	submitter, _ := auth.UserFromContext(r.Context())

	var req models.SubmitResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.submitResponseHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if len(req.Responses) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyResponses.Error()))
		return
	}

	form, err := s.store.GetForm(r.Context(), formID)
	if err != nil {
		s.writeStoreError(w, "Server.submitResponseHandler", err)
		return
	}

	// Every answered label must exist on the form.
	known := make(map[string]bool, len(form.Fields))
	for _, field := range form.Fields {
		known[field.Label] = true
	}
	for _, answer := range req.Responses {
		if !known[answer.Label] {
			slog.Warn("Server.submitResponseHandler: unknown field label", "formID", formID, "label", answer.Label)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrUnknownResponseField.Error()))
			return
		}
	}

	response := models.FormResponse{
		FormID:      formID,
		SubmitterID: submitter,
		Answers:     req.Responses,
	}
	if err := s.store.AddResponse(r.Context(), &response); err != nil {
		s.writeStoreError(w, "Server.submitResponseHandler", err)
		return
	}

	slog.Info("Server.submitResponseHandler: response recorded", "formID", formID, "responseID", response.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Response submitted successfully", response))
}

func (s *Server) listResponsesHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserFromContext(r.Context())
	formID := chi.URLParam(r, "formID")

	// Ownership gate before exposing submissions.
	if _, err := s.store.GetOwnedForm(r.Context(), formID, owner); err != nil {
		s.writeStoreError(w, "Server.listResponsesHandler", err)
		return
	}

	responses, err := s.store.ListResponses(r.Context(), formID)
	if err != nil {
		s.writeStoreError(w, "Server.listResponsesHandler", err)
		return
	}
	if responses == nil {
		responses = []models.FormResponse{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(responses))
}

func (s *Server) listOwnerResponsesHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserFromContext(r.Context())

	responses, err := s.store.ListOwnerResponses(r.Context(), owner)
	if err != nil {
		s.writeStoreError(w, "Server.listOwnerResponsesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(responses))
}

func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.UserFromContext(r.Context())

	stats, err := s.store.DashboardStats(r.Context(), owner, time.Now())
	if err != nil {
		s.writeStoreError(w, "Server.dashboardHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// writeGenerationError maps pipeline errors to HTTP statuses.
func (s *Server) writeGenerationError(w http.ResponseWriter, component string, err error) {
	switch {
	case errors.Is(err, models.ErrEmptyPrompt), errors.Is(err, models.ErrPromptTooLong):
		slog.Warn(component+": invalid input", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrFormNotFound):
		slog.Warn(component+": not found", "error", err)
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.Is(err, models.ErrValidationExceeded), errors.Is(err, models.ErrModelUnavailable):
		slog.Error(component+": generation failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error(err.Error()))
	case errors.Is(err, models.ErrServiceUnavailable):
		slog.Error(component+": AI service unavailable", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(err.Error()))
	default:
		slog.Error(component+": internal error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}

// writeStoreError maps persistence errors to HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, component string, err error) {
	if errors.Is(err, models.ErrFormNotFound) {
		slog.Warn(component+": form not found", "error", err)
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
		return
	}
	slog.Error(component+": storage error", "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
}
