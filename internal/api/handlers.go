package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aleister1102/vulnerax/internal/aggregator"
	"github.com/aleister1102/vulnerax/internal/datastore"
	"github.com/aleister1102/vulnerax/internal/dispatcher"
	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/aleister1102/vulnerax/internal/session"
)

const maxRequestBodyBytes = 1 << 20

// createScanRequest is the body of POST /api/scans.
type createScanRequest struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Nonce       string `json:"nonce,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

// failedScanResponse is returned with 502 when the agent call failed.
type failedScanResponse struct {
	Error string       `json:"error"`
	Scan  *models.Scan `json:"scan"`
}

type scanListResponse struct {
	Scans []models.ScanSummary `json:"scans"`
}

// handleProxyScan relays the body to the agent and the agent's JSON back.
func (s *Server) handleProxyScan(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	reply, err := s.deps.Proxy.Forward(r.Context(), body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Agent proxy request failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())

	var req createScanRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	result, err := s.deps.Dispatcher.Dispatch(r.Context(), sess, dispatcher.Directive{
		Target:      models.Target{Name: req.Name, URL: req.URL},
		Instruction: req.Instruction,
		Nonce:       req.Nonce,
	})

	var dispatchErr *models.DispatchError
	switch {
	case err == nil:
		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		s.writeJSON(w, status, result.Scan)
	case errors.Is(err, models.ErrInvalidTarget):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &dispatchErr) && result != nil:
		s.writeJSON(w, http.StatusBadGateway, failedScanResponse{Error: err.Error(), Scan: result.Scan})
	case result != nil && r.Context().Err() != nil:
		// The caller went away; the scan finishes in the background.
		s.writeJSON(w, http.StatusAccepted, result.Scan)
	default:
		s.logger.Error().Err(err).Str("uid", sess.UID).Msg("Scan dispatch failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())

	scans, err := s.deps.Store.ListByAccount(r.Context(), sess.UID)
	if err != nil {
		s.logger.Error().Err(err).Str("uid", sess.UID).Msg("Failed to list scans")
		s.writeError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}

	ordered := aggregator.ByRecency(scans)
	summaries := make([]models.ScanSummary, 0, len(ordered))
	for _, scan := range ordered {
		summaries = append(summaries, scan.Summary())
	}
	s.writeJSON(w, http.StatusOK, scanListResponse{Scans: summaries})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())

	scan, err := s.deps.Store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, datastore.ErrScanNotFound) || (err == nil && scan.AccountID != sess.UID) {
		s.writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load scan")
		s.writeError(w, http.StatusInternalServerError, "failed to load scan")
		return
	}
	s.writeJSON(w, http.StatusOK, scan)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())

	scans, err := s.deps.Store.ListByAccount(r.Context(), sess.UID)
	if err != nil {
		s.logger.Error().Err(err).Str("uid", sess.UID).Msg("Failed to load dashboard")
		s.writeError(w, http.StatusInternalServerError, "failed to load dashboard")
		return
	}
	s.writeJSON(w, http.StatusOK, aggregator.BuildDashboard(scans))
}
