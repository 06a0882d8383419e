package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aleister1102/vulnerax/internal/datastore"
	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/aleister1102/vulnerax/internal/session"
	"github.com/go-playground/validator/v10"
)

// registerRequest is the body of POST /api/profile.
type registerRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email,max=320"`
}

var requestValidator = validator.New()

// handleRegister creates the caller's profile. It sits behind the credential
// check only: a subject without a profile must be able to reach it.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	identity, _ := session.IdentityFromContext(r.Context())

	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)

	if err := requestValidator.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, describeRequestError(err))
		return
	}

	profile := models.Profile{
		UID:       identity.UID,
		Name:      req.Name,
		Email:     req.Email,
		CreatedAt: s.now().UTC(),
	}
	created, err := s.deps.Profiles.CreateProfile(r.Context(), profile)
	if err != nil {
		s.logger.Error().Err(err).Str("uid", identity.UID).Msg("Failed to create profile")
		s.writeError(w, http.StatusInternalServerError, "failed to create profile")
		return
	}
	if !created {
		s.writeError(w, http.StatusConflict, "profile already exists")
		return
	}

	s.logger.Info().Str("uid", identity.UID).Msg("Profile registered")
	s.writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())

	profile, err := s.deps.Profiles.GetProfile(r.Context(), sess.UID)
	if errors.Is(err, datastore.ErrProfileNotFound) {
		s.writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("uid", sess.UID).Msg("Failed to load profile")
		s.writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func describeRequestError(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "email":
			msgs = append(msgs, field+" is not a valid email address")
		default:
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", field, e.Tag(), e.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}
