package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ent0n29/memsync/internal/apperr"
	"github.com/ent0n29/memsync/internal/auth"
	"github.com/ent0n29/memsync/internal/protocol"
)

type accountKey struct{}

func accountFrom(ctx context.Context) (auth.Account, bool) {
	acc, ok := ctx.Value(accountKey{}).(auth.Account)
	return acc, ok
}

// bearerToken returns the token of an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.metrics.ObserveAuthEvent("token_missing")
			respondError(w, http.StatusUnauthorized, "token_missing", "Token is missing")
			return
		}
		acc, err := s.accounts.Verify(r.Context(), token)
		if err != nil {
			if apperr.Is(err, apperr.KindAuth) {
				s.metrics.ObserveAuthEvent("token_invalid")
				respondErrorDetails(w, http.StatusUnauthorized, "token_invalid", "Token is invalid", errorDetails(err))
				return
			}
			log.Printf("[httpapi] %s verify token: %v", middleware.GetReqID(r.Context()), err)
			respondError(w, http.StatusInternalServerError, "internal", "Internal server error")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey{}, acc)))
	})
}

func errorDetails(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Details != "" {
		return e.Details
	}
	return err.Error()
}

func (s *Server) decodeCredentials(w http.ResponseWriter, r *http.Request) (protocol.Credentials, bool) {
	var creds protocol.Credentials
	if err := decodeJSON(r, &creds); err != nil {
		respondError(w, http.StatusBadRequest, "no_data", "No data provided")
		return creds, false
	}
	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		respondError(w, http.StatusBadRequest, "missing_fields", "Username and password are required")
		return creds, false
	}
	return creds, true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}
	id, err := s.accounts.Register(r.Context(), creds.Username, creds.Password)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindConflict:
			s.metrics.ObserveAuthEvent("register_conflict")
			respondError(w, http.StatusBadRequest, "username_taken", "Username already exists")
		case apperr.KindValidation:
			respondError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		default:
			log.Printf("[httpapi] %s register: %v", middleware.GetReqID(r.Context()), err)
			respondError(w, http.StatusInternalServerError, "database_error", "Database error occurred")
		}
		return
	}
	s.metrics.ObserveAuthEvent("registered")
	respondJSON(w, http.StatusCreated, protocol.RegisterResponse{
		Message: "User registered successfully",
		UserID:  id,
	})
}

func validationMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "Invalid request"
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}
	tok, err := s.accounts.Login(r.Context(), creds.Username, creds.Password)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindAuth:
			s.metrics.ObserveAuthEvent("login_failed")
			respondError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid credentials")
		case apperr.KindValidation:
			respondError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		default:
			log.Printf("[httpapi] %s login: %v", middleware.GetReqID(r.Context()), err)
			respondError(w, http.StatusInternalServerError, "internal", "Internal server error")
		}
		return
	}
	s.metrics.ObserveAuthEvent("login")
	respondJSON(w, http.StatusOK, protocol.LoginResponse{
		Token:   tok.Value,
		UserID:  tok.UserID,
		Message: "Login successful",
	})
}

type uploadBody struct {
	Data json.RawMessage `json:"data"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	acc, ok := accountFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "token_missing", "Token is missing")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	var body uploadBody
	if err := decodeJSON(r, &body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "too_large", "Upload too large")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_data_format", "Invalid data format")
		return
	}
	items, skipped, err := protocol.ParseUploadData(body.Data)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_data_format", "Invalid data format")
		return
	}

	started := time.Now()
	accepted, err := s.repo.ReplaceAll(r.Context(), acc.ID, items)
	if err != nil {
		log.Printf("[httpapi] %s upload for user %d: %v", middleware.GetReqID(r.Context()), acc.ID, err)
		respondError(w, http.StatusInternalServerError, "database_error", "Database error during upload")
		return
	}
	s.metrics.ObserveReplaceAll(time.Since(started))
	s.metrics.AddSyncRecords("uploaded", accepted)
	s.metrics.AddSyncRecords("skipped", skipped)

	if s.hub != nil {
		s.hub.Publish(acc.ID, protocol.Event{Type: protocol.TypeMemoryReplaced, Count: accepted})
	}

	received := accepted + skipped
	respondJSON(w, http.StatusOK, protocol.UploadResponse{
		Message:  uploadMessage(received),
		Accepted: accepted,
		Received: received,
	})
}

func uploadMessage(received int) string {
	return fmt.Sprintf("%d chat records uploaded successfully", received)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	acc, ok := accountFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "token_missing", "Token is missing")
		return
	}
	items, err := s.repo.ListAll(r.Context(), acc.ID)
	if err != nil {
		log.Printf("[httpapi] %s download for user %d: %v", middleware.GetReqID(r.Context()), acc.ID, err)
		respondError(w, http.StatusInternalServerError, "database_error", "Internal server error during download")
		return
	}
	if items == nil {
		items = []protocol.Item{}
	}
	s.metrics.AddSyncRecords("downloaded", len(items))
	respondJSON(w, http.StatusOK, protocol.DownloadResponse{Data: items, Count: len(items)})
}
