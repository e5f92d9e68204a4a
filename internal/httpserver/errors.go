package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"supportchat/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// Conversation is the authoritative state after a rejected transition.
	Conversation *domain.Conversation `json:"conversation,omitempty"`
}

var codeStatus = map[string]int{
	domain.CodeNotFound:               http.StatusNotFound,
	domain.CodeNotActive:              http.StatusConflict,
	domain.CodeNotClosed:              http.StatusConflict,
	domain.CodeInvalidTransition:      http.StatusConflict,
	domain.CodeDuplicateMessageID:     http.StatusConflict,
	domain.CodeRatingExists:           http.StatusConflict,
	domain.CodeUnauthorized:           http.StatusForbidden,
	domain.CodeInvalidInput:           http.StatusBadRequest,
	domain.CodeRateLimited:            http.StatusTooManyRequests,
	domain.CodePersistenceUnavailable: http.StatusServiceUnavailable,
}

func statusFor(code string) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// writeError maps err onto a status code and a machine-readable body.
// Internal errors are not echoed to the client.
func writeError(w http.ResponseWriter, err error) {
	code := domain.Code(err)
	msg := err.Error()
	if code == domain.CodeInternal {
		msg = "internal error"
	}
	writeJSON(w, statusFor(code), errorResponse{Error: msg, Code: code})
}

// writeTransitionError is writeError plus the current conversation when
// the failure was a lost or illegal transition.
func writeTransitionError(w http.ResponseWriter, err error, current *domain.Conversation) {
	var terr *domain.TransitionError
	if !errors.As(err, &terr) || current == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusConflict, errorResponse{
		Error:        err.Error(),
		Code:         domain.CodeInvalidTransition,
		Conversation: current,
	})
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidInput)
	}
	return nil
}
