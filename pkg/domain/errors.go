package domain

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound    = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteUnavailable = NewErr("PASTE_UNAVAILABLE", "paste no longer available", http.StatusGone)
	ErrUnauthorized     = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrInvalidMaxViews  = NewErr("INVALID_MAX_VIEWS", "max_views must be at least 1", http.StatusBadRequest)
	ErrPasteTooLarge    = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusBadRequest)
	ErrInvalidExpiry    = NewErr("INVALID_EXPIRY", "expires_at must be in the future", http.StatusBadRequest)
	ErrContentRequired  = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrInvalidRequest   = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimited      = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer   = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrIDGeneration     = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// TransitionError reports a status change that violates the transition
// table. It names both states so callers can tell a benign lost race (From
// already terminal) from a genuine logic defect.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid paste transition from %s to %s", e.From, e.To)
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func HTTPStatus(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
