package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"burnbin/cfg"
	"burnbin/pkg/domain"
	"burnbin/svc/lim"
	"burnbin/svc/svc"
	"burnbin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Content   string `json:"content"`
	MaxViews  *int   `json:"max_views,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Password  string `json:"password,omitempty"`
}

type CreateResp struct {
	ID                string     `json:"id"`
	MaxViews          int        `json:"max_views"`
	CurrentViews      int        `json:"current_views"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	Status            string     `json:"status"`
	PasswordProtected bool       `json:"password_protected"`
	CreatedAt         time.Time  `json:"created_at"`
}

type PasteResp struct {
	ID           string     `json:"id"`
	Content      string     `json:"content"`
	MaxViews     int        `json:"max_views"`
	CurrentViews int        `json:"current_views"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", r.Header.Get("Content-Type")).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}

	limit := h.cfg.MaxPasteSize * 2
	clHeader := r.Header.Get("Content-Length")
	if clHeader == "" {
		log.Warn().Msg("missing Content-Length on POST")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	cl, err := strconv.ParseInt(clHeader, 10, 64)
	if err != nil || cl < 0 {
		log.Warn().Str("content_length", clHeader).Msg("invalid Content-Length")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if cl > limit {
		log.Warn().Int64("content_length", cl).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	maxViews := 1
	if req.MaxViews != nil {
		maxViews = *req.MaxViews
	}
	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		// RFC 3339 requires an explicit UTC offset, so timestamps without
		// timezone information fail the parse here.
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			log.Warn().Err(err).Str("expires_at", req.ExpiresAt).Msg("invalid expiry timestamp")
			writeErr(w, domain.ErrInvalidExpiry, requestID)
			return
		}
		utc := t.UTC()
		expiresAt = &utc
	}

	params := domain.CreateParams{
		Content:   sanitizeContent(req.Content),
		MaxViews:  maxViews,
		ExpiresAt: expiresAt,
		Password:  req.Password,
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		var domainErr *domain.Err
		if errors.As(err, &domainErr) && domain.HTTPStatus(err) < 500 {
			log.Warn().Err(err).Msg("paste rejected")
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Msg("failed to create paste")
		if errors.Is(err, domain.ErrIDGeneration) {
			writeErr(w, domain.ErrIDGeneration, requestID)
			return
		}
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		ID:                paste.ID,
		MaxViews:          paste.MaxViews,
		CurrentViews:      paste.CurrentViews,
		ExpiresAt:         paste.ExpiresAt,
		Status:            string(paste.Status),
		PasswordProtected: paste.PasswordHash != "",
		CreatedAt:         paste.CreatedAt,
	})
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	password := r.Header.Get("X-Paste-Password")
	if password == "" {
		password = r.URL.Query().Get("password")
	}
	realIP := lim.GetRealIP(r, h.cfg.TrustedProxies)
	paste, err := h.paste.View(r.Context(), id, password, realIP)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) ||
			errors.Is(err, domain.ErrPasteUnavailable) ||
			errors.Is(err, domain.ErrUnauthorized) {
			log.Warn().Err(err).Str("paste_id", id).Msg("view rejected")
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("paste_id", id).Msg("failed to view paste")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Int("views", paste.CurrentViews).
		Msg("paste retrieved")
	json.NewEncoder(w).Encode(PasteResp{
		ID:           paste.ID,
		Content:      paste.Content(),
		MaxViews:     paste.MaxViews,
		CurrentViews: paste.CurrentViews,
		ExpiresAt:    paste.ExpiresAt,
		Status:       string(paste.Status),
		CreatedAt:    paste.CreatedAt,
	})
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if _, err := h.paste.Delete(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) || errors.Is(err, domain.ErrPasteUnavailable) {
			log.Warn().Err(err).Str("paste_id", id).Msg("delete rejected")
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("paste_id", id).Msg("failed to delete paste")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.HTTPStatus(err)
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

// sanitizeContent normalizes to NFC and strips control characters other than
// newline, carriage return, and tab. Runs once at creation; stored content is
// returned byte for byte afterwards.
func sanitizeContent(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
