package svc

import (
	"context"
	"time"

	"burnbin/cfg"
	"burnbin/metrics"
	"burnbin/pkg/domain"
	"burnbin/svc/auth"
	"burnbin/svc/cache"
	"burnbin/svc/db"
	"burnbin/svc/util"

	"github.com/pkg/errors"
)

// Paste orchestrates the three lifecycle use cases. Each runs inside one
// store transaction: commit on success, rollback on any error, release on
// every exit path. Correctness under concurrency relies on the store's
// transactional guarantees; there is no in-process locking of paste state.
type Paste struct {
	db       *db.SQLite
	terminal *cache.Terminal
	hasher   *auth.Hasher
	cfg      *cfg.Cfg
}

func NewPaste(sqlDB *db.SQLite, terminal *cache.Terminal, h *auth.Hasher, c *cfg.Cfg) *Paste {
	if sqlDB == nil || terminal == nil || h == nil || c == nil {
		panic("paste service: nil dependency (sqlDB, terminal, hasher, or cfg)")
	}
	return &Paste{
		db:       sqlDB,
		terminal: terminal,
		hasher:   h,
		cfg:      c,
	}
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if params.Content == "" {
		return nil, domain.ErrContentRequired
	}
	if int64(len(params.Content)) > p.cfg.MaxPasteSize {
		return nil, domain.ErrPasteTooLarge
	}
	if params.MaxViews < 1 {
		return nil, domain.ErrInvalidMaxViews
	}
	now := time.Now().UTC()
	if params.ExpiresAt != nil && !params.ExpiresAt.After(now) {
		return nil, domain.ErrInvalidExpiry
	}
	var pwHash string
	if params.Password != "" {
		var err error
		pwHash, err = p.hasher.Hash(params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "hash password")
		}
	}
	id, err := util.GenID(func(id string) (bool, error) {
		return p.db.Exists(ctx, id)
	})
	if err != nil {
		return nil, errors.Wrap(domain.ErrIDGeneration, err.Error())
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin create")
	}
	defer tx.Rollback()
	paste := domain.NewPaste(id, params.Content, params.MaxViews, 0, params.ExpiresAt, pwHash, domain.StatusActive, now, now)
	if err := tx.CreatePaste(ctx, paste); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	util.Info().
		Str("paste_id", id).
		Int("max_views", params.MaxViews).
		Bool("password_protected", pwHash != "").
		Str("request_id", util.GetRequestID(ctx)).
		Msg("paste created")
	metrics.PasteCreated.Inc()
	return paste, nil
}

// View serves one read of the paste content, consuming a view. Availability
// rules run in order: terminal status, time expiry, view budget, password.
// The password gate sits before the increment so a failed match never
// consumes a view. The atomic increment is the sole synchronization point
// across concurrent viewers; status is re-read afterwards so the post-view
// transition never acts on a stale row.
func (p *Paste) View(ctx context.Context, id, password, ipAddress string) (*domain.Paste, error) {
	if _, ok := p.terminal.Get(id); ok {
		metrics.TerminalCacheHits.Inc()
		return nil, domain.ErrPasteUnavailable
	}
	metrics.TerminalCacheMisses.Inc()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin view")
	}
	defer tx.Rollback()

	paste, err := tx.GetPaste(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if paste.Status.Terminal() {
		p.terminal.Set(id, paste.Status)
		return nil, domain.ErrPasteUnavailable
	}
	if paste.ExpiredByTime(now) {
		util.Info().
			Str("paste_id", id).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("paste expired by time on read")
		return nil, p.expireAndFail(ctx, tx, paste, ipAddress, "time")
	}
	if paste.CurrentViews >= paste.MaxViews {
		// The budget is normally exhausted by the post-view transition, so
		// reaching this branch means a concurrent viewer raced us.
		util.Warn().
			Str("paste_id", id).
			Int("current_views", paste.CurrentViews).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("view limit reached before increment")
		return nil, p.expireAndFail(ctx, tx, paste, ipAddress, "views")
	}
	if paste.PasswordHash != "" {
		match := false
		if password != "" {
			match, err = p.hasher.Verify(password, paste.PasswordHash)
			if err != nil {
				return nil, errors.Wrap(err, "verify password")
			}
		}
		if !match {
			if err := tx.CreateAccessLog(ctx, id, ipAddress, false, now); err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, err
			}
			util.Warn().
				Str("paste_id", id).
				Str("client_ip", util.RedactIP(ipAddress)).
				Msg("failed password attempt")
			return nil, domain.ErrUnauthorized
		}
	}

	n, err := tx.IncrementViews(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := tx.GetPaste(ctx, id)
	if err != nil {
		return nil, err
	}
	if updated.Status.Terminal() || n > updated.MaxViews {
		// A concurrent viewer won the increment race and exhausted the
		// budget; this view must not be served.
		if err := tx.CreateAccessLog(ctx, id, ipAddress, false, time.Now().UTC()); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		p.terminal.Set(id, updated.Status)
		return nil, domain.ErrPasteUnavailable
	}
	switch updated.Status {
	case domain.StatusActive:
		next := domain.StatusViewed
		if n >= updated.MaxViews {
			next = domain.StatusExpired
		}
		if err := tx.UpdateStatus(ctx, updated, next); err != nil {
			return nil, err
		}
		if next == domain.StatusExpired {
			metrics.PasteExpired.WithLabelValues("views").Inc()
		}
	case domain.StatusViewed:
		if n >= updated.MaxViews {
			if err := tx.UpdateStatus(ctx, updated, domain.StatusExpired); err != nil {
				return nil, err
			}
			metrics.PasteExpired.WithLabelValues("views").Inc()
		}
	}
	if err := tx.CreateAccessLog(ctx, id, ipAddress, true, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.terminal.Set(id, updated.Status)
	util.Info().
		Str("paste_id", id).
		Int("views", n).
		Str("status", string(updated.Status)).
		Str("request_id", util.GetRequestID(ctx)).
		Msg("paste viewed")
	metrics.PasteViewed.Inc()
	return updated, nil
}

// expireAndFail transitions the paste to EXPIRED, records the failed
// attempt, and commits before reporting unavailability: the lazy expiry must
// stick even though the caller sees an error.
func (p *Paste) expireAndFail(ctx context.Context, tx *db.Tx, paste *domain.Paste, ipAddress, cause string) error {
	if err := tx.UpdateStatus(ctx, paste, domain.StatusExpired); err != nil {
		var terr *domain.TransitionError
		if errors.As(err, &terr) && terr.From.Terminal() {
			// A concurrent viewer or the sweeper expired it first; the
			// outcome is the same either way.
			paste.Status = terr.From
		} else {
			return err
		}
	} else {
		metrics.PasteExpired.WithLabelValues(cause).Inc()
	}
	if err := tx.CreateAccessLog(ctx, paste.ID, ipAddress, false, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.terminal.Set(paste.ID, paste.Status)
	return domain.ErrPasteUnavailable
}

// Delete logically removes a paste by transitioning it to DELETED. Pastes
// already out of circulation cannot be deleted.
func (p *Paste) Delete(ctx context.Context, id string) (*domain.Paste, error) {
	if _, ok := p.terminal.Get(id); ok {
		metrics.TerminalCacheHits.Inc()
		return nil, domain.ErrPasteUnavailable
	}
	metrics.TerminalCacheMisses.Inc()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin delete")
	}
	defer tx.Rollback()

	paste, err := tx.GetPaste(ctx, id)
	if err != nil {
		return nil, err
	}
	if paste.Status.Terminal() {
		p.terminal.Set(id, paste.Status)
		return nil, domain.ErrPasteUnavailable
	}
	if err := tx.UpdateStatus(ctx, paste, domain.StatusDeleted); err != nil {
		var terr *domain.TransitionError
		if errors.As(err, &terr) && terr.From.Terminal() {
			p.terminal.Set(id, terr.From)
			return nil, domain.ErrPasteUnavailable
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.terminal.Set(id, domain.StatusDeleted)
	util.Info().
		Str("paste_id", id).
		Str("request_id", util.GetRequestID(ctx)).
		Msg("paste deleted")
	metrics.PasteDeleted.Inc()
	return paste, nil
}
