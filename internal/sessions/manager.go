// Package sessions manages authentication session lifecycle: creation,
// validation joined against the user store, expiry, and zero-downtime
// token rotation with a grace period.
package sessions

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stratumhq/stratum/internal/dberr"
	"github.com/stratumhq/stratum/internal/repository"
	"github.com/stratumhq/stratum/internal/util"
	"github.com/stratumhq/stratum/pkg/logger"
	"github.com/stratumhq/stratum/pkg/metrics"
)

// DefaultGraceWindow is how long a rotated session keeps validating while
// the new token propagates to clients.
const DefaultGraceWindow = 5 * time.Minute

// nearExpiryWindow treats a rotated session as disposable slightly before
// its grace actually elapses, so bulk invalidation does not race the TTL
// sweep.
const nearExpiryWindow = 30 * time.Second

// Identity is the result of a successful validation: the joined user
// document plus the session, with rotation metadata stripped.
type Identity struct {
	User    repository.Document
	Session *Session
}

// Manager drives the session state machine: Active -> Rotated(grace) ->
// Expired/Deleted. It reuses the generic repository for persistence and
// never implements a read-modify-write across two round trips where a
// single bulk call can be atomic.
type Manager struct {
	sessions repository.Repository
	users    repository.Repository
	log      logger.Logger

	graceWindow time.Duration
	secret      []byte
	now         func() time.Time
}

type Options struct {
	Sessions    repository.Repository
	Users       repository.Repository
	Logger      logger.Logger
	GraceWindow time.Duration
	// Secret signs session token payloads (HS256).
	Secret string
	// Now overrides the clock in tests.
	Now func() time.Time
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		sessions:    opts.Sessions,
		users:       opts.Users,
		log:         opts.Logger,
		graceWindow: opts.GraceWindow,
		secret:      []byte(opts.Secret),
		now:         opts.Now,
	}
}

// CreateOptions tunes session creation.
type CreateOptions struct {
	UserID    string
	TenantID  string
	ExpiresAt time.Time
	// KeepExisting leaves the user's other active sessions alone.
	KeepExisting bool
}

// CreateSession creates a session and, by default, invalidates the user's
// other active sessions first. The delete and insert travel in one ordered
// bulk write so no interleaving request can observe the gap between them.
func (m *Manager) CreateSession(ctx context.Context, userID string, expiresAt time.Time, tenantID string) (*Session, error) {
	return m.CreateSessionWithOptions(ctx, CreateOptions{UserID: userID, TenantID: tenantID, ExpiresAt: expiresAt})
}

func (m *Manager) CreateSessionWithOptions(ctx context.Context, opts CreateOptions) (*Session, error) {
	if opts.UserID == "" {
		return nil, dberr.New(dberr.CodeValidation, "session requires a user id")
	}
	if !opts.ExpiresAt.After(m.now()) {
		return nil, dberr.New(dberr.CodeValidation, "session expiry must be in the future")
	}
	id, err := util.NewSessionID()
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeInsert, "generate session id", err)
	}
	s := &Session{
		ID:        id,
		UserID:    opts.UserID,
		TenantID:  opts.TenantID,
		ExpiresAt: opts.ExpiresAt.UTC(),
	}

	if opts.KeepExisting {
		doc, err := m.sessions.Insert(ctx, s.document())
		if err != nil {
			return nil, err
		}
		return fromDocument(doc), nil
	}

	// One bulk call: drop the user's active sessions, insert the new one.
	// Ordered, so the delete cannot swallow the fresh session.
	ops := []repository.BulkOp{
		{Kind: repository.BulkDelete, Filter: m.activeFilter(opts.UserID, opts.TenantID)},
		{Kind: repository.BulkInsert, Document: s.document()},
	}
	res, err := m.sessions.BulkWrite(ctx, ops, true)
	if err != nil {
		return nil, err
	}
	for _, opErr := range res.OpErrors {
		return nil, opErr
	}
	return m.getSession(ctx, id)
}

// activeFilter matches sessions that still authenticate requests:
// non-rotated ones, plus rotated ones whose grace is (nearly) over.
func (m *Manager) activeFilter(userID, tenantID string) repository.Filter {
	f := repository.Filter{
		fieldUserID: userID,
		"$or": []map[string]any{
			{fieldRotated: false},
			{fieldRotated: true, fieldExpiresAt: map[string]any{"$lte": m.now().Add(nearExpiryWindow).UTC()}},
		},
	}
	if tenantID != "" {
		f[repository.FieldTenantID] = tenantID
	}
	return f
}

func (m *Manager) getSession(ctx context.Context, id string) (*Session, error) {
	doc, err := m.sessions.FindOne(ctx, repository.Filter{repository.FieldID: id}, nil)
	if err != nil {
		if dberr.IsNotFound(err) {
			return nil, dberr.New(dberr.CodeSessionNotFound, "session not found")
		}
		return nil, err
	}
	return fromDocument(doc), nil
}

// RotateToken supersedes oldID with a brand-new session id. The old
// session stays valid for the grace window, so in-flight callers keep
// working while the new token propagates. Update and insert travel in one
// ordered bulk write.
func (m *Manager) RotateToken(ctx context.Context, oldID string, newExpiresAt time.Time) (string, error) {
	if !util.ValidSessionID(oldID) {
		return "", dberr.New(dberr.CodeSessionInvalid, "malformed session id")
	}
	old, err := m.getSession(ctx, oldID)
	if err != nil {
		return "", err
	}
	now := m.now()
	if !now.Before(old.ExpiresAt) {
		return "", dberr.New(dberr.CodeSessionExpired, "cannot rotate an expired session")
	}
	newID, err := util.NewSessionID()
	if err != nil {
		return "", dberr.Wrap(dberr.CodeInsert, "generate session id", err)
	}
	next := &Session{
		ID:        newID,
		UserID:    old.UserID,
		TenantID:  old.TenantID,
		ExpiresAt: newExpiresAt.UTC(),
	}
	graceEnd := now.Add(m.graceWindow).UTC()
	if old.Rotated && old.ExpiresAt.Before(graceEnd) {
		// a session already in grace keeps its original grace expiry
		graceEnd = old.ExpiresAt
	}
	ops := []repository.BulkOp{
		{
			Kind:   repository.BulkUpdate,
			Filter: repository.Filter{repository.FieldID: oldID},
			Document: repository.Document{
				fieldRotated:   true,
				fieldRotatedTo: newID,
				fieldExpiresAt: graceEnd,
			},
		},
		{Kind: repository.BulkInsert, Document: next.document()},
	}
	res, err := m.sessions.BulkWrite(ctx, ops, true)
	if err != nil {
		return "", err
	}
	for _, opErr := range res.OpErrors {
		return "", opErr
	}
	metrics.SessionRotations.Inc()
	return newID, nil
}

// ValidateSession fails closed: malformed ids are rejected before any
// store access. A rotated session still validates during its grace window;
// rotation metadata never reaches the caller.
func (m *Manager) ValidateSession(ctx context.Context, id string) (*Identity, error) {
	if !util.ValidSessionID(id) {
		return nil, dberr.New(dberr.CodeSessionInvalid, "malformed session id")
	}
	s, err := m.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	// eager expiry check: the TTL sweep is lazy and must not be load-bearing
	if !m.now().Before(s.ExpiresAt) {
		return nil, dberr.New(dberr.CodeSessionExpired, "session expired")
	}
	user, err := m.users.FindOne(ctx, repository.Filter{repository.FieldID: s.UserID}, nil)
	if err != nil {
		if dberr.IsNotFound(err) {
			return nil, dberr.New(dberr.CodeSessionNotFound, "session user no longer exists")
		}
		return nil, err
	}
	return &Identity{User: user, Session: s.stripRotation()}, nil
}

// UpdateSessionExpiry moves a session's expiry without touching rotation
// state.
func (m *Manager) UpdateSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	if !util.ValidSessionID(id) {
		return dberr.New(dberr.CodeSessionInvalid, "malformed session id")
	}
	_, err := m.sessions.Update(ctx, repository.Filter{repository.FieldID: id},
		repository.Document{fieldExpiresAt: expiresAt.UTC()})
	if err != nil && dberr.IsNotFound(err) {
		return dberr.New(dberr.CodeSessionNotFound, "session not found")
	}
	return err
}

// DeleteSession removes one session.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	if !util.ValidSessionID(id) {
		return dberr.New(dberr.CodeSessionInvalid, "malformed session id")
	}
	err := m.sessions.Delete(ctx, repository.Filter{repository.FieldID: id})
	if err != nil && dberr.IsNotFound(err) {
		return dberr.New(dberr.CodeSessionNotFound, "session not found")
	}
	return err
}

// DeleteExpiredSessions is the eager companion to the TTL index.
func (m *Manager) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := m.sessions.DeleteMany(ctx, repository.Filter{
		fieldExpiresAt: map[string]any{"$lte": m.now().UTC()},
	})
	if err != nil {
		return 0, err
	}
	return res.Deleted, nil
}

// InvalidateAllUserSessions bulk-deletes the user's active sessions,
// scoped by tenant when provided.
func (m *Manager) InvalidateAllUserSessions(ctx context.Context, userID, tenantID string) (int64, error) {
	res, err := m.sessions.DeleteMany(ctx, m.activeFilter(userID, tenantID))
	if err != nil {
		return 0, err
	}
	return res.Deleted, nil
}

// GetActiveSessions lists a user's unexpired sessions.
func (m *Manager) GetActiveSessions(ctx context.Context, userID, tenantID string) ([]*Session, error) {
	f := repository.Filter{
		fieldUserID:    userID,
		fieldExpiresAt: map[string]any{"$gt": m.now().UTC()},
	}
	if tenantID != "" {
		f[repository.FieldTenantID] = tenantID
	}
	return m.list(ctx, f)
}

// GetAllActiveSessions lists every unexpired session, optionally scoped to
// a tenant.
func (m *Manager) GetAllActiveSessions(ctx context.Context, tenantID string) ([]*Session, error) {
	f := repository.Filter{
		fieldExpiresAt: map[string]any{"$gt": m.now().UTC()},
	}
	if tenantID != "" {
		f[repository.FieldTenantID] = tenantID
	}
	return m.list(ctx, f)
}

func (m *Manager) list(ctx context.Context, f repository.Filter) ([]*Session, error) {
	docs, err := m.sessions.FindMany(ctx, f, &repository.FindOptions{
		Sort: []repository.SortField{{Field: fieldExpiresAt, Desc: true}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Session, len(docs))
	for i, d := range docs {
		out[i] = fromDocument(d)
	}
	return out, nil
}

// GetSessionTokenData returns a signed token carrying the session's
// identity claims, for handing to transports that want a self-describing
// credential.
func (m *Manager) GetSessionTokenData(ctx context.Context, id string) (string, error) {
	if !util.ValidSessionID(id) {
		return "", dberr.New(dberr.CodeSessionInvalid, "malformed session id")
	}
	s, err := m.getSession(ctx, id)
	if err != nil {
		return "", err
	}
	claims := jwt.MapClaims{
		"sid": s.ID,
		"sub": s.UserID,
		"iat": m.now().Unix(),
		"exp": s.ExpiresAt.Unix(),
	}
	if s.TenantID != "" {
		claims["tid"] = s.TenantID
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", dberr.Wrap(dberr.CodeTokenSign, "sign session token", err)
	}
	return signed, nil
}

// CleanupRotatedSessions removes rotated sessions whose grace window has
// elapsed (or nearly so). Failures here are non-critical; callers log and
// move on.
func (m *Manager) CleanupRotatedSessions(ctx context.Context) (int64, error) {
	res, err := m.sessions.DeleteMany(ctx, repository.Filter{
		fieldRotated:   true,
		fieldExpiresAt: map[string]any{"$lte": m.now().Add(nearExpiryWindow).UTC()},
	})
	if err != nil {
		return 0, err
	}
	return res.Deleted, nil
}
