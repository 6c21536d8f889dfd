package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum/internal/dberr"
	"github.com/stratumhq/stratum/internal/repository"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	engine := repository.NewMemoryEngine()
	users := engine.Repository("users")
	_, err := users.Insert(context.Background(), repository.Document{
		repository.FieldID: "user-1",
		"email":            "ada@example.com",
	})
	require.NoError(t, err)

	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(Options{
		Sessions: engine.Repository("sessions"),
		Users:    users,
		Secret:   "test-secret",
		Now:      clk.now,
	})
	return m, clk
}

func TestCreateAndValidate(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "user-1", clk.t.Add(time.Hour), "acme")
	require.NoError(t, err)
	require.Len(t, s.ID, 64)
	require.Equal(t, "acme", s.TenantID)

	id, err := m.ValidateSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", id.User["email"])
	require.Equal(t, s.ID, id.Session.ID)
}

func TestCreateRejectsPastExpiry(t *testing.T) {
	m, clk := newManager(t)
	_, err := m.CreateSession(context.Background(), "user-1", clk.t.Add(-time.Minute), "")
	require.Equal(t, dberr.CodeValidation, dberr.CodeOf(err))
}

func TestCreateInvalidatesSiblingSessions(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	first, err := m.CreateSession(ctx, "user-1", clk.t.Add(time.Hour), "")
	require.NoError(t, err)
	second, err := m.CreateSession(ctx, "user-1", clk.t.Add(time.Hour), "")
	require.NoError(t, err)

	_, err = m.ValidateSession(ctx, first.ID)
	require.Equal(t, dberr.CodeSessionNotFound, dberr.CodeOf(err))
	_, err = m.ValidateSession(ctx, second.ID)
	require.NoError(t, err)
}

func TestKeepExistingLeavesSiblingsAlone(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	first, err := m.CreateSession(ctx, "user-1", clk.t.Add(time.Hour), "")
	require.NoError(t, err)
	_, err = m.CreateSessionWithOptions(ctx, CreateOptions{
		UserID:       "user-1",
		ExpiresAt:    clk.t.Add(time.Hour),
		KeepExisting: true,
	})
	require.NoError(t, err)

	_, err = m.ValidateSession(ctx, first.ID)
	require.NoError(t, err)

	active, err := m.GetActiveSessions(ctx, "user-1", "")
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func TestValidateFailsClosed(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	for _, id := range []string{"", "short", "zz" + string(make([]byte, 62))} {
		_, err := m.ValidateSession(ctx, id)
		require.Equal(t, dberr.CodeSessionInvalid, dberr.CodeOf(err), "id %q", id)
	}

	// well-formed but unknown
	unknown := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	_, err := m.ValidateSession(ctx, unknown)
	require.Equal(t, dberr.CodeSessionNotFound, dberr.CodeOf(err))
}

func TestValidateEagerExpiry(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "user-1", clk.t.Add(time.Minute), "")
	require.NoError(t, err)

	clk.advance(time.Minute)
	_, err = m.ValidateSession(ctx, s.ID)
	require.Equal(t, dberr.CodeSessionExpired, dberr.CodeOf(err),
		"expiry must not wait for the TTL sweep")
}

func TestRotateGraceWindow(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	old, err := m.CreateSession(ctx, "user-1", clk.t.Add(time.Hour), "acme")
	require.NoError(t, err)

	newID, err := m.RotateToken(ctx, old.ID, clk.t.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotEqual(t, old.ID, newID)

	// inside the grace window both tokens validate
	clk.advance(DefaultGraceWindow - time.Second)
	identity, err := m.ValidateSession(ctx, old.ID)
	require.NoError(t, err)
	require.False(t, identity.Session.Rotated, "rotation metadata stays internal")
	require.Empty(t, identity.Session.RotatedTo)

	_, err = m.ValidateSession(ctx, newID)
	require.NoError(t, err)

	// at the window boundary the old token is dead, the new one lives on
	clk.advance(time.Second)
	_, err = m.ValidateSession(ctx, old.ID)
	require.Equal(t, dberr.CodeSessionExpired, dberr.CodeOf(err))
	_, err = m.ValidateSession(ctx, newID)
	require.NoError(t, err)
}

func TestRotationNeverStrandsValidation(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	old, err := m.CreateSession(ctx, "user-1", clk.t.Add(time.Hour), "")
	require.NoError(t, err)

	// validate the old token continuously while rotation races it; the
	// grace window means validation must succeed at every interleaving
	type rotation struct {
		id  string
		err error
	}
	done := make(chan rotation, 1)
	go func() {
		id, err := m.RotateToken(ctx, old.ID, clk.t.Add(2*time.Hour))
		done <- rotation{id: id, err: err}
	}()

	var rot rotation
	for finished := false; !finished; {
		if _, err := m.ValidateSession(ctx, old.ID); err != nil {
			t.Fatalf("old token rejected mid-rotation: %v", err)
		}
		select {
		case rot = <-done:
			finished = true
		default:
		}
	}
	require.NoError(t, rot.err)

	_, err = m.ValidateSession(ctx, old.ID)
	require.NoError(t, err, "old token stays valid through its grace window")
	_, err = m.ValidateSession(ctx, rot.id)
	require.NoError(t, err, "new token is valid the moment rotation returns")
}

func TestRotateExpiredSession(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "user-1", clk.t.Add(time.Minute), "")
	require.NoError(t, err)

	clk.advance(2 * time.Minute)
	_, err = m.RotateToken(ctx, s.ID, clk.t.Add(time.Hour))
	require.Equal(t, dberr.CodeSessionExpired, dberr.CodeOf(err))
}

func TestRotateUnknownAndMalformed(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	_, err := m.RotateToken(ctx, "nonsense", clk.t.Add(time.Hour))
	require.Equal(t, dberr.CodeSessionInvalid, dberr.CodeOf(err))

	unknown := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	_, err = m.RotateToken(ctx, unknown, clk.t.Add(time.Hour))
	require.Equal(t, dberr.CodeSessionNotFound, dberr.CodeOf(err))
}

func TestReRotationKeepsOriginalGrace(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	old, err := m.CreateSession(ctx, "user-1", clk.t.Add(time.Hour), "")
	require.NoError(t, err)
	_, err = m.RotateToken(ctx, old.ID, clk.t.Add(time.Hour))
	require.NoError(t, err)

	// rotating the already-rotated session must not extend its grace
	clk.advance(time.Minute)
	_, err = m.RotateToken(ctx, old.ID, clk.t.Add(time.Hour))
	require.NoError(t, err)

	clk.advance(DefaultGraceWindow - time.Minute)
	_, err = m.ValidateSession(ctx, old.ID)
	require.Equal(t, dberr.CodeSessionExpired, dberr.CodeOf(err))
}

func TestUpdateSessionExpiry(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "user-1", clk.t.Add(time.Minute), "")
	require.NoError(t, err)
	require.NoError(t, m.UpdateSessionExpiry(ctx, s.ID, clk.t.Add(time.Hour)))

	clk.advance(30 * time.Minute)
	_, err = m.ValidateSession(ctx, s.ID)
	require.NoError(t, err)
}

func TestDeleteSession(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "user-1", clk.t.Add(time.Hour), "")
	require.NoError(t, err)
	require.NoError(t, m.DeleteSession(ctx, s.ID))
	require.Equal(t, dberr.CodeSessionNotFound, dberr.CodeOf(m.DeleteSession(ctx, s.ID)))
}

func TestDeleteExpiredSessions(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	_, err := m.CreateSessionWithOptions(ctx, CreateOptions{
		UserID: "user-1", ExpiresAt: clk.t.Add(time.Minute), KeepExisting: true,
	})
	require.NoError(t, err)
	_, err = m.CreateSessionWithOptions(ctx, CreateOptions{
		UserID: "user-1", ExpiresAt: clk.t.Add(time.Hour), KeepExisting: true,
	})
	require.NoError(t, err)

	clk.advance(2 * time.Minute)
	n, err := m.DeleteExpiredSessions(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestInvalidateAllUserSessionsScopedByTenant(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	_, err := m.CreateSessionWithOptions(ctx, CreateOptions{
		UserID: "user-1", TenantID: "acme", ExpiresAt: clk.t.Add(time.Hour), KeepExisting: true,
	})
	require.NoError(t, err)
	globex, err := m.CreateSessionWithOptions(ctx, CreateOptions{
		UserID: "user-1", TenantID: "globex", ExpiresAt: clk.t.Add(time.Hour), KeepExisting: true,
	})
	require.NoError(t, err)

	n, err := m.InvalidateAllUserSessions(ctx, "user-1", "acme")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = m.ValidateSession(ctx, globex.ID)
	require.NoError(t, err)
}

func TestCleanupRotatedSessions(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	old, err := m.CreateSession(ctx, "user-1", clk.t.Add(time.Hour), "")
	require.NoError(t, err)
	newID, err := m.RotateToken(ctx, old.ID, clk.t.Add(time.Hour))
	require.NoError(t, err)

	// not yet near the end of grace: nothing to collect
	n, err := m.CleanupRotatedSessions(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.advance(DefaultGraceWindow - 30*time.Second)
	n, err = m.CleanupRotatedSessions(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = m.ValidateSession(ctx, newID)
	require.NoError(t, err)
}

func TestSessionTokenData(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "user-1", clk.t.Add(time.Hour), "acme")
	require.NoError(t, err)

	signed, err := m.GetSessionTokenData(ctx, s.ID)
	require.NoError(t, err)

	tok, err := jwt.Parse(signed, func(*jwt.Token) (any, error) {
		return []byte("test-secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	claims, ok := tok.Claims.(jwt.MapClaims)
	require.True(t, ok)
	require.Equal(t, s.ID, claims["sid"])
	require.Equal(t, "user-1", claims["sub"])
	require.Equal(t, "acme", claims["tid"])
	require.EqualValues(t, s.ExpiresAt.Unix(), claims["exp"])
}
