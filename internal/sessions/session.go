package sessions

import (
	"time"

	"github.com/stratumhq/stratum/internal/repository"
)

// Session field names inside the sessions collection.
const (
	fieldUserID    = "userId"
	fieldExpiresAt = "expiresAt"
	fieldRotated   = "rotated"
	fieldRotatedTo = "rotatedTo"
)

// Session is one authentication session. A non-rotated session is
// authoritative; a rotated one stays valid only until ExpiresAt, which
// rotation resets to now + grace window.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	TenantID  string    `json:"tenantId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
	Rotated   bool      `json:"rotated"`
	RotatedTo string    `json:"rotatedTo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func fromDocument(d repository.Document) *Session {
	s := &Session{
		ID:        d.ID(),
		TenantID:  d.TenantID(),
		CreatedAt: d.CreatedAt(),
		UpdatedAt: d.UpdatedAt(),
	}
	s.UserID, _ = d[fieldUserID].(string)
	s.ExpiresAt, _ = d[fieldExpiresAt].(time.Time)
	s.Rotated, _ = d[fieldRotated].(bool)
	s.RotatedTo, _ = d[fieldRotatedTo].(string)
	return s
}

func (s *Session) document() repository.Document {
	d := repository.Document{
		repository.FieldID: s.ID,
		fieldUserID:        s.UserID,
		fieldExpiresAt:     s.ExpiresAt,
		fieldRotated:       s.Rotated,
	}
	if s.TenantID != "" {
		d[repository.FieldTenantID] = s.TenantID
	}
	if s.RotatedTo != "" {
		d[fieldRotatedTo] = s.RotatedTo
	}
	return d
}

// stripRotation zeroes rotation bookkeeping before a session leaves the
// validation path.
func (s *Session) stripRotation() *Session {
	cp := *s
	cp.Rotated = false
	cp.RotatedTo = ""
	return &cp
}
