package repository

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Reserved field names owned by the repository. Callers never set these;
// the repository assigns them on the write path.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldTenantID  = "tenantId"
)

// Document is an opaque field map. Every persisted document carries a
// generated string id and createdAt/updatedAt timestamps.
type Document map[string]any

// ID returns the canonical string id, or "" when unset.
func (d Document) ID() string {
	s, _ := d[FieldID].(string)
	return s
}

// TenantID returns the document's tenant scope, or "" for unscoped.
func (d Document) TenantID() string {
	s, _ := d[FieldTenantID].(string)
	return s
}

// CreatedAt returns the creation timestamp, or the zero time when unset.
func (d Document) CreatedAt() time.Time {
	t, _ := d[FieldCreatedAt].(time.Time)
	return t
}

// UpdatedAt returns the last-update timestamp, or the zero time when unset.
func (d Document) UpdatedAt() time.Time {
	t, _ := d[FieldUpdatedAt].(time.Time)
	return t
}

// Clone returns a shallow-plus-one-level copy: nested maps and slices are
// copied one level deep, which is enough to keep stored state isolated from
// caller mutation of top-level fields.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		switch t := v.(type) {
		case Document:
			out[k] = t.Clone()
		case map[string]any:
			out[k] = Document(t).Clone()
		case []any:
			cp := make([]any, len(t))
			copy(cp, t)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// Normalize rewrites store-native value types into their canonical forms:
// ObjectIDs become hex strings, BSON datetimes become UTC time.Time, and
// nested maps/arrays are normalized recursively. The store's native "_id"
// is dropped; the generated "id" field is the only identity exposed.
func (d Document) Normalize() Document {
	delete(d, "_id")
	for k, v := range d {
		d[k] = normalizeValue(v)
	}
	return d
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	case primitive.M:
		m := make(Document, len(t))
		for k, vv := range t {
			m[k] = normalizeValue(vv)
		}
		return m
	case map[string]any:
		m := make(Document, len(t))
		for k, vv := range t {
			m[k] = normalizeValue(vv)
		}
		return m
	case Document:
		for k, vv := range t {
			t[k] = normalizeValue(vv)
		}
		return t
	case primitive.A:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeValue(vv)
		}
		return out
	case []any:
		for i, vv := range t {
			t[i] = normalizeValue(vv)
		}
		return t
	default:
		return v
	}
}
