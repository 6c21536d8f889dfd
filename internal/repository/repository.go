package repository

import (
	"context"
	"time"
)

// Filter selects documents by field equality or by operator maps, e.g.
// {"status": "live"} or {"order": map[string]any{"$gte": 3}}. Supported
// operators: $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin, $exists, $regex.
type Filter map[string]any

// SortField is one clause of a sort specification. Clauses are applied in
// declaration order, so later clauses break ties left by earlier ones.
type SortField struct {
	Field string
	Desc  bool
}

// FindOptions tunes a read. Fields and ExcludeFields are mutually
// exclusive projection lists.
type FindOptions struct {
	Sort          []SortField
	Skip          int64
	Limit         int64
	Fields        []string
	ExcludeFields []string
	Hint          string
	MaxTime       time.Duration
	BatchSize     int32
}

// UpdateResult reports how many documents an update/delete touched.
type UpdateResult struct {
	Matched  int64
	Modified int64
	Upserted int64
	Deleted  int64
}

// BulkOpKind discriminates BulkOp.
type BulkOpKind int

const (
	BulkInsert BulkOpKind = iota
	BulkUpdate
	BulkDelete
	BulkUpsert
)

func (k BulkOpKind) String() string {
	switch k {
	case BulkInsert:
		return "insert"
	case BulkUpdate:
		return "update"
	case BulkDelete:
		return "delete"
	case BulkUpsert:
		return "upsert"
	}
	return "unknown"
}

// BulkOp is one mutation inside a bulk write. Insert uses Document only;
// Update and Upsert use Filter plus Document ($set payload); Delete uses
// Filter only.
type BulkOp struct {
	Kind     BulkOpKind
	Filter   Filter
	Document Document
}

// BulkResult reports a bulk write. OpErrors maps the index of each failed
// operation (in the submitted slice) to its error; operations absent from
// the map succeeded.
type BulkResult struct {
	Inserted int64
	Matched  int64
	Modified int64
	Upserted int64
	Deleted  int64
	OpErrors map[int]error
}

// Stream is a lazy, finite, forward-only sequence of documents.
type Stream interface {
	// Next advances the stream; it returns false at the end or on error.
	Next(ctx context.Context) bool
	// Value returns the current normalized document.
	Value() Document
	// Err returns the terminal error, if any.
	Err() error
	// Close releases the underlying cursor.
	Close(ctx context.Context) error
}

// Repository is the capability interface over one logical collection, with
// one implementation per backing engine. The repository owns id and
// timestamp assignment on every write; all returned documents have ids and
// dates in canonical form. Every failure is a *dberr.DatabaseError.
type Repository interface {
	Name() string

	FindOne(ctx context.Context, filter Filter, opts *FindOptions) (Document, error)
	FindByID(ctx context.Context, id string) (Document, error)
	FindByIDs(ctx context.Context, ids []string) ([]Document, error)
	FindMany(ctx context.Context, filter Filter, opts *FindOptions) ([]Document, error)
	Stream(ctx context.Context, filter Filter, opts *FindOptions) (Stream, error)

	Insert(ctx context.Context, doc Document) (Document, error)
	InsertMany(ctx context.Context, docs []Document) ([]Document, error)
	Update(ctx context.Context, filter Filter, set Document) (Document, error)
	UpdateMany(ctx context.Context, filter Filter, set Document) (*UpdateResult, error)
	Upsert(ctx context.Context, filter Filter, doc Document) (Document, error)
	// UpsertMany issues one unordered bulk write; it never loops upserts.
	UpsertMany(ctx context.Context, ops []BulkOp) (*BulkResult, error)
	Delete(ctx context.Context, filter Filter) error
	DeleteMany(ctx context.Context, filter Filter) (*UpdateResult, error)

	Count(ctx context.Context, filter Filter) (int64, error)
	Exists(ctx context.Context, filter Filter) (bool, error)
	Aggregate(ctx context.Context, pipeline []map[string]any) ([]Document, error)
	Distinct(ctx context.Context, field string, filter Filter) ([]any, error)

	// BulkWrite executes ops in one round trip. Unordered unless ordered is
	// set; per-op failures land in BulkResult.OpErrors without aborting
	// siblings (in unordered mode).
	BulkWrite(ctx context.Context, ops []BulkOp, ordered bool) (*BulkResult, error)
}

// Transactional is implemented by engines that support multi-document
// transactions. fn runs inside the transaction: objects are committed when
// fn returns nil and fully rolled back when it returns an error.
type Transactional interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
