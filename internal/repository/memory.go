package repository

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stratumhq/stratum/internal/dberr"
)

// MemoryEngine is an in-process backing engine used by unit tests and local
// development. It honors the same contract as the Mongo engine: repository-
// owned id/timestamp assignment, operator filters, stable multi-field sort,
// unordered bulk semantics, and snapshot-rollback transactions.
type MemoryEngine struct {
	mu    sync.RWMutex
	txnMu sync.Mutex
	cols  map[string]*memCollection
}

type memCollection struct {
	docs  map[string]Document
	order []string // insertion order of ids
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{cols: map[string]*memCollection{}}
}

func (e *MemoryEngine) collection(name string) *memCollection {
	c, ok := e.cols[name]
	if !ok {
		c = &memCollection{docs: map[string]Document{}}
		e.cols[name] = c
	}
	return c
}

// Repository returns the engine's repository for the named collection.
func (e *MemoryEngine) Repository(name string) *MemoryRepository {
	return &MemoryRepository{engine: e, name: name}
}

// WithTransaction serializes transactions and rolls the whole engine back
// to its pre-transaction snapshot when fn fails.
func (e *MemoryEngine) WithTransaction(_ context.Context, fn func(ctx context.Context) error) error {
	e.txnMu.Lock()
	defer e.txnMu.Unlock()

	e.mu.Lock()
	snapshot := make(map[string]*memCollection, len(e.cols))
	for name, c := range e.cols {
		cp := &memCollection{docs: make(map[string]Document, len(c.docs)), order: append([]string(nil), c.order...)}
		for id, d := range c.docs {
			cp.docs[id] = d.Clone()
		}
		snapshot[name] = cp
	}
	e.mu.Unlock()

	if err := fn(context.Background()); err != nil {
		e.mu.Lock()
		e.cols = snapshot
		e.mu.Unlock()
		return err
	}
	return nil
}

// MemoryRepository implements Repository over one MemoryEngine collection.
type MemoryRepository struct {
	engine *MemoryEngine
	name   string
}

func (m *MemoryRepository) Name() string { return m.name }

func (m *MemoryRepository) matches(filter Filter) []Document {
	c := m.engine.collection(m.name)
	out := []Document{}
	for _, id := range c.order {
		d, ok := c.docs[id]
		if !ok {
			continue
		}
		if matchDoc(d, filter) {
			out = append(out, d)
		}
	}
	return out
}

func matchDoc(d Document, filter Filter) bool {
	for field, cond := range filter {
		if field == "$or" {
			if !matchOr(d, cond) {
				return false
			}
			continue
		}
		val, has := lookupField(d, field)
		if ops, ok := condOps(cond); ok {
			if !matchOps(val, has, ops) {
				return false
			}
			continue
		}
		if !has || !valuesEqual(val, cond) {
			return false
		}
	}
	return true
}

func matchOr(d Document, cond any) bool {
	branches, ok := cond.([]map[string]any)
	if !ok {
		if anyBranches, isAny := cond.([]any); isAny {
			for _, b := range anyBranches {
				if bm, bok := asMap(b); bok && matchDoc(d, Filter(bm)) {
					return true
				}
			}
			return false
		}
		return false
	}
	for _, b := range branches {
		if matchDoc(d, Filter(b)) {
			return true
		}
	}
	return false
}

func lookupField(d Document, field string) (any, bool) {
	if !strings.Contains(field, ".") {
		v, ok := d[field]
		return v, ok
	}
	parts := strings.Split(field, ".")
	var cur any = map[string]any(d)
	for _, p := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case Document:
		return t, true
	case map[string]any:
		return t, true
	}
	return nil, false
}

func condOps(cond any) (map[string]any, bool) {
	m, ok := asMap(cond)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func matchOps(val any, has bool, ops map[string]any) bool {
	for op, arg := range ops {
		switch op {
		case "$eq":
			if !has || !valuesEqual(val, arg) {
				return false
			}
		case "$ne":
			if has && valuesEqual(val, arg) {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !has {
				return false
			}
			cmp, ok := compareValues(val, arg)
			if !ok {
				return false
			}
			switch op {
			case "$gt":
				if cmp <= 0 {
					return false
				}
			case "$gte":
				if cmp < 0 {
					return false
				}
			case "$lt":
				if cmp >= 0 {
					return false
				}
			case "$lte":
				if cmp > 0 {
					return false
				}
			}
		case "$in":
			if !has || !inList(val, arg) {
				return false
			}
		case "$nin":
			if has && inList(val, arg) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if has != want {
				return false
			}
		case "$regex":
			pat, _ := arg.(string)
			s, isStr := val.(string)
			if !has || !isStr {
				return false
			}
			re, err := regexp.Compile(pat)
			if err != nil || !re.MatchString(s) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func inList(val, arg any) bool {
	switch list := arg.(type) {
	case []any:
		for _, item := range list {
			if valuesEqual(val, item) {
				return true
			}
		}
	case []string:
		for _, item := range list {
			if valuesEqual(val, item) {
				return true
			}
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	return a == b
}

func compareValues(a, b any) (int, bool) {
	if af, ok := numeric(a); ok {
		bf, ok2 := numeric(b)
		if !ok2 {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	switch at := a.(type) {
	case string:
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(at, bs), true
	case time.Time:
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		}
		return 0, true
	case bool:
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case at == bb:
			return 0, true
		case !at:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

func applySortSkipLimit(docs []Document, opts *FindOptions) []Document {
	if opts == nil {
		return docs
	}
	if len(opts.Sort) > 0 {
		sort.SliceStable(docs, func(i, j int) bool {
			for _, s := range opts.Sort {
				vi, _ := lookupField(docs[i], s.Field)
				vj, _ := lookupField(docs[j], s.Field)
				cmp, ok := compareValues(vi, vj)
				if !ok || cmp == 0 {
					continue
				}
				if s.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}
	if opts.Skip > 0 {
		if opts.Skip >= int64(len(docs)) {
			return []Document{}
		}
		docs = docs[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < int64(len(docs)) {
		docs = docs[:opts.Limit]
	}
	return docs
}

func applyProjection(doc Document, opts *FindOptions) Document {
	if opts == nil || (len(opts.Fields) == 0 && len(opts.ExcludeFields) == 0) {
		return doc.Clone()
	}
	out := Document{}
	if len(opts.Fields) > 0 {
		// id always rides along, mirroring the store's projection behavior
		for _, f := range append([]string{FieldID}, opts.Fields...) {
			if v, ok := doc[f]; ok {
				out[f] = v
			}
		}
		return out
	}
	excluded := map[string]bool{}
	for _, f := range opts.ExcludeFields {
		excluded[f] = true
	}
	for k, v := range doc {
		if !excluded[k] {
			out[k] = v
		}
	}
	return out
}

func (m *MemoryRepository) FindOne(ctx context.Context, filter Filter, opts *FindOptions) (Document, error) {
	m.engine.mu.RLock()
	defer m.engine.mu.RUnlock()
	docs := applySortSkipLimit(m.matches(filter), opts)
	if len(docs) == 0 {
		return nil, dberr.New(dberr.CodeNotFound, "document not found")
	}
	return applyProjection(docs[0], opts), nil
}

func (m *MemoryRepository) FindByID(ctx context.Context, id string) (Document, error) {
	if id == "" {
		return nil, dberr.New(dberr.CodeValidation, "empty document id")
	}
	return m.FindOne(ctx, Filter{FieldID: id}, nil)
}

func (m *MemoryRepository) FindByIDs(ctx context.Context, ids []string) ([]Document, error) {
	if len(ids) == 0 {
		return []Document{}, nil
	}
	return m.FindMany(ctx, Filter{FieldID: map[string]any{"$in": ids}}, nil)
}

func (m *MemoryRepository) FindMany(ctx context.Context, filter Filter, opts *FindOptions) ([]Document, error) {
	if opts != nil && len(opts.Fields) > 0 && len(opts.ExcludeFields) > 0 {
		return nil, dberr.New(dberr.CodeValidation, "projection cannot both include and exclude fields")
	}
	m.engine.mu.RLock()
	defer m.engine.mu.RUnlock()
	docs := applySortSkipLimit(m.matches(filter), opts)
	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = applyProjection(d, opts)
	}
	return out, nil
}

func (m *MemoryRepository) Stream(ctx context.Context, filter Filter, opts *FindOptions) (Stream, error) {
	docs, err := m.FindMany(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return &sliceStream{docs: docs, pos: -1}, nil
}

type sliceStream struct {
	docs []Document
	pos  int
}

func (s *sliceStream) Next(context.Context) bool {
	s.pos++
	return s.pos < len(s.docs)
}
func (s *sliceStream) Value() Document             { return s.docs[s.pos] }
func (s *sliceStream) Err() error                  { return nil }
func (s *sliceStream) Close(context.Context) error { return nil }

func (m *MemoryRepository) insertLocked(doc Document) (Document, error) {
	c := m.engine.collection(m.name)
	stamped := stampInsert(doc)
	id := stamped.ID()
	if _, exists := c.docs[id]; exists {
		return nil, dberr.New(dberr.CodeDuplicateKey, "duplicate id "+id)
	}
	c.docs[id] = stamped
	c.order = append(c.order, id)
	return stamped.Clone(), nil
}

func (m *MemoryRepository) Insert(ctx context.Context, doc Document) (Document, error) {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	return m.insertLocked(doc)
}

func (m *MemoryRepository) InsertMany(ctx context.Context, docs []Document) ([]Document, error) {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		ins, err := m.insertLocked(d)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, nil
}

func (m *MemoryRepository) updateLocked(filter Filter, set Document) (Document, bool) {
	c := m.engine.collection(m.name)
	for _, id := range c.order {
		d, ok := c.docs[id]
		if !ok || !matchDoc(d, filter) {
			continue
		}
		payload := stripImmutable(set)
		for k, v := range payload {
			d[k] = v
		}
		d[FieldUpdatedAt] = time.Now().UTC()
		return d.Clone(), true
	}
	return nil, false
}

func (m *MemoryRepository) Update(ctx context.Context, filter Filter, set Document) (Document, error) {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	doc, ok := m.updateLocked(filter, set)
	if !ok {
		return nil, dberr.New(dberr.CodeNotFound, "no document matched update filter")
	}
	return doc, nil
}

func (m *MemoryRepository) UpdateMany(ctx context.Context, filter Filter, set Document) (*UpdateResult, error) {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	c := m.engine.collection(m.name)
	res := &UpdateResult{}
	for _, id := range c.order {
		d, ok := c.docs[id]
		if !ok || !matchDoc(d, filter) {
			continue
		}
		payload := stripImmutable(set)
		for k, v := range payload {
			d[k] = v
		}
		d[FieldUpdatedAt] = time.Now().UTC()
		res.Matched++
		res.Modified++
	}
	return res, nil
}

func (m *MemoryRepository) upsertLocked(filter Filter, doc Document) (Document, error) {
	if updated, ok := m.updateLocked(filter, doc); ok {
		return updated, nil
	}
	// insert path: seed the new document with the filter's equality fields
	// so the document actually matches the filter it was upserted by
	seed := Document{}
	for k, v := range filter {
		if _, isOps := condOps(v); !isOps {
			seed[k] = v
		}
	}
	for k, v := range stripImmutable(doc) {
		seed[k] = v
	}
	return m.insertLocked(seed)
}

func (m *MemoryRepository) Upsert(ctx context.Context, filter Filter, doc Document) (Document, error) {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	return m.upsertLocked(filter, doc)
}

func (m *MemoryRepository) UpsertMany(ctx context.Context, ops []BulkOp) (*BulkResult, error) {
	for i := range ops {
		ops[i].Kind = BulkUpsert
	}
	return m.BulkWrite(ctx, ops, false)
}

func (m *MemoryRepository) Delete(ctx context.Context, filter Filter) error {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	c := m.engine.collection(m.name)
	for i, id := range c.order {
		d, ok := c.docs[id]
		if !ok || !matchDoc(d, filter) {
			continue
		}
		delete(c.docs, id)
		c.order = append(c.order[:i], c.order[i+1:]...)
		return nil
	}
	return dberr.New(dberr.CodeNotFound, "no document matched delete filter")
}

func (m *MemoryRepository) deleteManyLocked(filter Filter) int64 {
	c := m.engine.collection(m.name)
	var deleted int64
	kept := c.order[:0]
	for _, id := range c.order {
		d, ok := c.docs[id]
		if ok && matchDoc(d, filter) {
			delete(c.docs, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return deleted
}

func (m *MemoryRepository) DeleteMany(ctx context.Context, filter Filter) (*UpdateResult, error) {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	return &UpdateResult{Deleted: m.deleteManyLocked(filter)}, nil
}

func (m *MemoryRepository) Count(ctx context.Context, filter Filter) (int64, error) {
	m.engine.mu.RLock()
	defer m.engine.mu.RUnlock()
	return int64(len(m.matches(filter))), nil
}

func (m *MemoryRepository) Exists(ctx context.Context, filter Filter) (bool, error) {
	n, err := m.Count(ctx, filter)
	return n > 0, err
}

// Aggregate supports the $match/$group subset the layer itself emits;
// richer pipelines belong to the Mongo engine.
func (m *MemoryRepository) Aggregate(ctx context.Context, pipeline []map[string]any) ([]Document, error) {
	docs, err := m.FindMany(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	for _, stage := range pipeline {
		if match, ok := stage["$match"]; ok {
			mf, _ := asMap(match)
			filtered := docs[:0]
			for _, d := range docs {
				if matchDoc(d, Filter(mf)) {
					filtered = append(filtered, d)
				}
			}
			docs = filtered
			continue
		}
		if group, ok := stage["$group"]; ok {
			gm, _ := asMap(group)
			keyExpr, _ := gm["_id"].(string)
			field := strings.TrimPrefix(keyExpr, "$")
			groups := map[any][]Document{}
			var keys []any
			for _, d := range docs {
				k, _ := lookupField(d, field)
				if _, seen := groups[k]; !seen {
					keys = append(keys, k)
				}
				groups[k] = append(groups[k], d)
			}
			out := []Document{}
			for _, k := range keys {
				out = append(out, Document{"_id": k, "count": int64(len(groups[k]))})
			}
			docs = out
			continue
		}
		return nil, dberr.New(dberr.CodeAggregate, "unsupported pipeline stage in memory engine")
	}
	return docs, nil
}

func (m *MemoryRepository) Distinct(ctx context.Context, field string, filter Filter) ([]any, error) {
	m.engine.mu.RLock()
	defer m.engine.mu.RUnlock()
	seen := map[any]bool{}
	out := []any{}
	for _, d := range m.matches(filter) {
		v, ok := lookupField(d, field)
		if !ok || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out, nil
}

func (m *MemoryRepository) BulkWrite(ctx context.Context, ops []BulkOp, ordered bool) (*BulkResult, error) {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	res := &BulkResult{OpErrors: map[int]error{}}
	for i, op := range ops {
		var err error
		switch op.Kind {
		case BulkInsert:
			if op.Document == nil {
				err = dberr.New(dberr.CodeValidation, "insert without document")
			} else if _, e := m.insertLocked(op.Document); e != nil {
				err = e
			} else {
				res.Inserted++
			}
		case BulkUpdate:
			if _, ok := m.updateLocked(op.Filter, op.Document); ok {
				res.Matched++
				res.Modified++
			}
		case BulkDelete:
			res.Deleted += m.deleteManyLocked(op.Filter)
		case BulkUpsert:
			if _, ok := m.updateLocked(op.Filter, op.Document); ok {
				res.Matched++
				res.Modified++
			} else if _, e := m.upsertLocked(op.Filter, op.Document); e != nil {
				err = e
			} else {
				res.Upserted++
			}
		default:
			err = dberr.New(dberr.CodeValidation, "unknown bulk operation kind")
		}
		if err != nil {
			res.OpErrors[i] = err
			if ordered {
				break
			}
		}
	}
	return res, nil
}

// WithTransaction delegates to the engine-level snapshot transaction.
func (m *MemoryRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.engine.WithTransaction(ctx, fn)
}

var _ Repository = (*MemoryRepository)(nil)
var _ Repository = (*MongoRepository)(nil)
var _ Transactional = (*MemoryRepository)(nil)
var _ Transactional = (*MongoRepository)(nil)
