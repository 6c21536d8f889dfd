// Package content implements path-addressed hierarchical content nodes:
// race-safe upsert by path, bulk node updates, transactional reorder, and
// tree assembly.
package content

import (
	"context"
	"time"

	"github.com/stratumhq/stratum/internal/dberr"
	"github.com/stratumhq/stratum/internal/repository"
	"github.com/stratumhq/stratum/internal/util"
	"github.com/stratumhq/stratum/pkg/logger"
)

// NodeType discriminates tree nodes. A category groups other nodes; a
// collection holds documents and cannot contain categories.
type NodeType string

const (
	TypeCategory   NodeType = "category"
	TypeCollection NodeType = "collection"
)

// CacheCategory tags every cache entry derived from content nodes.
const CacheCategory = "content"

const (
	fieldPath     = "path"
	fieldParentID = "parentId"
	fieldOrder    = "order"
	fieldNodeType = "nodeType"
)

// Node is one content-tree entry. Path uniquely identifies a node within a
// tenant.
type Node struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId,omitempty"`
	Path      string         `json:"path"`
	ParentID  string         `json:"parentId,omitempty"`
	Order     int64          `json:"order"`
	Type      NodeType       `json:"nodeType"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`

	// Children is populated only by tree-mode assembly.
	Children []*Node `json:"children,omitempty"`
}

func nodeFromDocument(d repository.Document) *Node {
	n := &Node{
		ID:        d.ID(),
		TenantID:  d.TenantID(),
		CreatedAt: d.CreatedAt(),
		UpdatedAt: d.UpdatedAt(),
		Fields:    map[string]any{},
	}
	n.Path, _ = d[fieldPath].(string)
	n.ParentID, _ = d[fieldParentID].(string)
	if t, ok := d[fieldNodeType].(string); ok {
		n.Type = NodeType(t)
	}
	if o, ok := numericValue(d[fieldOrder]); ok {
		n.Order = o
	}
	for k, v := range d {
		switch k {
		case repository.FieldID, repository.FieldCreatedAt, repository.FieldUpdatedAt,
			repository.FieldTenantID, fieldPath, fieldParentID, fieldOrder, fieldNodeType:
		default:
			n.Fields[k] = v
		}
	}
	return n
}

func numericValue(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	}
	return 0, false
}

// Invalidator is the cache slice the service needs after mutations.
type Invalidator interface {
	InvalidateCategory(ctx context.Context, category, tenantID string) error
}

// Service persists and assembles the content tree over the generic
// repository.
type Service struct {
	repo  repository.Repository
	cache Invalidator
	log   logger.Logger
}

func NewService(repo repository.Repository, cache Invalidator, log logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{repo: repo, cache: cache, log: log}
}

func (s *Service) invalidate(ctx context.Context, tenantID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateCategory(ctx, CacheCategory, tenantID); err != nil {
		s.log.Warnf("content cache invalidation: %v", err)
	}
}

// UpsertInput describes one node write. Path is required; immutable fields
// in Fields are ignored.
type UpsertInput struct {
	Path     string
	ParentID string
	Order    int64
	Type     NodeType
	Fields   map[string]any
}

// UpsertNodeByPath finds-or-creates the node at (tenant, path) in a single
// atomic store call; concurrent upserts of the same path yield exactly one
// node. Parent compatibility is validated before anything is persisted.
func (s *Service) UpsertNodeByPath(ctx context.Context, tenantID string, in UpsertInput) (*Node, error) {
	path := util.NormalizePath(in.Path)
	if path == "/" {
		return nil, dberr.New(dberr.CodeValidation, "node path must not be the root")
	}
	if in.Type != TypeCategory && in.Type != TypeCollection {
		return nil, dberr.New(dberr.CodeValidation, "nodeType must be category or collection")
	}
	parentID, err := s.checkParent(ctx, tenantID, in.ParentID, in.Type)
	if err != nil {
		return nil, err
	}

	doc := repository.Document{
		fieldPath:     path,
		fieldOrder:    in.Order,
		fieldNodeType: string(in.Type),
	}
	if parentID != "" {
		doc[fieldParentID] = parentID
	}
	if tenantID != "" {
		doc[repository.FieldTenantID] = tenantID
	}
	for k, v := range in.Fields {
		switch k {
		case repository.FieldID, repository.FieldCreatedAt, repository.FieldUpdatedAt, "_id":
		default:
			doc[k] = v
		}
	}

	filter := repository.Filter{fieldPath: path}
	if tenantID != "" {
		filter[repository.FieldTenantID] = tenantID
	}
	out, err := s.repo.Upsert(ctx, filter, doc)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, tenantID)
	return nodeFromDocument(out), nil
}

// checkParent resolves and validates a parent reference. It canonicalizes
// best-effort: a raw node id passes through, a path resolves to its node's
// id, and anything ambiguous falls back to no parent with a warning rather
// than failing the write.
func (s *Service) checkParent(ctx context.Context, tenantID, parentRef string, childType NodeType) (string, error) {
	if parentRef == "" {
		return "", nil
	}
	var parent repository.Document
	var err error
	if util.ValidDocumentID(parentRef) {
		parent, err = s.repo.FindOne(ctx, s.tenantFilter(tenantID, repository.Filter{repository.FieldID: parentRef}), nil)
	} else if len(parentRef) > 0 && parentRef[0] == '/' {
		parent, err = s.repo.FindOne(ctx, s.tenantFilter(tenantID, repository.Filter{fieldPath: util.NormalizePath(parentRef)}), nil)
	} else {
		s.log.Warnf("ambiguous parent reference %q, treating node as root", parentRef)
		return "", nil
	}
	if err != nil {
		if dberr.IsNotFound(err) {
			return "", dberr.New(dberr.CodeInvalidParent, "parent node does not exist").WithDetail("parent", parentRef)
		}
		return "", err
	}
	parentType, _ := parent[fieldNodeType].(string)
	if childType == TypeCategory && NodeType(parentType) == TypeCollection {
		return "", dberr.New(dberr.CodeInvalidParent, "a category cannot be nested under a collection")
	}
	return parent.ID(), nil
}

func (s *Service) tenantFilter(tenantID string, f repository.Filter) repository.Filter {
	if tenantID != "" {
		f[repository.FieldTenantID] = tenantID
	}
	return f
}

// BulkUpdateNodes upserts nodes keyed by path in one bulk store call.
// Immutable fields are stripped from each payload; parent references are
// canonicalized with the same warn-and-null fallback as single upserts.
func (s *Service) BulkUpdateNodes(ctx context.Context, tenantID string, inputs []UpsertInput) (*repository.BulkResult, error) {
	ops := make([]repository.BulkOp, 0, len(inputs))
	for _, in := range inputs {
		path := util.NormalizePath(in.Path)
		if path == "/" {
			return nil, dberr.New(dberr.CodeValidation, "node path must not be the root")
		}
		parentID, err := s.checkParent(ctx, tenantID, in.ParentID, in.Type)
		if err != nil {
			return nil, err
		}
		doc := repository.Document{
			fieldPath:     path,
			fieldOrder:    in.Order,
			fieldNodeType: string(in.Type),
		}
		if parentID != "" {
			doc[fieldParentID] = parentID
		}
		if tenantID != "" {
			doc[repository.FieldTenantID] = tenantID
		}
		for k, v := range in.Fields {
			switch k {
			case repository.FieldID, repository.FieldCreatedAt, repository.FieldUpdatedAt, "_id":
			default:
				doc[k] = v
			}
		}
		ops = append(ops, repository.BulkOp{
			Kind:     repository.BulkUpsert,
			Filter:   s.tenantFilter(tenantID, repository.Filter{fieldPath: path}),
			Document: doc,
		})
	}
	res, err := s.repo.UpsertMany(ctx, ops)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, tenantID)
	return res, nil
}

// ReorderUpdate is one move inside a reorder transaction.
type ReorderUpdate struct {
	ID       string
	ParentID string
	Order    int64
	Path     string
}

// ReorderStructure applies all moves inside a single transaction; if any
// update fails the whole reorder rolls back.
func (s *Service) ReorderStructure(ctx context.Context, tenantID string, updates []ReorderUpdate) error {
	txn, ok := s.repo.(repository.Transactional)
	if !ok {
		return dberr.New(dberr.CodeTransaction, "backing engine does not support transactions")
	}
	err := txn.WithTransaction(ctx, func(txCtx context.Context) error {
		for _, u := range updates {
			node, err := s.repo.FindOne(txCtx, s.tenantFilter(tenantID, repository.Filter{repository.FieldID: u.ID}), nil)
			if err != nil {
				if dberr.IsNotFound(err) {
					return dberr.New(dberr.CodeNotFound, "node not found").WithDetail("id", u.ID)
				}
				return err
			}
			nodeType, _ := node[fieldNodeType].(string)
			parentID, err := s.checkParent(txCtx, tenantID, u.ParentID, NodeType(nodeType))
			if err != nil {
				return err
			}
			set := repository.Document{
				fieldOrder:    u.Order,
				fieldParentID: parentID,
			}
			if u.Path != "" {
				set[fieldPath] = util.NormalizePath(u.Path)
			}
			if _, err := s.repo.Update(txCtx, s.tenantFilter(tenantID, repository.Filter{repository.FieldID: u.ID}), set); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, tenantID)
	return nil
}

// StructureMode selects GetStructure's shape.
type StructureMode string

const (
	ModeFlat StructureMode = "flat"
	ModeTree StructureMode = "tree"
)

// GetStructure returns the tenant's nodes. Flat mode is the raw ordered
// list; tree mode links parents to children in one pass over an id-indexed
// map, treating nodes whose parent is absent as roots (with a diagnostic,
// not a failure).
func (s *Service) GetStructure(ctx context.Context, tenantID string, mode StructureMode) ([]*Node, error) {
	docs, err := s.repo.FindMany(ctx, s.tenantFilter(tenantID, repository.Filter{}), &repository.FindOptions{
		Sort: []repository.SortField{{Field: fieldParentID}, {Field: fieldOrder}},
	})
	if err != nil {
		return nil, err
	}
	nodes := make([]*Node, len(docs))
	for i, d := range docs {
		nodes[i] = nodeFromDocument(d)
	}
	if mode != ModeTree {
		return nodes, nil
	}

	byID := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	var roots []*Node
	for _, n := range nodes {
		if n.ParentID == "" {
			roots = append(roots, n)
			continue
		}
		parent, ok := byID[n.ParentID]
		if !ok {
			s.log.Warnf("node %s declares missing parent %s, promoting to root", n.ID, n.ParentID)
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}
	return roots, nil
}
