package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stratumhq/stratum/internal/dberr"
	"github.com/stratumhq/stratum/internal/util"
	"github.com/stratumhq/stratum/pkg/logger"
	"github.com/stratumhq/stratum/pkg/metrics"
)

// MongoRepository implements Repository over one MongoDB collection.
// Documents keep their generated string id in an "id" field with a unique
// index; the native "_id" is never exposed to callers.
type MongoRepository struct {
	name   string
	col    *mongo.Collection
	client *mongo.Client
	log    logger.Logger
}

// NewMongo builds a repository for the named collection and ensures the
// unique id index exists.
func NewMongo(ctx context.Context, client *mongo.Client, db *mongo.Database, name string, log logger.Logger) (*MongoRepository, error) {
	if log == nil {
		log = logger.Nop()
	}
	col := db.Collection(name)
	idx := mongo.IndexModel{Keys: bson.D{{Key: FieldID, Value: 1}}, Options: options.Index().SetUnique(true)}
	if _, err := col.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, dberr.FromMongo(dberr.CodeInsert, err)
	}
	return &MongoRepository{name: name, col: col, client: client, log: log}, nil
}

func (m *MongoRepository) Name() string { return m.name }

func (m *MongoRepository) observe(op string, start time.Time) {
	metrics.QueryDuration.WithLabelValues(m.name, op).Observe(time.Since(start).Seconds())
}

// stampInsert assigns repository-owned fields on a fresh document.
func stampInsert(doc Document) Document {
	out := doc.Clone()
	if out.ID() == "" {
		out[FieldID] = util.NewDocumentID()
	}
	now := time.Now().UTC()
	out[FieldCreatedAt] = now
	out[FieldUpdatedAt] = now
	return out
}

// stripImmutable removes repository-owned fields from a caller-supplied
// update payload.
func stripImmutable(set Document) Document {
	out := set.Clone()
	delete(out, FieldID)
	delete(out, FieldCreatedAt)
	delete(out, FieldUpdatedAt)
	delete(out, "_id")
	return out
}

func toBSON(f Filter) bson.M {
	if f == nil {
		return bson.M{}
	}
	return bson.M(f)
}

func buildFindOptions(o *FindOptions) (*options.FindOptions, *dberr.DatabaseError) {
	fo := options.Find()
	if o == nil {
		return fo, nil
	}
	if len(o.Fields) > 0 && len(o.ExcludeFields) > 0 {
		return nil, dberr.New(dberr.CodeValidation, "projection cannot both include and exclude fields")
	}
	if len(o.Sort) > 0 {
		sort := bson.D{}
		for _, s := range o.Sort {
			dir := 1
			if s.Desc {
				dir = -1
			}
			sort = append(sort, bson.E{Key: s.Field, Value: dir})
		}
		fo.SetSort(sort)
	}
	if o.Skip > 0 {
		fo.SetSkip(o.Skip)
	}
	if o.Limit > 0 {
		fo.SetLimit(o.Limit)
	}
	if len(o.Fields) > 0 {
		proj := bson.M{}
		for _, f := range o.Fields {
			proj[f] = 1
		}
		fo.SetProjection(proj)
	}
	if len(o.ExcludeFields) > 0 {
		proj := bson.M{}
		for _, f := range o.ExcludeFields {
			proj[f] = 0
		}
		fo.SetProjection(proj)
	}
	if o.Hint != "" {
		fo.SetHint(o.Hint)
	}
	if o.MaxTime > 0 {
		fo.SetMaxTime(o.MaxTime)
	}
	if o.BatchSize > 0 {
		fo.SetBatchSize(o.BatchSize)
	}
	return fo, nil
}

func (m *MongoRepository) FindOne(ctx context.Context, filter Filter, opts *FindOptions) (Document, error) {
	defer m.observe("findOne", time.Now())
	fo := options.FindOne()
	if opts != nil {
		if len(opts.Sort) > 0 {
			sort := bson.D{}
			for _, s := range opts.Sort {
				dir := 1
				if s.Desc {
					dir = -1
				}
				sort = append(sort, bson.E{Key: s.Field, Value: dir})
			}
			fo.SetSort(sort)
		}
		if opts.MaxTime > 0 {
			fo.SetMaxTime(opts.MaxTime)
		}
	}
	var raw bson.M
	if err := m.col.FindOne(ctx, toBSON(filter), fo).Decode(&raw); err != nil {
		return nil, dberr.FromMongo(dberr.CodeFindOne, err)
	}
	return Document(raw).Normalize(), nil
}

func (m *MongoRepository) FindByID(ctx context.Context, id string) (Document, error) {
	if id == "" {
		return nil, dberr.New(dberr.CodeValidation, "empty document id")
	}
	doc, err := m.FindOne(ctx, Filter{FieldID: id}, nil)
	if err != nil {
		de := dberr.FromMongo(dberr.CodeFindByID, err)
		if de.Code == dberr.CodeFindOne {
			de.Code = dberr.CodeFindByID
		}
		return nil, de
	}
	return doc, nil
}

func (m *MongoRepository) FindByIDs(ctx context.Context, ids []string) ([]Document, error) {
	if len(ids) == 0 {
		return []Document{}, nil
	}
	return m.FindMany(ctx, Filter{FieldID: map[string]any{"$in": ids}}, nil)
}

func (m *MongoRepository) FindMany(ctx context.Context, filter Filter, opts *FindOptions) ([]Document, error) {
	defer m.observe("findMany", time.Now())
	fo, verr := buildFindOptions(opts)
	if verr != nil {
		return nil, verr
	}
	cur, err := m.col.Find(ctx, toBSON(filter), fo)
	if err != nil {
		return nil, dberr.FromMongo(dberr.CodeFindMany, err)
	}
	defer cur.Close(ctx)
	out := []Document{}
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, dberr.FromMongo(dberr.CodeFindMany, err)
		}
		out = append(out, Document(raw).Normalize())
	}
	if err := cur.Err(); err != nil {
		return nil, dberr.FromMongo(dberr.CodeFindMany, err)
	}
	return out, nil
}

func (m *MongoRepository) Stream(ctx context.Context, filter Filter, opts *FindOptions) (Stream, error) {
	fo, verr := buildFindOptions(opts)
	if verr != nil {
		return nil, verr
	}
	cur, err := m.col.Find(ctx, toBSON(filter), fo)
	if err != nil {
		return nil, dberr.FromMongo(dberr.CodeFindMany, err)
	}
	return &mongoStream{cur: cur}, nil
}

type mongoStream struct {
	cur *mongo.Cursor
	doc Document
	err error
}

func (s *mongoStream) Next(ctx context.Context) bool {
	if !s.cur.Next(ctx) {
		s.err = s.cur.Err()
		return false
	}
	var raw bson.M
	if err := s.cur.Decode(&raw); err != nil {
		s.err = err
		return false
	}
	s.doc = Document(raw).Normalize()
	return true
}

func (s *mongoStream) Value() Document { return s.doc }

func (s *mongoStream) Err() error {
	if s.err != nil {
		return dberr.FromMongo(dberr.CodeFindMany, s.err)
	}
	return nil
}

func (s *mongoStream) Close(ctx context.Context) error { return s.cur.Close(ctx) }

func (m *MongoRepository) Insert(ctx context.Context, doc Document) (Document, error) {
	defer m.observe("insert", time.Now())
	stamped := stampInsert(doc)
	if _, err := m.col.InsertOne(ctx, bson.M(stamped)); err != nil {
		return nil, dberr.FromMongo(dberr.CodeInsert, err)
	}
	return stamped.Normalize(), nil
}

func (m *MongoRepository) InsertMany(ctx context.Context, docs []Document) ([]Document, error) {
	defer m.observe("insertMany", time.Now())
	if len(docs) == 0 {
		return []Document{}, nil
	}
	stamped := make([]Document, len(docs))
	rows := make([]any, len(docs))
	for i, d := range docs {
		stamped[i] = stampInsert(d)
		rows[i] = bson.M(stamped[i])
	}
	if _, err := m.col.InsertMany(ctx, rows); err != nil {
		return nil, dberr.FromMongo(dberr.CodeInsertMany, err)
	}
	for i := range stamped {
		stamped[i] = stamped[i].Normalize()
	}
	return stamped, nil
}

func (m *MongoRepository) Update(ctx context.Context, filter Filter, set Document) (Document, error) {
	defer m.observe("update", time.Now())
	payload := stripImmutable(set)
	payload[FieldUpdatedAt] = time.Now().UTC()
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var raw bson.M
	err := m.col.FindOneAndUpdate(ctx, toBSON(filter), bson.M{"$set": bson.M(payload)}, opts).Decode(&raw)
	if err != nil {
		return nil, dberr.FromMongo(dberr.CodeUpdate, err)
	}
	return Document(raw).Normalize(), nil
}

func (m *MongoRepository) UpdateMany(ctx context.Context, filter Filter, set Document) (*UpdateResult, error) {
	defer m.observe("updateMany", time.Now())
	payload := stripImmutable(set)
	payload[FieldUpdatedAt] = time.Now().UTC()
	res, err := m.col.UpdateMany(ctx, toBSON(filter), bson.M{"$set": bson.M(payload)})
	if err != nil {
		return nil, dberr.FromMongo(dberr.CodeUpdateMany, err)
	}
	return &UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount, Upserted: res.UpsertedCount}, nil
}

// Upsert is an atomic find-or-create in a single round trip. On insert the
// document gets a fresh id and createdAt; on update only updatedAt moves.
func (m *MongoRepository) Upsert(ctx context.Context, filter Filter, doc Document) (Document, error) {
	defer m.observe("upsert", time.Now())
	payload := stripImmutable(doc)
	payload[FieldUpdatedAt] = time.Now().UTC()
	update := bson.M{
		"$set": bson.M(payload),
		"$setOnInsert": bson.M{
			FieldID:        util.NewDocumentID(),
			FieldCreatedAt: time.Now().UTC(),
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var raw bson.M
	if err := m.col.FindOneAndUpdate(ctx, toBSON(filter), update, opts).Decode(&raw); err != nil {
		return nil, dberr.FromMongo(dberr.CodeUpsert, err)
	}
	return Document(raw).Normalize(), nil
}

func (m *MongoRepository) UpsertMany(ctx context.Context, ops []BulkOp) (*BulkResult, error) {
	defer m.observe("upsertMany", time.Now())
	for i := range ops {
		ops[i].Kind = BulkUpsert
	}
	res, err := m.BulkWrite(ctx, ops, false)
	if err != nil {
		de := dberr.FromMongo(dberr.CodeUpsertMany, err)
		if de.Code == dberr.CodeBulkWrite {
			de.Code = dberr.CodeUpsertMany
		}
		return nil, de
	}
	return res, nil
}

func (m *MongoRepository) Delete(ctx context.Context, filter Filter) error {
	defer m.observe("delete", time.Now())
	res, err := m.col.DeleteOne(ctx, toBSON(filter))
	if err != nil {
		return dberr.FromMongo(dberr.CodeDelete, err)
	}
	if res.DeletedCount == 0 {
		return dberr.New(dberr.CodeNotFound, "no document matched delete filter")
	}
	return nil
}

func (m *MongoRepository) DeleteMany(ctx context.Context, filter Filter) (*UpdateResult, error) {
	defer m.observe("deleteMany", time.Now())
	res, err := m.col.DeleteMany(ctx, toBSON(filter))
	if err != nil {
		return nil, dberr.FromMongo(dberr.CodeDeleteMany, err)
	}
	return &UpdateResult{Deleted: res.DeletedCount}, nil
}

func (m *MongoRepository) Count(ctx context.Context, filter Filter) (int64, error) {
	defer m.observe("count", time.Now())
	n, err := m.col.CountDocuments(ctx, toBSON(filter))
	if err != nil {
		return 0, dberr.FromMongo(dberr.CodeCount, err)
	}
	return n, nil
}

func (m *MongoRepository) Exists(ctx context.Context, filter Filter) (bool, error) {
	opts := options.Count().SetLimit(1)
	n, err := m.col.CountDocuments(ctx, toBSON(filter), opts)
	if err != nil {
		return false, dberr.FromMongo(dberr.CodeCount, err)
	}
	return n > 0, nil
}

func (m *MongoRepository) Aggregate(ctx context.Context, pipeline []map[string]any) ([]Document, error) {
	defer m.observe("aggregate", time.Now())
	stages := make([]bson.M, len(pipeline))
	for i, st := range pipeline {
		stages[i] = bson.M(st)
	}
	cur, err := m.col.Aggregate(ctx, stages)
	if err != nil {
		return nil, dberr.FromMongo(dberr.CodeAggregate, err)
	}
	defer cur.Close(ctx)
	out := []Document{}
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, dberr.FromMongo(dberr.CodeAggregate, err)
		}
		out = append(out, Document(raw).Normalize())
	}
	if err := cur.Err(); err != nil {
		return nil, dberr.FromMongo(dberr.CodeAggregate, err)
	}
	return out, nil
}

func (m *MongoRepository) Distinct(ctx context.Context, field string, filter Filter) ([]any, error) {
	defer m.observe("distinct", time.Now())
	vals, err := m.col.Distinct(ctx, field, toBSON(filter))
	if err != nil {
		return nil, dberr.FromMongo(dberr.CodeAggregate, err)
	}
	for i, v := range vals {
		vals[i] = normalizeValue(v)
	}
	return vals, nil
}

// BulkWrite executes ops as one driver-level bulk call. In unordered mode a
// failing operation does not abort its siblings; each failure is mapped
// back to the submitting index via BulkResult.OpErrors.
func (m *MongoRepository) BulkWrite(ctx context.Context, ops []BulkOp, ordered bool) (*BulkResult, error) {
	defer m.observe("bulkWrite", time.Now())
	if len(ops) == 0 {
		return &BulkResult{OpErrors: map[int]error{}}, nil
	}
	models := make([]mongo.WriteModel, 0, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case BulkInsert:
			models = append(models, mongo.NewInsertOneModel().SetDocument(bson.M(stampInsert(op.Document))))
		case BulkUpdate:
			payload := stripImmutable(op.Document)
			payload[FieldUpdatedAt] = time.Now().UTC()
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(toBSON(op.Filter)).
				SetUpdate(bson.M{"$set": bson.M(payload)}))
		case BulkDelete:
			models = append(models, mongo.NewDeleteManyModel().SetFilter(toBSON(op.Filter)))
		case BulkUpsert:
			payload := stripImmutable(op.Document)
			payload[FieldUpdatedAt] = time.Now().UTC()
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(toBSON(op.Filter)).
				SetUpdate(bson.M{
					"$set": bson.M(payload),
					"$setOnInsert": bson.M{
						FieldID:        util.NewDocumentID(),
						FieldCreatedAt: time.Now().UTC(),
					},
				}).
				SetUpsert(true))
		default:
			return nil, dberr.New(dberr.CodeValidation, "unknown bulk operation kind").WithDetail("index", i)
		}
	}

	res, err := m.col.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(ordered))
	out := &BulkResult{OpErrors: map[int]error{}}
	if res != nil {
		out.Inserted = res.InsertedCount
		out.Matched = res.MatchedCount
		out.Modified = res.ModifiedCount
		out.Upserted = res.UpsertedCount
		out.Deleted = res.DeletedCount
	}
	if err != nil {
		bwe, ok := err.(mongo.BulkWriteException)
		if !ok {
			return nil, dberr.FromMongo(dberr.CodeBulkWrite, err)
		}
		for _, we := range bwe.WriteErrors {
			idx := we.Index
			if idx < 0 || idx >= len(ops) {
				continue
			}
			if we.Code == 11000 {
				out.OpErrors[idx] = dberr.New(dberr.CodeDuplicateKey, we.Message)
			} else {
				out.OpErrors[idx] = dberr.New(dberr.CodeBulkWrite, we.Message)
			}
		}
		if len(out.OpErrors) == 0 {
			return nil, dberr.FromMongo(dberr.CodeBulkWrite, err)
		}
	}
	return out, nil
}

// WithTransaction satisfies Transactional. fn must route its operations
// through the context it receives.
func (m *MongoRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := m.client.StartSession()
	if err != nil {
		return dberr.Wrap(dberr.CodeTransaction, "start session", err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	if err != nil {
		return dberr.FromMongo(dberr.CodeTransaction, err)
	}
	return nil
}
