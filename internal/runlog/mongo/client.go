// Package mongo implements the low-level MongoDB client backing the
// execution-history store: one document per reflex run, indexed by
// (reflex_id, _id) for cursor-paginated listing.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/runlog"
)

type (
	// Client exposes Mongo-backed operations for the reflex execution log.
	Client interface {
		Ping(ctx context.Context) error
		Append(ctx context.Context, rec model.ExecutionRecord) error
		List(ctx context.Context, reflexID string, cursor string, limit int) (runlog.Page, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	executionDocument struct {
		ID               bson.ObjectID `bson:"_id,omitempty"`
		ReflexID         string        `bson:"reflex_id"`
		ReflexName       string        `bson:"reflex_name"`
		TriggerType      string        `bson:"trigger_type"`
		TriggerContext   []byte        `bson:"trigger_context_json"`
		ActionType       string        `bson:"action_type"`
		Status           string        `bson:"status"`
		Output           string        `bson:"output"`
		ToolCalls        []byte        `bson:"tool_calls_json"`
		ErrorMessage     string        `bson:"error_message"`
		Timestamp        time.Time     `bson:"timestamp"`
	}
)

const (
	defaultCollection = "reflex_executions"
	defaultTimeout    = 5 * time.Second
)

// New returns a Client backed by the provided MongoDB client, ensuring the
// (reflex_id, _id) index exists.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, coll: wrapper, timeout: timeout}, nil
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, rec model.ExecutionRecord) error {
	if rec.ReflexID == "" {
		return errors.New("reflex id is required")
	}
	triggerCtx, err := json.Marshal(rec.TriggerContext)
	if err != nil {
		return err
	}
	toolCalls, err := json.Marshal(rec.ToolCalls)
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := executionDocument{
		ReflexID: rec.ReflexID, ReflexName: rec.ReflexName,
		TriggerType: rec.TriggerType, TriggerContext: triggerCtx,
		ActionType: rec.ActionType, Status: string(rec.Status),
		Output: rec.Output, ToolCalls: toolCalls, ErrorMessage: rec.ErrorMessage,
		Timestamp: rec.Timestamp.UTC(),
	}
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return err
	}
	if _, ok := res.InsertedID.(bson.ObjectID); !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	return nil
}

func (c *client) List(ctx context.Context, reflexID string, cursor string, limit int) (page runlog.Page, err error) {
	if limit <= 0 {
		return runlog.Page{}, errors.New("limit must be > 0")
	}

	filter := bson.M{}
	if reflexID != "" {
		filter["reflex_id"] = reflexID
	}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return runlog.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return runlog.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var records []model.ExecutionRecord
	var lastID string
	for cur.Next(ctx) {
		var doc executionDocument
		if err := cur.Decode(&doc); err != nil {
			return runlog.Page{}, err
		}
		rec := model.ExecutionRecord{
			ID: doc.ID.Hex(), ReflexID: doc.ReflexID, ReflexName: doc.ReflexName,
			TriggerType: doc.TriggerType, ActionType: doc.ActionType,
			Status: model.ExecutionStatus(doc.Status), Output: doc.Output,
			ErrorMessage: doc.ErrorMessage, Timestamp: doc.Timestamp,
		}
		_ = json.Unmarshal(doc.TriggerContext, &rec.TriggerContext)
		_ = json.Unmarshal(doc.ToolCalls, &rec.ToolCalls)
		records = append(records, rec)
		lastID = doc.ID.Hex()
	}
	if err := cur.Err(); err != nil {
		return runlog.Page{}, err
	}

	var next string
	if len(records) > limit {
		next = records[limit-1].ID
		records = records[:limit]
	} else if lastID != "" {
		next = ""
	}
	return runlog.Page{Records: records, NextCursor: next}, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "reflex_id", Value: 1}, {Key: "_id", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool   { return c.cur.Next(ctx) }
func (c mongoCursor) Decode(val any) error            { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                       { return c.cur.Err() }
func (c mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
