package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"visatrack/internal/domain"
)

const eventsCounterID = "events"

// MongoRepo stores one document per owner, keyed by owner id. Events go to
// a sibling collection with ids drawn from a counter document.
type MongoRepo struct {
	client   *mongo.Client
	coll     *mongo.Collection
	events   *mongo.Collection
	counters *mongo.Collection
	timeout  time.Duration
}

// NewMongoRepo creates a Mongo-backed store.
// dbName defaults to "visatrack" if empty, collName defaults to "workflows".
func NewMongoRepo(client *mongo.Client, dbName, collName string) *MongoRepo {
	if dbName == "" {
		dbName = "visatrack"
	}
	if collName == "" {
		collName = "workflows"
	}
	db := client.Database(dbName)
	return &MongoRepo{
		client:   client,
		coll:     db.Collection(collName),
		events:   db.Collection(collName + "_events"),
		counters: db.Collection(collName + "_counters"),
		timeout:  5 * time.Second,
	}
}

type mongoWorkflowDoc struct {
	domain.WorkflowInstance `bson:",inline"`
	Completed               bool `bson:"completed"`
}

func (s *MongoRepo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureIndexes creates the secondary indexes used by list queries.
func (s *MongoRepo) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "completed", Value: 1}, {Key: "createdAt", Value: -1}},
	}); err != nil {
		return fmt.Errorf("create workflow index: %w", err)
	}
	if _, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "_id", Value: -1}},
	}); err != nil {
		return fmt.Errorf("create event index: %w", err)
	}
	return nil
}

func (s *MongoRepo) Close() error {
	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoRepo) GetWorkflow(ctx context.Context, ownerID string) (domain.WorkflowInstance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc mongoWorkflowDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": ownerID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.WorkflowInstance{}, ErrNotFound
		}
		return domain.WorkflowInstance{}, err
	}
	return normalizeDoc(doc), nil
}

func (s *MongoRepo) CreateWorkflow(ctx context.Context, w domain.WorkflowInstance, evts []domain.Event) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, mongoWorkflowDoc{WorkflowInstance: w, Completed: w.Completed()})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrExists
		}
		return fmt.Errorf("insert workflow: %w", err)
	}
	if err := s.appendEvents(ctx, evts); err != nil {
		return fmt.Errorf("%w: %v", ErrEventsLost, err)
	}
	return nil
}

func (s *MongoRepo) UpdateWorkflow(ctx context.Context, w domain.WorkflowInstance, expectedVersion int64, evts []domain.Event) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"steps":     w.Steps,
			"version":   w.Version,
			"updatedAt": w.UpdatedAt,
			"completed": w.Completed(),
		},
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": w.OwnerID, "version": expectedVersion}, update)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := s.coll.CountDocuments(ctx, bson.M{"_id": w.OwnerID})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	if err := s.appendEvents(ctx, evts); err != nil {
		return fmt.Errorf("%w: %v", ErrEventsLost, err)
	}
	return nil
}

func (s *MongoRepo) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]domain.WorkflowInstance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	switch f.State {
	case "":
	case StateActive:
		filter["completed"] = false
	case StateCompleted:
		filter["completed"] = true
	default:
		return nil, fmt.Errorf("invalid state filter %q", f.State)
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var res []domain.WorkflowInstance
	for cur.Next(ctx) {
		var doc mongoWorkflowDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		res = append(res, normalizeDoc(doc))
	}
	return res, cur.Err()
}

func (s *MongoRepo) ListEvents(ctx context.Context, ownerID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}).SetLimit(int64(limit))
	return s.findEvents(ctx, bson.M{"ownerId": ownerID}, opts)
}

func (s *MongoRepo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))
	return s.findEvents(ctx, bson.M{"_id": bson.M{"$gt": afterID}}, opts)
}

func (s *MongoRepo) LatestEventID(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var evt domain.Event
	err := s.events.FindOne(ctx, bson.M{}, options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})).Decode(&evt)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return evt.ID, nil
}

func (s *MongoRepo) findEvents(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]domain.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var res []domain.Event
	if err := cur.All(ctx, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// appendEvents reserves a contiguous id block and inserts the events.
func (s *MongoRepo) appendEvents(ctx context.Context, evts []domain.Event) error {
	if len(evts) == 0 {
		return nil
	}
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": eventsCounterID},
		bson.M{"$inc": bson.M{"seq": int64(len(evts))}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return fmt.Errorf("reserve event ids: %w", err)
	}
	first := counter.Seq - int64(len(evts)) + 1
	docs := make([]any, len(evts))
	for i, evt := range evts {
		evt.ID = first + int64(i)
		docs[i] = evt
	}
	if _, err := s.events.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

func normalizeDoc(doc mongoWorkflowDoc) domain.WorkflowInstance {
	w := doc.WorkflowInstance
	for i := range w.Steps {
		if w.Steps[i].Attachments == nil {
			w.Steps[i].Attachments = []string{}
		}
	}
	return w
}
