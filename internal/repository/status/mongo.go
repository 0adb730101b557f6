package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kailas-cloud/imgmatch/internal/domain"
	"github.com/kailas-cloud/imgmatch/internal/domain/match"
	domstatus "github.com/kailas-cloud/imgmatch/internal/domain/status"
)

// CollectionName is the MongoDB collection holding status records.
const CollectionName = "search_status"

// ErrConcurrentUpdate is returned when a guarded update matched no document
// although the record is still processing.
var ErrConcurrentUpdate = errors.New("status changed concurrently")

type matchDoc struct {
	ID           string    `bson:"id"`
	CandidateID  string    `bson:"candidateId"`
	URL          string    `bson:"url"`
	HostPageURL  string    `bson:"hostPageUrl,omitempty"`
	ThumbnailURL string    `bson:"thumbnailUrl,omitempty"`
	Similarity   float64   `bson:"similarity"`
	CreatedAt    time.Time `bson:"createdAt"`
}

type statusDoc struct {
	ID             string     `bson:"_id"`
	State          string     `bson:"status"`
	Progress       int        `bson:"progress"`
	Matches        []matchDoc `bson:"matches"`
	TotalProcessed int        `bson:"totalProcessed"`
	TotalAvailable int        `bson:"totalAvailable"`
	Reason         string     `bson:"reason,omitempty"`
	Version        int64      `bson:"version"`
	Timestamp      time.Time  `bson:"timestamp"`
}

// MongoRepo stores status records in MongoDB.
type MongoRepo struct {
	collection *mongo.Collection
	ttl        time.Duration
	now        func() time.Time
}

// NewMongo creates a MongoDB status repository.
func NewMongo(client *mongo.Client, dbName string, ttl time.Duration) *MongoRepo {
	return &MongoRepo{
		collection: client.Database(dbName).Collection(CollectionName),
		ttl:        ttl,
		now:        time.Now,
	}
}

// Connect opens a MongoDB client.
func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the expiry index on timestamp.
func (r *MongoRepo) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}
	if r.ttl > 0 {
		models = append(models, mongo.IndexModel{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(r.ttl.Seconds())),
		})
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Ping checks connectivity to the deployment.
func (r *MongoRepo) Ping(ctx context.Context) error {
	if err := r.collection.Database().Client().Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}
	return nil
}

// Create inserts the initial record.
func (r *MongoRepo) Create(ctx context.Context, rec domstatus.Record) error {
	if _, err := r.collection.InsertOne(ctx, toDoc(rec)); err != nil {
		return fmt.Errorf("insert status %s: %w", rec.RequestID, err)
	}
	return nil
}

// Get returns the record for id or domain.ErrNotFound.
func (r *MongoRepo) Get(ctx context.Context, id string) (domstatus.Record, error) {
	var doc statusDoc
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domstatus.Record{}, fmt.Errorf("status %s: %w", id, domain.ErrNotFound)
		}
		return domstatus.Record{}, fmt.Errorf("find status %s: %w", id, err)
	}
	return fromDoc(doc), nil
}

// Apply runs the transition and writes the changed fields with a guarded
// UpdateOne: the filter pins the record to processing at the read version with
// progress not above the new value, so the server rejects stale writers.
func (r *MongoRepo) Apply(ctx context.Context, id string, u domstatus.Update) (domstatus.Record, error) {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return domstatus.Record{}, err
	}
	next, changed, err := cur.Apply(u, r.now())
	if err != nil {
		return cur, fmt.Errorf("apply: %w", err)
	}
	if len(changed) == 0 {
		return cur, nil
	}

	filter := guardFilter(id, cur, next)
	res, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": setDoc(next, changed)})
	if err != nil {
		return cur, fmt.Errorf("update status %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		latest, gerr := r.Get(ctx, id)
		if gerr == nil && latest.State.Terminal() {
			return latest, fmt.Errorf("request %s: %w", id, domain.ErrTerminalStatus)
		}
		return cur, fmt.Errorf("request %s: %w", id, ErrConcurrentUpdate)
	}
	return next, nil
}

func guardFilter(id string, cur, next domstatus.Record) bson.M {
	f := bson.M{
		"_id":     id,
		"status":  string(domstatus.StateProcessing),
		"version": cur.Version,
	}
	// Failing resets progress to 0; every other transition is monotonic.
	if next.State != domstatus.StateFailed {
		f["progress"] = bson.M{"$lte": next.Progress}
	}
	return f
}

func setDoc(rec domstatus.Record, fields []domstatus.Field) bson.M {
	doc := toDoc(rec)
	set := bson.M{}
	for _, f := range fields {
		switch f {
		case domstatus.FieldState:
			set["status"] = doc.State
		case domstatus.FieldProgress:
			set["progress"] = doc.Progress
		case domstatus.FieldMatches:
			set["matches"] = doc.Matches
		case domstatus.FieldTotalProcessed:
			set["totalProcessed"] = doc.TotalProcessed
		case domstatus.FieldTotalAvailable:
			set["totalAvailable"] = doc.TotalAvailable
		case domstatus.FieldReason:
			set["reason"] = doc.Reason
		case domstatus.FieldVersion:
			set["version"] = doc.Version
		case domstatus.FieldTimestamp:
			set["timestamp"] = doc.Timestamp
		}
	}
	return set
}

func toDoc(rec domstatus.Record) statusDoc {
	ms := make([]matchDoc, 0, len(rec.Matches))
	for _, m := range rec.Matches {
		ms = append(ms, matchDoc{
			ID:           m.ID,
			CandidateID:  m.CandidateID,
			URL:          m.TargetURL,
			HostPageURL:  m.HostPageURL,
			ThumbnailURL: m.ThumbnailURL,
			Similarity:   m.Similarity,
			CreatedAt:    m.CreatedAt,
		})
	}
	return statusDoc{
		ID:             rec.RequestID,
		State:          string(rec.State),
		Progress:       rec.Progress,
		Matches:        ms,
		TotalProcessed: rec.TotalProcessed,
		TotalAvailable: rec.TotalAvailable,
		Reason:         rec.Reason,
		Version:        rec.Version,
		Timestamp:      rec.Timestamp.UTC(),
	}
}

func fromDoc(doc statusDoc) domstatus.Record {
	ms := make([]match.Match, 0, len(doc.Matches))
	for _, m := range doc.Matches {
		ms = append(ms, match.Match{
			ID:           m.ID,
			RequestID:    doc.ID,
			CandidateID:  m.CandidateID,
			TargetURL:    m.URL,
			HostPageURL:  m.HostPageURL,
			ThumbnailURL: m.ThumbnailURL,
			Similarity:   m.Similarity,
			CreatedAt:    m.CreatedAt,
		})
	}
	state := domstatus.State(doc.State)
	if !state.Valid() {
		state = domstatus.StateProcessing
	}
	return domstatus.Record{
		RequestID:      doc.ID,
		State:          state,
		Progress:       doc.Progress,
		Matches:        ms,
		TotalProcessed: doc.TotalProcessed,
		TotalAvailable: doc.TotalAvailable,
		Reason:         doc.Reason,
		Version:        doc.Version,
		Timestamp:      doc.Timestamp,
	}
}
