package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/inboxflow/pkg/api"
)

const mongoTimeout = 5 * time.Second

// MongoStore is a CheckpointStore backed by MongoDB.
type MongoStore struct {
	coll  *mongo.Collection
	corrs *mongo.Collection
}

// Ensure it implements CheckpointStore.
var _ CheckpointStore = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed checkpoint store.
// dbName defaults to "inboxflow" if empty, collName defaults to "instances".
// Correlations live in "<collName>_correlations".
func NewMongoStore(client *mongo.Client, dbName, collName string) *MongoStore {
	if dbName == "" {
		dbName = "inboxflow"
	}
	if collName == "" {
		collName = "instances"
	}

	db := client.Database(dbName)
	return &MongoStore{
		coll:  db.Collection(collName),
		corrs: db.Collection(collName + "_correlations"),
	}
}

type mongoInstanceDoc struct {
	ID             string `bson:"_id"`
	ItemID         string `bson:"item_id"`
	OwnerID        string `bson:"owner_id"`
	Status         string `bson:"status"`
	CurrentStage   string `bson:"current_stage"`
	ErrorType      string `bson:"error_type"`
	ErrorAt        int64  `bson:"error_at"`
	CreatedAt      int64  `bson:"created_at"`
	UpdatedAt      int64  `bson:"updated_at"`
	LeaseOwner     string `bson:"lease_owner"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
	State          []byte `bson:"state"`
}

func (d *mongoInstanceDoc) instance() (*api.WorkflowInstance, error) {
	inst, err := decodeState(d.State)
	if err != nil {
		return nil, err
	}
	if d.LeaseOwner != "" && d.LeaseExpiresAt > time.Now().UnixNano() {
		inst.LeaseOwner = d.LeaseOwner
		inst.LeaseExpiresAt = fromUnixNano(d.LeaseExpiresAt)
	}
	return inst, nil
}

// checkpointFields are the fields written by Create and Save. Lease fields
// are left out.
func checkpointFields(r instanceRow) bson.M {
	return bson.M{
		"item_id":       r.itemID,
		"owner_id":      r.ownerID,
		"status":        r.status,
		"current_stage": r.currentStage,
		"error_type":    r.errorType,
		"error_at":      r.errorAt,
		"created_at":    r.createdAt,
		"updated_at":    r.updatedAt,
		"state":         r.state,
	}
}

func (s *MongoStore) Create(ctx context.Context, inst *api.WorkflowInstance) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	r, err := newInstanceRow(inst)
	if err != nil {
		return err
	}
	doc := checkpointFields(r)
	doc["_id"] = r.id
	doc["lease_owner"] = ""
	doc["lease_expires_at"] = int64(0)

	_, err = s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrInstanceExists
	}
	return err
}

func (s *MongoStore) Save(ctx context.Context, inst *api.WorkflowInstance) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	r, err := newInstanceRow(inst)
	if err != nil {
		return err
	}

	res, err := s.coll.UpdateByID(ctx, r.id, bson.M{"$set": checkpointFields(r)})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *MongoStore) Load(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc mongoInstanceDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return doc.instance()
}

func (s *MongoStore) List(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*mongoTimeout)
	defer cancel()

	bfilter := bson.M{}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		bfilter["status"] = bson.M{"$in": statuses}
	}
	if filter.OwnerID != "" {
		bfilter["owner_id"] = filter.OwnerID
	}
	if filter.ErrorType != "" {
		bfilter["error_type"] = filter.ErrorType
	}
	errorAt := bson.M{}
	if !filter.ErrorSince.IsZero() {
		errorAt["$gte"] = filter.ErrorSince.UnixNano()
	}
	if !filter.ErrorUntil.IsZero() {
		errorAt["$lte"] = filter.ErrorUntil.UnixNano()
	}
	if len(errorAt) > 0 {
		bfilter["error_at"] = errorAt
	}
	if !filter.UpdatedBefore.IsZero() {
		bfilter["updated_at"] = bson.M{"$lt": filter.UpdatedBefore.UnixNano()}
	}

	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.coll.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.WorkflowInstance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := doc.instance()
		if err != nil {
			return nil, err
		}
		results = append(results, inst)
	}

	if err := cur.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *MongoStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	now := time.Now()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id": instanceID,
			"$or": bson.A{
				bson.M{"lease_owner": ""},
				bson.M{"lease_owner": owner},
				bson.M{"lease_expires_at": bson.M{"$lte": now.UnixNano()}},
			},
		},
		bson.M{"$set": bson.M{
			"lease_owner":      owner,
			"lease_expires_at": now.Add(ttl).UnixNano(),
		}},
	)
	if err != nil {
		return false, err
	}
	if res.MatchedCount > 0 {
		return true, nil
	}

	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": instanceID})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrInstanceNotFound
	}
	return false, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": instanceID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_expires_at": time.Now().Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrInstanceLocked
	}
	return nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id": instanceID,
			"$or": bson.A{
				bson.M{"lease_owner": owner},
				bson.M{"lease_expires_at": bson.M{"$lte": time.Now().UnixNano()}},
			},
		},
		bson.M{"$set": bson.M{"lease_owner": "", "lease_expires_at": int64(0)}},
	)
	return err
}

func (s *MongoStore) PutCorrelation(ctx context.Context, messageRef, instanceID string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := s.corrs.UpdateByID(ctx, messageRef,
		bson.M{"$set": bson.M{"instance_id": instanceID}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) LookupCorrelation(ctx context.Context, messageRef string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc struct {
		InstanceID string `bson:"instance_id"`
	}
	err := s.corrs.FindOne(ctx, bson.M{"_id": messageRef}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrCorrelationNotFound
	}
	if err != nil {
		return "", err
	}
	return doc.InstanceID, nil
}
