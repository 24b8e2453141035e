package persistence

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/snarktank/antfarm/pkg/api"
)

// MongoCheckStore keeps medic history in a MongoDB collection. It lets a
// deployment ship audit history to a shared document store while runs stay
// in the relational store.
type MongoCheckStore struct {
	coll *mongo.Collection
}

var _ CheckStore = (*MongoCheckStore)(nil)

// NewMongoCheckStore returns a store on database/collection. Empty names
// default to "antfarm"/"medic_checks". It ensures a checkedAt index.
func NewMongoCheckStore(ctx context.Context, client *mongo.Client, database, collection string) (*MongoCheckStore, error) {
	if database == "" {
		database = "antfarm"
	}
	if collection == "" {
		collection = "medic_checks"
	}
	coll := client.Database(database).Collection(collection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "checkedAt", Value: -1}},
	})
	if err != nil {
		return nil, err
	}
	return &MongoCheckStore{coll: coll}, nil
}

func (s *MongoCheckStore) AppendCheck(ctx context.Context, c *api.MedicCheck, keep int) error {
	if _, err := s.coll.InsertOne(ctx, c); err != nil {
		return err
	}
	if keep <= 0 {
		return nil
	}

	// Find the oldest document that survives, then drop everything older.
	opts := options.FindOne().
		SetSort(bson.D{{Key: "checkedAt", Value: -1}}).
		SetSkip(int64(keep - 1))
	var boundary api.MedicCheck
	err := s.coll.FindOne(ctx, bson.D{}, opts).Decode(&boundary)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.coll.DeleteMany(ctx, bson.D{{Key: "checkedAt", Value: bson.D{{Key: "$lt", Value: boundary.CheckedAt}}}})
	return err
}

func (s *MongoCheckStore) ListChecks(ctx context.Context, limit int) ([]*api.MedicCheck, error) {
	if limit <= 0 {
		limit = 20
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "checkedAt", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.MedicCheck
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
