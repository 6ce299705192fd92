// Package mongostore keeps task status records in MongoDB, one document per
// task with its transition history embedded.
package mongostore

import (
	"context"
	"time"

	"github.com/ignatij/flowstream/pkg/models"
	"github.com/ignatij/flowstream/pkg/storage"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DefaultCollection = "task_status"

type document struct {
	models.TaskStatusRecord `bson:",inline"`
	History                 []models.StatusTransition `bson:"history"`
}

// Store implements storage.Store on a MongoDB collection.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	now        func() time.Time
}

// Connect opens a client for uri and checks that the server answers.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect to MongoDB")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping MongoDB")
	}
	s := New(client.Database(database))
	s.client = client
	return s, nil
}

// New uses an existing database handle. Close does not disconnect it.
func New(db *mongo.Database) *Store {
	return &Store{
		collection: db.Collection(DefaultCollection),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Create(ctx context.Context, rec models.TaskStatusRecord) (models.TaskStatusRecord, error) {
	if rec.TaskID == "" {
		return models.TaskStatusRecord{}, errors.New("task id is required")
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	doc := document{
		TaskStatusRecord: rec,
		History: []models.StatusTransition{
			{TaskID: rec.TaskID, State: rec.State, Message: "created", LoggedAt: now},
		},
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.TaskStatusRecord{}, errors.Wrapf(storage.ErrAlreadyExists, "create %s", rec.TaskID)
		}
		return models.TaskStatusRecord{}, errors.Wrapf(err, "create %s", rec.TaskID)
	}
	return s.Load(ctx, rec.TaskID)
}

func (s *Store) Update(ctx context.Context, taskID string, values models.StatusUpdate) (models.TaskStatusRecord, error) {
	now := s.now()
	set := bson.M{"updated_at": now}
	if values.State != nil {
		set["state"] = *values.State
	}
	if values.Attempts != nil {
		set["attempts"] = *values.Attempts
	}
	if values.StartedAt != nil {
		set["started_at"] = *values.StartedAt
	}
	if values.FinishedAt != nil {
		set["finished_at"] = *values.FinishedAt
	}
	if values.TaskException != nil {
		set["task_exception"] = *values.TaskException
	}
	if values.TaskEInfo != nil {
		set["task_einfo"] = *values.TaskEInfo
	}
	if values.TaskResult != nil {
		set["task_result"] = *values.TaskResult
	}
	update := bson.M{"$set": set}
	if values.State != nil {
		update["$push"] = bson.M{"history": models.StatusTransition{
			TaskID:   taskID,
			State:    *values.State,
			Message:  values.Message,
			LoggedAt: now,
		}}
	}

	var rec models.TaskStatusRecord
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"history": 0})
	err := s.collection.FindOneAndUpdate(ctx, bson.M{"_id": taskID}, update, opts).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return models.TaskStatusRecord{}, errors.Wrapf(storage.ErrNotFound, "update %s", taskID)
	}
	if err != nil {
		return models.TaskStatusRecord{}, errors.Wrapf(err, "update %s", taskID)
	}
	return rec, nil
}

func (s *Store) Load(ctx context.Context, taskID string) (models.TaskStatusRecord, error) {
	var rec models.TaskStatusRecord
	opts := options.FindOne().SetProjection(bson.M{"history": 0})
	err := s.collection.FindOne(ctx, bson.M{"_id": taskID}, opts).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return models.TaskStatusRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskStatusRecord{}, errors.Wrapf(err, "load %s", taskID)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, taskID string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": taskID})
	if err != nil {
		return errors.Wrapf(err, "delete %s", taskID)
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context, limit int) ([]models.TaskStatusRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetProjection(bson.M{"history": 0})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}
	defer cursor.Close(ctx)

	records := []models.TaskStatusRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, errors.Wrap(err, "decode tasks")
	}
	return records, nil
}

func (s *Store) History(ctx context.Context, taskID string) ([]models.StatusTransition, error) {
	var doc struct {
		History []models.StatusTransition `bson:"history"`
	}
	opts := options.FindOne().SetProjection(bson.M{"history": 1})
	err := s.collection.FindOne(ctx, bson.M{"_id": taskID}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "history of %s", taskID)
	}
	for i := range doc.History {
		doc.History[i].ID = int64(i + 1)
	}
	return doc.History, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
