// Package mongostore is the MongoDB-backed implementation of pkg/store,
// grounded on the collection-per-entity layout of the original Python
// project's database.py (Projects/Files/Uploads/Tasks/Tokens collections
// over MongoEngine) and on the teacher corpus's use of
// go.mongodb.org/mongo-driver as its document-store client.
package mongostore

import (
	"context"
	"regexp"
	"time"

	"github.com/csc-fi/pifs/pkg/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store is the mongo-driver implementation of store.Store.
type Store struct {
	db       *mongo.Database
	projects *projectRepo
	files    *fileRepo
	uploads  *uploadRepo
	tasks    *taskRepo
	tokens   *tokenRepo
	users    *userRepo
}

// Connect dials MongoDB at uri and returns a Store bound to the named
// database. The caller owns the lifetime of the returned *mongo.Client via
// Store.Close.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	db := client.Database(database)

	s := &Store{
		db:       db,
		projects: &projectRepo{coll: db.Collection("projects")},
		files:    &fileRepo{coll: db.Collection("files")},
		uploads:  &uploadRepo{coll: db.Collection("uploads")},
		tasks:    &taskRepo{coll: db.Collection("tasks")},
		tokens:   &tokenRepo{coll: db.Collection("tokens")},
		users:    &userRepo{coll: db.Collection("users")},
	}
	return s, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

func (s *Store) Projects() store.Projects { return s.projects }
func (s *Store) Files() store.Files       { return s.files }
func (s *Store) Uploads() store.Uploads   { return s.uploads }
func (s *Store) Tasks() store.Tasks       { return s.tasks }
func (s *Store) Tokens() store.Tokens     { return s.tokens }
func (s *Store) Users() store.Users       { return s.users }

// ---- projects ----

type projectRepo struct {
	coll *mongo.Collection
}

func (r *projectRepo) Get(ctx context.Context, id string) (*store.Project, error) {
	var p store.Project
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *projectRepo) Create(ctx context.Context, id string, quota int64) (*store.Project, error) {
	p := &store.Project{ID: id, Quota: quota, UsedQuota: 0}
	if _, err := r.coll.InsertOne(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *projectRepo) Delete(ctx context.Context, id string) error {
	_, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (r *projectRepo) SetUsedQuota(ctx context.Context, id string, usedQuota int64) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"used_quota": usedQuota}},
	)
	return err
}

// ---- files ----

type fileRepo struct {
	coll *mongo.Collection
}

func (r *fileRepo) Get(ctx context.Context, path string) (*store.FileRecord, error) {
	var f store.FileRecord
	err := r.coll.FindOne(ctx, bson.M{"_id": path}).Decode(&f)
	if err == mongo.ErrNoDocuments {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *fileRepo) InsertMany(ctx context.Context, records []store.FileRecord) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]interface{}, len(records))
	for i := range records {
		docs[i] = records[i]
	}
	_, err := r.coll.InsertMany(ctx, docs)
	return err
}

func (r *fileRepo) DeleteMany(ctx context.Context, paths []string) (int64, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	res, err := r.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": paths}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (r *fileRepo) ListByPrefix(ctx context.Context, pathPrefix string) ([]store.FileRecord, error) {
	pattern := "^" + regexp.QuoteMeta(pathPrefix) + "($|/)"
	cur, err := r.coll.Find(ctx, bson.M{"_id": bson.M{"$regex": pattern}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var records []store.FileRecord
	if err := cur.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ---- uploads ----

type uploadRepo struct {
	coll *mongo.Collection
}

func (r *uploadRepo) Get(ctx context.Context, id string) (*store.Upload, error) {
	var u store.Upload
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *uploadRepo) Create(ctx context.Context, u *store.Upload) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := r.coll.InsertOne(ctx, u)
	return err
}

func (r *uploadRepo) UpdateBytesReceived(ctx context.Context, id string, bytesReceived int64) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"bytes_received": bytesReceived}},
	)
	return err
}

func (r *uploadRepo) SetSourceChecksum(ctx context.Context, id string, checksum string) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"source_checksum": checksum}},
	)
	return err
}

func (r *uploadRepo) Delete(ctx context.Context, id string) error {
	_, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (r *uploadRepo) ReservedBytes(ctx context.Context, projectID string) (int64, error) {
	cur, err := r.coll.Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{"project_id": projectID}}},
		bson.D{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": "$declared_size"},
		}}},
	})
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)

	var result struct {
		Total int64 `bson:"total"`
	}
	if cur.Next(ctx) {
		if err := cur.Decode(&result); err != nil {
			return 0, err
		}
	}
	return result.Total, cur.Err()
}

func (r *uploadRepo) ListOlderThan(ctx context.Context, cutoff time.Time) ([]store.Upload, error) {
	cur, err := r.coll.Find(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var uploads []store.Upload
	if err := cur.All(ctx, &uploads); err != nil {
		return nil, err
	}
	return uploads, nil
}

// ---- tasks ----

type taskRepo struct {
	coll *mongo.Collection
}

func (r *taskRepo) Get(ctx context.Context, id string) (*store.Task, error) {
	var t store.Task
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if err == mongo.ErrNoDocuments {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *taskRepo) Create(ctx context.Context, projectID string) (*store.Task, error) {
	t := &store.Task{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    store.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := r.coll.InsertOne(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *taskRepo) UpdateMessage(ctx context.Context, id string, message string) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"message": message}},
	)
	return err
}

func (r *taskRepo) SetDone(ctx context.Context, id string, message string) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": store.TaskDone, "message": message}},
	)
	return err
}

func (r *taskRepo) SetError(ctx context.Context, id string, message string, errs []store.TaskErrorItem) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"status":  store.TaskError,
			"message": message,
			"errors":  errs,
		}},
	)
	return err
}

func (r *taskRepo) Delete(ctx context.Context, id string) error {
	_, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// ---- tokens ----

type tokenRepo struct {
	coll *mongo.Collection
}

func (r *tokenRepo) GetByHash(ctx context.Context, hash string) (*store.Token, error) {
	var t store.Token
	err := r.coll.FindOne(ctx, bson.M{"token_hash": hash}).Decode(&t)
	if err == mongo.ErrNoDocuments {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *tokenRepo) Create(ctx context.Context, t *store.Token) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := r.coll.InsertOne(ctx, t)
	return err
}

func (r *tokenRepo) List(ctx context.Context, username string) ([]store.Token, error) {
	cur, err := r.coll.Find(ctx, bson.M{"username": username})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var tokens []store.Token
	if err := cur.All(ctx, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *tokenRepo) Delete(ctx context.Context, id string) error {
	_, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// ---- users ----

type userRepo struct {
	coll *mongo.Collection
}

func (r *userRepo) Get(ctx context.Context, username string) (*store.User, error) {
	var u store.User
	err := r.coll.FindOne(ctx, bson.M{"_id": username}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepo) Create(ctx context.Context, u *store.User) error {
	_, err := r.coll.InsertOne(ctx, u)
	return err
}
