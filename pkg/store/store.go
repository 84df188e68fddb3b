// Package store defines the persistent entities of spec.md §3 (Project,
// FileRecord, Upload, Task, Token) as explicit record types with tagged
// variants for status/type fields, and the repository interfaces each
// component depends on. This is the Go analogue of the original Python
// project's MongoEngine documents (models/project.py, models/file_entry.py,
// models/upload.py, models/task.py, models/token.py), following the Design
// Note "late-binding document models → explicit record types + eager
// validation at the boundary" (spec.md §9). Concrete persistence lives in
// pkg/store/mongostore.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repository lookups when no matching record
// exists. Callers translate it to errtypes.NotFound at the boundary that
// knows the user-facing identifier.
var ErrNotFound = errors.New("store: not found")

// Project is the persistent record backing spec.md §3 "Project".
type Project struct {
	ID        string `bson:"_id"`
	Quota     int64  `bson:"quota"`
	UsedQuota int64  `bson:"used_quota"`
}

// FileRecord is the persistent mapping absolute_path -> (checksum,
// catalogue identifier) for every stored file, spec.md §3 "FileRecord".
type FileRecord struct {
	Path       string    `bson:"_id"`
	Checksum   string    `bson:"checksum"`
	Identifier string    `bson:"identifier"`
	Timestamp  time.Time `bson:"timestamp"`
}

// UploadType distinguishes a plain file upload from an archive upload.
type UploadType string

const (
	UploadTypeFile    UploadType = "file"
	UploadTypeArchive UploadType = "archive"
)

// Upload is the in-flight ingestion record, spec.md §3 "Upload".
type Upload struct {
	ID             string     `bson:"_id"`
	ProjectID      string     `bson:"project_id"`
	RelativePath   string     `bson:"relative_path"`
	Type           UploadType `bson:"type"`
	DeclaredSize   int64      `bson:"declared_size"`
	SourceChecksum string     `bson:"source_checksum,omitempty"`
	IsResumable    bool       `bson:"is_resumable"`
	BytesReceived  int64      `bson:"bytes_received"`
	CreatedAt      time.Time  `bson:"created_at"`
}

// TaskStatus is the lifecycle of a Task as observed by a polling client.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
	TaskError   TaskStatus = "error"
)

// TaskErrorItem is one machine-readable failure captured on a Task,
// spec.md §3/§7: "{message, files?}".
type TaskErrorItem struct {
	Message string   `bson:"message" json:"message"`
	Files   []string `bson:"files,omitempty" json:"files,omitempty"`
}

// Task is the durable, pollable view of a background job, spec.md §3 "Task".
type Task struct {
	ID        string          `bson:"_id"`
	ProjectID string          `bson:"project_id"`
	Status    TaskStatus      `bson:"status"`
	Message   string          `bson:"message"`
	Errors    []TaskErrorItem `bson:"errors,omitempty"`
	CreatedAt time.Time       `bson:"created_at"`
}

// Token is the out-of-scope authentication record; PIFS only needs to
// validate and list/delete it, per spec.md §3 "Token".
type Token struct {
	ID           string     `bson:"_id"`
	Name         string     `bson:"name,omitempty"`
	Username     string     `bson:"username"`
	Projects     []string   `bson:"projects,omitempty"`
	TokenHashHex string     `bson:"token_hash"`
	ExpiresAt    *time.Time `bson:"expires_at,omitempty"`
	Admin        bool       `bson:"admin"`
	Session      bool       `bson:"session"`
}

// User is the password-authentication record backing the Basic-credential
// half of spec.md §6: "HTTP Basic credentials (PBKDF2-HMAC-SHA-512,
// 200 000 iterations, 20-char salt, 64-byte digest; compared in constant
// time)". Ported from the original project's models/user.py.
type User struct {
	Username string   `bson:"_id"`
	Salt     string   `bson:"salt"`
	Digest   []byte   `bson:"digest"`
	Projects []string `bson:"projects,omitempty"`
}

// Projects is the repository for Project records plus the quota
// reconciliation query defined in spec.md §4.3.
type Projects interface {
	Get(ctx context.Context, id string) (*Project, error)
	Create(ctx context.Context, id string, quota int64) (*Project, error)
	Delete(ctx context.Context, id string) error
	// SetUsedQuota persists a freshly computed used_quota, the
	// reconciliation step of spec.md §4.3.
	SetUsedQuota(ctx context.Context, id string, usedQuota int64) error
}

// Files is the repository for FileRecord rows, spec.md §3 "FileRecord".
type Files interface {
	Get(ctx context.Context, path string) (*FileRecord, error)
	InsertMany(ctx context.Context, records []FileRecord) error
	DeleteMany(ctx context.Context, paths []string) (int64, error)
	// ListByPrefix returns every FileRecord whose Path is pathPrefix itself
	// or a descendant of it, the directory-delete enumeration of spec.md
	// §4.8 step 5.
	ListByPrefix(ctx context.Context, pathPrefix string) ([]FileRecord, error)
}

// Uploads is the repository for Upload records, including the quota
// reservation query of spec.md §4.3 ("reserved_bytes").
type Uploads interface {
	Get(ctx context.Context, id string) (*Upload, error)
	Create(ctx context.Context, u *Upload) error
	UpdateBytesReceived(ctx context.Context, id string, bytesReceived int64) error
	SetSourceChecksum(ctx context.Context, id string, checksum string) error
	Delete(ctx context.Context, id string) error
	// ReservedBytes sums declared_size over every in-flight Upload for a
	// project, the "reserved_bytes" quantity of spec.md §4.3.
	ReservedBytes(ctx context.Context, projectID string) (int64, error)
	// ListOlderThan returns uploads created before cutoff, used by the
	// stale-upload sweeper (SPEC_FULL.md "Supplemented features" #4).
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]Upload, error)
}

// Tasks is the repository for Task records, including the reconciling
// update used by the queue-state sync point of spec.md §4.7.
type Tasks interface {
	Get(ctx context.Context, id string) (*Task, error)
	Create(ctx context.Context, projectID string) (*Task, error)
	UpdateMessage(ctx context.Context, id string, message string) error
	SetDone(ctx context.Context, id string, message string) error
	SetError(ctx context.Context, id string, message string, errs []TaskErrorItem) error
	Delete(ctx context.Context, id string) error
}

// Tokens is the repository backing the out-of-scope authentication surface;
// PIFS only needs enough of it to resolve a principal and administer tokens.
type Tokens interface {
	GetByHash(ctx context.Context, hash string) (*Token, error)
	Create(ctx context.Context, t *Token) error
	List(ctx context.Context, username string) ([]Token, error)
	Delete(ctx context.Context, id string) error
}

// Users is the repository backing HTTP Basic password authentication.
type Users interface {
	Get(ctx context.Context, username string) (*User, error)
	Create(ctx context.Context, u *User) error
}

// Store aggregates every repository PIFS depends on. A single
// implementation (pkg/store/mongostore) backs all of them against one
// MongoDB database, mirroring the original project's single `Database`
// facade (database.py) over MongoEngine collections.
type Store interface {
	Projects() Projects
	Files() Files
	Uploads() Uploads
	Tasks() Tasks
	Tokens() Tokens
	Users() Users
}
