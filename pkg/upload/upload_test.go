package upload_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/csc-fi/pifs/internal/auth"
	"github.com/csc-fi/pifs/pkg/catalogue"
	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/csc-fi/pifs/pkg/lockmanager"
	"github.com/csc-fi/pifs/pkg/quota"
	"github.com/csc-fi/pifs/pkg/store"
	"github.com/csc-fi/pifs/pkg/taskqueue"
	"github.com/csc-fi/pifs/pkg/upload"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

type fakeProjects struct {
	project *store.Project
}

func (f *fakeProjects) Get(ctx context.Context, id string) (*store.Project, error) {
	return f.project, nil
}
func (f *fakeProjects) Create(ctx context.Context, id string, quota int64) (*store.Project, error) {
	f.project = &store.Project{ID: id, Quota: quota}
	return f.project, nil
}
func (f *fakeProjects) Delete(ctx context.Context, id string) error { return nil }
func (f *fakeProjects) SetUsedQuota(ctx context.Context, id string, usedQuota int64) error {
	f.project.UsedQuota = usedQuota
	return nil
}

type fakeUploads struct {
	records map[string]*store.Upload
}

func newFakeUploads() *fakeUploads { return &fakeUploads{records: map[string]*store.Upload{}} }

func (f *fakeUploads) Get(ctx context.Context, id string) (*store.Upload, error) {
	u, ok := f.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}
func (f *fakeUploads) Create(ctx context.Context, u *store.Upload) error {
	u.CreatedAt = time.Now()
	f.records[u.ID] = u
	return nil
}
func (f *fakeUploads) UpdateBytesReceived(ctx context.Context, id string, n int64) error {
	f.records[id].BytesReceived = n
	return nil
}
func (f *fakeUploads) SetSourceChecksum(ctx context.Context, id, checksum string) error {
	f.records[id].SourceChecksum = checksum
	return nil
}
func (f *fakeUploads) Delete(ctx context.Context, id string) error {
	delete(f.records, id)
	return nil
}
func (f *fakeUploads) ReservedBytes(ctx context.Context, projectID string) (int64, error) {
	var total int64
	for _, u := range f.records {
		if u.ProjectID == projectID {
			total += u.DeclaredSize
		}
	}
	return total, nil
}
func (f *fakeUploads) ListOlderThan(ctx context.Context, cutoff time.Time) ([]store.Upload, error) {
	var out []store.Upload
	for _, u := range f.records {
		if u.CreatedAt.Before(cutoff) {
			out = append(out, *u)
		}
	}
	return out, nil
}

type fakeFiles struct {
	inserted []store.FileRecord
	failNext bool
}

func (f *fakeFiles) Get(ctx context.Context, path string) (*store.FileRecord, error) {
	return nil, store.ErrNotFound
}
func (f *fakeFiles) InsertMany(ctx context.Context, records []store.FileRecord) error {
	if f.failNext {
		f.failNext = false
		return errtypes.InternalError("simulated insert failure")
	}
	f.inserted = append(f.inserted, records...)
	return nil
}
func (f *fakeFiles) DeleteMany(ctx context.Context, paths []string) (int64, error) { return 0, nil }
func (f *fakeFiles) ListByPrefix(ctx context.Context, pathPrefix string) ([]store.FileRecord, error) {
	return nil, nil
}

type catalogueState struct {
	posted  []catalogue.FileRecord
	deleted []string
	byPath  map[string]catalogue.FileRecord
}

func newCatalogueServer(t *testing.T, state *catalogueState) *catalogue.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		var recs []catalogue.FileRecord
		_ = json.NewDecoder(r.Body).Decode(&recs)
		state.posted = append(state.posted, recs...)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/files/delete", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Identifiers []string `json:"identifiers"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		state.deleted = append(state.deleted, req.Identifiers...)
		_ = json.NewEncoder(w).Encode(map[string]int{"deleted_count": len(req.Identifiers)})
	})
	mux.HandleFunc("/projects/proj1/file", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		rec, ok := state.byPath[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(rec)
	})
	mux.HandleFunc("/projects/proj1/files", func(w http.ResponseWriter, r *http.Request) {
		var out []catalogue.FileRecord
		for _, rec := range state.byPath {
			out = append(out, rec)
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return catalogue.New(catalogue.Config{BaseURL: srv.URL, StorageID: "pifs-test"})
}

func newLockManager(t *testing.T) *lockmanager.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lockmanager.New(client, time.Hour, time.Second)
}

type testEnv struct {
	svc        *upload.Service
	projects   *fakeProjects
	uploads    *fakeUploads
	files      *fakeFiles
	tasks      *fakeTasks
	catalogue  *catalogueState
	principal  auth.Principal
	projectDir string
}

type fakeTasks struct {
	tasks map[string]*store.Task
}

func newFakeTasks() *fakeTasks { return &fakeTasks{tasks: map[string]*store.Task{}} }

func (f *fakeTasks) Get(ctx context.Context, id string) (*store.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}
func (f *fakeTasks) Create(ctx context.Context, projectID string) (*store.Task, error) {
	t := &store.Task{ID: "task-1", ProjectID: projectID, Status: store.TaskPending}
	f.tasks[t.ID] = t
	return t, nil
}
func (f *fakeTasks) UpdateMessage(ctx context.Context, id string, message string) error {
	f.tasks[id].Message = message
	return nil
}
func (f *fakeTasks) SetDone(ctx context.Context, id string, message string) error {
	f.tasks[id].Status = store.TaskDone
	f.tasks[id].Message = message
	return nil
}
func (f *fakeTasks) SetError(ctx context.Context, id string, message string, errs []store.TaskErrorItem) error {
	f.tasks[id].Status = store.TaskError
	f.tasks[id].Message = message
	f.tasks[id].Errors = errs
	return nil
}
func (f *fakeTasks) Delete(ctx context.Context, id string) error {
	delete(f.tasks, id)
	return nil
}

type fakeStore struct {
	projects store.Projects
	files    store.Files
	uploads  store.Uploads
	tasks    store.Tasks
}

func (s *fakeStore) Projects() store.Projects { return s.projects }
func (s *fakeStore) Files() store.Files       { return s.files }
func (s *fakeStore) Uploads() store.Uploads   { return s.uploads }
func (s *fakeStore) Tasks() store.Tasks       { return s.tasks }
func (s *fakeStore) Tokens() store.Tokens     { return nil }
func (s *fakeStore) Users() store.Users       { return nil }

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	projectDir := filepath.Join(root, "projects", "proj1")
	require.NoError(t, os.MkdirAll(projectDir, 0o775))
	tmpDir := filepath.Join(root, "tmp")
	require.NoError(t, os.MkdirAll(tmpDir, 0o775))

	projects := &fakeProjects{project: &store.Project{ID: "proj1", Quota: 1 << 20}}
	uploads := newFakeUploads()
	files := &fakeFiles{}
	tasks := newFakeTasks()
	st := &fakeStore{projects: projects, files: files, uploads: uploads, tasks: tasks}

	catState := &catalogueState{byPath: map[string]catalogue.FileRecord{}}
	cat := newCatalogueServer(t, catState)

	locks := newLockManager(t)
	acct := quota.New(projects, uploads)

	cfg := upload.Config{
		ProjectsPath:        filepath.Join(root, "projects"),
		TmpPath:             tmpDir,
		MaxContentLength:    1 << 20,
		AsyncThresholdBytes: 64 * 1024 * 1024,
		LockTTL:             time.Hour,
		LockTimeout:         time.Second,
	}

	svc := upload.New(cfg, st, locks, cat, acct, nil)

	return &testEnv{
		svc:        svc,
		projects:   projects,
		uploads:    uploads,
		files:      files,
		tasks:      tasks,
		catalogue:  catState,
		principal:  auth.Principal{Username: "alice", Admin: true},
		projectDir: projectDir,
	}
}

func TestProcessAsyncPublishesOnSuccess(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	h, err := env.svc.CreateFile(ctx, env.principal, upload.CreateFileOptions{
		ProjectID:    "proj1",
		RelativePath: "big.txt",
		DeclaredSize: 5,
	})
	require.NoError(t, err)
	require.NoError(t, h.ReceiveSingleShot(ctx, bytes.NewReader([]byte("hello"))))

	task, err := env.tasks.Create(ctx, "proj1")
	require.NoError(t, err)
	args, err := json.Marshal(upload.AsyncJobArgs{UploadID: h.Record.ID})
	require.NoError(t, err)

	err = env.svc.ProcessAsync(ctx, &taskqueue.Job{TaskID: task.ID, Queue: taskqueue.QueueUpload, Args: args})
	require.NoError(t, err)

	require.Equal(t, store.TaskDone, env.tasks.tasks[task.ID].Status)
	require.Len(t, env.catalogue.posted, 1)

	data, err := os.ReadFile(filepath.Join(env.projectDir, "big.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestProcessAsyncRecordsConflictOnTask(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.catalogue.byPath["/dup.txt"] = catalogue.FileRecord{Pathname: "/dup.txt", Identifier: "existing"}

	h, err := env.svc.CreateFile(ctx, env.principal, upload.CreateFileOptions{
		ProjectID:    "proj1",
		RelativePath: "dup.txt",
		DeclaredSize: 5,
	})
	require.NoError(t, err)
	require.NoError(t, h.ReceiveSingleShot(ctx, bytes.NewReader([]byte("hello"))))

	task, err := env.tasks.Create(ctx, "proj1")
	require.NoError(t, err)
	args, err := json.Marshal(upload.AsyncJobArgs{UploadID: h.Record.ID})
	require.NoError(t, err)

	err = env.svc.ProcessAsync(ctx, &taskqueue.Job{TaskID: task.ID, Queue: taskqueue.QueueUpload, Args: args})
	require.NoError(t, err)

	got := env.tasks.tasks[task.ID]
	require.Equal(t, store.TaskError, got.Status)
	require.Len(t, got.Errors, 1)
	require.Equal(t, []string{"/dup.txt"}, got.Errors[0].Files)
}

func TestCreateFileReceiveVerifyPublish(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	h, err := env.svc.CreateFile(ctx, env.principal, upload.CreateFileOptions{
		ProjectID:    "proj1",
		RelativePath: "a/b.txt",
		DeclaredSize: 5,
	})
	require.NoError(t, err)

	require.NoError(t, h.ReceiveSingleShot(ctx, bytes.NewReader([]byte("hello"))))

	md5sum, err := h.Verify(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, md5sum)

	result, err := h.Publish(ctx)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	require.Equal(t, "/a/b.txt", result.Files[0].RelativePath)

	data, err := os.ReadFile(filepath.Join(env.projectDir, "a", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	require.Len(t, env.catalogue.posted, 1)
	require.Len(t, env.files.inserted, 1)

	_, err = env.uploads.Get(ctx, h.Record.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateFileRejectsExistingFile(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	require.NoError(t, os.MkdirAll(filepath.Join(env.projectDir, "a"), 0o775))
	require.NoError(t, os.WriteFile(filepath.Join(env.projectDir, "a", "b.txt"), []byte("x"), 0o664))

	_, err := env.svc.CreateFile(ctx, env.principal, upload.CreateFileOptions{
		ProjectID:    "proj1",
		RelativePath: "a/b.txt",
		DeclaredSize: 1,
	})
	require.Error(t, err)
	var conflict *errtypes.UploadConflict
	require.ErrorAs(t, err, &conflict)
}

func TestCreateFileRejectsOversizedDeclaration(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	_, err := env.svc.CreateFile(ctx, env.principal, upload.CreateFileOptions{
		ProjectID:    "proj1",
		RelativePath: "big.bin",
		DeclaredSize: 1 << 30,
	})
	require.Error(t, err)
	var tooLarge errtypes.PayloadTooLarge
	require.ErrorAs(t, err, &tooLarge)
}

func TestCreateFileForbidsUnauthorizedProject(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	principal := auth.Principal{Username: "mallory", Projects: []string{"other"}}

	_, err := env.svc.CreateFile(ctx, principal, upload.CreateFileOptions{
		ProjectID:    "proj1",
		RelativePath: "a.txt",
		DeclaredSize: 1,
	})
	require.Error(t, err)
	var forbidden errtypes.Forbidden
	require.ErrorAs(t, err, &forbidden)
}

func TestVerifyRejectsChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	h, err := env.svc.CreateFile(ctx, env.principal, upload.CreateFileOptions{
		ProjectID:    "proj1",
		RelativePath: "a.txt",
		DeclaredSize: 5,
		DeclaredSum:  "md5:00000000000000000000000000000000",
	})
	require.NoError(t, err)
	require.NoError(t, h.ReceiveSingleShot(ctx, bytes.NewReader([]byte("hello"))))

	_, err = h.Verify(ctx)
	require.Error(t, err)
	var mismatch errtypes.ChecksumMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestPublishRejectsCatalogueConflict(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.catalogue.byPath["/a.txt"] = catalogue.FileRecord{Pathname: "/a.txt", Identifier: "existing"}

	h, err := env.svc.CreateFile(ctx, env.principal, upload.CreateFileOptions{
		ProjectID:    "proj1",
		RelativePath: "a.txt",
		DeclaredSize: 5,
	})
	require.NoError(t, err)
	require.NoError(t, h.ReceiveSingleShot(ctx, bytes.NewReader([]byte("hello"))))
	_, err = h.Verify(ctx)
	require.NoError(t, err)

	_, err = h.Publish(ctx)
	require.Error(t, err)
	var conflict *errtypes.UploadConflict
	require.ErrorAs(t, err, &conflict)
}

func TestPublishCompensatesCatalogueOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.files.failNext = true

	h, err := env.svc.CreateFile(ctx, env.principal, upload.CreateFileOptions{
		ProjectID:    "proj1",
		RelativePath: "a.txt",
		DeclaredSize: 5,
	})
	require.NoError(t, err)
	require.NoError(t, h.ReceiveSingleShot(ctx, bytes.NewReader([]byte("hello"))))
	_, err = h.Verify(ctx)
	require.NoError(t, err)

	_, err = h.Publish(ctx)
	require.Error(t, err)
	require.Len(t, env.catalogue.posted, 1)
	require.Len(t, env.catalogue.deleted, 1)
	require.Equal(t, env.catalogue.posted[0].Identifier, env.catalogue.deleted[0])
}

func TestAbortCleansUpStagingAndRecord(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	h, err := env.svc.CreateFile(ctx, env.principal, upload.CreateFileOptions{
		ProjectID:    "proj1",
		RelativePath: "a.txt",
		DeclaredSize: 5,
	})
	require.NoError(t, err)
	require.NoError(t, h.ReceiveSingleShot(ctx, bytes.NewReader([]byte("hello"))))

	require.NoError(t, h.Abort(ctx))

	_, err = os.Stat(h.SourcePath())
	require.True(t, os.IsNotExist(err))

	_, err = env.uploads.Get(ctx, h.Record.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// The lock must have been released: a fresh CreateFile for the same
	// path should succeed immediately.
	_, err = env.svc.CreateFile(ctx, env.principal, upload.CreateFileOptions{
		ProjectID:    "proj1",
		RelativePath: "a.txt",
		DeclaredSize: 5,
	})
	require.NoError(t, err)
}

func TestSweepAbortsStaleUploads(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	h, err := env.svc.CreateFile(ctx, env.principal, upload.CreateFileOptions{
		ProjectID:    "proj1",
		RelativePath: "stale.txt",
		DeclaredSize: 1,
	})
	require.NoError(t, err)
	env.uploads.records[h.Record.ID].CreatedAt = time.Now().Add(-48 * time.Hour)

	n, err := env.svc.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = env.uploads.Get(ctx, h.Record.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}
