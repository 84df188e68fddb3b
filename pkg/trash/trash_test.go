package trash_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/csc-fi/pifs/internal/auth"
	"github.com/csc-fi/pifs/pkg/catalogue"
	"github.com/csc-fi/pifs/pkg/datasetguard"
	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/csc-fi/pifs/pkg/lockmanager"
	"github.com/csc-fi/pifs/pkg/quota"
	"github.com/csc-fi/pifs/pkg/store"
	"github.com/csc-fi/pifs/pkg/taskqueue"
	"github.com/csc-fi/pifs/pkg/trash"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

type fakeProjects struct{ project *store.Project }

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

type fakeUploads struct{}

func (f *fakeUploads) Get(ctx context.Context, id string) (*store.Upload, error) { return nil, nil }
func (f *fakeUploads) Create(ctx context.Context, u *store.Upload) error         { return nil }
func (f *fakeUploads) UpdateBytesReceived(ctx context.Context, id string, n int64) error {
	return nil
}
func (f *fakeUploads) SetSourceChecksum(ctx context.Context, id, checksum string) error { return nil }
func (f *fakeUploads) Delete(ctx context.Context, id string) error                      { return nil }
func (f *fakeUploads) ReservedBytes(ctx context.Context, projectID string) (int64, error) {
	return 0, nil
}
func (f *fakeUploads) ListOlderThan(ctx context.Context, cutoff time.Time) ([]store.Upload, error) {
	return nil, nil
}

type fakeFiles struct {
	records map[string]store.FileRecord
}

func newFakeFiles() *fakeFiles { return &fakeFiles{records: map[string]store.FileRecord{}} }

func (f *fakeFiles) Get(ctx context.Context, path string) (*store.FileRecord, error) {
	r, ok := f.records[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}
func (f *fakeFiles) InsertMany(ctx context.Context, records []store.FileRecord) error {
	for _, r := range records {
		f.records[r.Path] = r
	}
	return nil
}
func (f *fakeFiles) DeleteMany(ctx context.Context, paths []string) (int64, error) {
	var n int64
	for _, p := range paths {
		if _, ok := f.records[p]; ok {
			delete(f.records, p)
			n++
		}
	}
	return n, nil
}
func (f *fakeFiles) ListByPrefix(ctx context.Context, pathPrefix string) ([]store.FileRecord, error) {
	var out []store.FileRecord
	for path, r := range f.records {
		if path == pathPrefix || strings.HasPrefix(path, pathPrefix+"/") {
			out = append(out, r)
		}
	}
	return out, nil
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
	t := &store.Task{ID: "task-" + projectID + "-1", ProjectID: projectID, Status: store.TaskPending}
	if _, exists := f.tasks[t.ID]; exists {
		t.ID = t.ID + "x"
	}
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
	projects *fakeProjects
	files    *fakeFiles
	uploads  *fakeUploads
	tasks    *fakeTasks
}

func (s *fakeStore) Projects() store.Projects { return s.projects }
func (s *fakeStore) Files() store.Files       { return s.files }
func (s *fakeStore) Uploads() store.Uploads   { return s.uploads }
func (s *fakeStore) Tasks() store.Tasks       { return s.tasks }
func (s *fakeStore) Tokens() store.Tokens     { return nil }
func (s *fakeStore) Users() store.Users       { return nil }

type catalogueState struct {
	deleted  []string
	datasets map[string][]string
	dsStates map[string]string
}

func newCatalogueServer(t *testing.T, state *catalogueState) *catalogue.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/files/datasets", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Identifiers []string `json:"identifiers"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := map[string][]string{}
		for _, id := range req.Identifiers {
			if ds, ok := state.datasets[id]; ok {
				out[id] = ds
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/datasets/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/datasets/")
		_ = json.NewEncoder(w).Encode(catalogue.Dataset{ID: id, PreservationState: state.dsStates[id]})
	})
	mux.HandleFunc("/files/delete", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Identifiers []string `json:"identifiers"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		state.deleted = append(state.deleted, req.Identifiers...)
		_ = json.NewEncoder(w).Encode(map[string]int{"deleted_count": len(req.Identifiers)})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return catalogue.New(catalogue.Config{BaseURL: srv.URL})
}

type testEnv struct {
	mover      *trash.Mover
	st         *fakeStore
	catalogue  *catalogueState
	locks      *lockmanager.Manager
	queue      *taskqueue.Queue
	projectDir string
	trashDir   string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	projectDir := filepath.Join(root, "projects", "proj1")
	require.NoError(t, os.MkdirAll(projectDir, 0o775))
	trashDir := filepath.Join(root, "trash")
	require.NoError(t, os.MkdirAll(trashDir, 0o775))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locks := lockmanager.New(client, time.Hour, time.Second)

	st := &fakeStore{
		projects: &fakeProjects{project: &store.Project{ID: "proj1", Quota: 1 << 20}},
		files:    newFakeFiles(),
		uploads:  &fakeUploads{},
		tasks:    newFakeTasks(),
	}
	queue := taskqueue.New(client, st.tasks, nil)

	catState := &catalogueState{datasets: map[string][]string{}, dsStates: map[string]string{}}
	cat := newCatalogueServer(t, catState)
	guard := datasetguard.New(cat)
	acct := quota.New(st.projects, st.uploads)

	cfg := trash.Config{
		ProjectsPath: filepath.Join(root, "projects"),
		TrashPath:    trashDir,
		LockTTL:      time.Hour,
		LockTimeout:  time.Second,
	}
	mover := trash.New(cfg, st, locks, cat, guard, queue, acct, nil)

	return &testEnv{
		mover:      mover,
		st:         st,
		catalogue:  catState,
		locks:      locks,
		queue:      queue,
		projectDir: projectDir,
		trashDir:   trashDir,
	}
}

func TestDeleteRenamesIntoTrashAndProcessFinishes(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	principal := auth.Principal{Username: "alice", Admin: true}

	subdir := filepath.Join(env.projectDir, "a")
	require.NoError(t, os.MkdirAll(subdir, 0o775))
	filePath := filepath.Join(subdir, "b.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("hello"), 0o664))
	env.st.files.records[filePath] = store.FileRecord{Path: filePath, Identifier: "file-1", Checksum: "x"}

	taskID, err := env.mover.Delete(ctx, principal, "proj1", "a")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	_, err = os.Stat(subdir)
	require.True(t, os.IsNotExist(err))

	job, err := env.queue.Dequeue(ctx, time.Second, taskqueue.QueueFiles)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, taskID, job.TaskID)

	require.NoError(t, env.mover.Process(ctx, job))

	require.Contains(t, env.catalogue.deleted, "file-1")
	require.Empty(t, env.st.files.records)

	task, err := env.st.tasks.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskDone, task.Status)
	require.Equal(t, "Deleted files and metadata: /a", task.Message)

	require.NoError(t, env.locks.Acquire(ctx, "proj1", subdir, 0, time.Hour))
}

func TestDeleteBlockedByPendingDataset(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	principal := auth.Principal{Username: "alice", Admin: true}

	filePath := filepath.Join(env.projectDir, "b.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("hello"), 0o664))
	env.st.files.records[filePath] = store.FileRecord{Path: filePath, Identifier: "file-1"}
	env.catalogue.datasets["file-1"] = []string{"ds-1"}
	env.catalogue.dsStates["ds-1"] = datasetguard.StateGenerating

	_, err := env.mover.Delete(ctx, principal, "proj1", "b.txt")
	require.Error(t, err)
	var pending errtypes.HasPendingDataset
	require.ErrorAs(t, err, &pending)

	_, statErr := os.Stat(filePath)
	require.NoError(t, statErr)
}

func TestDeleteForbidsUnauthorizedProject(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	principal := auth.Principal{Username: "mallory", Projects: []string{"other"}}

	_, err := env.mover.Delete(ctx, principal, "proj1", "a")
	require.Error(t, err)
	var forbidden errtypes.Forbidden
	require.ErrorAs(t, err, &forbidden)
}

func TestProcessKeepsCatalogueMetadataForPreservedDataset(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	principal := auth.Principal{Username: "alice", Admin: true}

	filePath := filepath.Join(env.projectDir, "c.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("hello"), 0o664))
	env.st.files.records[filePath] = store.FileRecord{Path: filePath, Identifier: "file-2"}
	env.catalogue.datasets["file-2"] = []string{"ds-2"}
	env.catalogue.dsStates["ds-2"] = datasetguard.StateInPreservation

	taskID, err := env.mover.Delete(ctx, principal, "proj1", "c.txt")
	require.NoError(t, err)

	job, err := env.queue.Dequeue(ctx, time.Second, taskqueue.QueueFiles)
	require.NoError(t, err)
	require.Equal(t, taskID, job.TaskID)

	require.NoError(t, env.mover.Process(ctx, job))

	require.NotContains(t, env.catalogue.deleted, "file-2")
	require.Empty(t, env.st.files.records)
}
