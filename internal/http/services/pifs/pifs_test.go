package pifs_test

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
	"github.com/csc-fi/pifs/internal/http/services/pifs"
	"github.com/csc-fi/pifs/pkg/catalogue"
	"github.com/csc-fi/pifs/pkg/datasetguard"
	"github.com/csc-fi/pifs/pkg/lockmanager"
	"github.com/csc-fi/pifs/pkg/metrics"
	"github.com/csc-fi/pifs/pkg/quota"
	"github.com/csc-fi/pifs/pkg/store"
	"github.com/csc-fi/pifs/pkg/taskqueue"
	"github.com/csc-fi/pifs/pkg/trash"
	"github.com/csc-fi/pifs/pkg/upload"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// --- fakes, one in-memory implementation per store.* repository ---

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

type fakeFiles struct {
	byPath map[string]*store.FileRecord
}

func newFakeFiles() *fakeFiles { return &fakeFiles{byPath: map[string]*store.FileRecord{}} }

func (f *fakeFiles) Get(ctx context.Context, path string) (*store.FileRecord, error) {
	r, ok := f.byPath[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}
func (f *fakeFiles) InsertMany(ctx context.Context, records []store.FileRecord) error {
	for i := range records {
		r := records[i]
		f.byPath[r.Path] = &r
	}
	return nil
}
func (f *fakeFiles) DeleteMany(ctx context.Context, paths []string) (int64, error) {
	var n int64
	for _, p := range paths {
		if _, ok := f.byPath[p]; ok {
			delete(f.byPath, p)
			n++
		}
	}
	return n, nil
}
func (f *fakeFiles) ListByPrefix(ctx context.Context, prefix string) ([]store.FileRecord, error) {
	var out []store.FileRecord
	for p, r := range f.byPath {
		if p == prefix || (len(p) > len(prefix) && p[:len(prefix)+1] == prefix+"/") {
			out = append(out, *r)
		}
	}
	return out, nil
}

type fakeUploads struct{ records map[string]*store.Upload }

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

type fakeTasks struct{ tasks map[string]*store.Task }

func newFakeTasks() *fakeTasks { return &fakeTasks{tasks: map[string]*store.Task{}} }

func (f *fakeTasks) Get(ctx context.Context, id string) (*store.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}
func (f *fakeTasks) Create(ctx context.Context, projectID string) (*store.Task, error) {
	t := &store.Task{ID: "task-1", ProjectID: projectID, Status: store.TaskPending, CreatedAt: time.Now()}
	f.tasks[t.ID] = t
	return t, nil
}
func (f *fakeTasks) UpdateMessage(ctx context.Context, id, message string) error {
	f.tasks[id].Message = message
	return nil
}
func (f *fakeTasks) SetDone(ctx context.Context, id, message string) error {
	f.tasks[id].Status = store.TaskDone
	f.tasks[id].Message = message
	return nil
}
func (f *fakeTasks) SetError(ctx context.Context, id, message string, errs []store.TaskErrorItem) error {
	f.tasks[id].Status = store.TaskError
	f.tasks[id].Message = message
	f.tasks[id].Errors = errs
	return nil
}
func (f *fakeTasks) Delete(ctx context.Context, id string) error {
	delete(f.tasks, id)
	return nil
}

type fakeTokens struct{ byHash map[string]*store.Token }

func newFakeTokens() *fakeTokens { return &fakeTokens{byHash: map[string]*store.Token{}} }

func (f *fakeTokens) GetByHash(ctx context.Context, hash string) (*store.Token, error) {
	t, ok := f.byHash[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}
func (f *fakeTokens) Create(ctx context.Context, t *store.Token) error {
	t.ID = "token-1"
	f.byHash[t.TokenHashHex] = t
	return nil
}
func (f *fakeTokens) List(ctx context.Context, username string) ([]store.Token, error) {
	var out []store.Token
	for _, t := range f.byHash {
		if username == "" || t.Username == username {
			out = append(out, *t)
		}
	}
	return out, nil
}
func (f *fakeTokens) Delete(ctx context.Context, id string) error {
	for h, t := range f.byHash {
		if t.ID == id {
			delete(f.byHash, h)
		}
	}
	return nil
}

type fakeUsers struct{}

func (f *fakeUsers) Get(ctx context.Context, username string) (*store.User, error) {
	return nil, store.ErrNotFound
}
func (f *fakeUsers) Create(ctx context.Context, u *store.User) error { return nil }

type fakeStore struct {
	projects *fakeProjects
	files    *fakeFiles
	uploads  *fakeUploads
	tasks    *fakeTasks
	tokens   *fakeTokens
	users    *fakeUsers
}

func (s *fakeStore) Projects() store.Projects { return s.projects }
func (s *fakeStore) Files() store.Files       { return s.files }
func (s *fakeStore) Uploads() store.Uploads   { return s.uploads }
func (s *fakeStore) Tasks() store.Tasks       { return s.tasks }
func (s *fakeStore) Tokens() store.Tokens     { return s.tokens }
func (s *fakeStore) Users() store.Users       { return s.users }

// newCatalogueServer fakes just enough of the catalogue HTTP surface for
// publish/guard calls against project "proj1" to succeed.
func newCatalogueServer(t *testing.T) *catalogue.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/files/delete", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int{"deleted_count": 0})
	})
	mux.HandleFunc("/projects/proj1/file", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/files/datasets", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]string{})
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
	svc        *pifs.Service
	store      *fakeStore
	projectDir string
	admin      string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	projectsPath := filepath.Join(root, "projects")
	projectDir := filepath.Join(projectsPath, "proj1")
	require.NoError(t, os.MkdirAll(projectDir, 0o775))
	tmpDir := filepath.Join(root, "tmp")
	require.NoError(t, os.MkdirAll(tmpDir, 0o775))
	trashDir := filepath.Join(root, "trash")
	require.NoError(t, os.MkdirAll(trashDir, 0o775))

	st := &fakeStore{
		projects: &fakeProjects{project: &store.Project{ID: "proj1", Quota: 1 << 20}},
		files:    newFakeFiles(),
		uploads:  newFakeUploads(),
		tasks:    newFakeTasks(),
		tokens:   newFakeTokens(),
		users:    &fakeUsers{},
	}

	cat := newCatalogueServer(t)
	locks := newLockManager(t)
	acct := quota.New(st.projects, st.uploads)
	guard := datasetguard.New(cat)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	queueClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = queueClient.Close() })
	queue := taskqueue.New(queueClient, st.tasks, nil)

	uploadCfg := upload.Config{
		ProjectsPath:        projectsPath,
		TmpPath:             tmpDir,
		MaxContentLength:    1 << 20,
		AsyncThresholdBytes: 64 * 1024 * 1024,
		LockTTL:             time.Hour,
		LockTimeout:         time.Second,
	}
	uploads := upload.New(uploadCfg, st, locks, cat, acct, nil)

	mover := trash.New(trash.Config{
		ProjectsPath: projectsPath,
		TrashPath:    trashDir,
		LockTTL:      time.Hour,
		LockTimeout:  time.Second,
	}, st, locks, cat, guard, queue, acct, nil)

	const adminToken = "test-admin-token"
	authr := auth.New(st.tokens, st.users, adminToken)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	nopLog := zerolog.Nop()

	svc := pifs.New(pifs.Config{ProjectsPath: projectsPath}, pifs.Deps{
		Store:     st,
		Locks:     locks,
		Catalogue: cat,
		Quota:     acct,
		Guard:     guard,
		Queue:     queue,
		Uploads:   uploads,
		Trash:     mover,
		Auth:      authr,
		Tus:       nil,
		Metrics:   m,
		Log:       &nopLog,
	})

	return &testEnv{svc: svc, store: st, projectDir: projectDir, admin: adminToken}
}

func (e *testEnv) authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+e.admin)
	return req
}

func TestHandleUploadFile_Success(t *testing.T) {
	env := newEnv(t)

	body := []byte("hello world")
	req := httptest.NewRequest(http.MethodPost, "/v1/files/proj1/greeting.txt", newReader(body))
	req.ContentLength = int64(len(body))
	req = env.authed(req)

	rr := httptest.NewRecorder()
	env.svc.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp, "identifier")
	require.Contains(t, resp, "md5")
}

func TestHandleUploadFile_Conflict(t *testing.T) {
	env := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.projectDir, "existing.txt"), []byte("old"), 0o664))

	body := []byte("new content")
	req := httptest.NewRequest(http.MethodPost, "/v1/files/proj1/existing.txt", newReader(body))
	req.ContentLength = int64(len(body))
	req = env.authed(req)

	rr := httptest.NewRecorder()
	env.svc.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandleUploadFile_QuotaExceeded(t *testing.T) {
	env := newEnv(t)
	env.store.projects.project.Quota = 5 // bytes

	body := []byte("this body is definitely larger than five bytes")
	req := httptest.NewRequest(http.MethodPost, "/v1/files/proj1/big.txt", newReader(body))
	req.ContentLength = int64(len(body))
	req = env.authed(req)

	rr := httptest.NewRecorder()
	env.svc.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestHandleUploadFile_ChecksumMismatch(t *testing.T) {
	env := newEnv(t)

	body := []byte("hello world")
	req := httptest.NewRequest(http.MethodPost, "/v1/files/proj1/greeting.txt?md5=0000000000000000000000000000000", newReader(body))
	req.ContentLength = int64(len(body))
	req = env.authed(req)

	rr := httptest.NewRecorder()
	env.svc.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleGetTask_TerminalReadDeletesTask(t *testing.T) {
	env := newEnv(t)
	task, err := env.store.tasks.Create(context.Background(), "proj1")
	require.NoError(t, err)
	require.NoError(t, env.store.tasks.SetDone(context.Background(), task.ID, "ok"))

	req := env.authed(httptest.NewRequest(http.MethodGet, "/v1/tasks/"+task.ID, nil))
	rr := httptest.NewRecorder()
	env.svc.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	req2 := env.authed(httptest.NewRequest(http.MethodGet, "/v1/tasks/"+task.ID, nil))
	rr2 := httptest.NewRecorder()
	env.svc.Handler().ServeHTTP(rr2, req2)
	require.Equal(t, http.StatusNotFound, rr2.Code)
}

func TestHandleCreateToken_RequiresAdmin(t *testing.T) {
	env := newEnv(t)
	// A token minted for a non-admin principal.
	raw := "pifs-nonadmin-token"
	require.NoError(t, env.store.tokens.Create(context.Background(), &store.Token{
		Username:     "bob",
		TokenHashHex: auth.HashToken(raw),
		Admin:        false,
	}))

	body := []byte(`{"username":"carol","projects":["proj1"]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/tokens/", newReader(body))
	req.Header.Set("Authorization", "Bearer "+raw)

	rr := httptest.NewRecorder()
	env.svc.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandleCreateToken_Success(t *testing.T) {
	env := newEnv(t)

	body := []byte(`{"username":"carol","projects":["proj1"]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/tokens/", newReader(body))
	req = env.authed(req)

	rr := httptest.NewRecorder()
	env.svc.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "carol", resp["username"])
	require.NotEmpty(t, resp["token"])
}

func newReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
