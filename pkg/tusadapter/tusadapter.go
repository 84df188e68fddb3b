// Package tusadapter maps the resumable tus protocol's lifecycle
// (creation / chunk / completion) onto pkg/upload's state machine, spec.md
// §4.6.2/§6 (C12). It wraps the real github.com/tus/tusd/v2 handler
// package's DataStore and Locker interfaces the way the corpus's own
// httpsvcs/datasvc data service wraps the older tusd handler shapes:
// NewUpload runs the creation checks of §4.6.1 and opens an upload.Handle,
// WriteChunk streams bytes into the Handle's staged source, and
// FinishUpload drives Verify -> (ExtractArchive) -> Publish, or hands the
// rest off to the "upload" queue when the declared size crosses the async
// threshold.
package tusadapter

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/csc-fi/pifs/internal/auth"
	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/csc-fi/pifs/pkg/store"
	"github.com/csc-fi/pifs/pkg/taskqueue"
	"github.com/csc-fi/pifs/pkg/upload"
	"github.com/rs/zerolog"
	"github.com/tus/tusd/v2/pkg/handler"
	"github.com/tus/tusd/v2/pkg/memorylocker"
)

// principalKey is the context key NewWithPrincipal uses to smuggle the
// resolved auth.Principal through tusd's request-scoped context into
// DataStore.NewUpload, since tusd's own Config has no notion of callers.
type principalKey struct{}

// WithPrincipal attaches principal to ctx for a subsequent tus request.
// The HTTP layer calls this before delegating to the *handler.UnroutedHandler
// returned by New, once auth.Resolver has produced a principal.
func WithPrincipal(ctx context.Context, principal auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// metadata names the tus Upload-Metadata fields, spec.md §6: "type,
// project_id, upload_path, filename, optional checksum".
const (
	metaType      = "type"
	metaProjectID = "project_id"
	metaUploadDir = "upload_path"
	metaFilename  = "filename"
	metaChecksum  = "checksum"
)

// DataStore implements handler.DataStore over pkg/upload.Service. Each
// tus upload ID is exactly the underlying upload.Handle's Record.ID: there
// is no separate ID space to reconcile across a restart, since Resume
// reconstructs a Handle from the same store.Upload row tusd would look up.
type DataStore struct {
	svc   *upload.Service
	queue *taskqueue.Queue
	log   *zerolog.Logger
}

// New builds the DataStore plus a ready-to-mount *handler.UnroutedHandler.
// basePath is the route prefix the handler rewrites Location headers
// against (the mount point of /v1/files_tus).
func New(svc *upload.Service, queue *taskqueue.Queue, log *zerolog.Logger, basePath string) (*handler.UnroutedHandler, error) {
	ds := &DataStore{svc: svc, queue: queue, log: log}

	composer := handler.NewStoreComposer()
	composer.UseCore(ds)
	composer.UseLocker(memorylocker.New())

	return handler.NewUnroutedHandler(handler.Config{
		StoreComposer:           composer,
		BasePath:                basePath,
		NotifyCompleteUploads:   false,
		RespectForwardedHeaders: true,
	})
}

// NewUpload runs the creation checks of spec.md §4.6.1 for a tus upload:
// parse Upload-Metadata, resolve the principal stashed in ctx by
// WithPrincipal, and open the matching upload.Handle.
func (ds *DataStore) NewUpload(ctx context.Context, info handler.FileInfo) (handler.Upload, error) {
	principal, ok := principalFrom(ctx)
	if !ok {
		return nil, errtypes.Unauthorized("no principal on tus upload request")
	}

	projectID := info.MetaData[metaProjectID]
	if projectID == "" {
		return nil, errtypes.UploadError("missing project_id metadata")
	}
	uploadType := info.MetaData[metaType]
	relPath := joinUploadPath(info.MetaData[metaUploadDir], info.MetaData[metaFilename])

	var h *upload.Handle
	var err error
	switch uploadType {
	case "", string(store.UploadTypeFile):
		h, err = ds.svc.CreateFile(ctx, principal, upload.CreateFileOptions{
			ProjectID:    projectID,
			RelativePath: relPath,
			DeclaredSize: info.Size,
			DeclaredSum:  info.MetaData[metaChecksum],
			IsResumable:  true,
		})
	case string(store.UploadTypeArchive):
		h, err = ds.svc.CreateArchive(ctx, principal, upload.CreateArchiveOptions{
			ProjectID:    projectID,
			TargetDir:    info.MetaData[metaUploadDir],
			DeclaredSize: info.Size,
		})
	default:
		return nil, errtypes.UploadError("unknown upload type: " + uploadType)
	}
	if err != nil {
		return nil, err
	}

	return &fileUpload{ds: ds, handle: h}, nil
}

// GetUpload reattaches to an in-flight upload for a subsequent HEAD/PATCH,
// by resuming the upload.Handle whose Record.ID is id.
func (ds *DataStore) GetUpload(ctx context.Context, id string) (handler.Upload, error) {
	h, err := ds.svc.Resume(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, handler.ErrNotFound
		}
		return nil, err
	}
	return &fileUpload{ds: ds, handle: h}, nil
}

// joinUploadPath builds the upload's relative path from the separately
// declared target directory and filename metadata fields.
func joinUploadPath(dir, filename string) string {
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		return filename
	}
	return dir + "/" + filename
}

// fileUpload implements handler.Upload by delegating to an upload.Handle.
type fileUpload struct {
	ds     *DataStore
	handle *upload.Handle
}

// WriteChunk accepts one tus PATCH body at the given offset, spec.md
// §4.6.2: "accept chunks at arbitrary offsets per the tus convention".
func (u *fileUpload) WriteChunk(ctx context.Context, offset int64, src io.Reader) (int64, error) {
	return u.handle.WriteChunkAt(ctx, offset, src)
}

// GetInfo reports the upload's current offset and declared size so tusd
// can answer a HEAD request, spec.md §4.6.2: "a HEAD on the resource must
// return the current offset".
func (u *fileUpload) GetInfo(ctx context.Context) (handler.FileInfo, error) {
	r := u.handle.Record
	return handler.FileInfo{
		ID:       r.ID,
		Size:     r.DeclaredSize,
		Offset:   r.BytesReceived,
		Storage:  map[string]string{"Type": "pifs"},
		MetaData: handler.MetaData{metaProjectID: r.ProjectID, metaType: string(r.Type), metaUploadDir: r.RelativePath},
	}, nil
}

// GetReader exposes the staged source for tusd's optional download
// extension; PIFS does not mount GetFile, but the interface still must be
// satisfied to keep the Upload contract intact.
func (u *fileUpload) GetReader(ctx context.Context) (io.ReadCloser, error) {
	return os.Open(u.handle.SourcePath())
}

// FinishUpload runs spec.md §4.6.3 once the last chunk has landed: verify
// inline for small uploads, or enqueue the rest of the pipeline on the
// "upload" queue and return immediately for anything past
// AsyncThresholdBytes.
func (u *fileUpload) FinishUpload(ctx context.Context) error {
	if u.ds.svc.IsAsync(u.handle.Record.DeclaredSize) {
		_, err := u.ds.queue.Enqueue(ctx, taskqueue.QueueUpload, u.handle.Record.ProjectID, upload.AsyncJobArgs{
			UploadID: u.handle.Record.ID,
		})
		return err
	}

	if _, err := u.handle.Verify(ctx); err != nil {
		_ = u.handle.Abort(ctx)
		return err
	}
	if u.handle.Record.Type == store.UploadTypeArchive {
		if err := u.handle.ExtractArchive(ctx); err != nil {
			_ = u.handle.Abort(ctx)
			return err
		}
	}
	if _, err := u.handle.Publish(ctx); err != nil {
		_ = u.handle.Abort(ctx)
		return err
	}
	return nil
}
