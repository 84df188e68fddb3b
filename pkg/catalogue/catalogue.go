// Package catalogue is the HTTP client for the downstream preservation
// catalogue (C6), treated per spec.md §1/§4.5 as a remote file-registry
// collaborator with bulk post/list/delete and file-to-dataset reverse
// lookup. It follows the same shape as the teacher corpus's REST identity
// clients (pkg/cbox/user/rest, pkg/cbox/group/rest): a *http.Client plus
// base URL/credentials, a single low-level request helper, and typed
// wrappers per operation.
package catalogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// FileRecord is one outgoing/incoming catalogue record, the v3 shape named
// in spec.md's Open Question decision.
type FileRecord struct {
	Pathname   string `json:"pathname"`
	StorageID  string `json:"storage_identifier"`
	Identifier string `json:"identifier"`
	Checksum   string `json:"checksum"`
	Size       int64  `json:"size"`
	// FileFormat is the sniffed MIME type of the file's content, the Go
	// analogue of gen_metadata.py's file_format field (SPEC_FULL.md
	// "Supplemented features" #3).
	FileFormat string `json:"file_format,omitempty"`
}

// Dataset is the subset of a catalogue dataset PIFS needs to decide
// whether deletion is allowed, spec.md §4.9.
type Dataset struct {
	ID                string `json:"id"`
	PreservationState string `json:"preservation_state"`
}

// DirectoryRecord is returned by GetProjectDirectory.
type DirectoryRecord struct {
	Identifier string `json:"identifier"`
}

// NotAvailable is returned for catalogue lookups with no matching resource,
// distinct from errtypes.NotFound because it names an external collaborator
// state rather than a local record's absence.
type NotAvailable string

func (e NotAvailable) Error() string { return "catalogue: not available: " + string(e) }

// HTTPError is returned when the catalogue answers with a 4xx/5xx status
// the client does not special-case. It carries the response body so
// callers can log the upstream payload.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("catalogue: http %d: %s", e.StatusCode, e.Body)
}

// Client talks to the preservation catalogue's v3 HTTP API.
type Client struct {
	baseURL    string
	username   string
	password   string
	storageID  string
	httpClient *http.Client
	chunkSize  int
}

// Config carries everything needed to build a Client.
type Config struct {
	BaseURL   string
	Username  string
	Password  string
	StorageID string
	Timeout   time.Duration
	ChunkSize int
}

// New builds a Client. A zero ChunkSize defaults to 5000 (spec.md §4.5).
func New(cfg Config) *Client {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 5000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		storageID:  cfg.StorageID,
		httpClient: &http.Client{Timeout: timeout},
		chunkSize:  chunkSize,
	}
}

// StorageID returns the literal value PIFS writes into every outgoing
// catalogue record (spec.md §6).
func (c *Client) StorageID() string { return c.storageID }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "catalogue: encoding request body")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrap(err, "catalogue: building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "catalogue: transport error")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "catalogue: reading response body")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return NotAvailable(path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrap(err, "catalogue: decoding response body")
	}
	return nil
}

// PostFiles bulk-creates file records, chunking at the configured batch
// size per spec.md §4.5 ("the core chunks very large batches, ≤ 5000").
func (c *Client) PostFiles(ctx context.Context, records []FileRecord) error {
	for start := 0; start < len(records); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(records) {
			end = len(records)
		}
		if err := c.do(ctx, http.MethodPost, "/files", nil, records[start:end], nil); err != nil {
			return err
		}
	}
	return nil
}

// ListProjectFiles returns every file record known to the catalogue for a
// project, keyed by relative path, for the whole-project conflict check of
// spec.md §4.6.5.
func (c *Client) ListProjectFiles(ctx context.Context, projectID string) (map[string]FileRecord, error) {
	var records []FileRecord
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/files", nil, nil, &records); err != nil {
		return nil, err
	}
	out := make(map[string]FileRecord, len(records))
	for _, r := range records {
		out[r.Pathname] = r
	}
	return out, nil
}

// FilesToDatasets is the reverse lookup used by the dataset guard (C13).
func (c *Client) FilesToDatasets(ctx context.Context, fileIdentifiers []string) (map[string][]string, error) {
	var out map[string][]string
	req := struct {
		Identifiers []string `json:"identifiers"`
	}{Identifiers: fileIdentifiers}
	if err := c.do(ctx, http.MethodPost, "/files/datasets", nil, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Dataset fetches a single dataset's preservation state.
func (c *Client) Dataset(ctx context.Context, id string) (*Dataset, error) {
	var d Dataset
	if err := c.do(ctx, http.MethodGet, "/datasets/"+id, nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteFiles removes file records by identifier and reports how many were
// actually deleted.
func (c *Client) DeleteFiles(ctx context.Context, fileIdentifiers []string) (int, error) {
	var out struct {
		DeletedCount int `json:"deleted_count"`
	}
	req := struct {
		Identifiers []string `json:"identifiers"`
	}{Identifiers: fileIdentifiers}
	if err := c.do(ctx, http.MethodPost, "/files/delete", nil, req, &out); err != nil {
		return 0, err
	}
	return out.DeletedCount, nil
}

// GetFile looks up a single file record by its project-relative path, the
// "per-path lookup" spec.md §4.6.5 uses for single-file upload conflict
// checks instead of fetching the whole project listing. Returns
// NotAvailable if no record exists yet.
func (c *Client) GetFile(ctx context.Context, projectID, path string) (*FileRecord, error) {
	q := url.Values{"path": {path}}
	var rec FileRecord
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/file", q, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetProjectDirectory looks up a directory's catalogue identifier. A fresh
// directory with no catalogue record yet returns NotAvailable, which
// callers translate into a nil Identifier (spec.md §9 Open Question:
// "directory exists on disk but has no catalogue directory record").
func (c *Client) GetProjectDirectory(ctx context.Context, projectID, path string) (*DirectoryRecord, error) {
	q := url.Values{"path": {path}}
	var rec DirectoryRecord
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/directory", q, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
