// Token administration, spec.md §6: "POST/GET/DELETE /v1/tokens/... (admin
// principal only)". Ported from the original project's models/token.py
// generate()/list()/delete() trio, SPEC_FULL.md "Supplemented features" #1.
package pifs

import (
	"encoding/json"
	"net/http"

	"github.com/csc-fi/pifs/internal/auth"
	"github.com/csc-fi/pifs/pkg/errhandler"
	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/csc-fi/pifs/pkg/store"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type createTokenRequest struct {
	Username string   `json:"username"`
	Projects []string `json:"projects"`
	Admin    bool     `json:"admin"`
	Session  bool     `json:"session"`
}

type tokenResponse struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Projects []string `json:"projects,omitempty"`
	Admin    bool     `json:"admin"`
	Session  bool     `json:"session"`
	Token    string   `json:"token,omitempty"`
}

func requireAdmin(w http.ResponseWriter, r *http.Request, log *zerolog.Logger) (auth.Principal, bool) {
	p, _ := principalFrom(r.Context())
	if !p.Admin {
		errhandler.WriteError(w, log, errtypes.Forbidden("admin principal required"))
		return p, false
	}
	return p, true
}

// handleCreateToken is POST /v1/tokens/.
func (s *Service) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, s.deps.Log); !ok {
		return
	}

	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.UploadError("invalid request body"))
		return
	}

	raw, err := auth.GenerateToken()
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}

	record := &store.Token{
		Username:     req.Username,
		Projects:     req.Projects,
		Admin:        req.Admin,
		Session:      req.Session,
		TokenHashHex: auth.HashToken(raw),
	}
	if err := s.deps.Store.Tokens().Create(r.Context(), record); err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}

	writeJSON(w, s.deps.Log, http.StatusOK, tokenResponse{
		ID:       record.ID,
		Username: record.Username,
		Projects: record.Projects,
		Admin:    record.Admin,
		Session:  record.Session,
		Token:    raw,
	})
}

// handleListTokens is GET /v1/tokens/?username=....
func (s *Service) handleListTokens(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, s.deps.Log); !ok {
		return
	}

	username := r.URL.Query().Get("username")
	tokens, err := s.deps.Store.Tokens().List(r.Context(), username)
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}

	out := make([]tokenResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tokenResponse{ID: t.ID, Username: t.Username, Projects: t.Projects, Admin: t.Admin, Session: t.Session})
	}
	writeJSON(w, s.deps.Log, http.StatusOK, out)
}

// handleDeleteToken is DELETE /v1/tokens/{id}.
func (s *Service) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, s.deps.Log); !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.Tokens().Delete(r.Context(), id); err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
