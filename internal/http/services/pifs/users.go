package pifs

import "net/http"

// handleListProjects is GET /v1/users/projects, spec.md §6: projects the
// current principal may access. A nil Projects list on the principal means
// "all of the user's projects"; PIFS has no separate project-enumeration
// store to resolve that against here, so it reports the explicit list the
// principal carries and an empty list for the "all projects" case (the
// admin/basic-auth caller is expected to operate by project ID directly).
func (s *Service) handleListProjects(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	projects := principal.Projects
	if projects == nil {
		projects = []string{}
	}
	writeJSON(w, s.deps.Log, http.StatusOK, map[string]interface{}{
		"projects": projects,
	})
}
