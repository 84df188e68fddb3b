package pifs

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

func writeJSON(w http.ResponseWriter, log *zerolog.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil && log != nil {
		log.Error().Err(err).Msg("failed to encode response body")
	}
}

// taskPollURL is the polling URL an async operation hands back to the
// client, spec.md §6: "returns 202 + polling URL".
func taskPollURL(taskID string) string {
	return "/v1/tasks/" + taskID
}
