// Copyright 2018-2020 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package errhandler maps the pkg/errtypes taxonomy to the wire error shape
// documented in spec.md §7: {"code": <int>, "error": <string>, "files": [...]}.
// It is the single point where internal result types become HTTP responses,
// matching the "exception-for-control-flow across handlers" redesign note:
// handlers return a Go error, never write an error response directly.
package errhandler

import (
	"encoding/json"
	"net/http"

	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/rs/zerolog"
)

// Response is the wire shape of every error returned by the API.
type Response struct {
	Code  int      `json:"code"`
	Error string   `json:"error"`
	Files []string `json:"files,omitempty"`
}

// StatusFor maps an error to the HTTP status code documented in spec.md §7.
// Unrecognised errors are treated as Internal (500).
func StatusFor(err error) int {
	switch {
	case asInvalidPath(err):
		return http.StatusBadRequest
	case asUploadError(err), asChecksumMismatch(err):
		return http.StatusBadRequest
	case asUnauthorized(err):
		return http.StatusUnauthorized
	case asForbidden(err):
		return http.StatusForbidden
	case asNotFound(err):
		return http.StatusNotFound
	case asMethodNotAllowed(err):
		return http.StatusMethodNotAllowed
	case asMissingContentLength(err):
		return http.StatusLengthRequired
	case asUploadConflict(err), asLockAlreadyTaken(err):
		return http.StatusConflict
	case asPayloadTooLarge(err):
		return http.StatusRequestEntityTooLarge
	case asUnsupportedContentType(err):
		return http.StatusUnsupportedMediaType
	case asHasPendingDataset(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err to w using the status and shape documented in
// spec.md §7. Internal errors are logged with the original message but the
// body is scrubbed to "Internal server error".
func WriteError(w http.ResponseWriter, log *zerolog.Logger, err error) {
	code := StatusFor(err)

	msg := err.Error()
	var files []string
	if conflict, ok := err.(*errtypes.UploadConflict); ok {
		files = conflict.Files
	}

	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("internal server error")
		msg = "Internal server error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Code: code, Error: msg, Files: files})
}

// the asXxx helpers use the marker-interface pattern from pkg/errtypes:
// an error matches if its own dynamic type implements the matching IsXxx
// interface. Wrapped errors are not unwrapped.

func asInvalidPath(err error) bool {
	_, ok := err.(interface{ IsInvalidPath() })
	return ok
}

func asUploadError(err error) bool {
	_, ok := err.(interface{ IsUploadError() })
	return ok
}

func asChecksumMismatch(err error) bool {
	_, ok := err.(interface{ IsChecksumMismatch() })
	return ok
}

func asUnauthorized(err error) bool {
	_, ok := err.(interface{ IsUnauthorized() })
	return ok
}

func asForbidden(err error) bool {
	_, ok := err.(interface{ IsForbidden() })
	return ok
}

func asNotFound(err error) bool {
	_, ok := err.(interface{ IsNotFound() })
	return ok
}

func asMethodNotAllowed(err error) bool {
	_, ok := err.(interface{ IsMethodNotAllowed() })
	return ok
}

func asMissingContentLength(err error) bool {
	_, ok := err.(interface{ IsMissingContentLength() })
	return ok
}

func asUploadConflict(err error) bool {
	_, ok := err.(interface{ IsUploadConflict() })
	return ok
}

func asLockAlreadyTaken(err error) bool {
	_, ok := err.(interface{ IsLockAlreadyTaken() })
	return ok
}

func asPayloadTooLarge(err error) bool {
	_, ok := err.(interface{ IsPayloadTooLarge() })
	return ok
}

func asUnsupportedContentType(err error) bool {
	_, ok := err.(interface{ IsUnsupportedContentType() })
	return ok
}

func asHasPendingDataset(err error) bool {
	_, ok := err.(interface{ IsHasPendingDataset() })
	return ok
}
