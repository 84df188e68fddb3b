// Copyright 2018-2019 CERN
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

// Package errtypes contains definitons for common errors.
// It would have nice to call this package errors, err or error
// but errors clashes with github.com/pkg/errors, err is used for any error variable
// and error is a reserved word :)
package errtypes

// NotFound is the error to use when a resource is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound is the method to check for w
func (e NotFound) IsNotFound() {}

// AlreadyExists is the error to use when a resource already exists.
type AlreadyExists string

func (e AlreadyExists) Error() string { return "error: already exists: " + string(e) }

// IsAlreadyExists is the method to check for w
func (e AlreadyExists) IsAlreadyExists() {}

// InvalidCredentials is the error to use when receiving invalid credentials.
type InvalidCredentials string

func (e InvalidCredentials) Error() string { return "error: invalid credentials: " + string(e) }

// IsInvalidCredentials implements the IsInvalidCredentials interface.
func (e InvalidCredentials) IsInvalidCredentials() {}

// NotSupported is the error to use when an action is not supported.
type NotSupported string

func (e NotSupported) Error() string { return "error: not supported: " + string(e) }

// IsNotSupported implements the IsNotSupported interface.
func (e NotSupported) IsNotSupported() {}

// InvalidPath is returned by the path sanitiser when a user-supplied path
// escapes the project root.
type InvalidPath string

func (e InvalidPath) Error() string { return "error: invalid path: " + string(e) }

// IsInvalidPath implements the IsInvalidPath interface.
func (e InvalidPath) IsInvalidPath() {}

// UploadError is returned for malformed uploads: bad archives, corrupt
// member names or types, unreadable source streams.
type UploadError string

func (e UploadError) Error() string { return "error: upload error: " + string(e) }

// IsUploadError implements the IsUploadError interface.
func (e UploadError) IsUploadError() {}

// ChecksumMismatch is returned when the computed checksum of a stored file
// disagrees with the checksum declared by the client.
type ChecksumMismatch string

func (e ChecksumMismatch) Error() string { return "error: checksum mismatch: " + string(e) }

// IsChecksumMismatch implements the IsChecksumMismatch interface.
func (e ChecksumMismatch) IsChecksumMismatch() {}

// Unauthorized is returned when authentication fails outright (missing or
// unrecognised credentials).
type Unauthorized string

func (e Unauthorized) Error() string { return "error: unauthorized: " + string(e) }

// IsUnauthorized implements the IsUnauthorized interface.
func (e Unauthorized) IsUnauthorized() {}

// Forbidden is returned when a principal authenticates successfully but does
// not have access to the requested project.
type Forbidden string

func (e Forbidden) Error() string { return "error: forbidden: " + string(e) }

// IsForbidden implements the IsForbidden interface.
func (e Forbidden) IsForbidden() {}

// MethodNotAllowed is returned for requests using an unsupported HTTP verb
// for a given route.
type MethodNotAllowed string

func (e MethodNotAllowed) Error() string { return "error: method not allowed: " + string(e) }

// IsMethodNotAllowed implements the IsMethodNotAllowed interface.
func (e MethodNotAllowed) IsMethodNotAllowed() {}

// MissingContentLength is returned when a streaming upload is attempted
// without a Content-Length header.
type MissingContentLength string

func (e MissingContentLength) Error() string {
	return "error: missing content length: " + string(e)
}

// IsMissingContentLength implements the IsMissingContentLength interface.
func (e MissingContentLength) IsMissingContentLength() {}

// UploadConflict is returned when a file or directory being published
// already exists, either on disk or in the catalogue. It carries the
// relative paths of every conflicting entry so the caller can report them.
type UploadConflict struct {
	Msg   string
	Files []string
}

func (e *UploadConflict) Error() string { return "error: conflict: " + e.Msg }

// IsUploadConflict implements the IsUploadConflict interface.
func (e *UploadConflict) IsUploadConflict() {}

// LockAlreadyTaken is returned when the project lock manager could not
// acquire a lock before its timeout elapsed.
type LockAlreadyTaken string

func (e LockAlreadyTaken) Error() string { return "error: locked by another task" }

// IsLockAlreadyTaken implements the IsLockAlreadyTaken interface.
func (e LockAlreadyTaken) IsLockAlreadyTaken() {}

// PayloadTooLarge is returned when an upload would exceed the configured
// maximum single-file size or the project's remaining quota.
type PayloadTooLarge string

func (e PayloadTooLarge) Error() string { return "error: payload too large: " + string(e) }

// IsPayloadTooLarge implements the IsPayloadTooLarge interface.
func (e PayloadTooLarge) IsPayloadTooLarge() {}

// UnsupportedContentType is returned when a single-shot upload does not use
// application/octet-stream, or an archive upload does not sniff as a
// supported format.
type UnsupportedContentType string

func (e UnsupportedContentType) Error() string {
	return "error: unsupported content type: " + string(e)
}

// IsUnsupportedContentType implements the IsUnsupportedContentType interface.
func (e UnsupportedContentType) IsUnsupportedContentType() {}

// HasPendingDataset is returned when a delete would remove a file or
// directory referenced by a dataset that has not yet been accepted for
// preservation (rejected datasets do not block deletion).
type HasPendingDataset string

func (e HasPendingDataset) Error() string { return "error: has pending dataset: " + string(e) }

// IsHasPendingDataset implements the IsHasPendingDataset interface.
func (e HasPendingDataset) IsHasPendingDataset() {}

// InternalError is the error to use for unexpected conditions. The original
// message is logged by the caller; errhandler always scrubs it before it
// reaches the client.
type InternalError string

func (e InternalError) Error() string { return "error: internal error: " + string(e) }

// IsInternalError implements the IsInternalError interface.
func (e InternalError) IsInternalError() {}

// IsNotFound is the interface to implement to specify that a resource is not found.
type IsNotFound interface{ IsNotFound() }

// IsAlreadyExists is the interface to implement to specify that a resource already exists.
type IsAlreadyExists interface{ IsAlreadyExists() }

// IsInvalidCredentials is the interface to implement to specify that credentials were wrong.
type IsInvalidCredentials interface{ IsInvalidCredentials() }

// IsNotSupported is the interface to implement to specify that an action is not supported.
type IsNotSupported interface{ IsNotSupported() }

// IsInvalidPath is the interface implemented by InvalidPath.
type IsInvalidPath interface{ IsInvalidPath() }

// IsUploadError is the interface implemented by UploadError.
type IsUploadError interface{ IsUploadError() }

// IsChecksumMismatch is the interface implemented by ChecksumMismatch.
type IsChecksumMismatch interface{ IsChecksumMismatch() }

// IsUnauthorized is the interface implemented by Unauthorized.
type IsUnauthorized interface{ IsUnauthorized() }

// IsForbidden is the interface implemented by Forbidden.
type IsForbidden interface{ IsForbidden() }

// IsMethodNotAllowed is the interface implemented by MethodNotAllowed.
type IsMethodNotAllowed interface{ IsMethodNotAllowed() }

// IsMissingContentLength is the interface implemented by MissingContentLength.
type IsMissingContentLength interface{ IsMissingContentLength() }

// IsUploadConflict is the interface implemented by *UploadConflict.
type IsUploadConflict interface{ IsUploadConflict() }

// IsLockAlreadyTaken is the interface implemented by LockAlreadyTaken.
type IsLockAlreadyTaken interface{ IsLockAlreadyTaken() }

// IsPayloadTooLarge is the interface implemented by PayloadTooLarge.
type IsPayloadTooLarge interface{ IsPayloadTooLarge() }

// IsUnsupportedContentType is the interface implemented by UnsupportedContentType.
type IsUnsupportedContentType interface{ IsUnsupportedContentType() }

// IsHasPendingDataset is the interface implemented by HasPendingDataset.
type IsHasPendingDataset interface{ IsHasPendingDataset() }

// IsInternalError is the interface implemented by InternalError.
type IsInternalError interface{ IsInternalError() }
