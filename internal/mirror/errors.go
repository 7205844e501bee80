package mirror

import "errors"

var (
	// ErrNotFound means the upstream confirmed the id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransient wraps upstream failures that may succeed on a later attempt.
	ErrTransient = errors.New("transient upstream error")
	// ErrConflict is returned when creating a document whose id already exists.
	ErrConflict = errors.New("document already exists")
	// ErrDocumentMissing is returned when updating a document that does not exist.
	ErrDocumentMissing = errors.New("document does not exist")
	// ErrMalformedDocument is returned when a stored document cannot be decoded.
	ErrMalformedDocument = errors.New("malformed document")
)
