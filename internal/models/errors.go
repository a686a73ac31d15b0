package models

import "errors"

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExists      = errors.New("session already exists")
	ErrRunInProgress      = errors.New("annotation run already in progress")
	ErrNoActiveRun        = errors.New("no annotation run in progress")
	ErrNotCompleted       = errors.New("annotation run has not completed")
	ErrInvalidConfig      = errors.New("invalid run configuration")
	ErrInvalidTransition  = errors.New("invalid session state transition")
	ErrUnknownImage       = errors.New("image is not part of the session")
	ErrUnsupportedFormat  = errors.New("unsupported export format")
	ErrEmptyAnnotationSet = errors.New("annotation set is empty")
	ErrInvalidArchive     = errors.New("invalid archive")
	ErrNoImages           = errors.New("no valid images found in archive")
	ErrUploadTooLarge     = errors.New("upload exceeds size limit")
	ErrDecodeImage        = errors.New("failed to decode image")
	ErrInferenceService   = errors.New("inference service error")
	ErrMalformedResponse  = errors.New("malformed inference response")
)
