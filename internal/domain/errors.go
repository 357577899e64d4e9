package domain

import (
	"errors"
	"net/http"
)

var (
	ErrNotJoined       = errors.New("peer not yet joined")
	ErrAlreadyJoined   = errors.New("peer already joined")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnsupported     = errors.New("unknown method")
	ErrEngineFailure   = errors.New("media engine failure")
	ErrRoomClosed      = errors.New("room closed")
	ErrPeerClosed      = errors.New("peer closed")
)

// UnsupportedCode is the fixed reject code for unknown signaling methods.
const UnsupportedCode = 500

// Code maps an error onto the status code used both for signaling rejects
// and HTTP ingest responses.
func Code(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrAlreadyJoined):
		return http.StatusConflict
	case errors.Is(err, ErrNotJoined):
		return http.StatusForbidden
	case errors.Is(err, ErrRoomClosed), errors.Is(err, ErrPeerClosed):
		return http.StatusGone
	case errors.Is(err, ErrUnsupported):
		return UnsupportedCode
	default:
		return http.StatusInternalServerError
	}
}
