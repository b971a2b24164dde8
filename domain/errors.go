package domain

import "errors"

// ErrNotFound indicates the requested record does not exist locally.
var ErrNotFound = errors.New("record not found")

// ErrUnknownTable is returned for rows whose table cannot be determined.
var ErrUnknownTable = errors.New("unknown table")

// ErrInvalidCompletion marks a malformed completion event.
var ErrInvalidCompletion = errors.New("invalid completion event")

// ErrNoIdentity is returned when no stable user id is available.
var ErrNoIdentity = errors.New("no user identity")
