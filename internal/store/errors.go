package store

import "errors"

var (
	ErrNotFound     = errors.New("record not found")
	ErrClaimLost    = errors.New("mutation claim no longer held")
	ErrUnknownKind  = errors.New("unknown cache kind")
	ErrUnknownStore = errors.New("unknown store driver")
)
