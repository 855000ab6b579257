package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyTerminal is returned when a terminal status transition is
// attempted on an execution that has already left the running state.
var ErrAlreadyTerminal = errors.New("storage: execution already terminal")

// ErrDuplicateKey is returned when an insert collides with a uniqueness
// constraint, e.g. two concurrent upserts creating the same live memory key.
var ErrDuplicateKey = errors.New("storage: duplicate key")
