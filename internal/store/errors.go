package store

import "errors"

// ErrNotFound indicates a missing or unauthorized resource lookup.
var ErrNotFound = errors.New("record not found")

// ErrExists is returned when creating a collection whose URI is taken.
var ErrExists = errors.New("record already exists")
