package repository

import "errors"

var (
	// ErrVersionConflict means a compare-and-swap update matched no row.
	ErrVersionConflict = errors.New("repository: version conflict")
	ErrDuplicate       = errors.New("repository: duplicate key")
)
