package storage

import "errors"

var (
	// ErrTableExists is returned by CreateTable when the name is taken.
	ErrTableExists = errors.New("table already exists")

	// ErrTableNotFound is returned when a table name or OID is unknown.
	ErrTableNotFound = errors.New("table not found")

	// ErrUniqueViolation is returned when an insert collides with a live row
	// on any unique index.
	ErrUniqueViolation = errors.New("duplicate key violates unique index")

	// ErrTxClosed is returned when a committed or aborted transaction is used.
	ErrTxClosed = errors.New("transaction already finished")

	// ErrTypeMismatch is returned when a row or key does not match the column layout.
	ErrTypeMismatch = errors.New("datum does not match column type")

	// ErrCorruptedWAL is returned when a WAL record fails its checksum or framing.
	ErrCorruptedWAL = errors.New("corrupted WAL record")

	// ErrCorruptedImage is returned when a table image cannot be decoded.
	ErrCorruptedImage = errors.New("corrupted table image")

	// ErrClosed is returned after the engine has been closed.
	ErrClosed = errors.New("storage engine closed")
)
