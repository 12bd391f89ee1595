package storage

import "errors"

var (
	ErrChecksum        = errors.New("frame checksum mismatch")
	ErrInvalidMagic    = errors.New("invalid magic number")
	ErrInvalidVersion  = errors.New("invalid format version")
	ErrInvalidPageSize = errors.New("invalid page size")
	ErrLocked          = errors.New("store file is locked by another process")
	ErrDoubleReclaim   = errors.New("page already reclaimed")
	ErrPinned          = errors.New("pages still pinned")
)
