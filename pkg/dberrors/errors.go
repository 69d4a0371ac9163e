package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("lsmdb: not found")
	ErrClosed          = errors.New("lsmdb: closed")
	ErrInvalidArgument = errors.New("lsmdb: invalid argument")
	ErrLocked          = errors.New("lsmdb: data directory is locked by another process")
)
