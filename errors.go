package tinyfs

import "errors"

// Package-specific sentinel errors for expected, recoverable conditions.
// Invariant violations (corruption, programmer error, resource
// exhaustion) are not represented here — they panic, per spec.md §7.
var (
	// ErrInvalidSuper is returned when the superblock magic does not
	// match FSMAGIC.
	ErrInvalidSuper = errors.New("tinyfs: invalid superblock")

	// ErrNameExists is returned by dirlink when the name is already
	// present in the directory.
	ErrNameExists = errors.New("tinyfs: directory entry already exists")

	// ErrNotFound is returned when a path component cannot be resolved.
	ErrNotFound = errors.New("tinyfs: no such file or directory")

	// ErrNotDirectory is returned when a directory operation is
	// attempted on a non-directory inode.
	ErrNotDirectory = errors.New("tinyfs: not a directory")

	// ErrIsDirectory is returned when a file operation is attempted on
	// a directory inode.
	ErrIsDirectory = errors.New("tinyfs: is a directory")

	// ErrOutOfRange is returned by readi/writei when the requested
	// offset or length falls outside the addressable range.
	ErrOutOfRange = errors.New("tinyfs: offset out of range")

	// ErrTooManySymlinks guards symlink resolution against cycles.
	ErrTooManySymlinks = errors.New("tinyfs: too many levels of symbolic links")

	// ErrNameTooLong is returned when a path component exceeds DIRSIZ.
	ErrNameTooLong = errors.New("tinyfs: name too long")
)
