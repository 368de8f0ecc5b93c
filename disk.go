package tinyfs

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// BlockDevice is the block device contract consumed by the buffer cache
// (spec.md §6): synchronous, durable reads/writes of exactly BSIZE bytes
// at a given block number. Implementations must return only once the
// transfer is durable — the log's crash-recovery protocol depends on it.
type BlockDevice interface {
	ReadBlock(blockno uint32, buf []byte) error
	WriteBlock(blockno uint32, buf []byte) error
	NumBlocks() uint32
}

// FileDisk backs a BlockDevice with a regular file, opened for
// synchronous durable I/O via golang.org/x/sys/unix so every WriteBlock
// is guaranteed on stable storage before it returns (the commit-point
// write in the log protocol requires this). An advisory flock guards
// against a second process opening the same image concurrently, since
// this module assumes a single in-process FS owns the device.
type FileDisk struct {
	fd   int
	size uint32 // total blocks
}

// OpenFileDisk opens path as a block device with nblocks blocks,
// creating it (zero-filled) if it does not exist. nblocks == 0 means
// "use whatever size the existing file already is" — the mode callers
// opening an already-formatted image pass, since NumBlocks then reports
// the image's true extent instead of truncating it to nothing.
func OpenFileDisk(path string, nblocks uint32) (*FileDisk, error) {
	fd, err := unix.Open(path, os.O_RDWR|os.O_CREATE|unix.O_DSYNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("tinyfs: open %s: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tinyfs: lock %s: %w", path, err)
	}

	st, err := unix.Fstat(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	if nblocks == 0 {
		nblocks = uint32(st.Size / BSIZE)
	} else if want := int64(nblocks) * BSIZE; st.Size < want {
		if err := unix.Ftruncate(fd, want); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("tinyfs: grow %s: %w", path, err)
		}
	}

	return &FileDisk{fd: fd, size: nblocks}, nil
}

func (d *FileDisk) NumBlocks() uint32 { return d.size }

func (d *FileDisk) ReadBlock(blockno uint32, buf []byte) error {
	if len(buf) != BSIZE {
		panic("tinyfs: ReadBlock buffer must be BSIZE")
	}
	n, err := unix.Pread(d.fd, buf, int64(blockno)*BSIZE)
	if err != nil {
		return err
	}
	if n != BSIZE {
		return fmt.Errorf("tinyfs: short read at block %d (%d bytes)", blockno, n)
	}
	return nil
}

func (d *FileDisk) WriteBlock(blockno uint32, buf []byte) error {
	if len(buf) != BSIZE {
		panic("tinyfs: WriteBlock buffer must be BSIZE")
	}
	n, err := unix.Pwrite(d.fd, buf, int64(blockno)*BSIZE)
	if err != nil {
		return err
	}
	if n != BSIZE {
		return fmt.Errorf("tinyfs: short write at block %d (%d bytes)", blockno, n)
	}
	return nil
}

// Close releases the advisory lock and closes the underlying file.
func (d *FileDisk) Close() error {
	unix.Flock(d.fd, unix.LOCK_UN)
	return unix.Close(d.fd)
}

// MemDisk is an in-memory BlockDevice, used by tests and by callers that
// want to format and inspect a filesystem without touching real storage.
// It also supports injecting I/O failures past a given block, the same
// technique the teacher's mockReader test double uses.
type MemDisk struct {
	mu      sync.Mutex
	blocks  [][BSIZE]byte
	failAt  uint32
	failErr error
}

// NewMemDisk creates an in-memory device with nblocks zeroed blocks.
func NewMemDisk(nblocks uint32) *MemDisk {
	return &MemDisk{blocks: make([][BSIZE]byte, nblocks), failAt: ^uint32(0)}
}

// FailFrom makes every ReadBlock/WriteBlock at blockno >= from return err.
// Used to simulate a crash mid-transaction (spec.md §8 scenarios 2-3).
func (d *MemDisk) FailFrom(from uint32, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAt = from
	d.failErr = err
}

func (d *MemDisk) NumBlocks() uint32 { return uint32(len(d.blocks)) }

func (d *MemDisk) ReadBlock(blockno uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if blockno >= d.failAt {
		return d.failErr
	}
	if int(blockno) >= len(d.blocks) {
		return fmt.Errorf("tinyfs: block %d out of range", blockno)
	}
	copy(buf, d.blocks[blockno][:])
	return nil
}

func (d *MemDisk) WriteBlock(blockno uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if blockno >= d.failAt {
		return d.failErr
	}
	if int(blockno) >= len(d.blocks) {
		return fmt.Errorf("tinyfs: block %d out of range", blockno)
	}
	copy(d.blocks[blockno][:], buf)
	return nil
}

// Snapshot returns a deep copy of the raw block contents, used by tests
// to inspect on-disk state (e.g. checking the bitmap) without going
// through the buffer cache.
func (d *MemDisk) Snapshot() [][BSIZE]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][BSIZE]byte, len(d.blocks))
	copy(out, d.blocks)
	return out
}
