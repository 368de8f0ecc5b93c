package tinyfs

import "fmt"

// Buffer is one cached copy of a disk block. At most one Buffer is
// resident per (dev, blockno) across the whole cache (spec.md §3).
type Buffer struct {
	dev     uint32
	blockno uint32
	valid   bool
	refcnt  uint32
	lastUse uint64
	data    [BSIZE]byte
	lock    *sleeplock

	// next links this buffer within whichever bucket chain currently
	// holds it. Protected by that bucket's bufmapLock.
	next *Buffer
}

func (b *Buffer) Data() []byte    { return b.data[:] }
func (b *Buffer) BlockNo() uint32 { return b.blockno }
func (b *Buffer) Dev() uint32     { return b.dev }

// bufferCache is the fixed-size, bucket-sharded block cache described in
// spec.md §4.1.
type bufferCache struct {
	disk BlockDevice

	buf [NBUF]Buffer

	// bucketHead[k] is a dummy head; the real chain is head.next, ...
	bucketHead   [NBUFMAP_BUCKET]Buffer
	bufmapLock   [NBUFMAP_BUCKET]spinlock
	evictionLock [NBUFMAP_BUCKET]spinlock

	tick tickCounter
}

func newBufferCache(disk BlockDevice) *bufferCache {
	bc := &bufferCache{disk: disk}
	for i := range bc.buf {
		bc.buf[i].lock = newSleeplock()
	}
	// All buffers start in bucket 0, matching xv6's binit().
	head := &bc.bucketHead[0]
	for i := range bc.buf {
		b := &bc.buf[i]
		b.next = head.next
		head.next = b
	}
	return bc
}

func bufmapHash(dev, blockno uint32) uint32 {
	return ((dev << 27) | blockno) % NBUFMAP_BUCKET
}

// get returns a locked buffer for (dev, blockno), populating its identity
// but not necessarily its contents (see read for that). Implements the
// corrected bget protocol from spec.md §4.1 / §9.
func (bc *bufferCache) get(dev, blockno uint32) *Buffer {
	key := bufmapHash(dev, blockno)

	// 1: fast path, scan our own bucket.
	bc.bufmapLock[key].Lock()
	for b := bc.bucketHead[key].next; b != nil; b = b.next {
		if b.dev == dev && b.blockno == blockno {
			b.refcnt++
			bc.bufmapLock[key].Unlock()
			b.lock.Acquire()
			return b
		}
	}
	bc.bufmapLock[key].Unlock()

	// 2: miss. Serialize eviction attempts for this key.
	bc.evictionLock[key].Lock()

	bc.bufmapLock[key].Lock()
	for b := bc.bucketHead[key].next; b != nil; b = b.next {
		if b.dev == dev && b.blockno == blockno {
			b.refcnt++
			bc.bufmapLock[key].Unlock()
			bc.evictionLock[key].Unlock()
			b.lock.Acquire()
			return b
		}
	}
	bc.bufmapLock[key].Unlock()

	// 3: still missing. Find the globally least-recently-released
	// unreferenced buffer, scanning one bucket lock at a time.
	var before *Buffer // predecessor of the best candidate
	holdingBucket := -1

	for i := 0; i < NBUFMAP_BUCKET; i++ {
		bc.bufmapLock[i].Lock()

		found := false
		for b := &bc.bucketHead[i]; b.next != nil; b = b.next {
			if b.next.refcnt == 0 && (before == nil || b.next.lastUse < before.next.lastUse) {
				before = b
				found = true
			}
		}
		if !found {
			bc.bufmapLock[i].Unlock()
		} else {
			if holdingBucket != -1 {
				bc.bufmapLock[holdingBucket].Unlock()
			}
			holdingBucket = i
		}
	}

	if before == nil {
		panic("tinyfs: bget: no buffers")
	}

	victim := before.next

	// 4: move victim into bucket key if it isn't already there.
	if holdingBucket != int(key) {
		before.next = victim.next
		bc.bufmapLock[holdingBucket].Unlock()

		bc.bufmapLock[key].Lock()
		victim.next = bc.bucketHead[key].next
		bc.bucketHead[key].next = victim
	}

	victim.dev = dev
	victim.blockno = blockno
	victim.refcnt = 1
	victim.valid = false

	bc.bufmapLock[key].Unlock()
	bc.evictionLock[key].Unlock()

	victim.lock.Acquire()
	return victim
}

// read returns a locked buffer with valid contents for (dev, blockno).
func (bc *bufferCache) read(dev, blockno uint32) (*Buffer, error) {
	b := bc.get(dev, blockno)
	if !b.valid {
		if err := bc.disk.ReadBlock(blockno, b.data[:]); err != nil {
			b.lock.Release()
			return nil, fmt.Errorf("tinyfs: read block %d: %w", blockno, err)
		}
		b.valid = true
	}
	return b, nil
}

// write synchronously writes a locked buffer's contents to disk. Caller
// must hold b's sleeplock.
func (bc *bufferCache) write(b *Buffer) error {
	if !b.lock.Holding() {
		panic("tinyfs: bwrite: buffer not locked")
	}
	return bc.disk.WriteBlock(b.blockno, b.data[:])
}

// release unlocks b and, if its reference count drops to zero, marks it
// eligible for eviction ordering by recency.
func (bc *bufferCache) release(b *Buffer) {
	if !b.lock.Holding() {
		panic("tinyfs: brelse: buffer not locked")
	}
	b.lock.Release()

	key := bufmapHash(b.dev, b.blockno)
	bc.bufmapLock[key].Lock()
	b.refcnt--
	if b.refcnt == 0 {
		b.lastUse = bc.tick.now()
	}
	bc.bufmapLock[key].Unlock()
}

// pin prevents a buffer from being evicted, without touching its
// sleeplock; used by the log to hold transaction buffers until commit.
func (bc *bufferCache) pin(b *Buffer) {
	key := bufmapHash(b.dev, b.blockno)
	bc.bufmapLock[key].Lock()
	b.refcnt++
	bc.bufmapLock[key].Unlock()
}

// unpin is pin's inverse.
func (bc *bufferCache) unpin(b *Buffer) {
	key := bufmapHash(b.dev, b.blockno)
	bc.bufmapLock[key].Lock()
	b.refcnt--
	bc.bufmapLock[key].Unlock()
}

// tickCounter is a monotonic counter used only for LRU ordering; a stale
// read (as spec.md §5 notes for xv6's `ticks`) is benign here since we
// serialize increments behind a spinlock rather than a real timer
// interrupt.
type tickCounter struct {
	sl spinlock
	n  uint64
}

func (t *tickCounter) now() uint64 {
	t.sl.Lock()
	t.n++
	v := t.n
	t.sl.Unlock()
	return v
}
