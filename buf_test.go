package tinyfs

import (
	"fmt"
	"sync"
	"testing"
)

// Internal package tests: bufferCache is unexported, unlike the
// teacher's public API surface, so these tests live alongside the code
// rather than in an external _test package.

func TestBufferCacheReadWrite(t *testing.T) {
	disk := NewMemDisk(8)
	bc := newBufferCache(disk)

	b, err := bc.read(0, 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	b.Data()[0] = 0x42
	if err := bc.write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
	bc.release(b)

	b2, err := bc.read(0, 3)
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if b2.Data()[0] != 0x42 {
		t.Fatalf("got %x, want 0x42", b2.Data()[0])
	}
	bc.release(b2)
}

func TestBufferCacheSameBlockSameBuffer(t *testing.T) {
	disk := NewMemDisk(8)
	bc := newBufferCache(disk)

	b1, _ := bc.read(0, 5)
	b2, _ := bc.read(0, 5)
	if b1 != b2 {
		t.Fatalf("expected the same cached Buffer for repeat reads of the same block")
	}
	bc.release(b1)
	bc.release(b2)
}

func TestBufferCacheEvictsLeastRecentlyReleased(t *testing.T) {
	disk := NewMemDisk(NBUF + 4)
	bc := newBufferCache(disk)

	// Fill the cache, releasing each buffer immediately so it becomes
	// eligible for eviction, oldest first.
	for i := uint32(0); i < NBUF; i++ {
		b, err := bc.read(0, i)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		bc.release(b)
	}

	// Re-reference block 0 (a cache hit). Blocks 1..NBUF-1 then hit and
	// are released again in order; blocks NBUF..NBUF+3 each force an
	// eviction, which must skip the referenced block 0.
	held, err := bc.read(0, 0)
	if err != nil {
		t.Fatalf("read held: %v", err)
	}
	for i := uint32(1); i < NBUF+4; i++ {
		b, err := bc.read(0, i)
		if err != nil {
			t.Fatalf("read %d during eviction pressure: %v", i, err)
		}
		bc.release(b)
	}

	resident := func(blockno uint32) bool {
		for b := bc.bucketHead[bufmapHash(0, blockno)].next; b != nil; b = b.next {
			if b.dev == 0 && b.blockno == blockno {
				return true
			}
		}
		return false
	}
	if held.BlockNo() != 0 || !resident(0) {
		t.Fatalf("referenced buffer for block 0 was evicted")
	}
	// The four misses evicted the four least recently released buffers.
	for i := uint32(1); i <= 4; i++ {
		if resident(i) {
			t.Fatalf("block %d should have been evicted as least recently released", i)
		}
	}
	if !resident(5) {
		t.Fatalf("block 5 was evicted ahead of less recently released buffers")
	}
	bc.release(held)
}

func TestBufferCachePinPreventsEviction(t *testing.T) {
	disk := NewMemDisk(NBUF + 2)
	bc := newBufferCache(disk)

	pinned, err := bc.read(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	bc.pin(pinned)
	bc.release(pinned) // refcnt drops to 1 (pinned), not 0: still ineligible

	for i := uint32(2); i < NBUF+2; i++ {
		b, err := bc.read(0, i)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		bc.release(b)
	}

	// pinned must still hold block 1's identity.
	again, err := bc.read(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if again != pinned {
		t.Fatalf("pinned buffer was evicted despite pin")
	}
	bc.unpin(again)
	bc.release(again)
}

// spec.md §8 scenario 5: many goroutines racing through bget's
// eviction-lock/bufmap-lock hand-off, across distinct (dev, blockno)
// pairs, must neither deadlock nor panic, and must read back correct
// contents. NBUF (const.go) is fixed at a size larger than scenario 5's
// illustrative NBUF=3, so this drives the same eviction pressure -
// working sets bigger than the cache - at that fixed size instead of
// shrinking NBUF itself.
func TestBufferCacheConcurrentEvictionNoDeadlock(t *testing.T) {
	nblocks := uint32(NBUF * 4)
	disk := NewMemDisk(nblocks)
	bc := newBufferCache(disk)

	for b := uint32(0); b < nblocks; b++ {
		var data [BSIZE]byte
		data[0] = byte(b)
		if err := disk.WriteBlock(b, data[:]); err != nil {
			t.Fatalf("seed block %d: %v", b, err)
		}
	}

	const goroutines = 8
	var wg sync.WaitGroup
	errs := make(chan error, goroutines*int(nblocks))
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(seed uint32) {
			defer wg.Done()
			for i := uint32(0); i < nblocks; i++ {
				blockno := (i + seed) % nblocks
				b, err := bc.read(0, blockno)
				if err != nil {
					errs <- fmt.Errorf("read %d: %w", blockno, err)
					continue
				}
				if got := b.Data()[0]; got != byte(blockno) {
					errs <- fmt.Errorf("block %d: got %x, want %x", blockno, got, byte(blockno))
				}
				bc.release(b)
			}
		}(uint32(g))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestBufferReleaseUnlockedPanics(t *testing.T) {
	disk := NewMemDisk(4)
	bc := newBufferCache(disk)
	b, _ := bc.read(0, 0)
	bc.release(b)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic releasing an already-unlocked buffer")
		}
	}()
	bc.release(b)
}
