package tinyfs

import "fmt"

// balloc allocates a free data block, zeroes it, and returns its block
// number. Must be called within a transaction (spec.md §4.3).
func (fs *FS) balloc() uint32 {
	sb := &fs.sb
	for base := uint32(0); base < sb.Size; base += BPB {
		bmapBlock := sb.BmapStart + base/BPB
		bp, err := fs.bc.read(fs.dev, bmapBlock)
		if err != nil {
			panic(fmt.Sprintf("tinyfs: balloc: %s", err))
		}

		limit := base + BPB
		if limit > sb.Size {
			limit = sb.Size
		}
		for bi := base; bi < limit; bi++ {
			byteIdx := (bi - base) / 8
			mask := byte(1) << ((bi - base) % 8)
			if bp.Data()[byteIdx]&mask == 0 {
				bp.Data()[byteIdx] |= mask
				fs.log.logWrite(bp)
				fs.bc.release(bp)
				fs.bzero(bi)
				return bi
			}
		}
		fs.bc.release(bp)
	}
	panic("tinyfs: balloc: out of blocks")
}

// bfree marks a data block free in the bitmap. Double-freeing a block is
// an invariant violation (spec.md §7) and panics.
func (fs *FS) bfree(b uint32) {
	sb := &fs.sb
	bmapBlock := sb.BmapStart + b/BPB
	bp, err := fs.bc.read(fs.dev, bmapBlock)
	if err != nil {
		panic(fmt.Sprintf("tinyfs: bfree: %s", err))
	}

	bi := b % BPB
	byteIdx := bi / 8
	mask := byte(1) << (bi % 8)
	if bp.Data()[byteIdx]&mask == 0 {
		panic(fmt.Sprintf("tinyfs: bfree: double free of block %d", b))
	}
	bp.Data()[byteIdx] &^= mask
	fs.log.logWrite(bp)
	fs.bc.release(bp)
}

// bzero zeroes a data block's contents through the buffer cache/log.
func (fs *FS) bzero(blockno uint32) {
	bp, err := fs.bc.read(fs.dev, blockno)
	if err != nil {
		panic(fmt.Sprintf("tinyfs: bzero: %s", err))
	}
	for i := range bp.Data() {
		bp.Data()[i] = 0
	}
	fs.log.logWrite(bp)
	fs.bc.release(bp)
}
