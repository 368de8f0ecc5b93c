package tinyfs

import "encoding/binary"

// superblockBytes is the on-disk size of a Superblock: 8 little-endian
// uint32 fields.
const superblockBytes = 8 * 4

// Superblock is the static layout descriptor read at mount (spec.md §3).
// A nonzero, matching Magic validates the filesystem.
type Superblock struct {
	Magic      uint32
	Size       uint32 // total blocks in the filesystem image
	NBlocks    uint32 // number of data blocks
	NInodes    uint32 // number of inodes
	NLog       uint32 // number of log blocks, including the header
	LogStart   uint32 // first block of the log region
	InodeStart uint32 // first block of the inode table
	BmapStart  uint32 // first block of the free-block bitmap
}

func (sb *Superblock) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], sb.Size)
	binary.LittleEndian.PutUint32(buf[8:12], sb.NBlocks)
	binary.LittleEndian.PutUint32(buf[12:16], sb.NInodes)
	binary.LittleEndian.PutUint32(buf[16:20], sb.NLog)
	binary.LittleEndian.PutUint32(buf[20:24], sb.LogStart)
	binary.LittleEndian.PutUint32(buf[24:28], sb.InodeStart)
	binary.LittleEndian.PutUint32(buf[28:32], sb.BmapStart)
}

func (sb *Superblock) unmarshal(buf []byte) {
	sb.Magic = binary.LittleEndian.Uint32(buf[0:4])
	sb.Size = binary.LittleEndian.Uint32(buf[4:8])
	sb.NBlocks = binary.LittleEndian.Uint32(buf[8:12])
	sb.NInodes = binary.LittleEndian.Uint32(buf[12:16])
	sb.NLog = binary.LittleEndian.Uint32(buf[16:20])
	sb.LogStart = binary.LittleEndian.Uint32(buf[20:24])
	sb.InodeStart = binary.LittleEndian.Uint32(buf[24:28])
	sb.BmapStart = binary.LittleEndian.Uint32(buf[28:32])
}

// layoutFor computes a Superblock for a fresh filesystem image of
// totalBlocks blocks with ninodes inodes, laying out boot(0) / super(1) /
// log / inodes / bitmap / data in that order, matching spec.md §3's
// region table.
func layoutFor(totalBlocks, ninodes uint32) Superblock {
	nlog := uint32(LOGSIZE + 1) // +1 for the header block itself
	ninodeblocks := (ninodes + IPB - 1) / IPB

	logStart := uint32(2) // block 0 boot, block 1 superblock
	inodeStart := logStart + nlog
	nbitmapblocks := (totalBlocks + BPB - 1) / BPB
	bmapStart := inodeStart + ninodeblocks

	nmeta := bmapStart + nbitmapblocks
	var nblocks uint32
	if totalBlocks > nmeta {
		nblocks = totalBlocks - nmeta
	}

	return Superblock{
		Magic:      FSMAGIC,
		Size:       totalBlocks,
		NBlocks:    nblocks,
		NInodes:    ninodes,
		NLog:       nlog,
		LogStart:   logStart,
		InodeStart: inodeStart,
		BmapStart:  bmapStart,
	}
}
