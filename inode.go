package tinyfs

import (
	"encoding/binary"
	"fmt"
)

// dinodeSize is the on-disk size of a dinode: 4 uint16 fields, one
// uint32, and NDIRECT+2 uint32 block addresses. const.go's IPB derives
// from this value.
const dinodeSize = 2 + 2 + 2 + 2 + 4 + (NDIRECT+2)*4

// dinode is the on-disk inode layout (spec.md §4.4).
type dinode struct {
	Type  IType
	Major uint16
	Minor uint16
	Nlink uint16
	Size  uint32
	Addrs [NDIRECT + 2]uint32
}

func (d *dinode) marshal(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(d.Type))
	binary.LittleEndian.PutUint16(buf[2:4], d.Major)
	binary.LittleEndian.PutUint16(buf[4:6], d.Minor)
	binary.LittleEndian.PutUint16(buf[6:8], d.Nlink)
	binary.LittleEndian.PutUint32(buf[8:12], d.Size)
	for i, a := range d.Addrs {
		off := 12 + 4*i
		binary.LittleEndian.PutUint32(buf[off:off+4], a)
	}
}

func (d *dinode) unmarshal(buf []byte) {
	d.Type = IType(binary.LittleEndian.Uint16(buf[0:2]))
	d.Major = binary.LittleEndian.Uint16(buf[2:4])
	d.Minor = binary.LittleEndian.Uint16(buf[4:6])
	d.Nlink = binary.LittleEndian.Uint16(buf[6:8])
	d.Size = binary.LittleEndian.Uint32(buf[8:12])
	for i := range d.Addrs {
		off := 12 + 4*i
		d.Addrs[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
}

// Stat is the caller-facing snapshot returned by stati.
type Stat struct {
	Dev   uint32
	Inum  uint32
	Type  IType
	Major uint16
	Minor uint16
	Nlink uint16
	Size  uint32
}

// Inode is the in-memory half of an inode (spec.md §4.4). ref and the
// cache-slot identity (dev, inum, valid) are protected by inodeCache.sl;
// everything else is protected by lock, which must be held to read or
// write the inode's content fields.
type Inode struct {
	dev   uint32
	inum  uint32
	ref   uint32
	valid bool
	lock  *sleeplock

	typ   IType
	major uint16
	minor uint16
	nlink uint16
	size  uint32
	addrs [NDIRECT + 2]uint32
}

func (ip *Inode) Inum() uint32 { return ip.inum }

// inodeCache is the fixed-size NINODE table of in-use inodes.
type inodeCache struct {
	sl    spinlock
	inode [NINODE]Inode
	fs    *FS
}

func newInodeCache(fs *FS) *inodeCache {
	ic := &inodeCache{fs: fs}
	for i := range ic.inode {
		ic.inode[i].lock = newSleeplock()
	}
	return ic
}

// iget finds or creates a cache slot for (dev, inum) and bumps its
// reference count. The returned inode is not locked and may not yet
// have valid content fields; call ilock before reading them.
func (ic *inodeCache) iget(dev, inum uint32) *Inode {
	ic.sl.Lock()
	defer ic.sl.Unlock()

	var empty *Inode
	for i := range ic.inode {
		ip := &ic.inode[i]
		if ip.ref > 0 && ip.dev == dev && ip.inum == inum {
			ip.ref++
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("tinyfs: iget: no free inode cache slots")
	}
	empty.dev = dev
	empty.inum = inum
	empty.ref = 1
	empty.valid = false
	return empty
}

// idup bumps ip's reference count, for callers keeping a second handle.
func (ic *inodeCache) idup(ip *Inode) *Inode {
	ic.sl.Lock()
	ip.ref++
	ic.sl.Unlock()
	return ip
}

// ilock locks ip and, if its cache slot doesn't hold valid content,
// reads the dinode in from disk.
func (ic *inodeCache) ilock(ip *Inode) {
	if ip.ref < 1 {
		panic("tinyfs: ilock: inode has no references")
	}
	ip.lock.Acquire()

	if !ip.valid {
		fs := ic.fs
		bp, err := fs.bc.read(fs.dev, fs.inodeBlock(ip.inum))
		if err != nil {
			panic(fmt.Sprintf("tinyfs: ilock: %s", err))
		}
		var d dinode
		d.unmarshal(bp.Data()[fs.inodeOffset(ip.inum):])
		fs.bc.release(bp)

		if d.Type == TFree {
			panic(fmt.Sprintf("tinyfs: ilock: inode %d has no type", ip.inum))
		}
		ip.typ = d.Type
		ip.major = d.Major
		ip.minor = d.Minor
		ip.nlink = d.Nlink
		ip.size = d.Size
		ip.addrs = d.Addrs
		ip.valid = true
	}
}

func (ic *inodeCache) iunlock(ip *Inode) {
	if !ip.lock.Holding() || ip.ref < 1 {
		panic("tinyfs: iunlock: not held")
	}
	ip.lock.Release()
}

// iput drops a reference. If this was the last reference and the inode
// has no links, its content is freed on disk. Freeing blocks requires an
// active transaction, matching the original implementation's contract
// that iput is only called by operations already inside begin_op/end_op.
func (ic *inodeCache) iput(ip *Inode) {
	ic.sl.Lock()
	if ip.ref == 1 && ip.valid && ip.nlink == 0 {
		ic.sl.Unlock()

		ip.lock.Acquire()
		ic.itrunc(ip)
		ip.typ = TFree
		ic.iupdate(ip)
		ip.valid = false
		ip.lock.Release()

		ic.sl.Lock()
	}
	ip.ref--
	ic.sl.Unlock()
}

func (ic *inodeCache) iunlockput(ip *Inode) {
	ic.iunlock(ip)
	ic.iput(ip)
}

// iupdate writes ip's in-memory content back to its on-disk dinode.
// Caller must hold ip's lock and be within a transaction.
func (ic *inodeCache) iupdate(ip *Inode) {
	fs := ic.fs
	bp, err := fs.bc.read(fs.dev, fs.inodeBlock(ip.inum))
	if err != nil {
		panic(fmt.Sprintf("tinyfs: iupdate: %s", err))
	}
	d := dinode{
		Type: ip.typ, Major: ip.major, Minor: ip.minor,
		Nlink: ip.nlink, Size: ip.size, Addrs: ip.addrs,
	}
	d.marshal(bp.Data()[fs.inodeOffset(ip.inum):])
	fs.log.logWrite(bp)
	fs.bc.release(bp)
}

// ialloc scans the inode table for a free slot, marks it allocated with
// the given type, and returns an unlocked, referenced Inode. Caller must
// be within a transaction.
func (ic *inodeCache) ialloc(typ IType) *Inode {
	fs := ic.fs
	for inum := uint32(1); inum < fs.sb.NInodes; inum++ {
		bp, err := fs.bc.read(fs.dev, fs.inodeBlock(inum))
		if err != nil {
			panic(fmt.Sprintf("tinyfs: ialloc: %s", err))
		}
		var d dinode
		off := fs.inodeOffset(inum)
		d.unmarshal(bp.Data()[off:])
		if d.Type == TFree {
			d = dinode{Type: typ}
			d.marshal(bp.Data()[off:])
			fs.log.logWrite(bp)
			fs.bc.release(bp)
			return ic.iget(fs.dev, inum)
		}
		fs.bc.release(bp)
	}
	panic("tinyfs: ialloc: no free inodes")
}

// bmap returns the block number holding the bn'th block of ip's
// content, allocating it (and any indirect blocks needed to address it)
// if it does not yet exist. Caller must hold ip's lock and be within a
// transaction if allocation may occur.
func (ic *inodeCache) bmap(ip *Inode, bn uint32) uint32 {
	fs := ic.fs

	if bn < NDIRECT {
		if ip.addrs[bn] == 0 {
			ip.addrs[bn] = fs.balloc()
		}
		return ip.addrs[bn]
	}
	bn -= NDIRECT

	if bn < NINDIRECT {
		if ip.addrs[NDIRECT] == 0 {
			ip.addrs[NDIRECT] = fs.balloc()
		}
		return ic.mapIndirect(ip.addrs[NDIRECT], bn)
	}
	bn -= NINDIRECT

	if bn < NINDIRECT*NINDIRECT {
		if ip.addrs[NDIRECT+1] == 0 {
			ip.addrs[NDIRECT+1] = fs.balloc()
		}
		outer := bn / NINDIRECT
		inner := bn % NINDIRECT

		bp, err := fs.bc.read(fs.dev, ip.addrs[NDIRECT+1])
		if err != nil {
			panic(fmt.Sprintf("tinyfs: bmap: %s", err))
		}
		mid := binary.LittleEndian.Uint32(bp.Data()[outer*4:])
		if mid == 0 {
			mid = fs.balloc()
			binary.LittleEndian.PutUint32(bp.Data()[outer*4:], mid)
			fs.log.logWrite(bp)
		}
		fs.bc.release(bp)
		return ic.mapIndirect(mid, inner)
	}

	panic("tinyfs: bmap: offset out of range")
}

// mapIndirect resolves slot i within the single-indirect block at
// indirectBlock, allocating the pointed-to data block if needed.
func (ic *inodeCache) mapIndirect(indirectBlock, i uint32) uint32 {
	fs := ic.fs
	bp, err := fs.bc.read(fs.dev, indirectBlock)
	if err != nil {
		panic(fmt.Sprintf("tinyfs: bmap: %s", err))
	}
	addr := binary.LittleEndian.Uint32(bp.Data()[i*4:])
	if addr == 0 {
		addr = fs.balloc()
		binary.LittleEndian.PutUint32(bp.Data()[i*4:], addr)
		fs.log.logWrite(bp)
	}
	fs.bc.release(bp)
	return addr
}

// itrunc frees all of ip's content blocks, direct and indirect, and
// resets its size to zero. Caller must hold ip's lock and be within a
// transaction.
func (ic *inodeCache) itrunc(ip *Inode) {
	fs := ic.fs

	for i := 0; i < NDIRECT; i++ {
		if ip.addrs[i] != 0 {
			fs.bfree(ip.addrs[i])
			ip.addrs[i] = 0
		}
	}
	if ip.addrs[NDIRECT] != 0 {
		ic.freeIndirect(ip.addrs[NDIRECT])
		ip.addrs[NDIRECT] = 0
	}
	if ip.addrs[NDIRECT+1] != 0 {
		bp, err := fs.bc.read(fs.dev, ip.addrs[NDIRECT+1])
		if err != nil {
			panic(fmt.Sprintf("tinyfs: itrunc: %s", err))
		}
		for i := 0; i < NINDIRECT; i++ {
			mid := binary.LittleEndian.Uint32(bp.Data()[i*4:])
			if mid != 0 {
				ic.freeIndirect(mid)
			}
		}
		fs.bc.release(bp)
		fs.bfree(ip.addrs[NDIRECT+1])
		ip.addrs[NDIRECT+1] = 0
	}

	ip.size = 0
	ic.iupdate(ip)
}

func (ic *inodeCache) freeIndirect(indirectBlock uint32) {
	fs := ic.fs
	bp, err := fs.bc.read(fs.dev, indirectBlock)
	if err != nil {
		panic(fmt.Sprintf("tinyfs: freeIndirect: %s", err))
	}
	for i := 0; i < NINDIRECT; i++ {
		addr := binary.LittleEndian.Uint32(bp.Data()[i*4:])
		if addr != 0 {
			fs.bfree(addr)
		}
	}
	fs.bc.release(bp)
	fs.bfree(indirectBlock)
}

func (ic *inodeCache) stati(ip *Inode) Stat {
	return Stat{
		Dev: ip.dev, Inum: ip.inum, Type: ip.typ,
		Major: ip.major, Minor: ip.minor, Nlink: ip.nlink, Size: ip.size,
	}
}

// readi reads n bytes starting at off into dst. Caller must hold ip's
// lock. Reading a device inode is not supported here; devices are
// handled by the caller via Major/Minor (spec.md §4.4 "Supplemented").
func (ic *inodeCache) readi(ip *Inode, dst []byte, off, n uint32) (uint32, error) {
	if ip.typ == TDevice {
		return 0, fmt.Errorf("tinyfs: readi: inode %d is a device", ip.inum)
	}
	if off > ip.size || off+n < off {
		return 0, fmt.Errorf("tinyfs: readi: %w", ErrOutOfRange)
	}
	if off+n > ip.size {
		n = ip.size - off
	}
	fs := ic.fs

	var total uint32
	for total < n {
		bn := ic.bmap(ip, (off+total)/BSIZE)
		bp, err := fs.bc.read(fs.dev, bn)
		if err != nil {
			return total, err
		}
		boff := (off + total) % BSIZE
		m := min32(n-total, BSIZE-boff)
		copy(dst[total:total+m], bp.Data()[boff:boff+m])
		fs.bc.release(bp)
		total += m
	}
	return total, nil
}

// writei writes n bytes from src at off, growing the file (and its
// recorded size) as needed up to MAXFILE blocks. Caller must hold ip's
// lock and be within a transaction.
func (ic *inodeCache) writei(ip *Inode, src []byte, off, n uint32) (uint32, error) {
	if ip.typ == TDevice {
		return 0, fmt.Errorf("tinyfs: writei: inode %d is a device", ip.inum)
	}
	if off > ip.size || off+n < off {
		return 0, fmt.Errorf("tinyfs: writei: %w", ErrOutOfRange)
	}
	if off+n > MAXFILE*BSIZE {
		return 0, fmt.Errorf("tinyfs: writei: %w", ErrOutOfRange)
	}
	fs := ic.fs

	var total uint32
	for total < n {
		bn := ic.bmap(ip, (off+total)/BSIZE)
		bp, err := fs.bc.read(fs.dev, bn)
		if err != nil {
			break
		}
		boff := (off + total) % BSIZE
		m := min32(n-total, BSIZE-boff)
		copy(bp.Data()[boff:boff+m], src[total:total+m])
		fs.log.logWrite(bp)
		fs.bc.release(bp)
		total += m
	}

	if off+total > ip.size {
		ip.size = off + total
	}
	ic.iupdate(ip)
	return total, nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
