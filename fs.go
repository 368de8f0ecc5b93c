package tinyfs

import (
	"fmt"
	"sync"
)

// FS is a mounted filesystem: the wiring of the buffer cache, the
// write-ahead log, the block allocator, and the inode cache over one
// BlockDevice (spec.md §3). dev is always 0; the field exists because
// every lower layer is keyed by (dev, blockno) the way xv6's is, in case
// a future caller multiplexes several devices through one cache.
type FS struct {
	dev  uint32
	disk BlockDevice
	bc   *bufferCache
	log  *writeAheadLog
	ic   *inodeCache
	sb   Superblock

	// cwd is the default starting directory for relative-path resolution
	// (spec.md §4.5's idup(cwd) branch of namex). xv6 keeps this per
	// process; this module has no process abstraction (spec.md §1 scopes
	// process/thread identity out), so FS — the single handle spec.md §9
	// says should own the mounted subsystems — carries one shared cwd
	// instead, changed with Chdir.
	cwdMu spinlock
	cwd   *Inode
}

func (fs *FS) inodeBlock(inum uint32) uint32 {
	return fs.sb.InodeStart + inum/IPB
}

func (fs *FS) inodeOffset(inum uint32) uint32 {
	return (inum % IPB) * dinodeSize
}

// Mount reads the superblock from disk and recovers any pending
// transaction (spec.md §4.2 "Recovery"). disk must already hold a
// filesystem written by Format.
func Mount(disk BlockDevice) (*FS, error) {
	bc := newBufferCache(disk)
	fs := &FS{dev: 0, disk: disk, bc: bc}

	bp, err := bc.read(fs.dev, 1)
	if err != nil {
		return nil, fmt.Errorf("tinyfs: mount: read superblock: %w", err)
	}
	fs.sb.unmarshal(bp.Data())
	bc.release(bp)

	if fs.sb.Magic != FSMAGIC {
		return nil, ErrInvalidSuper
	}

	fs.log = newWriteAheadLog(bc, fs.dev, fs.sb.LogStart, fs.sb.NLog)
	fs.ic = newInodeCache(fs)
	fs.cwd = fs.ic.iget(fs.dev, ROOTINO)
	return fs, nil
}

// Format lays out a fresh filesystem across disk's full capacity with
// room for ninodes inodes, and creates the root directory. It returns
// the freshly mounted FS, matching xv6's mkfs.c.
func Format(disk BlockDevice, ninodes uint32) (*FS, error) {
	nblocks := disk.NumBlocks()
	sb := layoutFor(nblocks, ninodes)
	if sb.NBlocks == 0 {
		return nil, fmt.Errorf("tinyfs: format: disk too small for %d inodes", ninodes)
	}

	bc := newBufferCache(disk)
	fs := &FS{dev: 0, disk: disk, bc: bc, sb: sb}

	if err := fs.writeSuperblock(); err != nil {
		return nil, err
	}
	nbitmapblocks := (sb.Size + BPB - 1) / BPB
	if err := fs.zeroRegion(sb.LogStart, sb.BmapStart+nbitmapblocks); err != nil {
		return nil, err
	}

	fs.log = newWriteAheadLog(bc, fs.dev, sb.LogStart, sb.NLog)
	fs.ic = newInodeCache(fs)

	nmeta := sb.BmapStart + nbitmapblocks
	fs.log.beginOp()
	for b := uint32(0); b < nmeta; b++ {
		fs.markUsed(b)
	}
	fs.log.endOp()

	fs.log.beginOp()
	root := fs.ic.ialloc(TDir)
	fs.ic.ilock(root)
	root.nlink = 1
	fs.ic.iupdate(root)
	if err := fs.dirlink(root, ".", root.inum); err != nil {
		panic(fmt.Sprintf("tinyfs: format: %s", err))
	}
	if err := fs.dirlink(root, "..", root.inum); err != nil {
		panic(fmt.Sprintf("tinyfs: format: %s", err))
	}
	fs.ic.iunlockput(root)
	fs.log.endOp()

	fs.cwd = fs.ic.iget(fs.dev, root.inum)
	return fs, nil
}

func (fs *FS) writeSuperblock() error {
	bp, err := fs.bc.read(fs.dev, 1)
	if err != nil {
		return err
	}
	fs.sb.marshal(bp.Data())
	err = fs.bc.write(bp)
	fs.bc.release(bp)
	return err
}

// zeroRegion zeroes blocks [from, to) directly, bypassing the log: used
// only during Format, before any transaction exists.
func (fs *FS) zeroRegion(from, to uint32) error {
	for b := from; b < to; b++ {
		bp, err := fs.bc.read(fs.dev, b)
		if err != nil {
			return err
		}
		for i := range bp.Data() {
			bp.Data()[i] = 0
		}
		err = fs.bc.write(bp)
		fs.bc.release(bp)
		if err != nil {
			return err
		}
	}
	return nil
}

// markUsed sets block b's bit in the free-block bitmap directly, for
// reserving the fixed metadata region during Format.
func (fs *FS) markUsed(b uint32) {
	bmapBlock := fs.sb.BmapStart + b/BPB
	bp, err := fs.bc.read(fs.dev, bmapBlock)
	if err != nil {
		panic(fmt.Sprintf("tinyfs: markUsed: %s", err))
	}
	bi := b % BPB
	bp.Data()[bi/8] |= 1 << (bi % 8)
	fs.log.logWrite(bp)
	fs.bc.release(bp)
}

// Sb returns a copy of the mounted superblock, e.g. for fsck/dump tools.
func (fs *FS) Sb() Superblock { return fs.sb }

// Cwd returns fs's current default directory for relative-path
// resolution (spec.md §4.5). Mount and Format both start it at the root.
func (fs *FS) Cwd() *Inode {
	fs.cwdMu.Lock()
	defer fs.cwdMu.Unlock()
	return fs.cwd
}

// Chdir resolves path (relative to the current cwd, if not absolute)
// and makes it the new default directory for subsequent relative-path
// resolution. Mirrors xv6's sys_chdir, minus the per-process cwd xv6
// keeps since this module has no process abstraction (spec.md §1).
func (fs *FS) Chdir(path string) error {
	fs.log.beginOp()
	defer fs.log.endOp()

	ip, err := fs.namei(path)
	if err != nil {
		return err
	}
	fs.ic.ilock(ip)
	if ip.typ != TDir {
		fs.ic.iunlockput(ip)
		return ErrNotDirectory
	}
	fs.ic.iunlock(ip)

	fs.cwdMu.Lock()
	old := fs.cwd
	fs.cwd = ip
	fs.cwdMu.Unlock()

	fs.ic.iput(old)
	return nil
}

// Stat returns the metadata of the inode named by path.
func (fs *FS) Stat(path string) (Stat, error) {
	fs.log.beginOp()
	defer fs.log.endOp()

	ip, err := fs.namei(path)
	if err != nil {
		return Stat{}, err
	}
	fs.ic.ilock(ip)
	st := fs.ic.stati(ip)
	fs.ic.iunlockput(ip)
	return st, nil
}

// Mkdir creates an empty directory at path.
func (fs *FS) Mkdir(path string) error {
	fs.log.beginOp()
	defer fs.log.endOp()

	dp, name, err := fs.nameiparent(path)
	if err != nil {
		return err
	}
	fs.ic.ilock(dp)
	defer fs.ic.iunlockput(dp)
	if dp.typ != TDir {
		return ErrNotDirectory
	}

	dir := fs.ic.ialloc(TDir)
	fs.ic.ilock(dir)
	dir.nlink = 1
	fs.ic.iupdate(dir)

	if err := fs.dirlink(dir, ".", dir.inum); err != nil {
		fs.ic.iunlockput(dir)
		return err
	}
	if err := fs.dirlink(dir, "..", dp.inum); err != nil {
		fs.ic.iunlockput(dir)
		return err
	}
	fs.ic.iunlockput(dir)

	if err := fs.dirlink(dp, name, dir.inum); err != nil {
		return err
	}
	dp.nlink++
	fs.ic.iupdate(dp)
	return nil
}

// Mknod creates a device special file at path with the given major/minor
// numbers (spec.md §4.4 "Supplemented": device inodes).
func (fs *FS) Mknod(path string, major, minor uint16) error {
	fs.log.beginOp()
	defer fs.log.endOp()

	dp, name, err := fs.nameiparent(path)
	if err != nil {
		return err
	}
	fs.ic.ilock(dp)
	defer fs.ic.iunlockput(dp)

	dev := fs.ic.ialloc(TDevice)
	fs.ic.ilock(dev)
	dev.major = major
	dev.minor = minor
	dev.nlink = 1
	fs.ic.iupdate(dev)
	fs.ic.iunlockput(dev)

	return fs.dirlink(dp, name, dev.inum)
}

// Symlink creates a symlink at path whose target is the given string
// (SPEC_FULL.md "Supplemented features": xv6 itself has no symlinks).
func (fs *FS) Symlink(path, target string) error {
	fs.log.beginOp()
	defer fs.log.endOp()

	dp, name, err := fs.nameiparent(path)
	if err != nil {
		return err
	}
	fs.ic.ilock(dp)
	defer fs.ic.iunlockput(dp)

	ip := fs.ic.ialloc(TSymlink)
	fs.ic.ilock(ip)
	ip.nlink = 1
	fs.ic.iupdate(ip)
	if _, err := fs.ic.writei(ip, []byte(target), 0, uint32(len(target))); err != nil {
		fs.ic.iunlockput(ip)
		return err
	}
	if err := fs.dirlink(dp, name, ip.inum); err != nil {
		fs.ic.iunlockput(ip)
		return err
	}
	fs.ic.iunlockput(ip)
	return nil
}

// Readlink returns the target of the symlink at path without following
// it.
func (fs *FS) Readlink(path string) (string, error) {
	fs.log.beginOp()
	defer fs.log.endOp()

	ip, err := fs.namelstat(path)
	if err != nil {
		return "", err
	}
	fs.ic.ilock(ip)
	defer fs.ic.iunlockput(ip)
	if ip.typ != TSymlink {
		return "", fmt.Errorf("tinyfs: readlink: not a symlink")
	}
	buf := make([]byte, ip.size)
	if _, err := fs.ic.readi(ip, buf, 0, ip.size); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Create creates an empty regular file at path, or reopens it if it
// already exists as a regular file, and returns it open.
func (fs *FS) Create(path string) (*File, error) {
	fs.log.beginOp()
	defer fs.log.endOp()

	dp, name, err := fs.nameiparent(path)
	if err != nil {
		return nil, err
	}
	fs.ic.ilock(dp)
	defer fs.ic.iunlockput(dp)

	if existing, _, err := fs.dirlookup(dp, name); err == nil {
		fs.ic.ilock(existing)
		if existing.typ != TFile {
			fs.ic.iunlockput(existing)
			return nil, ErrIsDirectory
		}
		fs.ic.iunlock(existing)
		return &File{fs: fs, ip: existing}, nil
	}

	ip := fs.ic.ialloc(TFile)
	fs.ic.ilock(ip)
	ip.nlink = 1
	fs.ic.iupdate(ip)
	if err := fs.dirlink(dp, name, ip.inum); err != nil {
		fs.ic.iunlockput(ip)
		return nil, err
	}
	fs.ic.iunlock(ip)
	return &File{fs: fs, ip: ip}, nil
}

// Open resolves path and returns it open for reading and writing.
func (fs *FS) Open(path string) (*File, error) {
	fs.log.beginOp()
	ip, err := fs.namei(path)
	fs.log.endOp()
	if err != nil {
		return nil, err
	}
	fs.ic.ilock(ip)
	if ip.typ == TDir {
		fs.ic.iunlockput(ip)
		return nil, ErrIsDirectory
	}
	fs.ic.iunlock(ip)
	return &File{fs: fs, ip: ip}, nil
}

// Remove unlinks name from its parent directory, freeing its inode once
// the last link and the last open reference are gone.
func (fs *FS) Remove(path string) error {
	fs.log.beginOp()
	defer fs.log.endOp()

	dp, name, err := fs.nameiparent(path)
	if err != nil {
		return err
	}
	fs.ic.ilock(dp)
	defer fs.ic.iunlockput(dp)

	if name == "." || name == ".." {
		return fmt.Errorf("tinyfs: remove: %w", ErrNotFound)
	}

	ip, off, err := fs.dirlookup(dp, name)
	if err != nil {
		return err
	}
	fs.ic.ilock(ip)

	if ip.typ == TDir {
		empty, err := fs.dirIsEmpty(ip)
		if err != nil {
			fs.ic.iunlockput(ip)
			return err
		}
		if !empty {
			fs.ic.iunlockput(ip)
			return fmt.Errorf("tinyfs: remove: directory not empty")
		}
	}

	if err := fs.dirunlink(dp, off); err != nil {
		fs.ic.iunlockput(ip)
		return err
	}
	if ip.typ == TDir {
		dp.nlink--
		fs.ic.iupdate(dp)
	}
	ip.nlink--
	fs.ic.iupdate(ip)
	fs.ic.iunlockput(ip)
	return nil
}

// DirEntry is one entry returned by ReadDir.
type DirEntry struct {
	Name string
	Inum uint32
}

// ReadDir lists the entries of the directory at path.
func (fs *FS) ReadDir(path string) ([]DirEntry, error) {
	fs.log.beginOp()
	defer fs.log.endOp()

	ip, err := fs.namei(path)
	if err != nil {
		return nil, err
	}
	fs.ic.ilock(ip)
	defer fs.ic.iunlockput(ip)
	if ip.typ != TDir {
		return nil, ErrNotDirectory
	}

	var out []DirEntry
	var de dirent
	buf := make([]byte, direntSize)
	for off := uint32(0); off < ip.size; off += direntSize {
		n, err := fs.ic.readi(ip, buf, off, direntSize)
		if err != nil {
			return nil, err
		}
		if n != direntSize {
			break
		}
		de.unmarshal(buf)
		if de.Inum == 0 {
			continue
		}
		out = append(out, DirEntry{Name: de.nameString(), Inum: uint32(de.Inum)})
	}
	return out, nil
}

// File is an open regular file or device handle (spec.md §4.4).
// Concurrent Read/Write calls on the same File are serialized by mu; the
// underlying inode's sleeplock additionally serializes against other
// File handles on the same inode.
type File struct {
	fs  *FS
	ip  *Inode
	mu  sync.Mutex
	off uint32
}

func (f *File) Stat() Stat {
	f.fs.ic.ilock(f.ip)
	st := f.fs.ic.stati(f.ip)
	f.fs.ic.iunlock(f.ip)
	return st
}

// ReadAt reads len(p) bytes (or fewer, at EOF) starting at off.
func (f *File) ReadAt(p []byte, off uint32) (int, error) {
	f.fs.log.beginOp()
	defer f.fs.log.endOp()

	f.fs.ic.ilock(f.ip)
	defer f.fs.ic.iunlock(f.ip)
	n, err := f.fs.ic.readi(f.ip, p, off, uint32(len(p)))
	return int(n), err
}

// WriteAt writes len(p) bytes at off, growing the file if needed.
func (f *File) WriteAt(p []byte, off uint32) (int, error) {
	f.fs.log.beginOp()
	defer f.fs.log.endOp()

	f.fs.ic.ilock(f.ip)
	defer f.fs.ic.iunlock(f.ip)
	n, err := f.fs.ic.writei(f.ip, p, off, uint32(len(p)))
	return int(n), err
}

// Read reads from the file's current offset and advances it.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.ReadAt(p, f.off)
	f.off += uint32(n)
	return n, err
}

// Write writes at the file's current offset and advances it.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.WriteAt(p, f.off)
	f.off += uint32(n)
	return n, err
}

// Close drops this handle's reference to the underlying inode.
func (f *File) Close() error {
	f.fs.log.beginOp()
	f.fs.ic.iput(f.ip)
	f.fs.log.endOp()
	return nil
}
