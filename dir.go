package tinyfs

import (
	"bytes"
	"encoding/binary"
)

// direntSize is the on-disk size of one directory entry: a uint16 inode
// number followed by a fixed DIRSIZ-byte name field.
const direntSize = 2 + DIRSIZ

// dirent is one fixed-size directory entry (spec.md §4.5). Inum == 0
// marks a free slot.
type dirent struct {
	Inum uint16
	Name [DIRSIZ]byte
}

func (de *dirent) marshal(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], de.Inum)
	copy(buf[2:2+DIRSIZ], de.Name[:])
}

func (de *dirent) unmarshal(buf []byte) {
	de.Inum = binary.LittleEndian.Uint16(buf[0:2])
	copy(de.Name[:], buf[2:2+DIRSIZ])
}

func direntName(name string) ([DIRSIZ]byte, error) {
	var out [DIRSIZ]byte
	if len(name) > DIRSIZ {
		return out, ErrNameTooLong
	}
	copy(out[:], name)
	return out, nil
}

func (de *dirent) nameString() string {
	i := bytes.IndexByte(de.Name[:], 0)
	if i < 0 {
		return string(de.Name[:])
	}
	return string(de.Name[:i])
}

// dirlookup searches directory inode dp for name, returning the inode it
// names (referenced, unlocked) and the byte offset of its dirent, or
// ErrNotFound. Caller must hold dp's lock.
func (fs *FS) dirlookup(dp *Inode, name string) (*Inode, uint32, error) {
	if dp.typ != TDir {
		return nil, 0, ErrNotDirectory
	}

	var de dirent
	buf := make([]byte, direntSize)
	for off := uint32(0); off < dp.size; off += direntSize {
		n, err := fs.ic.readi(dp, buf, off, direntSize)
		if err != nil {
			return nil, 0, err
		}
		if n != direntSize {
			panic("tinyfs: dirlookup: short directory read")
		}
		de.unmarshal(buf)
		if de.Inum == 0 {
			continue
		}
		if de.nameString() == name {
			return fs.ic.iget(fs.dev, uint32(de.Inum)), off, nil
		}
	}
	return nil, 0, ErrNotFound
}

// dirlink adds a (name, inum) entry to directory dp, reusing a free slot
// if one exists and otherwise appending. Caller must hold dp's lock and
// be within a transaction.
func (fs *FS) dirlink(dp *Inode, name string, inum uint32) error {
	if existing, _, err := fs.dirlookup(dp, name); err == nil {
		fs.ic.iput(existing)
		return ErrNameExists
	}

	rawName, err := direntName(name)
	if err != nil {
		return err
	}

	var de dirent
	buf := make([]byte, direntSize)
	off := uint32(0)
	for ; off < dp.size; off += direntSize {
		n, err := fs.ic.readi(dp, buf, off, direntSize)
		if err != nil {
			return err
		}
		if n != direntSize {
			panic("tinyfs: dirlink: short directory read")
		}
		de.unmarshal(buf)
		if de.Inum == 0 {
			break // reuse this free slot
		}
	}

	de = dirent{Inum: uint16(inum), Name: rawName}
	de.marshal(buf)
	if _, err := fs.ic.writei(dp, buf, off, direntSize); err != nil {
		return err
	}
	return nil
}

// dirunlink clears the dirent at the given offset, freeing the slot for
// reuse by a later dirlink. Caller must hold dp's lock and be within a
// transaction.
func (fs *FS) dirunlink(dp *Inode, off uint32) error {
	buf := make([]byte, direntSize)
	de := dirent{}
	de.marshal(buf)
	_, err := fs.ic.writei(dp, buf, off, direntSize)
	return err
}

// dirIsEmpty reports whether directory dp has no entries besides "."
// and "..". Caller must hold dp's lock.
func (fs *FS) dirIsEmpty(dp *Inode) (bool, error) {
	var de dirent
	buf := make([]byte, direntSize)
	for off := uint32(2 * direntSize); off < dp.size; off += direntSize {
		n, err := fs.ic.readi(dp, buf, off, direntSize)
		if err != nil {
			return false, err
		}
		if n != direntSize {
			panic("tinyfs: dirIsEmpty: short directory read")
		}
		de.unmarshal(buf)
		if de.Inum != 0 {
			return false, nil
		}
	}
	return true, nil
}
