//go:build fuse

package tinyfs

import (
	"context"
	"syscall"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fuseNode adapts one path within a mounted FS to go-fuse's high-level
// node API. Unlike the read-only archive the teacher exposes this way,
// tinyfs is mutable, so fuseNode implements the writer-side interfaces
// too (NodeCreater, NodeMkdirer, NodeUnlinker, NodeWriter).
type fuseNode struct {
	fusefs.Inode
	fs   *FS
	path string
}

var (
	_ fusefs.NodeLookuper   = (*fuseNode)(nil)
	_ fusefs.NodeReaddirer  = (*fuseNode)(nil)
	_ fusefs.NodeGetattrer  = (*fuseNode)(nil)
	_ fusefs.NodeOpener     = (*fuseNode)(nil)
	_ fusefs.NodeReader     = (*fuseNode)(nil)
	_ fusefs.NodeWriter     = (*fuseNode)(nil)
	_ fusefs.NodeCreater    = (*fuseNode)(nil)
	_ fusefs.NodeMkdirer    = (*fuseNode)(nil)
	_ fusefs.NodeUnlinker   = (*fuseNode)(nil)
	_ fusefs.NodeReadlinker = (*fuseNode)(nil)
)

func joinPath(dir, name string) string {
	if dir == "" || dir == "." {
		return name
	}
	return dir + "/" + name
}

func (n *fuseNode) child(name string) *fuseNode {
	return &fuseNode{fs: n.fs, path: joinPath(n.path, name)}
}

func statToAttr(st Stat, out *fuse.Attr) {
	out.Ino = uint64(st.Inum)
	out.Size = uint64(st.Size)
	out.Nlink = uint32(st.Nlink)
	switch st.Type {
	case TDir:
		out.Mode = syscall.S_IFDIR | 0755
	case TDevice:
		out.Mode = syscall.S_IFCHR | 0644
		out.Rdev = uint32(st.Major)<<8 | uint32(st.Minor)
	case TSymlink:
		out.Mode = syscall.S_IFLNK | 0777
	default:
		out.Mode = syscall.S_IFREG | 0644
	}
}

func errnoFor(err error) syscall.Errno {
	switch err {
	case nil:
		return 0
	case ErrNotFound:
		return syscall.ENOENT
	case ErrNameExists:
		return syscall.EEXIST
	case ErrNotDirectory:
		return syscall.ENOTDIR
	case ErrIsDirectory:
		return syscall.EISDIR
	case ErrNameTooLong:
		return syscall.ENAMETOOLONG
	case ErrOutOfRange:
		return syscall.EFBIG
	default:
		return syscall.EIO
	}
}

func (n *fuseNode) Getattr(ctx context.Context, f fusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, err := n.fs.Stat(rootedPath(n.path))
	if err != nil {
		return errnoFor(err)
	}
	statToAttr(st, &out.Attr)
	return 0
}

func rootedPath(p string) string {
	if p == "" {
		return "/"
	}
	return "/" + p
}

func (n *fuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	st, err := n.fs.Stat(rootedPath(joinPath(n.path, name)))
	if err != nil {
		return nil, errnoFor(err)
	}
	statToAttr(st, &out.Attr)
	child := n.child(name)
	return n.NewInode(ctx, child, fusefs.StableAttr{Mode: out.Attr.Mode & syscall.S_IFMT, Ino: uint64(st.Inum)}), 0
}

func (n *fuseNode) Readdir(ctx context.Context) (fusefs.DirStream, syscall.Errno) {
	entries, err := n.fs.ReadDir(rootedPath(n.path))
	if err != nil {
		return nil, errnoFor(err)
	}
	fentries := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		fentries = append(fentries, fuse.DirEntry{Name: e.Name, Ino: uint64(e.Inum)})
	}
	return fusefs.NewListDirStream(fentries), 0
}

func (n *fuseNode) Open(ctx context.Context, flags uint32) (fusefs.FileHandle, uint32, syscall.Errno) {
	f, err := n.fs.Open(rootedPath(n.path))
	if err != nil {
		return nil, 0, errnoFor(err)
	}
	return &fuseFileHandle{f: f}, 0, 0
}

func (n *fuseNode) Read(ctx context.Context, f fusefs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh, ok := f.(*fuseFileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	n64, err := fh.f.ReadAt(dest, uint32(off))
	if err != nil {
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(dest[:n64]), 0
}

func (n *fuseNode) Write(ctx context.Context, f fusefs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	fh, ok := f.(*fuseFileHandle)
	if !ok {
		return 0, syscall.EBADF
	}
	written, err := fh.f.WriteAt(data, uint32(off))
	if err != nil {
		return 0, errnoFor(err)
	}
	return uint32(written), 0
}

func (n *fuseNode) Create(ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut) (*fusefs.Inode, fusefs.FileHandle, uint32, syscall.Errno) {
	f, err := n.fs.Create(rootedPath(joinPath(n.path, name)))
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	st := f.Stat()
	statToAttr(st, &out.Attr)
	child := n.child(name)
	inode := n.NewInode(ctx, child, fusefs.StableAttr{Mode: syscall.S_IFREG, Ino: uint64(st.Inum)})
	return inode, &fuseFileHandle{f: f}, 0, 0
}

func (n *fuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	if err := n.fs.Mkdir(rootedPath(joinPath(n.path, name))); err != nil {
		return nil, errnoFor(err)
	}
	st, err := n.fs.Stat(rootedPath(joinPath(n.path, name)))
	if err != nil {
		return nil, errnoFor(err)
	}
	statToAttr(st, &out.Attr)
	child := n.child(name)
	return n.NewInode(ctx, child, fusefs.StableAttr{Mode: syscall.S_IFDIR, Ino: uint64(st.Inum)}), 0
}

func (n *fuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoFor(n.fs.Remove(rootedPath(joinPath(n.path, name))))
}

func (n *fuseNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fs.Readlink(rootedPath(n.path))
	if err != nil {
		return nil, errnoFor(err)
	}
	return []byte(target), 0
}

type fuseFileHandle struct {
	f *File
}

var _ fusefs.FileReleaser = (*fuseFileHandle)(nil)

func (h *fuseFileHandle) Release(ctx context.Context) syscall.Errno {
	return errnoFor(h.f.Close())
}

// MountFUSE mounts tfs at mountpoint using go-fuse's high-level node API,
// serving until Unmount is called on the returned server.
func MountFUSE(tfs *FS, mountpoint string) (*fuse.Server, error) {
	root := &fuseNode{fs: tfs, path: ""}
	return fusefs.Mount(mountpoint, root, &fusefs.Options{
		MountOptions: fuse.MountOptions{FsName: "tinyfs"},
	})
}
