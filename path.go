package tinyfs

import "strings"

// skipelem splits the next path element off the front of path, returning
// the element, the remainder (with leading slashes consumed), and
// whether there was an element at all. Mirrors the original xv6
// skipelem byte-scanner, expressed over a Go string.
func skipelem(path string) (elem, rest string, ok bool) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if len(path) == 0 {
		return "", "", false
	}
	i := strings.IndexByte(path, '/')
	if i < 0 {
		elem = path
		path = ""
	} else {
		elem = path[:i]
		path = path[i:]
	}
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if len(elem) > DIRSIZ {
		elem = elem[:DIRSIZ]
	}
	return elem, path, true
}

const maxSymlinkDepth = 10

// namex walks path from the root if path begins with "/", otherwise from
// cwd (spec.md §4.5: "start at ROOTDEV/ROOTINO if path begins with /,
// else idup(cwd)"), resolving the final element unless nameiparent is
// set. It returns the resolved inode unlocked (but referenced) for the
// caller to lock itself, or the parent directory (unlocked, referenced)
// plus the final element's name when nameiparent is true. Grounded on
// xv6's namex (spec.md §4.6).
//
// A symlink at the final path element is followed transparently (up to
// maxSymlinkDepth); a symlink in the middle of a path is not, matching
// the scope of the "Supplemented" symlink feature this module adds
// beyond the original xv6 layout, which has no symlinks at all.
func (fs *FS) namex(path string, nameiparent bool, cwd *Inode) (*Inode, string, error) {
	return fs.namexDepth(path, nameiparent, cwd, 0)
}

func (fs *FS) namexDepth(path string, nameiparent bool, cwd *Inode, depth int) (*Inode, string, error) {
	var ip *Inode
	if strings.HasPrefix(path, "/") {
		ip = fs.ic.iget(fs.dev, ROOTINO)
	} else {
		ip = fs.ic.idup(cwd)
	}
	fs.ic.ilock(ip)

	elem, rest := "", path
	var ok bool
	for {
		elem, rest, ok = skipelem(rest)
		if !ok {
			break
		}

		if ip.typ != TDir {
			fs.ic.iunlockput(ip)
			return nil, "", ErrNotDirectory
		}

		if nameiparent && rest == "" {
			// ip is the parent of the final element; stop before
			// resolving elem itself.
			fs.ic.iunlock(ip)
			return ip, elem, nil
		}

		next, _, err := fs.dirlookup(ip, elem)
		if err != nil {
			fs.ic.iunlockput(ip)
			return nil, "", err
		}
		fs.ic.iunlockput(ip)
		fs.ic.ilock(next)
		ip = next
	}

	if nameiparent {
		fs.ic.iunlockput(ip)
		return nil, "", ErrNotFound
	}

	if ip.typ == TSymlink {
		if depth >= maxSymlinkDepth {
			fs.ic.iunlockput(ip)
			return nil, "", ErrTooManySymlinks
		}
		target := make([]byte, ip.size)
		if _, err := fs.ic.readi(ip, target, 0, ip.size); err != nil {
			fs.ic.iunlockput(ip)
			return nil, "", err
		}
		fs.ic.iunlockput(ip)
		return fs.namexDepth(string(target), false, cwd, depth+1)
	}
	fs.ic.iunlock(ip)
	return ip, elem, nil
}

// namei resolves path to its inode, unlocked, following a trailing
// symlink. Relative paths are resolved against fs's current cwd
// (spec.md §4.5); see Chdir.
func (fs *FS) namei(path string) (*Inode, error) {
	ip, _, err := fs.namex(path, false, fs.Cwd())
	return ip, err
}

// nameiparent resolves path's parent directory, unlocked, and returns the
// final path element's name for the caller to look up or create.
// Relative paths are resolved against fs's current cwd.
func (fs *FS) nameiparent(path string) (*Inode, string, error) {
	return fs.namex(path, true, fs.Cwd())
}

// namelstat resolves path's inode without following a trailing symlink,
// for Readlink and Lstat-style callers.
func (fs *FS) namelstat(path string) (*Inode, error) {
	dp, name, err := fs.nameiparent(path)
	if err != nil {
		return nil, err
	}
	fs.ic.ilock(dp)
	ip, _, err := fs.dirlookup(dp, name)
	fs.ic.iunlockput(dp)
	return ip, err
}
