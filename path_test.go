package tinyfs

import "testing"

func TestSkipelem(t *testing.T) {
	cases := []struct {
		path    string
		elem    string
		rest    string
		hasElem bool
	}{
		{"/a/b/c", "a", "b/c", true},
		{"a/b", "a", "b", true},
		{"///a", "a", "", true},
		{"a", "a", "", true},
		{"", "", "", false},
		{"/", "", "", false},
	}
	for _, c := range cases {
		elem, rest, ok := skipelem(c.path)
		if ok != c.hasElem || elem != c.elem || rest != c.rest {
			t.Errorf("skipelem(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.path, elem, rest, ok, c.elem, c.rest, c.hasElem)
		}
	}
}

func TestSkipelemTruncatesLongNames(t *testing.T) {
	long := "abcdefghijklmnopqrstuvwxyz"
	elem, _, ok := skipelem(long)
	if !ok {
		t.Fatal("expected an element")
	}
	if len(elem) != DIRSIZ {
		t.Fatalf("got length %d, want %d", len(elem), DIRSIZ)
	}
	if elem != long[:DIRSIZ] {
		t.Fatalf("got %q, want prefix %q", elem, long[:DIRSIZ])
	}
}

func TestNamexNotFoundOnMissingComponent(t *testing.T) {
	fs := newTestFS(t, 2000, 200)
	_, err := fs.namei("/nope")
	if err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestNameiparentRejectsTraversalThroughFile(t *testing.T) {
	fs := newTestFS(t, 2000, 200)

	// "/" has no final element, so there is no parent to return.
	fs.log.beginOp()
	_, _, err := fs.nameiparent("/")
	fs.log.endOp()
	if err != ErrNotFound {
		t.Fatalf("nameiparent(\"/\"): got %v, want ErrNotFound", err)
	}

	fs.log.beginOp()
	ip := fs.ic.ialloc(TFile)
	fs.ic.ilock(ip)
	ip.nlink = 1
	fs.ic.iupdate(ip)
	root := fs.ic.iget(fs.dev, ROOTINO)
	fs.ic.ilock(root)
	if err := fs.dirlink(root, "notadir", ip.inum); err != nil {
		t.Fatal(err)
	}
	fs.ic.iunlockput(root)
	fs.ic.iunlockput(ip)
	fs.log.endOp()

	_, _, err = fs.nameiparent("/notadir/x")
	if err != ErrNotDirectory {
		t.Fatalf("got %v, want ErrNotDirectory", err)
	}
}

// spec.md §8 scenario 6: given /a/b/c/x, namei resolves the file and
// nameiparent resolves /a/b/c plus the name "x".
func TestNamexMultiLevelPathResolvesFileAndParent(t *testing.T) {
	fs := newTestFS(t, 2000, 200)

	if err := fs.Mkdir("/a"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Mkdir("/a/b"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Mkdir("/a/b/c"); err != nil {
		t.Fatal(err)
	}
	f, err := fs.Create("/a/b/c/x")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	ip, err := fs.namei("/a/b/c/x")
	if err != nil {
		t.Fatalf("namei: %v", err)
	}
	fs.ic.ilock(ip)
	if ip.typ != TFile {
		fs.ic.iunlockput(ip)
		t.Fatalf("got type %v, want file", ip.typ)
	}
	fileInum := ip.inum
	fs.ic.iunlockput(ip)

	dp, name, err := fs.nameiparent("/a/b/c/x")
	if err != nil {
		t.Fatalf("nameiparent: %v", err)
	}
	if name != "x" {
		fs.ic.iput(dp)
		t.Fatalf("got name %q, want x", name)
	}
	fs.ic.ilock(dp)
	if dp.typ != TDir {
		fs.ic.iunlockput(dp)
		t.Fatal("nameiparent's result is not a directory")
	}
	child, _, err := fs.dirlookup(dp, "x")
	if err != nil {
		fs.ic.iunlockput(dp)
		t.Fatalf("dirlookup %q in resolved parent: %v", name, err)
	}
	if child.inum != fileInum {
		t.Fatalf("parent's %q entry points to inum %d, want %d (namei's result)", name, child.inum, fileInum)
	}
	fs.ic.iput(child)
	fs.ic.iunlockput(dp)
}
