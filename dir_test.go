package tinyfs

import "testing"

func TestDirlinkRejectsDuplicateName(t *testing.T) {
	fs := newTestFS(t, 2000, 200)

	fs.log.beginOp()
	root := fs.ic.iget(fs.dev, ROOTINO)
	fs.ic.ilock(root)
	ip := fs.ic.ialloc(TFile)
	fs.ic.ilock(ip)
	ip.nlink = 1
	fs.ic.iupdate(ip)
	fs.ic.iunlock(ip)

	if err := fs.dirlink(root, "dup", ip.inum); err != nil {
		t.Fatal(err)
	}
	err := fs.dirlink(root, "dup", ip.inum)
	fs.ic.iunlockput(root)
	fs.ic.iput(ip)
	fs.log.endOp()

	if err != ErrNameExists {
		t.Fatalf("got %v, want ErrNameExists", err)
	}
}

func TestDirlinkReusesFreedSlot(t *testing.T) {
	fs := newTestFS(t, 2000, 200)

	fs.log.beginOp()
	root := fs.ic.iget(fs.dev, ROOTINO)
	fs.ic.ilock(root)
	sizeBefore := root.size

	ip := fs.ic.ialloc(TFile)
	fs.ic.ilock(ip)
	ip.nlink = 1
	fs.ic.iupdate(ip)
	fs.ic.iunlock(ip)
	if err := fs.dirlink(root, "tmp", ip.inum); err != nil {
		t.Fatal(err)
	}

	_, off, err := fs.dirlookup(root, "tmp")
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.dirunlink(root, off); err != nil {
		t.Fatal(err)
	}

	ip2 := fs.ic.ialloc(TFile)
	fs.ic.ilock(ip2)
	ip2.nlink = 1
	fs.ic.iupdate(ip2)
	fs.ic.iunlock(ip2)
	if err := fs.dirlink(root, "tmp2", ip2.inum); err != nil {
		t.Fatal(err)
	}

	if root.size != sizeBefore+direntSize {
		t.Fatalf("expected the freed slot to be reused instead of growing the directory: size=%d before=%d", root.size, sizeBefore)
	}
	fs.ic.iunlockput(root)
	fs.ic.iput(ip)
	fs.ic.iput(ip2)
	fs.log.endOp()
}

func TestDirlookupNotFound(t *testing.T) {
	fs := newTestFS(t, 2000, 200)

	fs.log.beginOp()
	root := fs.ic.iget(fs.dev, ROOTINO)
	fs.ic.ilock(root)
	_, _, err := fs.dirlookup(root, "missing")
	fs.ic.iunlockput(root)
	fs.log.endOp()

	if err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
