package tinyfs_test

import (
	"bytes"
	"testing"

	"github.com/KarpelesLab/tinyfs"
)

func formatMem(t *testing.T, nblocks, ninodes uint32) *tinyfs.FS {
	t.Helper()
	disk := tinyfs.NewMemDisk(nblocks)
	fs, err := tinyfs.Format(disk, ninodes)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return fs
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := formatMem(t, 2000, 200)

	f, err := fs.Create("/hello.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := []byte("hello, tinyfs")
	if _, err := f.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f2, err := fs.Open("/hello.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := make([]byte, len(want))
	n, err := f2.Read(got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(want) || !bytes.Equal(got[:n], want) {
		t.Fatalf("got %q, want %q", got[:n], want)
	}
	f2.Close()
}

func TestMkdirAndReadDir(t *testing.T) {
	fs := formatMem(t, 2000, 200)

	if err := fs.Mkdir("/sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	f, err := fs.Create("/sub/a.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.Close()

	entries, err := fs.ReadDir("/sub")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	wantAll := map[string]bool{".": true, "..": true, "a.txt": true}
	if len(names) != len(wantAll) {
		t.Fatalf("got entries %v, want %v", names, wantAll)
	}
	for _, n := range names {
		if !wantAll[n] {
			t.Fatalf("unexpected entry %q", n)
		}
	}
}

func TestRemoveFreesName(t *testing.T) {
	fs := formatMem(t, 2000, 200)

	f, err := fs.Create("/gone.txt")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := fs.Remove("/gone.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := fs.Stat("/gone.txt"); err != tinyfs.ErrNotFound {
		t.Fatalf("Stat after Remove: got %v, want ErrNotFound", err)
	}

	// The name is reusable afterward.
	f2, err := fs.Create("/gone.txt")
	if err != nil {
		t.Fatalf("recreate after Remove: %v", err)
	}
	f2.Close()
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	fs := formatMem(t, 2000, 200)

	if err := fs.Mkdir("/d"); err != nil {
		t.Fatal(err)
	}
	f, err := fs.Create("/d/x")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := fs.Remove("/d"); err == nil {
		t.Fatal("expected Remove to fail on a non-empty directory")
	}
}

func TestLargeFileSpansIndirectBlocks(t *testing.T) {
	fs := formatMem(t, 50000, 200)

	f, err := fs.Create("/big.bin")
	if err != nil {
		t.Fatal(err)
	}
	// NDIRECT*BSIZE bytes undershoots the single-indirect region; write
	// enough to force at least one indirect block to be allocated.
	size := (tinyfs.NDIRECT + 5) * tinyfs.BSIZE
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	f2, err := fs.Open("/big.bin")
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, size)
	total := 0
	for total < size {
		n, err := f2.Read(got[total:])
		if n == 0 && err != nil {
			t.Fatalf("Read: %v", err)
		}
		total += n
		if n == 0 {
			break
		}
	}
	f2.Close()
	if !bytes.Equal(got, data) {
		t.Fatalf("round-trip mismatch over indirect-block file")
	}
}

func TestSymlinkResolvesToTarget(t *testing.T) {
	fs := formatMem(t, 2000, 200)

	f, err := fs.Create("/real.txt")
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("via symlink"))
	f.Close()

	if err := fs.Symlink("/link.txt", "/real.txt"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	target, err := fs.Readlink("/link.txt")
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "/real.txt" {
		t.Fatalf("got target %q, want /real.txt", target)
	}

	f2, err := fs.Open("/link.txt")
	if err != nil {
		t.Fatalf("Open through symlink: %v", err)
	}
	defer f2.Close()
	got := make([]byte, len("via symlink"))
	if _, err := f2.Read(got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "via symlink" {
		t.Fatalf("got %q reading through symlink", got)
	}
}

func TestMountRejectsBadMagic(t *testing.T) {
	disk := tinyfs.NewMemDisk(10)
	_, err := tinyfs.Mount(disk)
	if err != tinyfs.ErrInvalidSuper {
		t.Fatalf("got %v, want ErrInvalidSuper for an unformatted disk", err)
	}
}

func TestMountAfterFormatRecoversCleanly(t *testing.T) {
	disk := tinyfs.NewMemDisk(2000)
	fs, err := tinyfs.Format(disk, 200)
	if err != nil {
		t.Fatal(err)
	}
	f, err := fs.Create("/persisted.txt")
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("data"))
	f.Close()

	remounted, err := tinyfs.Mount(disk)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	st, err := remounted.Stat("/persisted.txt")
	if err != nil {
		t.Fatalf("Stat after remount: %v", err)
	}
	if st.Size != 4 {
		t.Fatalf("got size %d, want 4", st.Size)
	}
}

func TestChdirResolvesRelativePaths(t *testing.T) {
	fs := formatMem(t, 2000, 200)

	if err := fs.Mkdir("/sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := fs.Chdir("/sub"); err != nil {
		t.Fatalf("Chdir: %v", err)
	}

	f, err := fs.Create("rel.txt")
	if err != nil {
		t.Fatalf("Create with a relative path: %v", err)
	}
	f.Write([]byte("cwd"))
	f.Close()

	st, err := fs.Stat("/sub/rel.txt")
	if err != nil {
		t.Fatalf("Stat the relatively-created file by its absolute path: %v", err)
	}
	if st.Size != 3 {
		t.Fatalf("got size %d, want 3", st.Size)
	}

	if err := fs.Chdir(".."); err != nil {
		t.Fatalf("Chdir ..: %v", err)
	}
	if _, err := fs.Stat("rel.txt"); err == nil {
		t.Fatal("rel.txt resolved from the root cwd; relative paths were not rebased after Chdir")
	}
	if _, err := fs.Stat("sub/rel.txt"); err != nil {
		t.Fatalf("Stat relative to the root cwd after Chdir \"..\": %v", err)
	}
}

func TestFsckCleanOnFreshlyFormattedImage(t *testing.T) {
	fs := formatMem(t, 2000, 200)

	f, err := fs.Create("/a")
	if err != nil {
		t.Fatal(err)
	}
	f.Write(bytes.Repeat([]byte{1}, 5000))
	f.Close()

	if err := fs.Mkdir("/d"); err != nil {
		t.Fatal(err)
	}

	problems, err := tinyfs.Check(fs)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("expected a clean filesystem, got problems: %v", problems)
	}
}
