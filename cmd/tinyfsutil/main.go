package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/KarpelesLab/tinyfs"
)

const usage = `tinyfsutil - tinyfs image tool

Usage:
  tinyfsutil mkfs <image> <nblocks> [ninodes]      Format a new filesystem image
  tinyfsutil fsck <image>                          Check filesystem consistency
  tinyfsutil ls <image> [path]                     List a directory
  tinyfsutil cat <image> <path>                    Print a file's contents
  tinyfsutil dump <image> <out> [gzip|xz|zstd|none]     Write a compressed copy of the raw image
  tinyfsutil restore <image> <in> [gzip|xz|zstd|none]   Restore a raw image from a compressed copy
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "mkfs":
		err = cmdMkfs(os.Args[2:])
	case "fsck":
		err = cmdFsck(os.Args[2:])
	case "ls":
		err = cmdLs(os.Args[2:])
	case "cat":
		err = cmdCat(os.Args[2:])
	case "dump":
		err = cmdDump(os.Args[2:])
	case "restore":
		err = cmdRestore(os.Args[2:])
	case "help":
		fmt.Print(usage)
		return
	default:
		fmt.Printf("Error: unknown command %q\n", os.Args[1])
		fmt.Print(usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func cmdMkfs(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: mkfs <image> <nblocks> [ninodes]")
	}
	nblocks, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid nblocks: %w", err)
	}
	ninodes := uint64(200)
	if len(args) >= 3 {
		ninodes, err = strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid ninodes: %w", err)
		}
	}

	disk, err := tinyfs.OpenFileDisk(args[0], uint32(nblocks))
	if err != nil {
		return err
	}
	defer disk.Close()

	fs, err := tinyfs.Format(disk, uint32(ninodes))
	if err != nil {
		return err
	}
	sb := fs.Sb()
	fmt.Printf("formatted %s: %d blocks total, %d data blocks, %d inodes\n", args[0], sb.Size, sb.NBlocks, sb.NInodes)
	return nil
}

func openRO(path string) (*tinyfs.FS, func(), error) {
	disk, err := tinyfs.OpenFileDisk(path, 0)
	if err != nil {
		return nil, nil, err
	}
	fs, err := tinyfs.Mount(disk)
	if err != nil {
		disk.Close()
		return nil, nil, err
	}
	return fs, func() { disk.Close() }, nil
}

func cmdLs(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ls <image> [path]")
	}
	path := "/"
	if len(args) >= 2 {
		path = args[1]
	}

	fs, closeFn, err := openRO(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	entries, err := fs.ReadDir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		st, err := fs.Stat(joinForDisplay(path, e.Name))
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: stat %s: %s\n", e.Name, err)
			continue
		}
		fmt.Printf("%-6s %8d %s\n", st.Type, st.Size, e.Name)
	}
	return nil
}

func joinForDisplay(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func cmdCat(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: cat <image> <path>")
	}
	fs, closeFn, err := openRO(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	f, err := fs.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(os.Stdout, asReader(f))
	return err
}

// asReader adapts *tinyfs.File's ReadAt-based API to io.Reader by
// wrapping its stateful Read, which tracks its own offset. File.Read
// returns (0, nil) at end of file; the adapter reports that as io.EOF.
func asReader(f *tinyfs.File) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		n, err := f.Read(p)
		if n == 0 && err == nil && len(p) > 0 {
			return 0, io.EOF
		}
		return n, err
	})
}

type readerFunc func([]byte) (int, error)

func (r readerFunc) Read(p []byte) (int, error) { return r(p) }

func parseComp(args []string, idx int) tinyfs.Comp {
	if len(args) <= idx {
		return tinyfs.CompGzip
	}
	switch args[idx] {
	case "none":
		return tinyfs.CompNone
	case "xz":
		return tinyfs.CompXZ
	case "zstd":
		return tinyfs.CompZstd
	default:
		return tinyfs.CompGzip
	}
}

func cmdDump(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: dump <image> <out> [gzip|xz|zstd|none]")
	}
	disk, err := tinyfs.OpenFileDisk(args[0], 0)
	if err != nil {
		return err
	}
	defer disk.Close()

	out, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer out.Close()

	return tinyfs.DumpImage(disk, parseComp(args, 2), out)
}

func cmdRestore(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: restore <image> <in> [gzip|xz|zstd|none]")
	}
	in, err := os.Open(args[1])
	if err != nil {
		return err
	}
	defer in.Close()

	disk, err := tinyfs.OpenFileDisk(args[0], 0)
	if err != nil {
		return err
	}
	defer disk.Close()

	return tinyfs.RestoreImage(disk, parseComp(args, 2), in)
}

func cmdFsck(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: fsck <image>")
	}
	fs, closeFn, err := openRO(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	problems, err := tinyfs.Check(fs)
	if err != nil {
		return err
	}
	if len(problems) == 0 {
		fmt.Println("clean")
		return nil
	}
	for _, p := range problems {
		fmt.Println(p)
	}
	return fmt.Errorf("%d problems found", len(problems))
}
