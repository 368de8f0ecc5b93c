package tinyfs

import (
	"compress/gzip"
	"fmt"
	"io"
)

// Comp identifies a compression codec for the image dump/restore tool
// (SPEC_FULL.md §3: an offline copy utility, not an on-disk format). Mirrors the teacher's SquashComp enum.
type Comp uint16

const (
	CompNone Comp = 0
	CompGzip Comp = 1
	CompXZ   Comp = 2
	CompZstd Comp = 3
)

func (c Comp) String() string {
	switch c {
	case CompNone:
		return "none"
	case CompGzip:
		return "gzip"
	case CompXZ:
		return "xz"
	case CompZstd:
		return "zstd"
	}
	return fmt.Sprintf("Comp(%d)", c)
}

// CompHandler pairs a streaming compressor and decompressor for one
// codec, registered by build-tag-gated init functions the way the
// teacher registers its squashfs decompressors.
type CompHandler struct {
	Compress   func(w io.Writer) (io.WriteCloser, error)
	Decompress func(r io.Reader) (io.ReadCloser, error)
}

var compHandlers = map[Comp]*CompHandler{}

// RegisterCompHandler installs the handler for c, overwriting any prior
// registration. Called from init() in comp_xz.go / comp_zstd.go when
// built with their respective tags.
func RegisterCompHandler(c Comp, h *CompHandler) {
	compHandlers[c] = h
}

func init() {
	RegisterCompHandler(CompNone, &CompHandler{
		Compress:   func(w io.Writer) (io.WriteCloser, error) { return nopWriteCloser{w}, nil },
		Decompress: func(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(r), nil },
	})
	RegisterCompHandler(CompGzip, &CompHandler{
		Compress: func(w io.Writer) (io.WriteCloser, error) { return gzip.NewWriter(w), nil },
		Decompress: func(r io.Reader) (io.ReadCloser, error) {
			gr, err := gzip.NewReader(r)
			if err != nil {
				return nil, err
			}
			return gr, nil
		},
	})
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// GetCompHandler returns the handler registered for c, or an error if
// its codec was not built in (e.g. xz/zstd without the matching build
// tag).
func GetCompHandler(c Comp) (*CompHandler, error) {
	h, ok := compHandlers[c]
	if !ok {
		return nil, fmt.Errorf("tinyfs: compressor %s not available in this build", c)
	}
	return h, nil
}

// DumpImage streams every block of disk through the codec named by c and
// writes the compressed result to w, for offline backup of a filesystem
// image (SPEC_FULL.md's dump/restore utility).
func DumpImage(disk BlockDevice, c Comp, w io.Writer) error {
	h, err := GetCompHandler(c)
	if err != nil {
		return err
	}
	cw, err := h.Compress(w)
	if err != nil {
		return err
	}

	var buf [BSIZE]byte
	for b := uint32(0); b < disk.NumBlocks(); b++ {
		if err := disk.ReadBlock(b, buf[:]); err != nil {
			cw.Close()
			return fmt.Errorf("tinyfs: dump: read block %d: %w", b, err)
		}
		if _, err := cw.Write(buf[:]); err != nil {
			cw.Close()
			return err
		}
	}
	return cw.Close()
}

// RestoreImage reads a stream produced by DumpImage and writes its
// blocks back onto disk.
func RestoreImage(disk BlockDevice, c Comp, r io.Reader) error {
	h, err := GetCompHandler(c)
	if err != nil {
		return err
	}
	cr, err := h.Decompress(r)
	if err != nil {
		return err
	}
	defer cr.Close()

	var buf [BSIZE]byte
	for b := uint32(0); b < disk.NumBlocks(); b++ {
		if _, err := io.ReadFull(cr, buf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return fmt.Errorf("tinyfs: restore: block %d: %w", b, err)
		}
		if err := disk.WriteBlock(b, buf[:]); err != nil {
			return fmt.Errorf("tinyfs: restore: write block %d: %w", b, err)
		}
	}
	return nil
}
