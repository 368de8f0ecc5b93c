//go:build zstd

package tinyfs

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

func init() {
	RegisterCompHandler(CompZstd, &CompHandler{
		Compress: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w)
		},
		Decompress: func(r io.Reader) (io.ReadCloser, error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zr.IOReadCloser(), nil
		},
	})
}
