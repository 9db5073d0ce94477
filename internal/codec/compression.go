// SPDX-License-Identifier: MPL-2.0

package codec

import (
	"compress/bzip2"
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/an-anime-team/wineyard/pkg/format"
)

type decompressor struct {
	name  string
	magic []byte
	open  func(io.Reader) (io.ReadCloser, error)
}

func (d decompressor) Name() string { return d.name }
func (d decompressor) Magic() []byte { return d.magic }
func (d decompressor) NewReader(r io.Reader) (io.ReadCloser, error) { return d.open(r) }

// Decompressors returns every built-in compression codec.
func Decompressors() []format.Decompressor {
	return []format.Decompressor{
		decompressor{"gzip", []byte{0x1f, 0x8b}, openGzip},
		decompressor{"bzip2", []byte("BZh"), openBzip2},
		decompressor{"xz", []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, openXz},
		decompressor{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd}, openZstd},
	}
}

func openGzip(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

func openBzip2(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(bzip2.NewReader(r)), nil
}

func openXz(r io.Reader) (io.ReadCloser, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(xr), nil
}

func openZstd(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}
