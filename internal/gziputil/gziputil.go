// Package gziputil holds pooled gzip helpers shared by the request
// decompressor and the backup writer.
package gziputil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ErrTooLarge is returned when decompressed output exceeds the caller's limit.
var ErrTooLarge = errors.New("decompressed data exceeds size limit")

var writerPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Compress gzip-compresses data using pooled writers and buffers.
func Compress(data []byte) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	if err := compressTo(buf, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Decompress inflates gzip data, failing with ErrTooLarge once the output
// passes limit bytes.
func Decompress(data []byte, limit int64) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	if _, err := io.Copy(buf, io.LimitReader(gr, limit+1)); err != nil {
		return nil, err
	}
	if int64(buf.Len()) > limit {
		return nil, ErrTooLarge
	}
	return bytes.Clone(buf.Bytes()), nil
}

// CompressFile writes a gzip copy of src to dst and returns the compressed size.
func CompressFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	if err := compressTo(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return 0, fmt.Errorf("compress %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func compressTo(w io.Writer, r io.Reader) error {
	gw := writerPool.Get().(*gzip.Writer)
	gw.Reset(w)
	defer func() {
		gw.Reset(nil)
		writerPool.Put(gw)
	}()

	if _, err := io.Copy(gw, r); err != nil {
		return err
	}
	return gw.Close()
}
