// Package file implements a local filesystem-backed data source.
package file

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/xxh3"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"snapetl/internal/datasource"
)

// Supported input encodings.
const (
	EncodingUTF8        = "utf-8"
	EncodingLatin1      = "latin1"
	EncodingWindows1252 = "windows-1252"
)

// Local is a filesystem data source that opens files from the local disk.
//
// Opened readers are gzip-decompressed when the file starts with the gzip
// magic bytes (the SNAP dump ships as amazon-meta.txt.gz) and decoded to
// UTF-8 from the configured encoding. The xxh3 digest covers the raw file
// bytes, before decompression.
type Local struct {
	path     string
	encoding string
}

// NewLocal returns a Local bound to path. An empty encoding means UTF-8.
func NewLocal(path, encoding string) *Local {
	return &Local{path: path, encoding: encoding}
}

// Path returns the configured path.
func (l *Local) Path() string { return l.path }

// ValidEncoding reports whether name is a supported input encoding.
func ValidEncoding(name string) bool {
	_, err := decoderFor(name)
	return err == nil
}

// Open opens the configured path and returns a decoded text stream.
//
// Behavior:
//   - If ctx is already done, Open returns ctx.Err() without touching the
//     filesystem.
//   - Filesystem errors are wrapped with the path and still match
//     errors.Is(err, os.ErrNotExist).
//   - The returned reader implements datasource.Digester.
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dec, err := decoderFor(l.encoding)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}

	in := &Input{hasher: xxh3.New(), closers: []io.Closer{f}}
	raw := bufio.NewReaderSize(io.TeeReader(f, &countingWriter{in: in}), 256*1024)

	var r io.Reader = raw
	if magic, _ := raw.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(raw)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("gzip %s: %w", l.path, err)
		}
		in.closers = append([]io.Closer{zr}, in.closers...)
		r = zr
	}
	if dec != nil {
		r = dec.Reader(r)
	}
	in.r = r
	return in, nil
}

func decoderFor(name string) (*encoding.Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingUTF8, "utf8":
		return nil, nil
	case EncodingLatin1, "iso-8859-1":
		return charmap.ISO8859_1.NewDecoder(), nil
	case EncodingWindows1252, "cp1252":
		return charmap.Windows1252.NewDecoder(), nil
	default:
		return nil, fmt.Errorf("unsupported input encoding %q", name)
	}
}

// Input is the reader returned by Local.Open.
type Input struct {
	r       io.Reader
	hasher  *xxh3.Hasher
	n       int64
	closers []io.Closer
}

func (in *Input) Read(p []byte) (int, error) { return in.r.Read(p) }

// Close closes the decompressor (if any) and the file.
func (in *Input) Close() error {
	var first error
	for _, c := range in.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Digest returns the xxh3-64 digest of the raw bytes read so far.
func (in *Input) Digest() string {
	return fmt.Sprintf("%016x", in.hasher.Sum64())
}

// BytesRead returns the number of raw file bytes consumed.
func (in *Input) BytesRead() int64 { return in.n }

// countingWriter feeds the digest and the byte counter from the TeeReader.
type countingWriter struct{ in *Input }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.in.n += int64(len(p))
	return w.in.hasher.Write(p)
}

// HumanBytes renders n as a short size for log lines.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + "B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

var (
	_ datasource.Source   = (*Local)(nil)
	_ datasource.Digester = (*Input)(nil)
)
