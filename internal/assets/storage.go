package assets

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pierrec/lz4/v4"

	"github.com/ChuLiYu/frame-jobs/internal/jobs"
	"github.com/ChuLiYu/frame-jobs/internal/world"
)

// DefaultChunkSize bounds how many bytes one step reads from storage
const DefaultChunkSize = 32 * 1024

var (
	// ErrArchiveTruncated is returned when an archive is shorter than its size prefix
	ErrArchiveTruncated = errors.New("archive truncated")
	// ErrArchiveCorrupt is returned when an archive does not decompress to its declared size
	ErrArchiveCorrupt = errors.New("archive corrupt")
)

// Storage is the byte source assets load from. It is stored in the world as a
// resource.
type Storage struct {
	FS        fs.FS
	ChunkSize int
}

// NewStorage creates a Storage rooted at dir
func NewStorage(dir string, chunkSize int) *Storage {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Storage{FS: os.DirFS(dir), ChunkSize: chunkSize}
}

// ReadFile reads a whole file, suspending for a step between chunks so a large file
// is spread across frames
func ReadFile(co *jobs.Co, path string) ([]byte, error) {
	st := jobs.WithWorld(co, func(w *world.World) *Storage {
		return world.MustResource[*Storage](w)
	})

	f, err := st.FS.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	size := st.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	var buf bytes.Buffer
	chunk := make([]byte, size)
	for {
		n, err := f.Read(chunk)
		buf.Write(chunk[:n])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		co.YieldNext()
	}
	return buf.Bytes(), nil
}

// ReadArchive reads and decompresses an archive
func ReadArchive(co *jobs.Co, path string) ([]byte, error) {
	data, err := ReadFile(co, path)
	if err != nil {
		return nil, err
	}
	raw, err := DecodeArchive(data)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", path, err)
	}
	slog.Debug("archive loaded",
		"path", path,
		"compressed", humanize.Bytes(uint64(len(data))),
		"size", humanize.Bytes(uint64(len(raw))))
	return raw, nil
}

// ============================================================================
// Archive format: little-endian u32 uncompressed size, then one LZ4 block
// ============================================================================

// DecodeArchive decompresses a size-prefixed LZ4 block
func DecodeArchive(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d byte header", ErrArchiveTruncated, len(data))
	}
	size := binary.LittleEndian.Uint32(data)
	// one LZ4 block expands at most 255x, plus the literal tail
	if bound := 255*uint64(len(data)-4) + 16; uint64(size) > bound {
		return nil, fmt.Errorf("%w: header says %d bytes, block can hold at most %d", ErrArchiveCorrupt, size, bound)
	}
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("%w: got %d bytes, header says %d", ErrArchiveCorrupt, n, size)
	}
	return out, nil
}

// EncodeArchive compresses raw into a size-prefixed LZ4 block
func EncodeArchive(raw []byte) ([]byte, error) {
	out := make([]byte, 4, 4+lz4.CompressBlockBound(len(raw)))
	binary.LittleEndian.PutUint32(out, uint32(len(raw)))
	if len(raw) == 0 {
		return out, nil
	}

	var c lz4.Compressor
	block := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := c.CompressBlock(raw, block)
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if n == 0 {
		// incompressible input: store it as a single literal run
		return append(out, literalBlock(raw)...), nil
	}
	return append(out, block[:n]...), nil
}

// literalBlock encodes src as an LZ4 block made of one literal-only sequence
func literalBlock(src []byte) []byte {
	out := make([]byte, 0, len(src)+len(src)/255+2)
	n := len(src)
	if n < 15 {
		out = append(out, byte(n<<4))
	} else {
		out = append(out, 0xF0)
		rest := n - 15
		for rest >= 255 {
			out = append(out, 255)
			rest -= 255
		}
		out = append(out, byte(rest))
	}
	return append(out, src...)
}

// WriteArchive compresses raw and writes it to path atomically (temp file + rename)
func WriteArchive(path string, raw []byte) (int, error) {
	data, err := EncodeArchive(raw)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create archive dir: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write temp archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename archive: %w", err)
	}
	return len(data), nil
}
