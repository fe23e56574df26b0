package engine

import (
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"sync"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// ChecksumWriter wraps an io.Writer to compute a checksum while writing.
type ChecksumWriter struct {
	w    io.Writer
	hash hash.Hash64
	n    int64
}

// NewChecksumWriter wraps w and feeds every written byte into h.
func NewChecksumWriter(w io.Writer, h hash.Hash64) *ChecksumWriter {
	return &ChecksumWriter{w: w, hash: h}
}

// Write writes data to the underlying writer and updates the checksum.
func (cw *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.n += int64(n)
		cw.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the current checksum value.
func (cw *ChecksumWriter) Checksum() uint64 {
	return cw.hash.Sum64()
}

// BytesWritten returns the total number of bytes written.
func (cw *ChecksumWriter) BytesWritten() int64 {
	return cw.n
}

// ChecksumReader wraps an io.Reader to compute a checksum while reading.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash64
	n    int64
}

// NewChecksumReader wraps r and feeds every read byte into h.
func NewChecksumReader(r io.Reader, h hash.Hash64) *ChecksumReader {
	return &ChecksumReader{r: r, hash: h}
}

// Read reads data from the underlying reader and updates the checksum.
func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n += int64(n)
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the current checksum value.
func (cr *ChecksumReader) Checksum() uint64 {
	return cr.hash.Sum64()
}

// BytesRead returns the total number of bytes read.
func (cr *ChecksumReader) BytesRead() int64 {
	return cr.n
}

// ChecksumPool manages reusable CRC64 hashers to reduce allocations.
type ChecksumPool struct {
	pool sync.Pool
}

// NewChecksumPool creates a new ChecksumPool.
func NewChecksumPool() *ChecksumPool {
	return &ChecksumPool{
		pool: sync.Pool{
			New: func() any {
				return crc64.New(crcTable)
			},
		},
	}
}

// Get retrieves a hasher from the pool.
func (cp *ChecksumPool) Get() hash.Hash64 {
	return cp.pool.Get().(hash.Hash64)
}

// Put returns a hasher to the pool after resetting it.
func (cp *ChecksumPool) Put(h hash.Hash64) {
	h.Reset()
	cp.pool.Put(h)
}

// compareChecksums checks the bytes read from a source against the bytes read
// back from its copy.
func compareChecksums(source, copied *ChecksumReader) error {
	if source.BytesRead() != copied.BytesRead() {
		return fmt.Errorf("%w: read %d bytes, copy holds %d", ErrChecksumMismatch, source.BytesRead(), copied.BytesRead())
	}
	if source.Checksum() != copied.Checksum() {
		return fmt.Errorf("%w: crc64 %016x != %016x", ErrChecksumMismatch, source.Checksum(), copied.Checksum())
	}
	return nil
}
