// Package pool implements the per-peer shared memory region message
// payloads are copied into and receivers read out of by offset. The region
// is a real mapped file rather than a plain byte slice, so a separate
// process mapping the same file would see the published payloads.
package pool

import (
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	bus1types "github.com/rbarton65/bus1go/pkg/bus1/types"
)

// pageSize is the alignment every pool size must satisfy.
const pageSize = 4096

// Slice is a pool allocation: an offset/size pair into the mapped region.
type Slice struct {
	offset uint64
	size   uint64
}

func (s Slice) Offset() uint64 { return s.offset }
func (s Slice) Size() uint64   { return s.size }

var _ bus1types.Slice = Slice{}

// Pool is a bump-allocated, mmap-backed region. Flush resets the bump
// pointer to zero; individual Release calls are accepted but do not reclaim
// space mid-lifetime, since no free list is kept between resets.
type Pool struct {
	mu   sync.Mutex
	file *os.File
	data mmap.MMap
	size uint64

	bump uint64
}

// New creates a temp-file-backed mapped region of size bytes. size must be
// nonzero and page-aligned.
func New(size uint64) (*Pool, error) {
	if size == 0 || size%pageSize != 0 {
		return nil, bus1types.ErrInvalidArgument
	}

	f, err := os.CreateTemp("", "bus1go-pool-*")
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}

	return &Pool{file: f, data: data, size: size}, nil
}

// Size returns the pool's total capacity.
func (p *Pool) Size() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Alloc reserves n bytes, returning the slice a caller should Write into.
func (p *Pool) Alloc(n uint64) (Slice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == 0 {
		return Slice{}, bus1types.ErrInvalidArgument
	}
	if p.bump+n > p.size {
		return Slice{}, bus1types.ErrOutOfMemory
	}
	s := Slice{offset: p.bump, size: n}
	p.bump += n
	return s, nil
}

// Write copies payload into the region at s. len(payload) must equal s.Size().
func (p *Pool) Write(s Slice, payload []byte) error {
	if uint64(len(payload)) != s.size {
		return bus1types.ErrInvalidArgument
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.offset+s.size > p.size {
		return bus1types.ErrFault
	}
	copy(p.data[s.offset:s.offset+s.size], payload)
	return nil
}

// ReadAt reads back the bytes at the given offset/size, the shape a
// receiver actually has after RECV publishes a slice by (offset, size)
// rather than by the internal Slice value.
func (p *Pool) ReadAt(offset, size uint64) ([]byte, error) {
	return p.Read(Slice{offset: offset, size: size})
}

// Read copies s back out of the region, for a receiver publishing a slice.
func (p *Pool) Read(s Slice) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.offset+s.size > p.size {
		return nil, bus1types.ErrFault
	}
	out := make([]byte, s.size)
	copy(out, p.data[s.offset:s.offset+s.size])
	return out, nil
}

// Release marks the slice at offset as no longer needed by the receiver.
// The bump allocator does not reclaim space until the next Flush; see the
// Pool doc comment.
func (p *Pool) Release(offset uint64) {}

// Flush resets the allocator, discarding every outstanding slice. Called by
// CONNECT mode RESET.
func (p *Pool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bump = 0
}

// Close unmaps and removes the backing temp file. Called once by the peer's
// active barrier cleanup.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.data.Unmap()
	p.file.Close()
	os.Remove(p.file.Name())
	return err
}
