package hci

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// ErrDoubleRelease is returned by Pool.Put for a buffer that is not outstanding.
var ErrDoubleRelease = errors.New("buffer released twice")

// Buffer is a command or event packet. It is owned by exactly one party at a time:
// the issuer until Transmit accepts it, the transport after that, and a completion
// callback for the event it was handed.
type Buffer struct {
	b    []byte
	id   uint64
	pool *Pool
}

// Bytes returns the packet contents. The slice is only valid until the buffer is released.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// ID identifies the buffer for as long as its pool lives, released or not.
func (b *Buffer) ID() uint64 {
	return b.id
}

func (b *Buffer) Len() int {
	return len(b.b)
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buf#%d [% X]", b.id, b.b)
}

// Pool hands out Buffers up to a fixed count and keeps track of who still holds one.
type Pool struct {
	mu    sync.Mutex
	size  int
	cnt   int
	next  uint64
	live  map[uint64]*Buffer
	spare [][]byte
}

// NewPool returns a pool of at most cnt outstanding buffers of up to sz bytes each.
func NewPool(sz, cnt int) (*Pool, error) {
	if sz <= 0 || cnt <= 0 {
		return nil, fmt.Errorf("invalid pool geometry %dx%d", cnt, sz)
	}
	return &Pool{
		size: sz,
		cnt:  cnt,
		live: make(map[uint64]*Buffer, cnt),
	}, nil
}

// Get returns a zeroed buffer of n bytes, or nil if n is too large or the pool is drained.
func (p *Pool) Get(n int) *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n < 0 || n > p.size || len(p.live) >= p.cnt {
		return nil
	}

	var b []byte
	if l := len(p.spare); l > 0 {
		b = p.spare[l-1][:n]
		p.spare = p.spare[:l-1]
		for i := range b {
			b[i] = 0
		}
	} else {
		b = make([]byte, n, p.size)
	}

	p.next++
	buf := &Buffer{b: b, id: p.next, pool: p}
	p.live[buf.id] = buf
	return buf
}

// Put returns b to the pool.
func (p *Pool) Put(b *Buffer) error {
	if b == nil {
		return errors.New("release of nil buffer")
	}
	if b.pool != p {
		return errors.Errorf("buf#%d does not belong to this pool", b.id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[b.id]; !ok {
		return errors.Wrapf(ErrDoubleRelease, "buf#%d", b.id)
	}
	delete(p.live, b.id)
	p.spare = append(p.spare, b.b[:0])
	b.b = nil
	return nil
}

// Outstanding returns the number of buffers handed out and not yet returned.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}
