// Package optimization holds the allocation-avoidance primitives used by
// pkg/segment's read path: pooled, reference-counted buffers and a writer
// that assembles a read() result from several chunks, copying each chunk
// as it is written and flattening them into one slice on demand.
package optimization

import "sync"

// Buffer is a reference-counted byte buffer. When its refs drop to zero
// and it was obtained from a BufferPool, it returns itself to that pool.
type Buffer struct {
	data []byte
	refs int32
	pool *BufferPool
	mu   sync.Mutex
}

// NewBuffer allocates a standalone buffer (not pool-backed) of the given size.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size), refs: 1}
}

func (b *Buffer) Data() []byte          { return b.data }
func (b *Buffer) Len() int              { return len(b.data) }
func (b *Buffer) Cap() int              { return cap(b.data) }
func (b *Buffer) Slice(start, end int) []byte { return b.data[start:end] }

// Retain increments the reference count.
func (b *Buffer) Retain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs++
}

// Release decrements the reference count, returning the buffer to its
// pool once no more readers hold it.
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs--
	if b.refs <= 0 && b.pool != nil {
		b.pool.Put(b)
	}
}

// BufferPool is a size-bucketed set of sync.Pools, sized for the typical
// fMP4 init-segment and media-segment fetch sizes.
type BufferPool struct {
	pools map[int]*sync.Pool
	sizes []int
	mu    sync.RWMutex
}

// NewBufferPool creates a pool with one sync.Pool bucket per size in sizes
// (ascending order expected).
func NewBufferPool(sizes []int) *BufferPool {
	bp := &BufferPool{
		pools: make(map[int]*sync.Pool),
		sizes: sizes,
	}
	for _, size := range sizes {
		s := size
		bp.pools[size] = &sync.Pool{
			New: func() interface{} {
				return &Buffer{data: make([]byte, s), pool: bp}
			},
		}
	}
	return bp
}

// DefaultBufferPool sizes buckets from 1KB (playlist/small response) up to
// 4MB (a generous fMP4 segment fetch).
func DefaultBufferPool() *BufferPool {
	return NewBufferPool([]int{1024, 4096, 16384, 65536, 262144, 1048576, 4194304})
}

// Get returns a buffer of at least size bytes, reusing a pooled one when a
// bucket fits.
func (bp *BufferPool) Get(size int) *Buffer {
	poolSize := bp.findPoolSize(size)

	bp.mu.RLock()
	pool, exists := bp.pools[poolSize]
	bp.mu.RUnlock()
	if !exists {
		return NewBuffer(size)
	}

	buf := pool.Get().(*Buffer)
	buf.refs = 1
	buf.data = buf.data[:size]
	return buf
}

// Put returns buf to its pool. No-op for buffers not owned by bp.
func (bp *BufferPool) Put(buf *Buffer) {
	if buf.pool != bp {
		return
	}
	poolSize := cap(buf.data)

	bp.mu.RLock()
	pool, exists := bp.pools[poolSize]
	bp.mu.RUnlock()
	if !exists {
		return
	}

	buf.refs = 0
	buf.data = buf.data[:cap(buf.data)]
	pool.Put(buf)
}

func (bp *BufferPool) findPoolSize(size int) int {
	for _, poolSize := range bp.sizes {
		if poolSize >= size {
			return poolSize
		}
	}
	return size
}

// AssemblingWriter collects pooled buffers in order and flattens them into
// one contiguous result on demand — used by Source.read to stitch the init
// segment and one or more media-segment intersections into a single
// caller-visible slice without retaining pool references past the call.
type AssemblingWriter struct {
	mu      sync.Mutex
	buffers [][]byte
}

// NewAssemblingWriter creates an empty writer.
func NewAssemblingWriter() *AssemblingWriter {
	return &AssemblingWriter{}
}

// Write appends a copy of data to the assembly.
func (w *AssemblingWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	w.buffers = append(w.buffers, cp)
	return len(data), nil
}

// Bytes flattens every appended chunk into one contiguous slice.
func (w *AssemblingWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, b := range w.buffers {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range w.buffers {
		out = append(out, b...)
	}
	return out
}

// Len returns the total bytes written so far.
func (w *AssemblingWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, b := range w.buffers {
		total += len(b)
	}
	return total
}
