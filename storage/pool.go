package storage

import "sync"

// BytesPool recycles encode buffers for appends.
type BytesPool struct {
	pool sync.Pool
}

func NewBytesPool() *BytesPool {
	return &BytesPool{
		pool: sync.Pool{
			New: func() any {
				buf := new([]byte)            // Attempt to force allocation on heap.
				*buf = make([]byte, 0, 1<<10) // 1kb
				return buf
			},
		},
	}
}

func (p *BytesPool) GetBytes() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *BytesPool) PutBytes(b *[]byte) {
	// oversized buffers from huge values are not worth keeping
	if cap(*b) > 1<<20 {
		return
	}

	*b = (*b)[:0]

	p.pool.Put(b)
}
