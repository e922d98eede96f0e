package pool

import (
	"bytes"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var (
	BytesBuffer = bytesBufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 1024))
			},
		},
	}
	Hash64 = hash64Pool{
		pool: sync.Pool{
			New: func() interface{} {
				return xxhash.New()
			},
		},
	}
)

type bytesBufferPool struct {
	pool sync.Pool
}

func (b *bytesBufferPool) Get() *bytes.Buffer {
	buf := b.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func (b *bytesBufferPool) Put(buf *bytes.Buffer) {
	b.pool.Put(buf)
}

type hash64Pool struct {
	pool sync.Pool
}

func (h *hash64Pool) Get() *xxhash.Digest {
	xxh := h.pool.Get().(*xxhash.Digest)
	xxh.Reset()
	return xxh
}

func (h *hash64Pool) Put(xxh *xxhash.Digest) {
	h.pool.Put(xxh)
}
