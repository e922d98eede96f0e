// Package cachingsource decorates a DataSource with an in-memory response
// cache. Cache hits substitute transparently for a subgraph call; concurrent
// misses for the same input are coalesced into a single upstream fetch.
package cachingsource

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"golang.org/x/sync/singleflight"

	"github.com/gqlrouter/gqlrouter/pkg/engine/resolve"
	"github.com/gqlrouter/gqlrouter/pkg/pool"
)

type Source struct {
	next  resolve.DataSource
	cache *lru.Cache
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time
}

var _ resolve.DataSource = (*Source)(nil)

type entry struct {
	data    []byte
	expires time.Time
}

// New wraps next with a cache of at most size responses, each valid for ttl.
func New(next resolve.DataSource, size int, ttl time.Duration) (*Source, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Source{
		next:  next,
		cache: cache,
		ttl:   ttl,
		now:   time.Now,
	}, nil
}

func (s *Source) Load(ctx context.Context, input []byte, headers http.Header, out *bytes.Buffer) error {
	key := s.cacheKey(input, headers)
	if data, ok := s.lookup(key); ok {
		_, err := out.Write(data)
		return err
	}
	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		// a previous flight may have populated the cache since the lookup
		if data, ok := s.lookup(key); ok {
			return data, nil
		}
		buf := pool.BytesBuffer.Get()
		defer pool.BytesBuffer.Put(buf)
		if err := s.next.Load(ctx, input, headers, buf); err != nil {
			return nil, err
		}
		data := make([]byte, buf.Len())
		copy(data, buf.Bytes())
		s.cache.Add(key, entry{
			data:    data,
			expires: s.now().Add(s.ttl),
		})
		return data, nil
	})
	if err != nil {
		return err
	}
	_, err = out.Write(result.([]byte))
	return err
}

func (s *Source) lookup(key string) ([]byte, bool) {
	value, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	cached := value.(entry)
	if s.now().After(cached.expires) {
		s.cache.Remove(key)
		return nil, false
	}
	return cached.data, true
}

// cacheKey covers the headers as well, responses that vary by client headers
// must never be shared across clients. Header.Write emits keys sorted, so the
// key is stable across map iteration order.
func (s *Source) cacheKey(input []byte, headers http.Header) string {
	hash := pool.Hash64.Get()
	defer pool.Hash64.Put(hash)
	_, _ = hash.Write(input)
	_ = headers.Write(hash)
	return strconv.FormatUint(hash.Sum64(), 16)
}
