//go:build linux

package internal

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

const defaultBucketSize = 64

// ConnectionManager indexes live connections by id. Reads are safe from any goroutine.
type ConnectionManager struct {
	buckets    []*sync.Map
	size       *atomic.Int64
	shardCount uint64
}

// newConnectionManager rounds bucketSize up to a power of two.
func newConnectionManager(bucketSize int) *ConnectionManager {
	if bucketSize <= 0 {
		bucketSize = defaultBucketSize
	}

	shards := uint64(1) << bits.Len64(uint64(bucketSize-1))

	m := &ConnectionManager{
		buckets:    make([]*sync.Map, shards),
		size:       &atomic.Int64{},
		shardCount: shards,
	}

	for i := range m.shardCount {
		m.buckets[i] = &sync.Map{}
	}

	return m
}

func (m *ConnectionManager) Get(id uint64) *Connection {
	if c, ok := m.getBucket(id).Load(id); ok {
		return c.(*Connection)
	}

	return nil
}

// Put stores c and returns the connection already stored under its id, if any.
func (m *ConnectionManager) Put(c *Connection) (old *Connection) {
	oc, loaded := m.getBucket(c.ID()).LoadOrStore(c.ID(), c)
	if loaded {
		return oc.(*Connection)
	}

	m.size.Add(1)

	return nil
}

func (m *ConnectionManager) Del(id uint64) {
	if _, loaded := m.getBucket(id).LoadAndDelete(id); loaded {
		m.size.Add(-1)
	}
}

func (m *ConnectionManager) Size() int {
	return int(m.size.Load())
}

func (m *ConnectionManager) Walk(f func(c *Connection) bool) {
	continued := true

	for _, b := range m.buckets {
		b.Range(func(key, value any) bool {
			v, ok := value.(*Connection)
			if !ok {
				return true
			}

			continued = f(v)

			return continued
		})

		if !continued {
			break
		}
	}
}

func (m *ConnectionManager) IDs() []uint64 {
	ids := make([]uint64, 0, m.Size())

	m.Walk(func(c *Connection) bool {
		ids = append(ids, c.ID())
		return true
	})

	return ids
}

func (m *ConnectionManager) getBucket(id uint64) *sync.Map {
	return m.buckets[getBucketKey(id, m.shardCount)]
}

func getBucketKey(id uint64, shardCount uint64) uint64 {
	return wyhash(id) & (shardCount - 1)
}

// wyhash generates a 64-bit hash for the given 64-bit key using wyhash algorithm.
func wyhash(key uint64) uint64 {
	x := key
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33

	return x
}
