// Package bufpool recycles socket read buffers by size class.
package bufpool

import (
	"slices"
	"sort"
	"sync"

	"github.com/go-pantheon/fabrica-util/errors"
)

var (
	ErrSizesRequired  = errors.New("size classes must not be empty")
	ErrSizesNotSorted = errors.New("size classes must be positive and ascending")
)

type Pool struct {
	sizes []int
	pools []sync.Pool
}

// New creates one class per size. A request larger than the last size is
// allocated directly and never pooled.
func New(sizes ...int) (*Pool, error) {
	if len(sizes) == 0 {
		return nil, ErrSizesRequired
	}

	for i, size := range sizes {
		if size <= 0 || (i > 0 && size <= sizes[i-1]) {
			return nil, errors.Wrapf(ErrSizesNotSorted, "sizes=%v", sizes)
		}
	}

	p := &Pool{
		sizes: slices.Clone(sizes),
		pools: make([]sync.Pool, len(sizes)),
	}

	for i := range p.pools {
		size := p.sizes[i]
		p.pools[i].New = func() any {
			buf := make([]byte, size)
			return &buf
		}
	}

	return p, nil
}

func (p *Pool) class(size int) int {
	return sort.SearchInts(p.sizes, size)
}

// Get returns a buffer of length size.
func (p *Pool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}

	i := p.class(size)
	if i == len(p.sizes) {
		return make([]byte, size)
	}

	buf := p.pools[i].Get().(*[]byte)

	return (*buf)[:size]
}

// Put returns buf to the class matching its capacity. Buffers that match no class are dropped.
func (p *Pool) Put(buf []byte) {
	i := p.class(cap(buf))
	if i == len(p.sizes) || p.sizes[i] != cap(buf) {
		return
	}

	buf = buf[:cap(buf)]
	p.pools[i].Put(&buf)
}

func (p *Pool) Sizes() []int {
	return slices.Clone(p.sizes)
}
