package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		sizes []int
		err   error
	}{
		{name: "empty", sizes: nil, err: ErrSizesRequired},
		{name: "unsorted", sizes: []int{1024, 512}, err: ErrSizesNotSorted},
		{name: "duplicate", sizes: []int{512, 512}, err: ErrSizesNotSorted},
		{name: "zero", sizes: []int{0, 512}, err: ErrSizesNotSorted},
		{name: "ok", sizes: []int{512, 1024, 4096}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := New(tt.sizes...)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.sizes, p.Sizes())
		})
	}
}

func TestGetPut(t *testing.T) {
	t.Parallel()

	p, err := New(512, 1024)
	require.NoError(t, err)

	tests := []struct {
		name    string
		size    int
		wantLen int
		wantCap int
	}{
		{name: "zero", size: 0, wantLen: 0, wantCap: 0},
		{name: "small class", size: 100, wantLen: 100, wantCap: 512},
		{name: "exact class", size: 1024, wantLen: 1024, wantCap: 1024},
		{name: "oversized", size: 2000, wantLen: 2000, wantCap: 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := p.Get(tt.size)
			assert.Len(t, buf, tt.wantLen)
			assert.Equal(t, tt.wantCap, cap(buf))

			p.Put(buf)
		})
	}
}

func TestPutForeignBuffer(t *testing.T) {
	t.Parallel()

	p, err := New(512)
	require.NoError(t, err)

	p.Put(make([]byte, 10, 700))
	p.Put(nil)

	assert.Equal(t, 512, cap(p.Get(1)))
}
