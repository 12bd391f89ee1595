package freelist

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/ordex/pagestore"
)

func TestFreelistPending(t *testing.T) {
	t.Parallel()

	fl := New()

	// Reclaim pages across three epochs
	for _, id := range []pagestore.Addr{100, 101, 102} {
		require.True(t, fl.Pending(10, id))
	}
	require.True(t, fl.Pending(11, 200))
	require.True(t, fl.Pending(11, 201))
	require.True(t, fl.Pending(12, 300))

	assert.Equal(t, 6, fl.PendingSize())
	assert.Equal(t, 0, fl.Size())
	assert.True(t, fl.IsPending(200))

	// Release epochs < 11
	var released []pagestore.Addr
	n := fl.Release(11, func(id pagestore.Addr) { released = append(released, id) })
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []pagestore.Addr{100, 101, 102}, released)
	assert.Equal(t, 3, fl.Size())
	assert.Equal(t, 3, fl.PendingSize())

	assert.Equal(t, 3, fl.Release(100, nil))
	assert.Equal(t, 6, fl.Size())
	assert.Equal(t, 0, fl.PendingSize())
	assert.False(t, fl.IsPending(200))
}

func TestFreelistDoubleReclaim(t *testing.T) {
	t.Parallel()

	fl := New()
	require.True(t, fl.Pending(1, 5))
	assert.False(t, fl.Pending(1, 5), "pending twice")
	assert.False(t, fl.Pending(2, 5), "pending in a later epoch")

	fl.Release(2, nil)
	assert.False(t, fl.Pending(3, 5), "already free")
}

func TestFreelistAllocateLowest(t *testing.T) {
	t.Parallel()

	fl := New()
	assert.Equal(t, pagestore.NilAddr, fl.Allocate())

	for _, id := range []pagestore.Addr{9, 3, 7, 4} {
		fl.Free(id)
	}
	assert.Equal(t, []pagestore.Addr{3, 4, 7, 9}, fl.Addrs())

	for _, want := range []pagestore.Addr{3, 4, 7, 9} {
		assert.Equal(t, want, fl.Allocate())
	}
	assert.Equal(t, pagestore.NilAddr, fl.Allocate())
}

func TestFreelistEncodeDecode(t *testing.T) {
	t.Parallel()

	fl := New()
	fl.Free(42)
	fl.Free(7)
	require.True(t, fl.Pending(1, 99))

	buf := fl.Encode()
	require.Len(t, buf, 16)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 7}, buf[:8])

	other := New()
	require.True(t, other.Pending(0, 1))
	// trailing bytes past count are ignored
	other.Decode(append(buf, make([]byte, 24)...), 2)
	assert.Equal(t, []pagestore.Addr{7, 42}, other.Addrs())
	assert.Equal(t, 0, other.PendingSize(), "pending pages do not survive a reload")
}

func TestFreelistConcurrent(t *testing.T) {
	t.Parallel()

	fl := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				fl.Pending(uint64(i), pagestore.Addr(w*1000+i+1))
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 800, fl.PendingSize())
	assert.Equal(t, 800, fl.Release(1000, nil))

	seen := make(map[pagestore.Addr]bool)
	for id := fl.Allocate(); id != pagestore.NilAddr; id = fl.Allocate() {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, 800)
}
