package ordex

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/ordex/internal/storage"
	"github.com/alexhholmes/ordex/pagestore"
)

func TestAscendingInsertDescendingRemove(t *testing.T) {
	t.Parallel()

	ix, m := setup(t, 4)

	wantSplits := []uint64{0, 0, 0, 0, 1, 1, 2, 2, 3, 3}
	for i := uint64(1); i <= 10; i++ {
		mustInsert(t, ix, i, i*10)
		st := verify(t, ix, m)
		assert.Equal(t, wantSplits[i-1], st.Splits, "splits after inserting %d", i)
		assert.Equal(t, int(i), st.Keys)
		for j := uint64(1); j <= 10; j++ {
			want := NotFound
			if j <= i {
				want = j * 10
			}
			assert.Equal(t, want, lookup(t, ix, j))
		}
	}

	st := verify(t, ix, m)
	assert.Equal(t, 2, st.Height)
	assert.Equal(t, 5, st.Pages)
	assert.Equal(t, 4, st.Leaves)

	for i := uint64(10); i >= 1; i-- {
		mustRemove(t, ix, i)
		st := verify(t, ix, m)
		assert.Equal(t, int(i-1), st.Keys)
		for j := uint64(1); j <= 10; j++ {
			want := NotFound
			if j < i {
				want = j * 10
			}
			assert.Equal(t, want, lookup(t, ix, j))
		}
	}

	st = verify(t, ix, m)
	assert.Equal(t, 1, st.Height)
	assert.Equal(t, 1, st.Pages)
	assert.Equal(t, uint64(3), st.Merges)
	assert.Equal(t, uint64(1), st.Collapses)
	assert.Equal(t, uint64(0), st.Borrows)

	assert.Equal(t, 4, m.Pending())
	require.NoError(t, m.Commit())
	assert.Equal(t, 1, m.Live(), "only the root survives")
}

// siblings builds a root over two leaves: [10 20 (extra)] and [30 40 50].
func siblings(t *testing.T, extra ...uint64) (*Index, *storage.Mem) {
	ix, m := setup(t, 4)
	for _, k := range []uint64{10, 20, 30, 40, 50} {
		mustInsert(t, ix, k, k)
	}
	for _, k := range extra {
		mustInsert(t, ix, k, k)
	}
	st := verify(t, ix, m)
	require.Equal(t, 2, st.Height)
	require.Equal(t, 2, st.Leaves)
	return ix, m
}

func TestMergeLeftAndCollapse(t *testing.T) {
	t.Parallel()

	ix, m := siblings(t)
	mustRemove(t, ix, 50)
	mustRemove(t, ix, 40)

	st := verify(t, ix, m)
	assert.Equal(t, 1, st.Height)
	assert.Equal(t, 3, st.Keys)
	assert.Equal(t, uint64(1), st.Merges)
	assert.Equal(t, uint64(1), st.Collapses)
	assert.Equal(t, 2, m.Pending(), "both children handed to the write context")

	for _, k := range []uint64{10, 20, 30} {
		assert.Equal(t, k, lookup(t, ix, k))
	}
	assert.Equal(t, NotFound, lookup(t, ix, 40))
}

func TestBorrowLeft(t *testing.T) {
	t.Parallel()

	ix, m := siblings(t, 15)
	mustRemove(t, ix, 50)
	mustRemove(t, ix, 40)

	st := verify(t, ix, m)
	assert.Equal(t, 2, st.Height)
	assert.Equal(t, uint64(1), st.Borrows)
	assert.Equal(t, uint64(0), st.Merges)
	assert.Equal(t, 0, m.Pending())

	// separator dropped to 15, so 20 now lives in the right leaf
	root, err := ix.read("test", ix.Root())
	require.NoError(t, err)
	assert.Equal(t, U64(15), root.Key(0))
	right := root.Next()
	root.Release()

	r, err := ix.read("test", right)
	require.NoError(t, err)
	assert.Equal(t, U64(20), r.Key(0))
	assert.Equal(t, U64(30), r.Key(1))
	r.Release()

	for _, k := range []uint64{10, 15, 20, 30} {
		assert.Equal(t, k, lookup(t, ix, k))
	}
}

func TestBorrowRight(t *testing.T) {
	t.Parallel()

	ix, m := siblings(t, 35)
	mustRemove(t, ix, 10)

	st := verify(t, ix, m)
	assert.Equal(t, uint64(1), st.Borrows)

	root, err := ix.read("test", ix.Root())
	require.NoError(t, err)
	assert.Equal(t, U64(30), root.Key(0))
	root.Release()

	for _, k := range []uint64{20, 30, 35, 40, 50} {
		assert.Equal(t, k, lookup(t, ix, k))
	}
}

func TestMergeRight(t *testing.T) {
	t.Parallel()

	ix, m := siblings(t)
	mustRemove(t, ix, 50)
	mustRemove(t, ix, 10)

	st := verify(t, ix, m)
	assert.Equal(t, 1, st.Height)
	assert.Equal(t, uint64(1), st.Merges)
	assert.Equal(t, 3, st.Keys)
	for _, k := range []uint64{20, 30, 40} {
		assert.Equal(t, k, lookup(t, ix, k))
	}
}

func TestNoopRemoveIsByteIdentical(t *testing.T) {
	t.Parallel()

	ix, m := setup(t, 4)
	for i := uint64(10); i <= 200; i += 10 {
		mustInsert(t, ix, i, i)
	}
	require.NoError(t, m.Commit())
	before := m.Snapshot()

	for _, k := range []uint64{0, 5, 15, 105, 195, 1000} {
		mustRemove(t, ix, k)
	}
	assert.Equal(t, 0, m.Dirty())
	assert.Equal(t, before, m.Snapshot())
	assert.Equal(t, 0, m.Pinned())
}

func TestUpsertIdempotent(t *testing.T) {
	t.Parallel()

	ix, m := setup(t, 4)
	for i := uint64(1); i <= 30; i++ {
		mustInsert(t, ix, i, i)
	}
	require.NoError(t, m.Commit())
	before := m.Snapshot()
	splits := ix.Stats().Splits

	// same value: nothing written
	for i := uint64(1); i <= 30; i++ {
		mustInsert(t, ix, i, i)
	}
	assert.Equal(t, 0, m.Dirty())
	assert.Equal(t, before, m.Snapshot())

	// new value: updated in place, never split
	for i := uint64(1); i <= 30; i++ {
		mustInsert(t, ix, i, i+1000)
	}
	assert.Equal(t, splits, ix.Stats().Splits)
	st := verify(t, ix, m)
	assert.Equal(t, 30, st.Keys)
	after := m.Snapshot()
	assert.Equal(t, len(before), len(after))
	for i := uint64(1); i <= 30; i++ {
		assert.Equal(t, i+1000, lookup(t, ix, i))
	}
}

func TestOddCapacity(t *testing.T) {
	t.Parallel()

	ix, m := setup(t, 5)
	assert.Equal(t, 2, ix.MinTuples())

	for i := uint64(0); i < 200; i++ {
		mustInsert(t, ix, (i*37)%200, i)
	}
	st := verify(t, ix, m)
	assert.Equal(t, 200, st.Keys)

	for i := uint64(0); i < 200; i += 2 {
		mustRemove(t, ix, i)
	}
	st = verify(t, ix, m)
	assert.Equal(t, 100, st.Keys)
}

func TestScan(t *testing.T) {
	t.Parallel()

	ix, m := setup(t, 4)

	scan := func(start []byte, limit int) []uint64 {
		var out []uint64
		err := ix.Scan(start, func(key []byte, value uint64) bool {
			out = append(out, value)
			return limit <= 0 || len(out) < limit
		})
		require.NoError(t, err)
		return out
	}

	assert.Empty(t, scan(nil, 0))

	var all []uint64
	for i := uint64(1); i <= 50; i++ {
		mustInsert(t, ix, i*2, i*2)
		all = append(all, i*2)
	}
	assert.Equal(t, all, scan(nil, 0))
	assert.Equal(t, all[5:], scan(U64(11), 0), "start between keys")
	assert.Equal(t, all[5:], scan(U64(12), 0), "start on a key")
	assert.Equal(t, []uint64{12, 14, 16}, scan(U64(12), 3))
	assert.Empty(t, scan(U64(101), 0))

	// keys handed to fn are copies
	var keys [][]byte
	require.NoError(t, ix.Scan(nil, func(key []byte, _ uint64) bool {
		keys = append(keys, key)
		return true
	}))
	mustInsert(t, ix, 1, 1)
	assert.Equal(t, U64(2), keys[0])

	// remove a stretch so that leaves end below their separators
	for i := uint64(20); i <= 60; i += 2 {
		mustRemove(t, ix, i)
	}
	got := scan(U64(19), 0)
	require.NotEmpty(t, got)
	assert.Equal(t, uint64(62), got[0])
	verify(t, ix, m)
}

func TestScanComparators(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cmp  KeyComparator
		keys [][]byte
		want [][]byte
	}{
		{
			name: "int64",
			cmp:  Int64{},
			keys: [][]byte{I64(3), I64(-7), I64(0), I64(-1), I64(12)},
			want: [][]byte{I64(-7), I64(-1), I64(0), I64(3), I64(12)},
		},
		{
			name: "reverse uint64",
			cmp:  Reverse(Uint64{}),
			keys: [][]byte{U64(3), U64(9), U64(1)},
			want: [][]byte{U64(9), U64(3), U64(1)},
		},
		{
			name: "string",
			cmp:  String{},
			keys: [][]byte{[]byte("pear\x00\x00\x00\x00"), []byte("apple\x00\x00\x00"), []byte("fig\x00\x00\x00\x00\x00")},
			want: [][]byte{[]byte("apple\x00\x00\x00"), []byte("fig\x00\x00\x00\x00\x00"), []byte("pear\x00\x00\x00\x00")},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := storage.NewMem(88)
			ix, err := Create(m, 8, tt.cmp)
			require.NoError(t, err)
			for i, k := range tt.keys {
				require.NoError(t, ix.Insert(k, uint64(i)))
			}
			var got [][]byte
			require.NoError(t, ix.Scan(nil, func(key []byte, _ uint64) bool {
				got = append(got, key)
				return true
			}))
			assert.Equal(t, tt.want, got)
			_, err = ix.Check()
			assert.NoError(t, err)
		})
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	log := &recordLogger{}
	ix, m := setup(t, 4, WithLogger(log))
	for i := uint64(0); i < 100; i++ {
		mustInsert(t, ix, i, i)
	}
	st := verify(t, ix, m)
	require.NoError(t, m.Commit())

	require.NoError(t, ix.Clear())
	assert.Equal(t, st.Pages-1, m.Pending())
	assert.Contains(t, log.infos, "index cleared")

	after := verify(t, ix, m)
	assert.Equal(t, 1, after.Height)
	assert.Equal(t, 0, after.Keys)
	assert.Equal(t, NotFound, lookup(t, ix, 5))

	require.NoError(t, m.Commit())
	assert.Equal(t, 1, m.Live())

	// the cleared index is fully usable
	for i := uint64(0); i < 20; i++ {
		mustInsert(t, ix, i, i)
	}
	assert.Equal(t, 20, verify(t, ix, m).Keys)
}

func TestDump(t *testing.T) {
	t.Parallel()

	ix, _ := setup(t, 4)
	for i := uint64(1); i <= 5; i++ {
		mustInsert(t, ix, i, i*10)
	}

	var buf bytes.Buffer
	require.NoError(t, ix.Dump(&buf))
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "page 1 internal count=1"), lines[0])
	assert.Contains(t, out, "<= 2")
	assert.Contains(t, out, "> 2")
	assert.Contains(t, out, "5 => 50")
	assert.Equal(t, 3, strings.Count(out, "page "))
}

// model replays random operations against the index and a map, checking
// the tree after every mutation.
func model(t *testing.T, maxTuples, ops, keySpace int, seed int64) {
	ix, m := setup(t, maxTuples)
	rng := rand.New(rand.NewSource(seed))
	want := make(map[uint64]uint64)

	for op := 0; op < ops; op++ {
		k := uint64(rng.Intn(keySpace))
		switch r := rng.Intn(10); {
		case r < 6:
			v := rng.Uint64() >> 1
			mustInsert(t, ix, k, v)
			want[k] = v
		case r < 9:
			mustRemove(t, ix, k)
			delete(want, k)
		default:
			require.NoError(t, m.Commit())
		}

		st := verify(t, ix, m)
		require.Equal(t, len(want), st.Keys, "op %d", op)
		got, ok := want[k]
		if !ok {
			got = NotFound
		}
		require.Equal(t, got, lookup(t, ix, k), "op %d key %d", op, k)
	}

	keys := make([]uint64, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	i := 0
	require.NoError(t, ix.Scan(nil, func(key []byte, value uint64) bool {
		require.Less(t, i, len(keys))
		assert.Equal(t, U64(keys[i]), key)
		assert.Equal(t, want[keys[i]], value)
		i++
		return true
	}))
	assert.Equal(t, len(keys), i)

	// drain and make sure the tree shrinks back to its root
	for _, k := range keys {
		mustRemove(t, ix, k)
	}
	st := verify(t, ix, m)
	assert.Equal(t, 1, st.Pages)
	require.NoError(t, m.Commit())
	assert.Equal(t, 1, m.Live())
}

func TestRandomOps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		max      int
		ops      int
		keySpace int
	}{
		{"fanout 4", 4, 2000, 300},
		{"fanout 5", 5, 2000, 300},
		{"fanout 7 dense", 7, 2000, 60},
		{"fanout 32", 32, 3000, 2000},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ops := tt.ops
			if *slow {
				ops *= 20
			}
			model(t, tt.max, ops, tt.keySpace, int64(tt.max))
		})
	}
}

func TestRandomOpsSeeds(t *testing.T) {
	t.Parallel()

	seeds, ops := 5, 1000
	if *slow {
		seeds, ops = 100, 3000
	}
	for _, max := range []int{4, 5, 6} {
		for seed := 0; seed < seeds; seed++ {
			t.Run(fmt.Sprintf("fanout %d seed %d", max, seed), func(t *testing.T) {
				model(t, max, ops, 400, int64(seed))
			})
		}
	}
}

// An internal split leaves the lower page without a next child. Removing
// from its last tuple child must merge left and then rebalance upward.
func TestRemoveUnderPageWithoutNext(t *testing.T) {
	t.Parallel()

	ix, m := setup(t, 4)
	for i := uint64(1); i <= 12; i++ {
		mustInsert(t, ix, i, i*10)
	}
	st := verify(t, ix, m)
	require.Equal(t, 3, st.Height)

	// root -> [(2, a) (4, b)] with no next; b holds [3 4]
	root, err := ix.read("test", ix.Root())
	require.NoError(t, err)
	lower := pagestore.Addr(root.Pointer(0))
	root.Release()
	n, err := ix.read("test", lower)
	require.NoError(t, err)
	require.Equal(t, 2, n.Count())
	require.Equal(t, pagestore.NilAddr, n.Next())
	n.Release()

	mustRemove(t, ix, 3)

	st = verify(t, ix, m)
	assert.Equal(t, 2, st.Height)
	assert.Equal(t, 4, st.Leaves)
	assert.Equal(t, 11, st.Keys)
	assert.Equal(t, uint64(2), st.Merges)
	assert.Equal(t, uint64(1), st.Collapses)
	assert.Equal(t, uint64(0), st.Borrows)
	assert.Equal(t, 3, m.Pending())

	for i := uint64(1); i <= 12; i++ {
		want := i * 10
		if i == 3 {
			want = NotFound
		}
		assert.Equal(t, want, lookup(t, ix, i), "key %d", i)
	}

	mustInsert(t, ix, 3, 30)
	verify(t, ix, m)
	assert.Equal(t, uint64(30), lookup(t, ix, 3))
}

func TestLargeSequential(t *testing.T) {
	if !*slow {
		t.Skip("Skipping slow test; use -slow to enable")
	}
	t.Parallel()

	ix, m := setup(t, 64)
	const n = 100_000
	for i := uint64(0); i < n; i++ {
		mustInsert(t, ix, i, i)
	}
	st := verify(t, ix, m)
	assert.Equal(t, n, st.Keys)
	for i := uint64(0); i < n; i += 3 {
		mustRemove(t, ix, i)
	}
	verify(t, ix, m)
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := t.TempDir() + "/index.db"
	f, err := storage.OpenFile(path, storage.WithPageSize(256), storage.WithCacheFrames(8))
	require.NoError(t, err)

	ix, err := Create(f, 8, Uint64{})
	require.NoError(t, err)
	root := ix.Root()
	for i := uint64(0); i < 500; i++ {
		require.NoError(t, ix.Insert(U64(i), i*3))
	}
	for i := uint64(0); i < 500; i += 5 {
		require.NoError(t, ix.Remove(U64(i)))
	}
	require.NoError(t, f.Commit())
	require.NoError(t, f.Close())

	f, err = storage.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	ix, err = New(f, root, 8, Uint64{})
	require.NoError(t, err)
	st, err := ix.Check()
	require.NoError(t, err)
	assert.Equal(t, 400, st.Keys)
	for i := uint64(0); i < 500; i++ {
		v, err := ix.Lookup(U64(i))
		require.NoError(t, err)
		if i%5 == 0 {
			assert.Equal(t, NotFound, v)
		} else {
			assert.Equal(t, i*3, v)
		}
	}
	assert.Equal(t, 0, f.Pinned())
}

var _ pagestore.WriteContext = (*storage.File)(nil)
