package vmm

import (
	"testing"

	"coopos/kernel/mm"
	"coopos/kernel/mm/vmm/mocks"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestVMPool(t *testing.T, strategy AllocationStrategy) (*VMPool, *mocks.MockPageReleaser, *[mm.PageSize]byte) {
	ctrl := gomock.NewController(t)
	releaser := mocks.NewMockPageReleaser(ctrl)

	var data [mm.PageSize]byte
	pool := InitVMPool(mm.Frame(0x300), &data, mm.HeapStart, mm.HeapSize, releaser, strategy)
	return pool, releaser, &data
}

func TestVMPoolLayout(t *testing.T) {
	pool, _, data := newTestVMPool(t, StrategyBump)

	require.Equal(t, mm.HeapStart, pool.Base())
	require.Equal(t, mm.HeapSize, pool.Size())
	require.Equal(t, 4080, vmPoolHeaderSize+VMPoolCapacity*vmPoolEntrySize)

	start, err := pool.Allocate(100)
	require.Nil(t, err)
	require.Equal(t, mm.HeapStart, start)

	// First region slot lives right after the header, little endian.
	require.Equal(t, byte(0x40), data[16+3])
	require.Equal(t, byte(1), data[24])
}

func TestVMPoolBumpAllocation(t *testing.T) {
	pool, releaser, _ := newTestVMPool(t, StrategyBump)

	_, err := pool.Allocate(0)
	require.Equal(t, ErrZeroSize, err)

	first, err := pool.Allocate(mm.ProcessStackSize)
	require.Nil(t, err)
	second, err := pool.Allocate(1)
	require.Nil(t, err)
	third, err := pool.Allocate(mm.PageSize + 1)
	require.Nil(t, err)

	require.Equal(t, mm.HeapStart, first)
	require.Equal(t, first+2*mm.PageSize, second)
	require.Equal(t, second+mm.PageSize, third)
	require.NoError(t, pool.Validate())

	// Releasing a region below the top does not make its space reusable.
	releaser.EXPECT().FreePage(second)
	require.Nil(t, pool.Release(second))

	fourth, err := pool.Allocate(mm.PageSize)
	require.Nil(t, err)
	require.Equal(t, third+2*mm.PageSize, fourth)
	require.NoError(t, pool.Validate())
}

func TestVMPoolFirstFitAllocation(t *testing.T) {
	pool, releaser, _ := newTestVMPool(t, StrategyFirstFit)

	a, _ := pool.Allocate(2 * mm.PageSize)
	b, _ := pool.Allocate(3 * mm.PageSize)
	c, _ := pool.Allocate(mm.PageSize)

	releaser.EXPECT().FreePage(gomock.Any()).Times(3)
	require.Nil(t, pool.Release(b))

	// Too large for the gap left by b.
	d, err := pool.Allocate(4 * mm.PageSize)
	require.Nil(t, err)
	require.Equal(t, c+mm.PageSize, d)

	e, err := pool.Allocate(3 * mm.PageSize)
	require.Nil(t, err)
	require.Equal(t, b, e)

	f, err := pool.Allocate(mm.PageSize)
	require.Nil(t, err)
	require.Equal(t, d+4*mm.PageSize, f)

	require.Equal(t, a, mm.HeapStart)
	require.NoError(t, pool.Validate())
}

func TestVMPoolAddressSpaceBounds(t *testing.T) {
	pool, _, _ := newTestVMPool(t, StrategyBump)

	_, err := pool.Allocate(mm.HeapSize + 1)
	require.Equal(t, ErrOutOfAddressSpace, err)

	// A region that ends exactly at the end of the window is accepted.
	start, err := pool.Allocate(mm.HeapSize)
	require.Nil(t, err)
	require.Equal(t, mm.HeapStart, start)

	_, err = pool.Allocate(1)
	require.Equal(t, ErrOutOfAddressSpace, err)
}

func TestVMPoolRejectsHugeSizes(t *testing.T) {
	for _, strategy := range []AllocationStrategy{StrategyBump, StrategyFirstFit} {
		t.Run(strategy.String(), func(t *testing.T) {
			pool, _, _ := newTestVMPool(t, strategy)

			for _, size := range []uintptr{
				^uintptr(0),
				^uintptr(0) - mm.PageSize + 2,
				^uintptr(0) - mm.PageSize + 1,
				^uintptr(0) >> 1,
			} {
				_, err := pool.Allocate(size)
				require.Equal(t, ErrOutOfAddressSpace, err, "size %#x", size)
			}
			require.Empty(t, pool.Entries())

			first, err := pool.Allocate(mm.PageSize)
			require.Nil(t, err)
			_, err = pool.Allocate(^uintptr(0))
			require.Equal(t, ErrOutOfAddressSpace, err)
			second, err := pool.Allocate(mm.PageSize)
			require.Nil(t, err)

			require.NotEqual(t, first, second)
			require.Len(t, pool.Entries(), 2)
			require.NoError(t, pool.Validate())
		})
	}
}

func TestVMPoolFull(t *testing.T) {
	pool, _, _ := newTestVMPool(t, StrategyBump)

	for i := 0; i < VMPoolCapacity; i++ {
		_, err := pool.Allocate(mm.PageSize)
		require.Nil(t, err)
	}

	_, err := pool.Allocate(mm.PageSize)
	require.Equal(t, ErrPoolFull, err)
	require.Len(t, pool.Entries(), VMPoolCapacity)
	require.NoError(t, pool.Validate())
}

func TestVMPoolRelease(t *testing.T) {
	pool, releaser, _ := newTestVMPool(t, StrategyBump)

	start, err := pool.Allocate(3 * mm.PageSize)
	require.Nil(t, err)

	gomock.InOrder(
		releaser.EXPECT().FreePage(start),
		releaser.EXPECT().FreePage(start+mm.PageSize),
		releaser.EXPECT().FreePage(start+2*mm.PageSize),
	)
	require.Nil(t, pool.Release(start))
	require.Empty(t, pool.Entries())

	require.Equal(t, ErrInvalidRelease, pool.Release(start))
	require.Equal(t, ErrInvalidRelease, pool.Release(0))
}

func TestVMPoolIsLegitimate(t *testing.T) {
	pool, _, _ := newTestVMPool(t, StrategyBump)

	start, err := pool.Allocate(2 * mm.PageSize)
	require.Nil(t, err)

	specs := []struct {
		addr uintptr
		exp  bool
	}{
		{start, true},
		{start + 2*mm.PageSize - 1, true},
		{start + 2*mm.PageSize, false},
		{start - 1, false},
		{mm.HeapStart + mm.HeapSize, false},
		{0x1000, false},
	}

	for specIndex, spec := range specs {
		require.Equal(t, spec.exp, pool.IsLegitimate(spec.addr), "spec %d: %#x", specIndex, spec.addr)
	}
}

func TestVMPoolValidate(t *testing.T) {
	pool, _, _ := newTestVMPool(t, StrategyBump)

	pool.setEntry(0, Region{Start: mm.HeapStart, Pages: 4})
	pool.setEntry(1, Region{Start: mm.HeapStart + mm.PageSize, Pages: 1})
	require.Error(t, pool.Validate())

	pool.setEntry(1, Region{Start: mm.HeapStart + mm.HeapSize - mm.PageSize, Pages: 2})
	require.Error(t, pool.Validate())

	pool.setEntry(1, Region{Start: mm.HeapStart + mm.HeapSize - mm.PageSize, Pages: 1})
	require.NoError(t, pool.Validate())
}

func TestVMPoolPrintDetailedMap(t *testing.T) {
	pool, _, _ := newTestVMPool(t, StrategyFirstFit)
	_, err := pool.Allocate(mm.PageSize)
	require.Nil(t, err)

	w := jwriter.NewWriter()
	obj := w.Object()
	pool.PrintDetailedMap(&obj)
	obj.End()

	require.NoError(t, w.Error())
	require.JSONEq(t,
		`{"Base":"0x40000000","Size":"0x40000000","Strategy":"first-fit","Regions":[{"Start":"0x40000000","Pages":1}]}`,
		string(w.Bytes()),
	)
}
