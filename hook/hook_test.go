package hook

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/redox-os/ralloc"
)

func initTestAllocator(t *testing.T) {
	t.Helper()

	require.NoError(t, ralloc.Initialize(ralloc.WithReservationSize(1<<20)))
}

func TestMallocFreeRoundtrip(t *testing.T) {
	initTestAllocator(t)

	ptr := Malloc(64)
	require.NotNil(t, ptr)

	s := unsafe.Slice((*byte)(ptr), 64)
	for i := range s {
		s[i] = byte(i)
	}

	Free(ptr)
}

func TestMallocZeroSizeReturnsNonNil(t *testing.T) {
	initTestAllocator(t)

	ptr := Malloc(0)
	require.NotNil(t, ptr)

	Free(ptr)
}

func TestFreeNilIsNoop(t *testing.T) {
	initTestAllocator(t)

	require.NotPanics(t, func() { Free(nil) })
}

func TestReallocGrowsAndPreservesContents(t *testing.T) {
	initTestAllocator(t)

	ptr := Malloc(32)
	require.NotNil(t, ptr)

	s := unsafe.Slice((*byte)(ptr), 32)
	for i := range s {
		s[i] = 0xAB
	}

	grown := Realloc(ptr, 256)
	require.NotNil(t, grown)

	gs := unsafe.Slice((*byte)(grown), 32)
	for i := range gs {
		require.Equal(t, byte(0xAB), gs[i])
	}

	Free(grown)
}

func TestReallocNilActsLikeMalloc(t *testing.T) {
	initTestAllocator(t)

	ptr := Realloc(nil, 16)
	require.NotNil(t, ptr)

	Free(ptr)
}

func TestReallocZeroActsLikeFree(t *testing.T) {
	initTestAllocator(t)

	ptr := Malloc(16)
	require.NotNil(t, ptr)

	require.Nil(t, Realloc(ptr, 0))
}

func TestCallocZeroesMemory(t *testing.T) {
	initTestAllocator(t)

	ptr := Calloc(16, 8)
	require.NotNil(t, ptr)

	s := unsafe.Slice((*byte)(ptr), 128)
	for _, v := range s {
		require.Equal(t, byte(0), v)
	}

	Free(ptr)
}

func TestCallocOverflowReturnsNil(t *testing.T) {
	initTestAllocator(t)

	ptr := Calloc(^uintptr(0), 2)
	require.Nil(t, ptr)
}

func TestMallocAlignedReturnsPayloadAlignedPointer(t *testing.T) {
	initTestAllocator(t)

	for _, align := range []uintptr{16, 64, 256, 4096} {
		ptr := MallocAligned(100, align)
		require.NotNil(t, ptr)
		require.Zero(t, uintptr(ptr)%align, "align %d", align)

		Free(ptr)
	}
}

func TestReallocPreservesContentsAfterLargeAlignment(t *testing.T) {
	initTestAllocator(t)

	ptr := MallocAligned(32, 4096)
	require.NotNil(t, ptr)
	require.Zero(t, uintptr(ptr)%4096)

	s := unsafe.Slice((*byte)(ptr), 32)
	for i := range s {
		s[i] = 0xCD
	}

	grown := Realloc(ptr, 2048)
	require.NotNil(t, grown)

	gs := unsafe.Slice((*byte)(grown), 32)
	for i := range gs {
		require.Equal(t, byte(0xCD), gs[i])
	}

	Free(grown)
}
