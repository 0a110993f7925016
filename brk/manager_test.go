package brk

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewManagerSize(4 << 20) // 4 MiB, small enough for quick tests
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Close() })

	return m
}

func TestExtendMonotonic(t *testing.T) {
	m := newTestManager(t)

	b1, err := m.Extend(4096)
	require.NoError(t, err)
	require.Equal(t, m.Floor(), b1.Base)

	b2, err := m.Extend(8192)
	require.NoError(t, err)
	require.Equal(t, b1.End(), b2.Base)
	require.Equal(t, m.Current(), b2.End())
}

func TestExtendWritable(t *testing.T) {
	m := newTestManager(t)

	b, err := m.Extend(4096)
	require.NoError(t, err)

	s := (*[4096]byte)(unsafe.Pointer(b.Base))
	for i := range s {
		s[i] = byte(i)
	}

	for i := range s {
		require.Equal(t, byte(i), s[i])
	}
}

func TestShrinkRejectsOverShrink(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Extend(4096)
	require.NoError(t, err)

	err = m.Shrink(8192)
	require.Error(t, err)
}

func TestShrinkLowersBreak(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Extend(8192)
	require.NoError(t, err)

	before := m.Current()
	require.NoError(t, m.Shrink(4096))
	require.Equal(t, before-4096, m.Current())
}

func TestExhaustedReservationFails(t *testing.T) {
	m, err := NewManagerSize(8192)
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Close() })

	_, err = m.Extend(4096)
	require.NoError(t, err)

	_, err = m.Extend(8192)
	require.Error(t, err)
}
