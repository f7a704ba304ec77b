package base

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageHeaders(t *testing.T) {
	m := NewMessage()

	require.True(t, m.AddHeader("CSeq", "3"))
	require.True(t, m.AddHeader("Content-Type", "application/sdp"))

	v, ok := m.Header("cseq")
	require.True(t, ok)
	require.Equal(t, "3", v)

	_, ok = m.Header("Transport")
	require.False(t, ok)

	var names []string
	m.EachHeader(func(name string, _ string) {
		names = append(names, name)
	})
	require.Equal(t, []string{"CSeq", "Content-Type"}, names)
}

func TestMessageHeaderLimit(t *testing.T) {
	m := NewMessage()

	for i := 0; i < 16; i++ {
		require.True(t, m.AddHeader("X-Entry", "v"))
	}
	require.False(t, m.AddHeader("X-Entry", "v"))
	require.Equal(t, 16, m.HeaderCount())
}

func TestMessageReferenceCounting(t *testing.T) {
	m := NewMessage()
	m.Content = []byte("payload")
	require.Equal(t, 1, m.Refs())

	m.Retain()
	m.Retain()
	require.Equal(t, 3, m.Refs())

	m.Release()
	m.Release()
	require.Equal(t, 1, m.Refs())
	require.Equal(t, []byte("payload"), m.Content)

	m.Release()
	require.Equal(t, 0, m.Refs())
	require.Nil(t, m.Content)

	require.Panics(t, func() {
		m.Release()
	})
	require.Panics(t, func() {
		m.Retain()
	})
}

func TestMessageIndexesIncrease(t *testing.T) {
	a := NewMessage()
	b := NewMessage()
	require.Greater(t, b.Index(), a.Index())
}
