package shell

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferRelaysInOrder(t *testing.T) {
	var b Buffer
	var got []string
	b.Append("before ")
	b.Subscribe(func(s string) { got = append(got, s) })
	b.Append("one ")
	b.Append("")
	b.Append("two")

	require.Equal(t, []string{"one ", "two"}, got)
	require.Equal(t, "before one two", b.String())
}

func TestBufferSubscribeReplaces(t *testing.T) {
	var b Buffer
	var first, second []string
	b.Subscribe(func(s string) { first = append(first, s) })
	b.Append("a")
	b.Subscribe(func(s string) { second = append(second, s) })
	b.Append("b")
	b.Subscribe(nil)
	b.Append("c")

	require.Equal(t, []string{"a"}, first)
	require.Equal(t, []string{"b"}, second)
	require.Equal(t, "abc", b.String())
}
