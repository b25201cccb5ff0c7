package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, []int{4, 5}, r.Tail(2))
	assert.Equal(t, []int{3, 4, 5}, r.Tail(10))
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "/abs/file", ResolvePath("base", "/abs/file"))
	assert.Equal(t, "base/rel", ResolvePath("base", "rel"))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "12D3KooW", ShortID("12D3KooWAbCdEf"))
	assert.Equal(t, "abc", ShortID(" abc "))
}
