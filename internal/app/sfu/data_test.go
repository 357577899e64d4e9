package sfu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDataRelay(t *testing.T) {
	d := NewDataRelay()
	var a, b [][]byte
	assert.True(t, d.Subscribe("a", func(p []byte) { a = append(a, p) }))
	assert.True(t, d.Subscribe("b", func(p []byte) { b = append(b, p) }))

	assert.Equal(t, 2, d.Publish([]byte("hi")))
	d.Unsubscribe("b")
	assert.Equal(t, 1, d.Publish([]byte("again")))

	assert.Equal(t, [][]byte{[]byte("hi"), []byte("again")}, a)
	assert.Equal(t, [][]byte{[]byte("hi")}, b)

	assert.Equal(t, []string{"a"}, d.Close())
	assert.Nil(t, d.Close())
	assert.False(t, d.Subscribe("c", func([]byte) {}))
	assert.Zero(t, d.Publish([]byte("late")))
	assert.Zero(t, d.Len())
}
