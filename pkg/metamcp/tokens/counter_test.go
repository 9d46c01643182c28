package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountEmptyText(t *testing.T) {
	c := NewCounter()
	assert.Equal(t, 0, c.Count("gpt-4o", ""))
}

func TestCountFallsBackForUnknownModel(t *testing.T) {
	c := NewCounter()

	known := c.Count("gpt-4o", "hello world, this is a test")
	unknown := c.Count("model-that-does-not-exist", "hello world, this is a test")

	assert.Greater(t, known, 0)
	assert.Greater(t, unknown, 0)
}

func TestCountIsDeterministic(t *testing.T) {
	c := NewCounter()
	text := "The quick brown fox jumps over the lazy dog."

	first := c.Count("", text)
	second := c.Count("", text)

	assert.Equal(t, first, second)
	assert.Greater(t, first, 0)
}

func TestCountScalesWithLength(t *testing.T) {
	c := NewCounter()

	short := c.Count("", "one")
	long := c.Count("", "one two three four five six seven eight nine ten")

	assert.Greater(t, long, short)
}

func TestClearResetsCache(t *testing.T) {
	c := NewCounter()
	before := c.Count("", "some text to tokenize")
	c.Clear()
	after := c.Count("", "some text to tokenize")

	assert.Equal(t, before, after)
}
