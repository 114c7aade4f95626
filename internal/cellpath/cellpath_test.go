package cellpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCellName(t *testing.T) {
	good := []string{"alpha", "a", "a-b-c", "a1", "0zz"}
	for _, g := range good {
		_, err := ValidateCellName(g)
		assert.NoError(t, err, g)
	}

	bad := []string{"", "-abc", "Abc", "a_b", "a/b", "a b"}
	for _, b := range bad {
		_, err := ValidateCellName(b)
		assert.Error(t, err, b)
	}
}

func TestParseRejectsSlashBoundaries(t *testing.T) {
	_, err := Parse("/a/b")
	require.Error(t, err)
	_, err = Parse("a/b/")
	require.Error(t, err)
}

func TestParseEmptyIsEmptyPath(t *testing.T) {
	p, err := Parse("")
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())

	_, err = ParseNonEmpty("")
	assert.Error(t, err)
}

func TestIntoChildSingleSegmentYieldsEmptyTail(t *testing.T) {
	p, err := ParseNonEmpty("alpha")
	require.NoError(t, err)
	head, tail := p.IntoChild()
	assert.Equal(t, CellName("alpha"), head)
	assert.True(t, tail.IsEmpty())
}

func TestIntoChildMultiSegment(t *testing.T) {
	p, err := ParseNonEmpty("a/b/c")
	require.NoError(t, err)

	head, tail := p.IntoChild()
	assert.Equal(t, CellName("a"), head)
	assert.Equal(t, "b/c", tail.String())

	head, tail = tail.IntoChild()
	assert.Equal(t, CellName("b"), head)
	assert.Equal(t, "c", tail.String())

	head, tail = tail.IntoChild()
	assert.Equal(t, CellName("c"), head)
	assert.True(t, tail.IsEmpty())
}

func TestIntoChildOnEmptyPanics(t *testing.T) {
	assert.Panics(t, func() {
		Empty.IntoChild()
	})
}
