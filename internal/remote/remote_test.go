package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathClassification(t *testing.T) {
	assert.True(t, IsCollection("conversations"))
	assert.True(t, IsDocument("conversations/conv_a_b"))
	assert.True(t, IsCollection("conversations/conv_a_b/messages"))
	assert.False(t, IsDocument("conversations//x"))
	assert.False(t, IsDocument(""))
	assert.False(t, IsCollection("presence/alice"))
}

func TestSplit(t *testing.T) {
	coll, id, err := Split(Join("conversations", "conv_a_b", "messages", "m1"))
	require.NoError(t, err)
	assert.Equal(t, "conversations/conv_a_b/messages", coll)
	assert.Equal(t, "m1", id)

	_, _, err = Split("conversations")
	assert.Error(t, err)
}

func TestWithFilterDoesNotAlias(t *testing.T) {
	base := Query{Collection: "c"}.WithFilter("a", OpEq, 1)
	q1 := base.WithFilter("b", OpEq, 2)
	q2 := base.WithFilter("c", OpEq, 3)
	assert.Len(t, base.Where, 1)
	assert.Equal(t, "b", q1.Where[1].Field)
	assert.Equal(t, "c", q2.Where[1].Field)
}
