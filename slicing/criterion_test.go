package slicing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/dynslice/slicing"
)

func TestParseCriterion(t *testing.T) {
	tests := []struct {
		in   string
		want slicing.Criterion
	}{
		{"12", slicing.Criterion{AnyThread: true, Index: 12}},
		{"3/12", slicing.Criterion{Thread: 3, Index: 12}},
		{"12@2", slicing.Criterion{AnyThread: true, Index: 12, Occurrence: 2}},
		{"main:7", slicing.Criterion{AnyThread: true, Index: -1, Method: "main", Line: 7}},
		{"1/main:7@-1", slicing.Criterion{Thread: 1, Index: -1, Method: "main", Line: 7, Occurrence: -1}},
		{" 0 ", slicing.Criterion{AnyThread: true, Index: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, err := slicing.ParseCriterion(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c)

			back, err := slicing.ParseCriterion(c.String())
			require.NoError(t, err)
			assert.Equal(t, c, back)
		})
	}
}

func TestParseCriterionErrors(t *testing.T) {
	for _, in := range []string{"", "x", "-1", "a/3", "3@0", "3@-2", "3@x", ":4", "main:x"} {
		t.Run(in, func(t *testing.T) {
			_, err := slicing.ParseCriterion(in)
			assert.ErrorIs(t, err, slicing.ErrBadCriterion)
		})
	}
}

func TestParseDirection(t *testing.T) {
	d, err := slicing.ParseDirection("forward")
	require.NoError(t, err)
	assert.Equal(t, slicing.Forward, d)
	assert.Equal(t, "forward", d.String())

	d, err = slicing.ParseDirection("")
	require.NoError(t, err)
	assert.Equal(t, slicing.Backward, d)

	_, err = slicing.ParseDirection("sideways")
	assert.Error(t, err)
}

func TestUniqueQueue(t *testing.T) {
	q := slicing.NewUniqueQueue[int]()
	assert.True(t, q.Add(1))
	assert.True(t, q.Add(2))
	assert.False(t, q.Add(1))
	assert.Equal(t, 2, q.Len())

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.False(t, q.Add(1), "popped values stay seen")
	assert.True(t, q.Seen(1))

	v, _ = q.Pop()
	assert.Equal(t, 2, v)
	_, ok = q.Pop()
	assert.False(t, ok)
	assert.Zero(t, q.Len())

	q.Reset()
	assert.False(t, q.Seen(1))
	assert.True(t, q.Add(1))
	assert.Equal(t, 1, q.Len())
}
