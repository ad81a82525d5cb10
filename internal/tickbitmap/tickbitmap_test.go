package tickbitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bitmapWith(t *testing.T, spacing int32, ticks ...int32) *Bitmap {
	t.Helper()
	b := New()
	for _, tick := range ticks {
		require.NoError(t, b.FlipTick(tick, spacing))
	}
	return b
}

func TestFlipTick(t *testing.T) {
	b := New()
	assert.False(t, b.IsInitialized(1, 1))

	require.NoError(t, b.FlipTick(1, 1))
	assert.True(t, b.IsInitialized(1, 1))

	require.NoError(t, b.FlipTick(1, 1))
	assert.False(t, b.IsInitialized(1, 1))
	assert.Empty(t, b.Words(), "cleared words are dropped")

	t.Run("is flipped by -259", func(t *testing.T) {
		b := bitmapWith(t, 1, -259)
		assert.True(t, b.IsInitialized(-259, 1))
		assert.False(t, b.IsInitialized(-258, 1))
		assert.False(t, b.IsInitialized(-260, 1))
		assert.False(t, b.IsInitialized(-259+256, 1))
		assert.False(t, b.IsInitialized(-259-256, 1))
	})

	t.Run("rejects misaligned ticks", func(t *testing.T) {
		assert.ErrorIs(t, New().FlipTick(61, 60), ErrTickMisaligned)
	})
}

func TestNextInitializedTickWithinOneWord(t *testing.T) {
	initTicks := []int32{-200, -55, -4, 70, 78, 84, 139, 240, 535}

	type tc struct {
		name        string
		tick        int32
		lte         bool
		extra       []int32
		next        int32
		initialized bool
	}

	tests := []tc{
		// searching right
		{name: "returns tick to right if at initialized tick", tick: 78, next: 84, initialized: true},
		{name: "returns tick to right if at negative initialized tick", tick: -55, next: -4, initialized: true},
		{name: "returns the tick directly to the right", tick: 77, next: 78, initialized: true},
		{name: "returns the negative tick directly to the right", tick: -56, next: -55, initialized: true},
		{name: "returns the next word edge on the right boundary", tick: 255, next: 511, initialized: false},
		{name: "returns the next initialized tick from the next word", tick: -257, next: -200, initialized: true},
		{name: "finds a tick flipped in the next word", tick: 328, extra: []int32{340}, next: 340, initialized: true},
		{name: "does not exceed boundary", tick: 508, next: 511, initialized: false},
		{name: "skips entire word", tick: 255, next: 511, initialized: false},
		{name: "skips half word", tick: 383, next: 511, initialized: false},

		// searching left
		{name: "returns same tick if initialized", tick: 78, lte: true, next: 78, initialized: true},
		{name: "returns tick directly to the left if not initialized", tick: 79, lte: true, next: 78, initialized: true},
		{name: "will not exceed the word boundary", tick: 258, lte: true, next: 256, initialized: false},
		{name: "at the word boundary", tick: 256, lte: true, next: 256, initialized: false},
		{name: "word boundary less 1", tick: 72, lte: true, next: 70, initialized: true},
		{name: "negative word boundary", tick: -257, lte: true, next: -512, initialized: false},
		{name: "entire empty word", tick: 1023, lte: true, next: 768, initialized: false},
		{name: "halfway through empty word", tick: 900, lte: true, next: 768, initialized: false},
		{name: "boundary is initialized", tick: 456, lte: true, extra: []int32{329}, next: 329, initialized: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bitmapWith(t, 1, append(append([]int32{}, initTicks...), tt.extra...)...)
			next, initialized := b.NextInitializedTickWithinOneWord(tt.tick, 1, tt.lte)
			assert.Equal(t, tt.next, next)
			assert.Equal(t, tt.initialized, initialized)
		})
	}
}

func TestNextInitializedTickWithSpacing(t *testing.T) {
	b := bitmapWith(t, 60, -60, 60)

	next, initialized := b.NextInitializedTickWithinOneWord(0, 60, false)
	assert.Equal(t, int32(60), next)
	assert.True(t, initialized)

	next, initialized = b.NextInitializedTickWithinOneWord(0, 60, true)
	assert.Equal(t, int32(0), next, "left search stops at the word edge holding compressed tick 0")
	assert.False(t, initialized)

	// -1 compresses to -1 (rounding toward negative infinity), the word holding -60
	next, initialized = b.NextInitializedTickWithinOneWord(-1, 60, true)
	assert.Equal(t, int32(-60), next)
	assert.True(t, initialized)

	// crossing 60 moving right lands on the word edge
	next, initialized = b.NextInitializedTickWithinOneWord(60, 60, false)
	assert.Equal(t, int32(255*60), next)
	assert.False(t, initialized)
}

func TestCompress(t *testing.T) {
	assert.Equal(t, int32(0), Compress(59, 60))
	assert.Equal(t, int32(-1), Compress(-1, 60))
	assert.Equal(t, int32(-1), Compress(-60, 60))
	assert.Equal(t, int32(-2), Compress(-61, 60))
}
