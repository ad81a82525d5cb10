// Package tickbitmap tracks which ticks are initialized as a sparse set of
// 256-bit words keyed by word position.
package tickbitmap

import (
	"errors"
	"math/bits"

	"github.com/holiman/uint256"
)

// ErrTickMisaligned is returned when a tick is not a multiple of the tick spacing.
var ErrTickMisaligned = errors.New("tick is not a multiple of tick spacing")

// Bitmap holds one bit per compressed tick (tick / tickSpacing).
type Bitmap struct {
	words map[int16]*uint256.Int
}

// New returns an empty bitmap.
func New() *Bitmap {
	return &Bitmap{words: make(map[int16]*uint256.Int)}
}

// Position returns the word and bit index for a compressed tick.
func Position(compressed int32) (wordPos int16, bitPos uint8) {
	return int16(compressed >> 8), uint8(compressed)
}

// Compress divides a tick by the spacing rounding toward negative infinity.
func Compress(tick, tickSpacing int32) int32 {
	compressed := tick / tickSpacing
	if tick < 0 && tick%tickSpacing != 0 {
		compressed--
	}
	return compressed
}

// FlipTick toggles the initialized state of tick.
func (b *Bitmap) FlipTick(tick, tickSpacing int32) error {
	if tick%tickSpacing != 0 {
		return ErrTickMisaligned
	}
	wordPos, bitPos := Position(tick / tickSpacing)
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), uint(bitPos))
	word := b.word(wordPos)
	word.Xor(word, mask)
	if word.IsZero() {
		delete(b.words, wordPos)
	}
	return nil
}

// IsInitialized reports whether the bit for tick is set.
func (b *Bitmap) IsInitialized(tick, tickSpacing int32) bool {
	if tick%tickSpacing != 0 {
		return false
	}
	wordPos, bitPos := Position(tick / tickSpacing)
	word, ok := b.words[wordPos]
	if !ok {
		return false
	}
	return bitSet(word, uint(bitPos))
}

// NextInitializedTickWithinOneWord returns the next initialized tick contained in
// the same word as tick, searching left (lte) or right. When no bit is set it
// returns the word's edge tick with initialized false so the caller can move on
// to the adjacent word.
func (b *Bitmap) NextInitializedTickWithinOneWord(tick, tickSpacing int32, lte bool) (next int32, initialized bool) {
	compressed := Compress(tick, tickSpacing)

	if lte {
		wordPos, bitPos := Position(compressed)
		// all bits at or to the right of bitPos
		mask := new(uint256.Int).Lsh(uint256.NewInt(1), uint(bitPos))
		mask.Add(mask, new(uint256.Int).SubUint64(mask, 1))
		masked := new(uint256.Int).And(b.peek(wordPos), mask)

		if masked.IsZero() {
			return (compressed - int32(bitPos)) * tickSpacing, false
		}
		msb := int32(masked.BitLen() - 1)
		return (compressed - (int32(bitPos) - msb)) * tickSpacing, true
	}

	// start from the next tick so the current one is never returned
	wordPos, bitPos := Position(compressed + 1)
	// all bits at or to the left of bitPos
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), uint(bitPos))
	mask.SubUint64(mask, 1).Not(mask)
	masked := new(uint256.Int).And(b.peek(wordPos), mask)

	if masked.IsZero() {
		return (compressed + 1 + int32(255-bitPos)) * tickSpacing, false
	}
	lsb := int32(leastSignificantBit(masked))
	return (compressed + 1 + (lsb - int32(bitPos))) * tickSpacing, true
}

// Words returns a copy of every non-empty word keyed by word position.
func (b *Bitmap) Words() map[int16]*uint256.Int {
	out := make(map[int16]*uint256.Int, len(b.words))
	for pos, word := range b.words {
		out[pos] = new(uint256.Int).Set(word)
	}
	return out
}

// SetWord overwrites a word, used when restoring persisted state.
func (b *Bitmap) SetWord(wordPos int16, word *uint256.Int) {
	if word == nil || word.IsZero() {
		delete(b.words, wordPos)
		return
	}
	b.words[wordPos] = new(uint256.Int).Set(word)
}

func (b *Bitmap) word(pos int16) *uint256.Int {
	w, ok := b.words[pos]
	if !ok {
		w = new(uint256.Int)
		b.words[pos] = w
	}
	return w
}

func (b *Bitmap) peek(pos int16) *uint256.Int {
	if w, ok := b.words[pos]; ok {
		return w
	}
	return new(uint256.Int)
}

func bitSet(word *uint256.Int, bit uint) bool {
	return word[bit/64]&(1<<(bit%64)) != 0
}

func leastSignificantBit(x *uint256.Int) int {
	for i, limb := range x {
		if limb != 0 {
			return i*64 + bits.TrailingZeros64(limb)
		}
	}
	return 256
}
