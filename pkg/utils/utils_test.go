package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashString(t *testing.T) {
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", HashString("hello"))
	assert.NotEqual(t, HashParts("ab", "c"), HashParts("a", "bc"))
}

func TestCountCJK(t *testing.T) {
	assert.Equal(t, 0, CountCJK("hello, world"))
	assert.Equal(t, 4, CountCJK("台灣社福 abc"))
	assert.Equal(t, 2, CountCJK("㐀豈"))
	assert.Equal(t, 0, CountCJK("。！？"))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "台灣", TruncateRunes("台灣社福", 2))
	assert.Equal(t, "abc", TruncateRunes("abc", 5))
	assert.Equal(t, "", TruncateRunes("abc", 0))
}

func TestCollapseSpace(t *testing.T) {
	assert.Equal(t, "Hello world", CollapseSpace("  Hello \n\t world  "))
	assert.Equal(t, "", CollapseSpace("   "))
}
