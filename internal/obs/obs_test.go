package obs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimited_FirstCallTrueSubsequentFalse(t *testing.T) {
	key := "test.rate.limited.key.unique"

	// Given/When: the same key is checked twice in quick succession
	first := RateLimited(key)
	second := RateLimited(key)

	// Then: only the first call is allowed to log
	assert.True(t, first)
	assert.False(t, second)
}

func TestRateLimited_DistinctKeysAreIndependent(t *testing.T) {
	// Given: two distinct keys
	// Then: each gets its own independent first-call allowance
	assert.True(t, RateLimited("test.rate.limited.key.a"))
	assert.True(t, RateLimited("test.rate.limited.key.b"))
}
