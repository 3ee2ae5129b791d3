package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_AllowsOnlyForwardMoves(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateBuilding, StateReady, true},
		{StateBuilding, StateAliased, true},
		{StateBuilding, StateClosed, false},
		{StateReady, StateAliased, true},
		{StateReady, StateBuilding, false},
		{StateAliased, StateClosed, true},
		{StateAliased, StateAliased, true},
		{StateClosed, StateReady, false},
		{StateClosed, StateClosed, true},
	}

	for _, c := range cases {
		got := CanTransition(c.from, c.to)
		assert.Equalf(t, c.want, got, "CanTransition(%s, %s)", c.from, c.to)
	}
}
