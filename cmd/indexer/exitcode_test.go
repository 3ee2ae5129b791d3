package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ppy/elastic-indexer/internal/errs"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil is a clean exit", nil, 0},
		{"missing schema_tag", errs.MissingSchema, 2},
		{"version mismatch", errs.VersionMismatch, 3},
		{"cancelled is treated as clean", errs.Cancelled, 0},
		{"wrapped version mismatch still matches", errs.Wrapf(errs.VersionMismatch, "index %s", "scores_osu_x"), 3},
		{"unrecognized error is a generic failure", assertErr{}, 1},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, exitCodeFor(c.err), c.name)
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
