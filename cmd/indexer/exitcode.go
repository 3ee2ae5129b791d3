package main

import "github.com/ppy/elastic-indexer/internal/errs"

// exitCodeFor maps a returned error to the process exit code contract of
// §6: 0 on clean exit or graceful stop, non-zero on startup configuration
// errors, version mismatch, or unrecoverable initialization failure.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errs.Is(err, errs.MissingSchema):
		return 2
	case errs.Is(err, errs.VersionMismatch):
		return 3
	case errs.Is(err, errs.Cancelled):
		return 0
	default:
		return 1
	}
}
