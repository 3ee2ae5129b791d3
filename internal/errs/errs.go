// Package errs defines the error kinds from the error handling design and
// the policy for classifying bulk-response and driver failures into them.
package errs

import "github.com/pkg/errors"

// Sentinel error kinds. Wrap with errors.Wrap so that errors.Is still
// matches the sentinel while retaining call-site context.
var (
	// MissingSchema is returned when Settings.SchemaTag is empty.
	MissingSchema = errors.New("schema_tag is required")

	// VersionMismatch is returned when a live Indexer's persisted Metadata
	// schema does not match its configured schema_tag.
	VersionMismatch = errors.New("persisted schema does not match configured schema_tag")

	// IndexClosed signals that the search cluster reported the target
	// index closed mid-run; the run must be abandoned without an alias
	// commit.
	IndexClosed = errors.New("index closed by search cluster")

	// TransientSource marks a retryable relational-source driver failure.
	TransientSource = errors.New("transient source failure")

	// TransientSink marks a retryable search-cluster failure (429 or
	// es_rejected_execution_exception).
	TransientSink = errors.New("transient sink failure")

	// FatalSink marks a non-retryable bulk item error other than
	// index-closed.
	FatalSink = errors.New("fatal sink failure")

	// Cancelled marks a run that stopped because its context was
	// cancelled.
	Cancelled = errors.New("cancelled")
)

// Wrap attaches msg as context to the given sentinel kind.
func Wrap(kind error, msg string) error {
	return errors.Wrap(kind, msg)
}

// Wrapf attaches a formatted message as context to the given sentinel kind.
func Wrapf(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}

// Is reports whether err ultimately wraps kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
