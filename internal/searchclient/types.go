package searchclient

// ItemResult is one line of a bulk response, carrying enough of the
// Elasticsearch-shaped per-item error to classify it per §4.4/§6.
type ItemResult struct {
	ID          string
	Status      int
	ErrorType   string
	ErrorReason string
}

// BulkResult classifies every item of one bulk request per the dispatcher's
// branching rules (§4.6): reject-retry (429 or es_rejected_execution_exception),
// index-closed (index_closed_exception), or other (fatal, non-blocking).
type BulkResult struct {
	RejectRetry []ItemResult
	IndexClosed []ItemResult
	Other       []ItemResult
}

// OK reports whether every item in the bulk response succeeded.
func (r BulkResult) OK() bool {
	return len(r.RejectRetry) == 0 && len(r.IndexClosed) == 0 && len(r.Other) == 0
}

const (
	errTypeRejectedExecution = "es_rejected_execution_exception"
	errTypeIndexClosed       = "index_closed_exception"
	statusTooManyRequests    = 429
)

func classify(items []ItemResult) BulkResult {
	var res BulkResult
	for _, it := range items {
		switch {
		case it.Status == 0:
			// success
		case it.Status == statusTooManyRequests || it.ErrorType == errTypeRejectedExecution:
			res.RejectRetry = append(res.RejectRetry, it)
		case it.ErrorType == errTypeIndexClosed:
			res.IndexClosed = append(res.IndexClosed, it)
		default:
			res.Other = append(res.Other, it)
		}
	}
	return res
}
