package searchclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_SplitsItemsByOutcome(t *testing.T) {
	// Given: a mix of successful, throttled, closed, and fatal items
	items := []ItemResult{
		{ID: "1", Status: 0},
		{ID: "2", Status: 429},
		{ID: "3", Status: 403, ErrorType: "es_rejected_execution_exception"},
		{ID: "4", Status: 403, ErrorType: "index_closed_exception"},
		{ID: "5", Status: 400, ErrorType: "mapper_parsing_exception"},
	}

	// When: classifying the bulk response
	result := classify(items)

	// Then: each item lands in the bucket its error type/status implies
	assert.Len(t, result.RejectRetry, 2)
	assert.Len(t, result.IndexClosed, 1)
	assert.Len(t, result.Other, 1)
	assert.Equal(t, "5", result.Other[0].ID)
	assert.False(t, result.OK())
}

func TestBulkResult_OK_TrueWhenNoFailures(t *testing.T) {
	// Given: a response classified from all-success items (status already
	// normalized to 0 by decodeBulkResponse before classify sees it)
	result := classify([]ItemResult{{ID: "1", Status: 0}, {ID: "2", Status: 0}})

	// Then: OK reports true
	assert.True(t, result.OK())
}
