package searchclient

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIndexName_FormatsAliasAndUTCSuffix(t *testing.T) {
	// Given: a fixed instant in a non-UTC location
	loc := time.FixedZone("UTC-5", -5*60*60)
	at := time.Date(2026, 3, 4, 10, 30, 0, 0, loc)

	// When: formatting the physical index name
	name := IndexName("scores_osu", at)

	// Then: the suffix is rendered in UTC, not the input location
	assert.Equal(t, "scores_osu_20260304153000", name)
	assert.True(t, strings.HasPrefix(name, "scores_osu_"))
}

func TestDecodeBulkResponse_NormalizesSuccessStatus(t *testing.T) {
	body := strings.NewReader(`{
		"items": [
			{"index": {"_id": "1", "status": 201}},
			{"index": {"_id": "2", "status": 429, "error": {"type": "es_rejected_execution_exception", "reason": "busy"}}},
			{"delete": {"_id": "3", "status": 200}}
		]
	}`)

	items, err := decodeBulkResponse(body)

	assert.NoError(t, err)
	assert.Len(t, items, 3)

	byID := map[string]ItemResult{}
	for _, it := range items {
		byID[it.ID] = it
	}
	assert.Equal(t, 0, byID["1"].Status)
	assert.Equal(t, 0, byID["3"].Status)
	assert.Equal(t, 429, byID["2"].Status)
	assert.Equal(t, "es_rejected_execution_exception", byID["2"].ErrorType)
}
