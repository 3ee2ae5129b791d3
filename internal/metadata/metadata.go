// Package metadata implements MetadataStore (spec §4.2): per-index
// progress and lifecycle state persisted inside the search cluster's
// mapping metadata, read and written with gjson/sjson so that saving never
// clobbers the index's field mappings (the ES mapping API replaces `_meta`
// wholesale but leaves `properties` untouched when only `_meta` is sent).
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ppy/elastic-indexer/internal/errs"
)

// State is the IndexName lifecycle marker (§4.3).
type State string

const (
	StateBuilding State = "building"
	StateReady    State = "ready"
	StateAliased  State = "aliased"
	StateClosed   State = "closed"
)

// forward lists the only legal State transitions (§4.3: "state only
// transitions forward"), as checked by CanTransition. Save does not consult
// it.
var forward = map[State][]State{
	StateBuilding: {StateReady, StateAliased},
	StateReady:    {StateAliased},
	StateAliased:  {StateAliased, StateClosed},
	StateClosed:   {},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal
// forward transition (a no-op to the same state is always legal).
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Metadata is persisted inside a given IndexName's mapping metadata (§3).
type Metadata struct {
	LastID        int64     `json:"last_id"`
	ResetQueueTo  *int64    `json:"reset_queue_to,omitempty"`
	Schema        string    `json:"schema"`
	State         State     `json:"state"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store reads and writes Metadata inside an index's `_meta` mapping field.
type Store struct {
	es *elasticsearch.Client
}

// NewStore wraps an Elasticsearch client for metadata access.
func NewStore(es *elasticsearch.Client) *Store {
	return &Store{es: es}
}

// Load reads the mapping metadata of index. It returns (nil, nil) if the
// index has no `_meta` object at all (a brand-new index with no Metadata
// ever saved). requireSchema turns a missing `_meta` object or an empty
// `schema` field into a MissingSchema error (§4.2).
func (s *Store) Load(ctx context.Context, index string, requireSchema bool) (*Metadata, error) {
	req := esapi.IndicesGetMappingRequest{Index: []string{index}}
	res, err := req.Do(ctx, s.es)
	if err != nil {
		return nil, errs.Wrapf(errs.TransientSink, "get mapping for %s: %v", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, errs.Wrapf(errs.TransientSink, "get mapping for %s: status %s", index, res.Status())
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	metaJSON := gjson.GetBytes(body, index+".mappings._meta")
	if !metaJSON.Exists() {
		if requireSchema {
			return nil, errs.Wrapf(errs.MissingSchema, "index %s has no persisted schema", index)
		}
		return nil, nil
	}

	var m Metadata
	if err := json.Unmarshal([]byte(metaJSON.Raw), &m); err != nil {
		return nil, errs.Wrapf(errs.FatalSink, "decode metadata for %s: %v", index, err)
	}
	if requireSchema && m.Schema == "" {
		return nil, errs.Wrapf(errs.MissingSchema, "index %s has no persisted schema", index)
	}
	return &m, nil
}

// Save writes m into index's `_meta` mapping field. Because the request
// body carries only `{"_meta": ...}`, the ES mapping-update API leaves
// `properties` (field mappings) untouched, satisfying the "must not clobber
// field mappings" requirement. Save is idempotent by value.
func (s *Store) Save(ctx context.Context, index string, m Metadata) error {
	m.UpdatedAt = time.Now().UTC()

	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	payload, err := sjson.SetRawBytes([]byte("{}"), "_meta", body)
	if err != nil {
		return err
	}

	req := esapi.IndicesPutMappingRequest{
		Index: []string{index},
		Body:  bytes.NewReader(payload),
	}
	res, err := req.Do(ctx, s.es)
	if err != nil {
		return errs.Wrapf(errs.TransientSink, "put mapping for %s: %v", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return errs.Wrapf(errs.TransientSink, "put mapping for %s: status %s", index, res.Status())
	}
	return nil
}
