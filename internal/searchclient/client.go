// Package searchclient is the typed wrapper over the search cluster named
// by spec §4.4: create index from a JSON mapping file, bulk index/delete,
// get/set aliases, close an index, and enumerate indices by prefix and
// schema tag. Built on the official github.com/elastic/go-elasticsearch/v8
// client, the same library family (v7/v8) already present in the teacher's
// go.mod.
package searchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/ppy/elastic-indexer/internal/errs"
	"github.com/ppy/elastic-indexer/internal/metadata"
	"github.com/ppy/elastic-indexer/internal/obs"
	"github.com/ppy/elastic-indexer/internal/record"
)

var log = obs.Named("searchclient")

// Client is the shared, thread-safe search-cluster client for one process
// (spec §5: "The search-cluster client is thread-safe and shared per
// process (one connection pool)").
type Client struct {
	es   *elasticsearch.Client
	Meta *metadata.Store
}

// New constructs a Client against the given cluster URL.
func New(url string) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{url}})
	if err != nil {
		return nil, errs.Wrap(err, "constructing search client")
	}
	return &Client{es: es, Meta: metadata.NewStore(es)}, nil
}

// indexSuffix formats the UTC timestamp suffix of a physical IndexName
// (spec §3: `"{alias}_{suffix}"`, suffix `yyyyMMddHHmmss`).
func indexSuffix(t time.Time) string {
	return t.UTC().Format("20060102150405")
}

// IndexName formats the physical index name for alias at the given time.
func IndexName(alias string, t time.Time) string {
	return fmt.Sprintf("%s_%s", alias, indexSuffix(t))
}

// candidateIndex is one `{alias}_*` match considered by FindOrCreateIndex.
type candidateIndex struct {
	name      string
	suffix    string
	meta      metadata.Metadata
	updatedAt time.Time
}

// FindOrCreateIndex implements §4.4 case analysis: prefer an existing
// index already aliased at the configured schema, fall back to the
// deterministically newest unaliased match, and otherwise create a fresh
// index from mappingPath. forceNew (Settings.IsNew) skips candidate
// matching entirely and always creates a fresh physical index, for
// operators who want to rebuild into a brand-new index even though one
// already matches alias/schemaTag.
func (c *Client) FindOrCreateIndex(ctx context.Context, alias, schemaTag, mappingPath string, forceNew bool) (name string, meta metadata.Metadata, aliased bool, err error) {
	if forceNew {
		return c.createIndex(ctx, alias, schemaTag, mappingPath)
	}

	candidates, err := c.matchingIndices(ctx, alias, schemaTag)
	if err != nil {
		return "", metadata.Metadata{}, false, err
	}

	currentAliasTargets, err := c.GetAlias(ctx, alias)
	if err != nil {
		return "", metadata.Metadata{}, false, err
	}
	targetSet := map[string]bool{}
	for _, t := range currentAliasTargets {
		targetSet[t] = true
	}

	for _, cand := range candidates {
		if targetSet[cand.name] {
			return cand.name, cand.meta, true, nil
		}
	}

	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].suffix != candidates[j].suffix {
				return candidates[i].suffix > candidates[j].suffix
			}
			return candidates[i].updatedAt.After(candidates[j].updatedAt)
		})
		best := candidates[0]
		return best.name, best.meta, false, nil
	}

	return c.createIndex(ctx, alias, schemaTag, mappingPath)
}

// ResolveAliasedIndex reports the physical index alias currently points at,
// and its persisted Metadata, regardless of schema. Used by the Indexer
// readiness gate (§4.7) to distinguish "alias has never been built at all"
// (not ready, skip) from "alias is aliased to an index built at a different
// schema" (§6/§8 scenario S6: VersionMismatch) — a distinction that
// filtering candidates by schemaTag up front (as FindOrCreateIndex does)
// cannot make, since it would simply never surface the mismatched index.
func (c *Client) ResolveAliasedIndex(ctx context.Context, alias string) (name string, meta metadata.Metadata, found bool, err error) {
	targets, err := c.GetAlias(ctx, alias)
	if err != nil {
		return "", metadata.Metadata{}, false, err
	}
	if len(targets) == 0 {
		return "", metadata.Metadata{}, false, nil
	}

	name = targets[0]
	m, err := c.Meta.Load(ctx, name, false)
	if err != nil {
		return "", metadata.Metadata{}, false, err
	}
	if m == nil {
		return "", metadata.Metadata{}, false, nil
	}
	return name, *m, true, nil
}

func (c *Client) matchingIndices(ctx context.Context, alias, schemaTag string) ([]candidateIndex, error) {
	names, err := c.EnumerateIndices(ctx, alias+"_*")
	if err != nil {
		return nil, err
	}
	var out []candidateIndex
	for _, name := range names {
		m, err := c.Meta.Load(ctx, name, false)
		if err != nil {
			log.Warnw("skipping index with unreadable metadata", "index", name, "error", err)
			continue
		}
		if m == nil || m.Schema != schemaTag {
			continue
		}
		out = append(out, candidateIndex{
			name:      name,
			suffix:    strings.TrimPrefix(name, alias+"_"),
			meta:      *m,
			updatedAt: m.UpdatedAt,
		})
	}
	return out, nil
}

func (c *Client) createIndex(ctx context.Context, alias, schemaTag, mappingPath string) (string, metadata.Metadata, bool, error) {
	name := IndexName(alias, time.Now())

	mapping, err := os.ReadFile(mappingPath)
	if err != nil {
		return "", metadata.Metadata{}, false, errs.Wrapf(errs.FatalSink, "reading mapping file %s: %v", mappingPath, err)
	}

	req := esapi.IndicesCreateRequest{
		Index:               name,
		Body:                bytes.NewReader(mapping),
		WaitForActiveShards: "all",
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return "", metadata.Metadata{}, false, errs.Wrapf(errs.TransientSink, "create index %s: %v", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return "", metadata.Metadata{}, false, errs.Wrapf(errs.TransientSink, "create index %s: status %s: %s", name, res.Status(), b)
	}

	m := metadata.Metadata{
		Schema: schemaTag,
		State:  metadata.StateBuilding,
	}
	if err := c.Meta.Save(ctx, name, m); err != nil {
		return "", metadata.Metadata{}, false, err
	}
	return name, m, false, nil
}

// EnumerateIndices lists indices matching the given glob pattern.
func (c *Client) EnumerateIndices(ctx context.Context, pattern string) ([]string, error) {
	req := esapi.IndicesGetRequest{Index: []string{pattern}}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, errs.Wrapf(errs.TransientSink, "enumerate indices %s: %v", pattern, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return nil, nil
	}
	if res.IsError() {
		return nil, errs.Wrapf(errs.TransientSink, "enumerate indices %s: status %s", pattern, res.Status())
	}

	var payload map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(payload))
	for name := range payload {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetAlias returns the physical indices currently targeted by alias.
func (c *Client) GetAlias(ctx context.Context, alias string) ([]string, error) {
	req := esapi.IndicesGetAliasRequest{Name: []string{alias}}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, errs.Wrapf(errs.TransientSink, "get alias %s: %v", alias, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return nil, nil
	}
	if res.IsError() {
		return nil, errs.Wrapf(errs.TransientSink, "get alias %s: status %s", alias, res.Status())
	}

	var payload map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, err
	}
	targets := make([]string, 0, len(payload))
	for name := range payload {
		targets = append(targets, name)
	}
	sort.Strings(targets)
	return targets, nil
}

// UpdateAlias atomically removes alias from every index it currently
// targets and adds it to newIndex in a single request (spec §4.4, §8
// invariant 2: the alias update must never expose a window of zero
// targets). If close is true, every previous target other than newIndex is
// closed afterwards; a close failure is logged but not fatal.
func (c *Client) UpdateAlias(ctx context.Context, alias, newIndex string, closeOld bool) error {
	previous, err := c.GetAlias(ctx, alias)
	if err != nil {
		return err
	}

	actions := []map[string]interface{}{
		{"remove": map[string]string{"index": "*", "alias": alias}},
		{"add": map[string]string{"index": newIndex, "alias": alias}},
	}
	body, err := json.Marshal(map[string]interface{}{"actions": actions})
	if err != nil {
		return err
	}

	req := esapi.IndicesUpdateAliasesRequest{Body: bytes.NewReader(body)}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return errs.Wrapf(errs.TransientSink, "update alias %s -> %s: %v", alias, newIndex, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return errs.Wrapf(errs.TransientSink, "update alias %s -> %s: status %s: %s", alias, newIndex, res.Status(), b)
	}

	if closeOld {
		for _, prev := range previous {
			if prev == newIndex {
				continue
			}
			if err := c.CloseIndex(ctx, prev); err != nil {
				log.Warnw("failed to close previous index after alias switch", "index", prev, "error", err)
			}
		}
	}
	return nil
}

// CloseIndex closes index, transitioning it to State Closed from the
// search cluster's perspective.
func (c *Client) CloseIndex(ctx context.Context, index string) error {
	req := esapi.IndicesCloseRequest{Index: []string{index}}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return errs.Wrapf(errs.TransientSink, "close index %s: %v", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return errs.Wrapf(errs.TransientSink, "close index %s: status %s: %s", index, res.Status(), b)
	}
	return nil
}

// BulkIndex issues a single bulk request carrying upserts for adds and
// deletes for deletes, and classifies the response per §4.4/§4.6.
func (c *Client) BulkIndex(ctx context.Context, index string, adds, deletes []record.Record) (BulkResult, error) {
	if len(adds) == 0 && len(deletes) == 0 {
		return BulkResult{}, nil
	}

	var buf bytes.Buffer
	order := make([]string, 0, len(adds)+len(deletes))
	for _, r := range adds {
		meta, err := json.Marshal(map[string]interface{}{
			"index": map[string]string{"_index": index, "_id": r.ID()},
		})
		if err != nil {
			return BulkResult{}, err
		}
		src, err := json.Marshal(r)
		if err != nil {
			return BulkResult{}, err
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(src)
		buf.WriteByte('\n')
		order = append(order, r.ID())
	}
	for _, r := range deletes {
		meta, err := json.Marshal(map[string]interface{}{
			"delete": map[string]string{"_index": index, "_id": r.ID()},
		})
		if err != nil {
			return BulkResult{}, err
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		order = append(order, r.ID())
	}

	req := esapi.BulkRequest{Index: index, Body: bytes.NewReader(buf.Bytes())}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return BulkResult{}, errs.Wrapf(errs.TransientSink, "bulk request to %s: %v", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return BulkResult{}, errs.Wrapf(errs.TransientSink, "bulk request to %s: status %s: %s", index, res.Status(), b)
	}

	items, err := decodeBulkResponse(res.Body)
	if err != nil {
		return BulkResult{}, err
	}
	return classify(items), nil
}

type bulkResponseEnvelope struct {
	Items []map[string]bulkItem `json:"items"`
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func decodeBulkResponse(r io.Reader) ([]ItemResult, error) {
	var env bulkResponseEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, err
	}
	items := make([]ItemResult, 0, len(env.Items))
	for _, actionResult := range env.Items {
		for _, it := range actionResult {
			status := it.Status
			if status >= 200 && status < 300 {
				status = 0
			}
			items = append(items, ItemResult{
				ID:          it.ID,
				Status:      status,
				ErrorType:   it.Error.Type,
				ErrorReason: it.Error.Reason,
			})
		}
	}
	return items, nil
}
