package coordination

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedisStore backs fakeConn with an in-memory string/set table, letting
// Store's command construction be exercised without a live Redis instance.
type fakeRedisStore struct {
	mu      sync.Mutex
	strings map[string]string
	sets    map[string]map[string]struct{}
}

func newFakeRedisStore() *fakeRedisStore {
	return &fakeRedisStore{strings: map[string]string{}, sets: map[string]map[string]struct{}{}}
}

type fakeConn struct{ store *fakeRedisStore }

func (c *fakeConn) Close() error                     { return nil }
func (c *fakeConn) Err() error                       { return nil }
func (c *fakeConn) Send(string, ...interface{}) error { return nil }
func (c *fakeConn) Flush() error                      { return nil }
func (c *fakeConn) Receive() (interface{}, error)     { return nil, nil }

func (c *fakeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	switch cmd {
	case "GET":
		key := args[0].(string)
		v, ok := c.store.strings[key]
		if !ok {
			return nil, redis.ErrNil
		}
		return []byte(v), nil
	case "SET":
		key, val := args[0].(string), args[1].(string)
		c.store.strings[key] = val
		return "OK", nil
	case "DEL":
		key := args[0].(string)
		delete(c.store.strings, key)
		return int64(1), nil
	case "SADD":
		key, member := args[0].(string), args[1].(string)
		if c.store.sets[key] == nil {
			c.store.sets[key] = map[string]struct{}{}
		}
		c.store.sets[key][member] = struct{}{}
		return int64(1), nil
	case "SREM":
		key, member := args[0].(string), args[1].(string)
		delete(c.store.sets[key], member)
		return int64(1), nil
	case "SMEMBERS":
		key := args[0].(string)
		out := make([]interface{}, 0, len(c.store.sets[key]))
		for m := range c.store.sets[key] {
			out = append(out, []byte(m))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("fakeConn: unsupported command %s", cmd)
	}
}

func newTestStore() *Store {
	fs := newFakeRedisStore()
	return &Store{pool: &redis.Pool{Dial: func() (redis.Conn, error) { return &fakeConn{store: fs}, nil }}}
}

func TestStore_CurrentSchema_EmptyWhenUnset(t *testing.T) {
	// Given: a store with no current_schema key set
	s := newTestStore()

	// When/Then: CurrentSchema reports "" rather than an error
	v, err := s.CurrentSchema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestStore_SetAndClearCurrentSchema(t *testing.T) {
	// Given: a fresh store
	s := newTestStore()
	ctx := context.Background()

	// When: setting current_schema
	require.NoError(t, s.SetCurrentSchema(ctx, "v7"))

	// Then: it reads back
	v, err := s.CurrentSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v7", v)

	// When: clearing it
	require.NoError(t, s.ClearCurrentSchema(ctx))

	// Then: it reports empty again
	v, err = s.CurrentSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestStore_ActiveSchemas_AddAndRemove(t *testing.T) {
	// Given: a fresh store
	s := newTestStore()
	ctx := context.Background()

	// When: two indices register as active
	require.NoError(t, s.AddActiveSchema(ctx, "scores_osu_20260101000000"))
	require.NoError(t, s.AddActiveSchema(ctx, "scores_taiko_20260101000000"))

	// Then: both are members
	members, err := s.ActiveSchemas(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"scores_osu_20260101000000", "scores_taiko_20260101000000"}, members)

	// When: one is removed
	require.NoError(t, s.RemoveActiveSchema(ctx, "scores_osu_20260101000000"))

	// Then: only the other remains
	members, err = s.ActiveSchemas(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"scores_taiko_20260101000000"}, members)
}
