// Package coordination implements CoordinationStore (spec §4, §6): a thin
// contract over the shared key-value coordination store holding
// `current_schema` and the `active_schemas` set, used to drive the
// cross-process switchover protocol (§4.8). Built on
// github.com/gomodule/redigo, a Redis client already present (indirect) in
// the teacher's go.mod.
package coordination

import (
	"context"

	"github.com/gomodule/redigo/redis"

	"github.com/ppy/elastic-indexer/internal/errs"
)

const (
	keyCurrentSchema = "current_schema"
	keyActiveSchemas = "active_schemas"
)

// Store is the CoordinationStore contract (§4, §6): Get/Set the single
// current_schema string, Add/Remove members of the active_schemas set.
type Store struct {
	pool *redis.Pool
}

// New dials url lazily via a connection pool.
func New(url string) *Store {
	return &Store{
		pool: &redis.Pool{
			MaxIdle:   8,
			MaxActive: 32,
			Dial: func() (redis.Conn, error) {
				return redis.DialURLContext(context.Background(), url)
			},
		},
	}
}

// Close releases pooled connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

// CurrentSchema returns the current_schema value, or "" if unset.
func (s *Store) CurrentSchema(ctx context.Context) (string, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return "", errs.Wrap(errs.TransientSink, err.Error())
	}
	defer conn.Close()

	v, err := redis.String(conn.Do("GET", keyCurrentSchema))
	if err == redis.ErrNil {
		return "", nil
	}
	if err != nil {
		return "", errs.Wrap(errs.TransientSink, err.Error())
	}
	return v, nil
}

// SetCurrentSchema sets current_schema to schema.
func (s *Store) SetCurrentSchema(ctx context.Context, schema string) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return errs.Wrap(errs.TransientSink, err.Error())
	}
	defer conn.Close()

	if _, err := conn.Do("SET", keyCurrentSchema, schema); err != nil {
		return errs.Wrap(errs.TransientSink, err.Error())
	}
	return nil
}

// ClearCurrentSchema deletes the current_schema key entirely.
func (s *Store) ClearCurrentSchema(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return errs.Wrap(errs.TransientSink, err.Error())
	}
	defer conn.Close()

	if _, err := conn.Do("DEL", keyCurrentSchema); err != nil {
		return errs.Wrap(errs.TransientSink, err.Error())
	}
	return nil
}

// AddActiveSchema adds indexName to the active_schemas set.
func (s *Store) AddActiveSchema(ctx context.Context, indexName string) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return errs.Wrap(errs.TransientSink, err.Error())
	}
	defer conn.Close()

	if _, err := conn.Do("SADD", keyActiveSchemas, indexName); err != nil {
		return errs.Wrap(errs.TransientSink, err.Error())
	}
	return nil
}

// RemoveActiveSchema removes indexName from the active_schemas set.
func (s *Store) RemoveActiveSchema(ctx context.Context, indexName string) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return errs.Wrap(errs.TransientSink, err.Error())
	}
	defer conn.Close()

	if _, err := conn.Do("SREM", keyActiveSchemas, indexName); err != nil {
		return errs.Wrap(errs.TransientSink, err.Error())
	}
	return nil
}

// ActiveSchemas returns the current members of the active_schemas set.
func (s *Store) ActiveSchemas(ctx context.Context) ([]string, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.TransientSink, err.Error())
	}
	defer conn.Close()

	members, err := redis.Strings(conn.Do("SMEMBERS", keyActiveSchemas))
	if err != nil {
		return nil, errs.Wrap(errs.TransientSink, err.Error())
	}
	return members, nil
}
