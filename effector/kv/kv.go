// Package kv implements the db_get/db_put/db_del/db_scan effects
// against a namespaced key-value backend. The in-process Memory
// effector backs tests and local development; Redis wires the same
// contract to go-redis for a real deployment.
package kv

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/stepflow/engine/engine/coordinator"
	"github.com/stepflow/engine/engine/decision"
	"github.com/stepflow/engine/engine/errdomain"
)

func nsKey(namespace, key string) string { return namespace + ":" + key }

// Memory is a process-local namespaced map, the reference effector used
// by tests and by cmd/stepflowd for the db_* effect kinds.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-process KV effector.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Do implements coordinator.Effector for the four KV effect kinds.
func (m *Memory) Do(ctx context.Context, eff decision.Effect) (coordinator.Result, error) {
	switch eff.Kind {
	case decision.EffectDBGet:
		m.mu.RLock()
		v, ok := m.data[nsKey(eff.Namespace, eff.Key)]
		m.mu.RUnlock()
		if !ok {
			if eff.Required {
				return coordinator.Result{}, errdomain.NotFound("kv", nsKey(eff.Namespace, eff.Key))
			}
			return coordinator.Result{}, nil
		}
		return coordinator.Result{Bytes: v}, nil

	case decision.EffectDBPut:
		m.mu.Lock()
		m.data[nsKey(eff.Namespace, eff.Key)] = eff.Value
		m.mu.Unlock()
		return coordinator.Result{}, nil

	case decision.EffectDBDel:
		m.mu.Lock()
		delete(m.data, nsKey(eff.Namespace, eff.Key))
		m.mu.Unlock()
		return coordinator.Result{}, nil

	case decision.EffectDBScan:
		prefix := nsKey(eff.Namespace, eff.KeyPrefix)
		m.mu.RLock()
		keys := make([]string, 0)
		for k := range m.data {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		m.mu.RUnlock()
		sort.Strings(keys)
		return coordinator.Result{Value: keys}, nil

	default:
		return coordinator.Result{}, errdomain.Internal("kv", string(eff.Kind), errUnsupportedKind(eff.Kind))
	}
}

// Redis adapts the same four effects onto a go-redis client, namespaced
// by a colon-joined key prefix.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an already-configured go-redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Do(ctx context.Context, eff decision.Effect) (coordinator.Result, error) {
	key := nsKey(eff.Namespace, eff.Key)
	switch eff.Kind {
	case decision.EffectDBGet:
		v, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			if eff.Required {
				return coordinator.Result{}, errdomain.NotFound("kv", key)
			}
			return coordinator.Result{}, nil
		}
		if err != nil {
			return coordinator.Result{}, errdomain.UpstreamUnavailable("kv", key, err)
		}
		return coordinator.Result{Bytes: v}, nil

	case decision.EffectDBPut:
		if err := r.client.Set(ctx, key, eff.Value, 0).Err(); err != nil {
			return coordinator.Result{}, errdomain.UpstreamUnavailable("kv", key, err)
		}
		return coordinator.Result{}, nil

	case decision.EffectDBDel:
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return coordinator.Result{}, errdomain.UpstreamUnavailable("kv", key, err)
		}
		return coordinator.Result{}, nil

	case decision.EffectDBScan:
		prefix := nsKey(eff.Namespace, eff.KeyPrefix) + "*"
		var keys []string
		iter := r.client.Scan(ctx, 0, prefix, 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return coordinator.Result{}, errdomain.UpstreamUnavailable("kv", prefix, err)
		}
		sort.Strings(keys)
		return coordinator.Result{Value: keys}, nil

	default:
		return coordinator.Result{}, errdomain.Internal("kv", string(eff.Kind), errUnsupportedKind(eff.Kind))
	}
}

type unsupportedKindError struct{ kind decision.EffectKind }

func (e *unsupportedKindError) Error() string { return "kv effector: unsupported kind " + string(e.kind) }

func errUnsupportedKind(kind decision.EffectKind) error {
	return &unsupportedKindError{kind: kind}
}
