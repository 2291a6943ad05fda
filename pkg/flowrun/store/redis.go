package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
)

// DefaultRedisPrefix namespaces every key the RedisStore writes.
const DefaultRedisPrefix = "flowrun"

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`

	// Prefix namespaces keys: {prefix}:graph:{id}, {prefix}:run:{id},
	// {prefix}:steps:{id}.
	Prefix string `yaml:"prefix" json:"prefix"`

	// TTL expires run records and step lists. Zero keeps them forever.
	// Graphs never expire.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// appendStepScript appends a step only if the run exists and the list
// length equals the step's sequence, so concurrent writers cannot leave gaps.
var appendStepScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	return -1
end
if redis.call('LLEN', KEYS[1]) ~= tonumber(ARGV[1]) then
	return -2
end
local n = redis.call('RPUSH', KEYS[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return n
`)

// RedisStore persists graphs, runs and steps in Redis.
// Several engine processes may share one RedisStore backend.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client. Close closes the client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) graphKey(id string) string { return s.prefix + ":graph:" + id }
func (s *RedisStore) runKey(id string) string   { return s.prefix + ":run:" + id }
func (s *RedisStore) stepsKey(id string) string { return s.prefix + ":steps:" + id }

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveGraph implements Store.
func (s *RedisStore) SaveGraph(ctx context.Context, g *model.Graph) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := encode(g)
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	if err := s.client.Set(ctx, s.graphKey(g.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save graph: %w", err)
	}
	return nil
}

// LoadGraph implements Store.
func (s *RedisStore) LoadGraph(ctx context.Context, id string) (*model.Graph, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.graphKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("graph %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	var g model.Graph
	if err := decode(data, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return &g, nil
}

// CreateRun implements Store.
func (s *RedisStore) CreateRun(ctx context.Context, run *model.RunState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := encode(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.runKey(run.RunID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !ok {
		return fmt.Errorf("run %s: %w", run.RunID, ErrAlreadyExists)
	}
	return nil
}

// SaveRunState implements Store.
func (s *RedisStore) SaveRunState(ctx context.Context, run *model.RunState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := encode(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	if err := s.client.Set(ctx, s.runKey(run.RunID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// LoadRunState implements Store.
func (s *RedisStore) LoadRunState(ctx context.Context, runID string) (*model.RunState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.runKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	var run model.RunState
	if err := decode(data, &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}

// AppendStep implements Store.
func (s *RedisStore) AppendStep(ctx context.Context, step model.ExecutionStep) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := encode(step)
	if err != nil {
		return fmt.Errorf("encode step: %w", err)
	}

	res, err := appendStepScript.Run(ctx, s.client,
		[]string{s.stepsKey(step.RunID), s.runKey(step.RunID)},
		step.Sequence, data, s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("run %s: %w", step.RunID, ErrNotFound)
	case -2:
		return fmt.Errorf("run %s: sequence %d: %w", step.RunID, step.Sequence, ErrSequenceGap)
	}
	return nil
}

// LoadSteps implements Store.
func (s *RedisStore) LoadSteps(ctx context.Context, runID string) ([]model.ExecutionStep, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	items, err := s.client.LRange(ctx, s.stepsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	steps := make([]model.ExecutionStep, 0, len(items))
	for _, item := range items {
		var step model.ExecutionStep
		if err := decode(item, &step); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
