// Package queue feeds accepted publish jobs to the worker pool. Two
// backends: an in-process channel for single-node deployments and
// tests, and redis when multiple publisher instances share the load.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrFull   = errors.New("publish queue is full")
	ErrClosed = errors.New("publish queue is closed")
)

// Queue carries job ids only; job state lives in the store.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue blocks until a job id is available or the context ends.
	Dequeue(ctx context.Context) (string, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Memory is the channel-backed queue.
type Memory struct {
	ch     chan string
	closed chan struct{}
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 256
	}
	return &Memory{
		ch:     make(chan string, capacity),
		closed: make(chan struct{}),
	}
}

func (m *Memory) Enqueue(ctx context.Context, jobID string) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- jobID:
		return nil
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrFull
	}
}

func (m *Memory) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-m.ch:
		return id, nil
	case <-m.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Memory) Len(ctx context.Context) (int, error) {
	return len(m.ch), nil
}

func (m *Memory) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}

// Redis backs the queue with a redis list so multiple publisher
// instances can share one queue.
type Redis struct {
	rdb *redis.Client
	key string
}

func NewRedis(addr, password string, db int, key string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	if key == "" {
		key = "makapix:publish:jobs"
	}
	return &Redis{rdb: rdb, key: key}, nil
}

func (r *Redis) Enqueue(ctx context.Context, jobID string) error {
	return r.rdb.RPush(ctx, r.key, jobID).Err()
}

func (r *Redis) Dequeue(ctx context.Context) (string, error) {
	for {
		// Short poll interval keeps shutdown responsive.
		res, err := r.rdb.BLPop(ctx, 2*time.Second, r.key).Result()
		switch {
		case err == redis.Nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		case err != nil:
			return "", err
		}
		// BLPop returns [key, value].
		return res[1], nil
	}
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.rdb.LLen(ctx, r.key).Result()
	return int(n), err
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
