// Package queue wraps the Redis list that carries docking-request
// notifications from the API server to the mailer service.
//
// Producers append to the tail of the list with RPUSH. The consumer claims
// from the head with BLMOVE into a processing list and removes the entry
// once it has been handled, so a crashed consumer never loses a job.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultName is the list the docking-request form feeds.
const DefaultName = "email_queue"

// ErrEmpty is returned by Claim when nothing arrived before the poll timeout.
var ErrEmpty = errors.New("queue is empty")

// ProcessingName is the list holding claimed but unacknowledged entries.
func ProcessingName(name string) string { return name + ":processing" }

// DeadName is the fallback list for entries that could not be delivered.
func DeadName(name string) string { return name + ":dead" }

// EventsChannel is the pub/sub channel for delivery events.
func EventsChannel(name string) string { return name + ":events" }

// Conn is one checked-out connection to the queue backend. Close must be
// called exactly once and returns the connection to the pool.
type Conn interface {
	// Append pushes value onto the tail of the named list and returns the
	// new list length.
	Append(ctx context.Context, name string, value []byte) (int64, error)
	Close() error
}

// Connector hands out connections.
type Connector interface {
	Acquire(ctx context.Context) (Conn, error)
}

// RedisConnector checks connections out of a bounded go-redis pool.
type RedisConnector struct {
	client *redis.Client
}

func NewRedisConnector(client *redis.Client) *RedisConnector {
	return &RedisConnector{client: client}
}

// Acquire checks out a dedicated pool connection. The connection is dialed
// lazily by its first command, so dial failures surface from Append.
func (c *RedisConnector) Acquire(ctx context.Context) (Conn, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("redis client is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &redisConn{conn: c.client.Conn()}, nil
}

type redisConn struct {
	conn *redis.Conn
}

func (c *redisConn) Append(ctx context.Context, name string, value []byte) (int64, error) {
	n, err := c.conn.RPush(ctx, name, value).Result()
	if err != nil {
		return 0, fmt.Errorf("rpush %s: %w", name, err)
	}
	return n, nil
}

func (c *redisConn) Close() error {
	return c.conn.Close()
}

// Consumer is the claim/ack side of the queue used by the mailer service.
type Consumer struct {
	client *redis.Client
	name   string
}

func NewConsumer(client *redis.Client, name string) *Consumer {
	return &Consumer{client: client, name: name}
}

// Claim blocks up to timeout for the oldest entry and moves it to the
// processing list. ErrEmpty means nothing arrived.
func (c *Consumer) Claim(ctx context.Context, timeout time.Duration) (string, error) {
	raw, err := c.client.BLMove(ctx, c.name, ProcessingName(c.name), "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("claim from %s: %w", c.name, err)
	}
	return raw, nil
}

// Ack drops a handled entry from the processing list.
func (c *Consumer) Ack(ctx context.Context, raw string) error {
	if err := c.client.LRem(ctx, ProcessingName(c.name), 1, raw).Err(); err != nil {
		return fmt.Errorf("ack on %s: %w", ProcessingName(c.name), err)
	}
	return nil
}

// Bury appends an undeliverable entry to the dead list.
func (c *Consumer) Bury(ctx context.Context, raw string) error {
	if err := c.client.RPush(ctx, DeadName(c.name), raw).Err(); err != nil {
		return fmt.Errorf("bury on %s: %w", DeadName(c.name), err)
	}
	return nil
}

// Recover moves entries left in the processing list by a previous run back
// to the head of the queue, oldest first. It returns how many were moved.
func (c *Consumer) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		// RIGHT->LEFT pops the newest claim first and pushes it to the head,
		// so the oldest claim ends up first in line again.
		_, err := c.client.LMove(ctx, ProcessingName(c.name), c.name, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover %s: %w", ProcessingName(c.name), err)
		}
		moved++
	}
}

// Len reports the current queue length.
func (c *Consumer) Len(ctx context.Context) (int64, error) {
	return c.client.LLen(ctx, c.name).Result()
}
