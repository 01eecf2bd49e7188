package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/config"
	"gitlab.com/phytodb/services/backend/internal/db"
	"gitlab.com/phytodb/services/backend/internal/queue"
)

func TestQueuePublisherTimeoutOnStalledRedis(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var conns []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
		for _, c := range conns {
			c.Close()
		}
	})

	timeout := 200 * time.Millisecond
	opts, err := db.RedisOptions(config.RedisConfig{URL: ln.Addr().String(), PoolSize: 1, CommandTimeout: timeout})
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	publisher := NewQueuePublisher(queue.NewRedisConnector(rdb), queue.DefaultName, timeout, zap.NewNop())

	start := time.Now()
	_, err = publisher.Submit(context.Background(), scenarioPayload())
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}
