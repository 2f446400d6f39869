package probe

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v9"
)

// redisProbe connects with go-redis, so AUTH and the RESP handshake are
// exercised the same way an application client would.
type redisProbe struct {
	internal int
	password string
}

// Redis waits until a PING on the published port answers PONG.
func Redis(internal int) Probe {
	return redisProbe{internal: internal}
}

// RedisWithPassword is Redis for servers started with requirepass.
func RedisWithPassword(internal int, password string) Probe {
	return redisProbe{internal: internal, password: password}
}

// Check opens a fresh client per attempt. A pooled client would keep a
// connection that was accepted before the server finished loading.
func (r redisProbe) Check(ctx context.Context, t Target) error {
	port, ok := FindPort(t, r.internal)
	if !ok {
		return portError(t, r.internal)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     port.Address(),
		Password: r.password,
		// One attempt per Check; Wait does the retrying.
		MaxRetries: -1,
	})
	defer func() { _ = client.Close() }()

	// While loading its dataset Redis answers PING with LOADING, which
	// go-redis reports as an error, so a successful PING means ready.
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis at %s: %w", port.Address(), err)
	}
	return nil
}

func (r redisProbe) String() string {
	return fmt.Sprintf("redis PING on port %d", r.internal)
}
