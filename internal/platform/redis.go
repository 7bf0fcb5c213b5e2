package platform

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates the shared execution-store client. Cluster mode is
// selected by configuration; both satisfy redis.UniversalClient.
func NewRedisClient(ctx context.Context, addr string, clusterMode bool) (redis.UniversalClient, error) {
	var client redis.UniversalClient
	if clusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{Addrs: []string{addr}})
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis %s: %w", addr, err)
	}
	return client, nil
}
