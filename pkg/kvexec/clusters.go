package kvexec

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/queryowl/pkg/cloud"
)

// registryClusters is the production Clusters implementation over the pool
// registry.
type registryClusters struct {
	registry *cloud.Registry
}

// NewRegistryClusters wraps the pool registry as a Clusters.
func NewRegistryClusters(registry *cloud.Registry) Clusters {
	return &registryClusters{registry: registry}
}

func (c *registryClusters) Masters(ctx context.Context, cloudName string) ([]cloud.NodeInfo, error) {
	return c.registry.KVMasters(ctx, cloudName)
}

func (c *registryClusters) NodeClient(cloudName string, node cloud.NodeInfo) NodeClient {
	kv, _ := c.registry.Snapshot().FindKV(cloudName)
	client := redis.NewClient(&redis.Options{
		Addr:     node.Addr(),
		Password: kv.Password,
	})
	return &redisNodeClient{client: client}
}

// Unlink removes a batch of keys through the cluster client, which routes
// each key by slot via a pipeline.
func (c *registryClusters) Unlink(ctx context.Context, cloudName string, keys []string) (int64, error) {
	client, err := c.registry.KVClient(ctx, cloudName)
	if err != nil {
		return 0, err
	}

	pipe := client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Unlink(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.registry.ReportKVFailure(cloudName, err)
		return 0, fmt.Errorf("unlinking batch on %s: %w", cloudName, err)
	}

	var removed int64
	for _, cmd := range cmds {
		removed += cmd.Val()
	}
	return removed, nil
}

func (c *registryClusters) Do(ctx context.Context, cloudName string, args []any) (any, error) {
	client, err := c.registry.KVClient(ctx, cloudName)
	if err != nil {
		return nil, err
	}
	res, err := client.Do(ctx, args...).Result()
	if err != nil {
		return nil, err
	}
	return res, nil
}

type redisNodeClient struct {
	client *redis.Client
}

func (n *redisNodeClient) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := n.client.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, err
	}
	return keys, next, nil
}

func (n *redisNodeClient) Close() error {
	return n.client.Close()
}
