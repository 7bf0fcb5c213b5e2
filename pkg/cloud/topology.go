package cloud

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// NodeInfo identifies one master node of a KV cluster.
type NodeInfo struct {
	Host string
	Port int
	ID   string
}

// Addr returns the node's host:port.
func (n NodeInfo) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// KVMasters discovers the master nodes of a KV cloud. It opens a short-lived
// seed connection, asks the cluster for its topology, and filters to masters
// not marked failed. Invoked at the start of each scan so topology changes
// between runs are picked up.
func (r *Registry) KVMasters(ctx context.Context, cloudName string) ([]NodeInfo, error) {
	kv, ok := r.cfg.FindKV(cloudName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, cloudName)
	}

	seed := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", kv.Host, kv.Port),
		Password: kv.Password,
	})
	defer func() { _ = seed.Close() }()

	raw, err := seed.ClusterNodes(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("querying cluster nodes for %s: %w", cloudName, err)
	}

	masters := ParseClusterNodes(raw)
	if len(masters) == 0 {
		return nil, fmt.Errorf("cluster %s reported no healthy masters", cloudName)
	}
	return masters, nil
}

// ParseClusterNodes extracts healthy master nodes from CLUSTER NODES output.
// Each line is: <id> <ip:port@cport> <flags> <master> <ping> <pong> <epoch>
// <state> <slots...>; flags is a comma list that contains "master" for
// masters and "fail"/"fail?" for unhealthy nodes.
func ParseClusterNodes(raw string) []NodeInfo {
	var nodes []NodeInfo

	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 3 {
			continue
		}

		flags := strings.Split(fields[2], ",")
		isMaster, failed := false, false
		for _, f := range flags {
			switch f {
			case "master":
				isMaster = true
			case "fail", "fail?", "noaddr":
				failed = true
			}
		}
		if !isMaster || failed {
			continue
		}

		addr := fields[1]
		// Strip the cluster-bus suffix (host:port@cport).
		if at := strings.IndexByte(addr, '@'); at >= 0 {
			addr = addr[:at]
		}
		colon := strings.LastIndexByte(addr, ':')
		if colon <= 0 {
			continue
		}
		port, err := strconv.Atoi(addr[colon+1:])
		if err != nil {
			continue
		}

		nodes = append(nodes, NodeInfo{
			Host: addr[:colon],
			Port: port,
			ID:   fields[0],
		})
	}
	return nodes
}
