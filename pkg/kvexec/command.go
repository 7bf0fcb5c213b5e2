package kvexec

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/queryowl/pkg/cloud"
	"github.com/wisbric/queryowl/pkg/policy"
)

// Commander fans a single cache command out to the selected clouds and
// blocks until every cloud has reported.
type Commander struct {
	clusters Clusters
	clouds   *cloud.Config
	logger   *slog.Logger
}

// NewCommander creates the synchronous command fan-out.
func NewCommander(clusters Clusters, clouds *cloud.Config, logger *slog.Logger) *Commander {
	return &Commander{clusters: clusters, clouds: clouds, logger: logger}
}

// ResolveClouds maps the request's cloud selector onto concrete KV clouds.
func (c *Commander) ResolveClouds(selector string) ([]string, error) {
	if selector == CloudAll {
		var names []string
		for _, kv := range c.clouds.KVClouds {
			names = append(names, kv.CloudName)
		}
		return names, nil
	}
	if _, ok := c.clouds.FindKV(selector); !ok {
		return nil, cloud.ErrUnknownTarget
	}
	return []string{selector}, nil
}

// Execute runs the command on every selected cloud concurrently and
// aggregates per-cloud outcomes. The caller has already passed the policy
// layer; raw commands arrive with the RAW marker still attached.
func (c *Commander) Execute(ctx context.Context, clouds []string, req CommandRequest) CommandResponse {
	args := commandArgs(req)

	resp := CommandResponse{
		ID:      uuid.New().String(),
		Success: true,
		Command: strings.ToUpper(strings.TrimSpace(req.Command)),
		Clouds:  make(map[string]*CloudCommandResult, len(clouds)),
	}

	var mu sync.Mutex
	g := new(errgroup.Group)

	for _, cloudName := range clouds {
		g.Go(func() error {
			start := time.Now()
			data, err := c.clusters.Do(ctx, cloudName, args)

			res := &CloudCommandResult{
				Success:    err == nil,
				Data:       data,
				DurationMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				res.Error = err.Error()
			}

			mu.Lock()
			resp.Clouds[cloudName] = res
			if err != nil {
				resp.Success = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return resp
}

// commandArgs builds the redis argument vector. A RAW submission is a single
// free-form string tokenised on whitespace; structured submissions pass the
// command and arguments through verbatim.
func commandArgs(req CommandRequest) []any {
	if strings.EqualFold(strings.TrimSpace(req.Command), policy.RawCommand) {
		fields := strings.Fields(strings.Join(req.Args, " "))
		args := make([]any, len(fields))
		for i, f := range fields {
			args[i] = f
		}
		return args
	}

	args := make([]any, 0, len(req.Args)+1)
	args = append(args, req.Command)
	for _, a := range req.Args {
		args = append(args, a)
	}
	return args
}
