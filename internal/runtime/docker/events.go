package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"go.uber.org/zap"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/runtime"
)

// Events subscribes to daemon container events matching every given label.
// The returned channel closes when the context is cancelled or the daemon
// stream breaks; callers resubscribe after a close.
func (c *Client) Events(ctx context.Context, labels map[string]string) (<-chan runtime.ContainerEvent, error) {
	filterArgs := filters.NewArgs(filters.Arg("type", "container"))
	for k, v := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	msgCh, errCh := c.cli.Events(ctx, events.ListOptions{Filters: filterArgs})

	out := make(chan runtime.ContainerEvent, 16)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				ev := runtime.ContainerEvent{
					ContainerID: msg.Actor.ID,
					Action:      string(msg.Action),
					Labels:      msg.Actor.Attributes,
					Time:        timeFromNanos(msg.TimeNano),
				}
				if code, ok := msg.Actor.Attributes["exitCode"]; ok {
					ev.ExitCode, _ = strconv.Atoi(code)
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case err, ok := <-errCh:
				if !ok {
					return
				}
				if ctx.Err() == nil {
					c.log.Warn("Event stream broke", zap.Error(err))
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Stats returns an instantaneous resource usage snapshot for a running
// container. The daemon primes a previous CPU sample so percentages are
// meaningful on the first read.
func (c *Client) Stats(ctx context.Context, id string) (*runtime.ContainerStats, error) {
	resp, err := c.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, c.mapError("container stats", "container", id, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, apperrors.Runtime("decoding container stats", err)
	}

	stats := &runtime.ContainerStats{
		CPUPercent:  cpuPercent(&raw),
		MemoryUsage: memoryUsage(&raw),
		MemoryLimit: raw.MemoryStats.Limit,
	}

	for _, nw := range raw.Networks {
		stats.NetworkRx += nw.RxBytes
		stats.NetworkTx += nw.TxBytes
	}

	for _, entry := range raw.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			stats.BlockRead += entry.Value
		case "write":
			stats.BlockWrite += entry.Value
		}
	}

	return stats, nil
}

// cpuPercent computes CPU usage from the delta between the current and
// previous daemon samples, scaled by online CPUs.
func cpuPercent(raw *container.StatsResponse) float64 {
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)

	online := float64(raw.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}

	if systemDelta <= 0 || cpuDelta < 0 {
		return 0
	}
	return cpuDelta / systemDelta * online * 100.0
}

// memoryUsage subtracts the page cache from the raw usage figure, matching
// how the daemon's own CLI reports memory.
func memoryUsage(raw *container.StatsResponse) uint64 {
	usage := raw.MemoryStats.Usage
	if v, ok := raw.MemoryStats.Stats["total_inactive_file"]; ok && v < usage {
		return usage - v
	}
	if v, ok := raw.MemoryStats.Stats["inactive_file"]; ok && v < usage {
		return usage - v
	}
	return usage
}

func timeFromNanos(nanos int64) time.Time {
	if nanos > 0 {
		return time.Unix(0, nanos)
	}
	return time.Now()
}
