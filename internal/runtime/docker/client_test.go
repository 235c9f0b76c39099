package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/common/logger"
)

func writeFrame(buf *bytes.Buffer, stream byte, payload string) {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	buf.Write(header)
	buf.WriteString(payload)
}

func TestDemuxStreamSplitsStdoutStderr(t *testing.T) {
	var in bytes.Buffer
	writeFrame(&in, 1, "hello ")
	writeFrame(&in, 2, "oops")
	writeFrame(&in, 1, "world")

	var stdout, stderr bytes.Buffer
	require.NoError(t, demuxStream(&in, &stdout, &stderr))

	assert.Equal(t, "hello world", stdout.String())
	assert.Equal(t, "oops", stderr.String())
}

func TestDemuxStreamDiscardsUnknownStream(t *testing.T) {
	var in bytes.Buffer
	writeFrame(&in, 0, "stdin echo")
	writeFrame(&in, 1, "kept")

	var stdout, stderr bytes.Buffer
	require.NoError(t, demuxStream(&in, &stdout, &stderr))

	assert.Equal(t, "kept", stdout.String())
	assert.Empty(t, stderr.String())
}

func TestDemuxStreamTruncatedHeader(t *testing.T) {
	in := bytes.NewBuffer([]byte{1, 0, 0})

	var stdout, stderr bytes.Buffer
	assert.NoError(t, demuxStream(in, &stdout, &stderr))
	assert.Empty(t, stdout.String())
}

func TestMapError(t *testing.T) {
	c := &Client{log: logger.Default()}

	err := c.mapError("container inspect", "container", "abc123", errdefs.NotFound(errors.New("no such container")))
	assert.True(t, apperrors.IsNotFound(err))

	err = c.mapError("container create", "container", "pod", errdefs.Conflict(errors.New("name already in use")))
	assert.True(t, apperrors.IsConflict(err))

	err = c.mapError("container stop", "container", "abc123", context.DeadlineExceeded)
	assert.Equal(t, apperrors.ErrCodeTimeout, apperrors.CodeOf(err))

	err = c.mapError("container start", "container", "abc123", errors.New("daemon exploded"))
	assert.Equal(t, apperrors.ErrCodeRuntime, apperrors.CodeOf(err))

	assert.NoError(t, c.mapError("noop", "container", "abc123", nil))
}

func TestCPUPercent(t *testing.T) {
	raw := &container.StatsResponse{}
	raw.CPUStats.CPUUsage.TotalUsage = 400_000_000
	raw.PreCPUStats.CPUUsage.TotalUsage = 200_000_000
	raw.CPUStats.SystemUsage = 2_000_000_000
	raw.PreCPUStats.SystemUsage = 1_000_000_000
	raw.CPUStats.OnlineCPUs = 4

	// 200ms of CPU over a 1s window across 4 CPUs.
	assert.InDelta(t, 80.0, cpuPercent(raw), 0.001)
}

func TestCPUPercentNoSamples(t *testing.T) {
	raw := &container.StatsResponse{}
	assert.Zero(t, cpuPercent(raw))
}

func TestMemoryUsageSubtractsCache(t *testing.T) {
	raw := &container.StatsResponse{}
	raw.MemoryStats.Usage = 1000
	raw.MemoryStats.Stats = map[string]uint64{"inactive_file": 300}
	assert.Equal(t, uint64(700), memoryUsage(raw))

	// cgroup v1 key wins when both are present.
	raw.MemoryStats.Stats["total_inactive_file"] = 400
	assert.Equal(t, uint64(600), memoryUsage(raw))

	// Cache larger than usage must not underflow.
	raw.MemoryStats.Stats = map[string]uint64{"inactive_file": 5000}
	assert.Equal(t, uint64(1000), memoryUsage(raw))
}

func TestTimeFromNanos(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, at.UnixNano(), timeFromNanos(at.UnixNano()).UnixNano())
	assert.WithinDuration(t, time.Now(), timeFromNanos(0), time.Second)
}
