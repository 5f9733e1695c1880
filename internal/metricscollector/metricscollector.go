// Package metricscollector periodically enumerates containers by the
// compose-project label, requests non-streaming stats, derives
// cpu%/mem/net/disk, persists them, and raises threshold alerts. The
// collect step follows pkg/metrics.Collector's shape, with the cadence
// left to the Scheduler, which calls Sweep; container
// enumeration/stats calls follow the same docker/docker client usage as
// internal/swarm.
package metricscollector

import (
	"context"
	"encoding/json"
	"fmt"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deployerd/deployerd/internal/alerts"
	"github.com/deployerd/deployerd/internal/interfaces"
	"github.com/deployerd/deployerd/internal/model"
)

// Thresholds.
const (
	cpuWarning      = 75.0
	cpuCritical     = 90.0
	memWarning      = 80.0
	memCritical     = 95.0
	storageWarning  = 85.0
	storageCritical = 95.0
)

// TelemetryStore is the persistence surface this package needs.
type TelemetryStore interface {
	PutMetric(rec *model.MetricRecord) error
}

// Collector samples container stats for every running stack.
type Collector struct {
	cli     *client.Client
	stacks  interfaces.StackStore
	store   TelemetryStore
	alerts  *alerts.Bus
	logger  zerolog.Logger
	diskDir string // host path whose filesystem backs container storage
}

// New builds a Collector. diskDir is the host path statted for storage
// threshold alerts (typically the Docker data root); it defaults to
// "/var/lib/docker" when empty.
func New(cli *client.Client, stacks interfaces.StackStore, store TelemetryStore, bus *alerts.Bus, logger zerolog.Logger, diskDir string) *Collector {
	if diskDir == "" {
		diskDir = "/var/lib/docker"
	}
	return &Collector{cli: cli, stacks: stacks, store: store, alerts: bus, logger: logger, diskDir: diskDir}
}

// Sweep samples every running stack once; the Scheduler drives the
// cadence.
func (c *Collector) Sweep(ctx context.Context) error {
	stacks, err := c.stacks.ListRunningStacks()
	if err != nil {
		return fmt.Errorf("list running stacks: %w", err)
	}
	for _, stack := range stacks {
		if err := c.sweepStack(ctx, stack); err != nil {
			c.logger.Error().Err(err).Str("stack", stack.ID).Msg("metrics sweep failed")
		}
	}
	c.checkStorage(ctx)
	return nil
}

// checkStorage alerts at system scope when the Docker data root's
// filesystem is running low on space.
func (c *Collector) checkStorage(ctx context.Context) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.diskDir, &stat); err != nil {
		c.logger.Warn().Err(err).Str("path", c.diskDir).Msg("failed to stat disk usage")
		return
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return
	}
	usedPct := (1 - float64(free)/float64(total)) * 100.0
	c.checkOne(ctx, "system", "system", "", model.AlertStorage, usedPct, storageWarning, storageCritical)
}

func (c *Collector) sweepStack(ctx context.Context, stack *model.Stack) error {
	f := filters.NewArgs()
	f.Add("label", "com.docker.compose.project="+stack.ID)
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{Filters: f})
	if err != nil {
		return fmt.Errorf("list containers for stack %s: %w", stack.ID, err)
	}

	var totalCPU float64
	var n int

	for _, ctr := range containers {
		sample, err := c.sampleContainer(ctx, ctr.ID)
		if err != nil {
			c.logger.Warn().Err(err).Str("container", ctr.ID).Msg("failed to sample container stats")
			continue
		}
		sample.StackID = stack.ID
		sample.ServiceID = serviceLabel(ctr.Labels)
		sample.ID = uuid.NewString()
		sample.Timestamp = time.Now()
		if err := c.store.PutMetric(sample); err != nil {
			return err
		}
		c.checkThresholds(ctx, stack, sample)

		totalCPU += sample.CPUPercent
		n++
	}

	if n > 0 {
		systemRow := &model.MetricRecord{
			ID:         uuid.NewString(),
			StackID:    "system",
			ServiceID:  stack.ID,
			Timestamp:  time.Now(),
			CPUPercent: totalCPU / float64(n),
		}
		if err := c.store.PutMetric(systemRow); err != nil {
			return err
		}
	}
	return nil
}

func serviceLabel(labels map[string]string) string {
	if v, ok := labels["com.docker.swarm.service.name"]; ok {
		return v
	}
	return ""
}

// containerStats is the subset of Docker's non-streamed stats JSON this
// collector needs.
type containerStats struct {
	CPUStats    cpuStats    `json:"cpu_stats"`
	PreCPUStats cpuStats    `json:"precpu_stats"`
	MemoryStats memoryStats `json:"memory_stats"`
	Networks    map[string]networkStats `json:"networks"`
	BlkioStats  blkioStats  `json:"blkio_stats"`
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

type memoryStats struct {
	Usage uint64 `json:"usage"`
	Limit uint64 `json:"limit"`
}

type networkStats struct {
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
}

type blkioStats struct {
	IoServiceBytesRecursive []struct {
		Op    string `json:"op"`
		Value uint64 `json:"value"`
	} `json:"io_service_bytes_recursive"`
}

// sampleContainer requests a single (non-streaming) stats snapshot and
// derives cpu%/mem/net/disk.
func (c *Collector) sampleContainer(ctx context.Context, containerID string) (*model.MetricRecord, error) {
	resp, err := c.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return nil, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats containerStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode container stats: %w", err)
	}

	rec := &model.MetricRecord{MemoryBytes: int64(stats.MemoryStats.Usage)}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta >= 0 {
		online := float64(stats.CPUStats.OnlineCPUs)
		if online == 0 {
			online = 1
		}
		rec.CPUPercent = (cpuDelta / sysDelta) * online * 100.0
	}

	var rx, tx uint64
	for _, net := range stats.Networks {
		rx += net.RxBytes
		tx += net.TxBytes
	}
	rec.NetRxBytes = int64(rx)
	rec.NetTxBytes = int64(tx)

	var read, write uint64
	for _, entry := range stats.BlkioStats.IoServiceBytesRecursive {
		switch entry.Op {
		case "Read", "read":
			read += entry.Value
		case "Write", "write":
			write += entry.Value
		}
	}
	rec.DiskReadMiB = float64(read) / (1024 * 1024)
	rec.DiskWriteMiB = float64(write) / (1024 * 1024)

	return rec, nil
}

// checkThresholds opens warning/critical alerts on cpu/memory
// thresholds, de-duplicated by the shared alerts.Bus on any open alert
// for the same scope and type.
func (c *Collector) checkThresholds(ctx context.Context, stack *model.Stack, rec *model.MetricRecord) {
	scope := alerts.Scope(stack.ID, rec.ServiceID)

	c.checkOne(ctx, scope, stack.ID, rec.ServiceID, model.AlertCPU, rec.CPUPercent, cpuWarning, cpuCritical)

	if stack.ResourceQuotas.MemoryBytes > 0 {
		memPct := float64(rec.MemoryBytes) / float64(stack.ResourceQuotas.MemoryBytes) * 100.0
		c.checkOne(ctx, scope, stack.ID, rec.ServiceID, model.AlertMemory, memPct, memWarning, memCritical)
	}
}

func (c *Collector) checkOne(ctx context.Context, scope, stackID, serviceID string, alertType model.AlertType, value, warnT, critT float64) {
	if value < warnT {
		return
	}
	severity := model.SeverityWarning
	threshold := warnT
	if value >= critT {
		severity = model.SeverityCritical
		threshold = critT
	}
	msg := fmt.Sprintf("%s usage %.1f%% exceeds %s threshold %.1f%%", alertType, value, severity, threshold)
	if err := c.alerts.Open(ctx, scope, stackID, serviceID, alertType, severity, msg, threshold, value); err != nil {
		c.logger.Error().Err(err).Str("stack", stackID).Str("type", string(alertType)).Msg("failed to open metrics alert")
	}
}
