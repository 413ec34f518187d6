package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"quoteflow/logger"
)

// ReportSource supplies extra fields for the periodic runtime report, for
// example cache sizes or serving counters owned by another package.
type ReportSource func() logger.Fields

func startReport(ctx context.Context, log *logger.Log, interval time.Duration, sources []ReportSource) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log, sources)
			}
		}
	}()
}

// StartReport begins periodic logging of system and serving statistics.
func StartReport(ctx context.Context, log *logger.Log, interval time.Duration, sources ...ReportSource) {
	startReport(ctx, log, interval, sources)
}

func logReport(ctx context.Context, log *logger.Log, sources []ReportSource) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	issues := logger.IssueCounts()
	issueData := map[string]map[string]int64{}
	for _, issue := range issues {
		issueData[issue.Component] = map[string]int64{
			"warns":  issue.Warns,
			"errors": issue.Errors,
		}
	}

	fields := logger.Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
		"issues":         issueData,
	}
	for _, source := range sources {
		for k, v := range source() {
			fields[k] = v
		}
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}

	for _, issue := range issues {
		dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(issue.Component)}}
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ComponentWarns"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
				Value:      aws.Float64(float64(issue.Warns)),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ComponentErrors"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
				Value:      aws.Float64(float64(issue.Errors)),
			},
		)
	}

	// Report datums skip the per-metric throttle; the ticker already bounds
	// their cadence.
	publishMetricsFunc(ctx, state, data)
}
