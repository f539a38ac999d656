package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type channelStat struct {
	messages int64
	bytes    int64
}

// relaySnapshot is one reading of the relay counters and host usage.
type relaySnapshot struct {
	FramesRead     int64
	SlotsFinalized int64
	SlotsInvalid   int64
	ArchiveWrites  int64
	Warns          int64
	Errors         int64
	Channels       map[string]map[string]int64

	CPUPercent   float64
	MemoryMB     float64
	DiskMB       float64
	NetBytesSent uint64
	NetBytesRecv uint64
}

type componentStat struct {
	warns  int64
	errors int64
}

var (
	framesRead     int64
	slotsFinalized int64
	slotsInvalid   int64
	archiveWrites  int64
	channels       sync.Map // map[string]*channelStat
	components     sync.Map // map[string]*componentStat
)

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

// ComponentCounts returns the warnings and errors logged by component.
func ComponentCounts(component string) (warns, errors int64) {
	v, ok := components.Load(component)
	if !ok {
		return 0, 0
	}
	cs := v.(*componentStat)
	return atomic.LoadInt64(&cs.warns), atomic.LoadInt64(&cs.errors)
}

// IncrementFrameRead counts a frame received from the relay network.
func IncrementFrameRead(kind string, size int) {
	atomic.AddInt64(&framesRead, 1)
	recordChannel("read_"+kind, size)
}

// IncrementSlotFinalized counts a slot that produced proven messages.
func IncrementSlotFinalized(messages int) {
	atomic.AddInt64(&slotsFinalized, 1)
	recordChannel("finalized_messages", messages)
}

// IncrementSlotInvalid counts a slot discarded because its root did not verify.
func IncrementSlotInvalid() {
	atomic.AddInt64(&slotsInvalid, 1)
}

// IncrementArchiveWrite counts an archive object upload.
func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("s3_archive_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and relay statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	componentData := map[string]map[string]int64{}
	var totalWarns, totalErrors int64
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		w, e := atomic.LoadInt64(&cs.warns), atomic.LoadInt64(&cs.errors)
		componentData[k.(string)] = map[string]int64{"warns": w, "errors": e}
		totalWarns += w
		totalErrors += e
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	var memUsed, diskUsed uint64
	if memStats != nil {
		memUsed = memStats.Used
	}
	if diskStats != nil {
		diskUsed = diskStats.Used
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	snap := relaySnapshot{
		FramesRead:     atomic.LoadInt64(&framesRead),
		SlotsFinalized: atomic.LoadInt64(&slotsFinalized),
		SlotsInvalid:   atomic.LoadInt64(&slotsInvalid),
		ArchiveWrites:  atomic.LoadInt64(&archiveWrites),
		Warns:          totalWarns,
		Errors:         totalErrors,
		Channels:       channelData,
		CPUPercent:     cpuPct,
		MemoryMB:       float64(memUsed) / 1024 / 1024,
		DiskMB:         float64(diskUsed) / 1024 / 1024,
		NetBytesSent:   bytesSent,
		NetBytesRecv:   bytesRecv,
	}

	fields := Fields{
		"frames_read":     snap.FramesRead,
		"slots_finalized": snap.SlotsFinalized,
		"slots_invalid":   snap.SlotsInvalid,
		"archive_writes":  snap.ArchiveWrites,
		"warns":           snap.Warns,
		"errors":          snap.Errors,
		"components":      componentData,
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     snap.CPUPercent,
		"memory_mb":       int64(snap.MemoryMB),
		"disk_mb":         int64(snap.DiskMB),
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	publishMetrics(ctx, withRelayDimension(snap.metricData()...))
}
