package daemons

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/dto"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

const defaultSampleInterval = time.Minute

// MetricsCollector samples system telemetry (cpu, memory, and disk usage of
// the media and transcode directories) and logs it structurally.
type MetricsCollector struct {
	log      *logger.Logger
	interval time.Duration

	mediaDir     string
	transcodeDir string
}

func NewMetricsCollector(baseLog *logger.Logger, mediaDir, transcodeDir string) *MetricsCollector {
	return &MetricsCollector{
		log:          baseLog.With("service", "MetricsCollector"),
		interval:     defaultSampleInterval,
		mediaDir:     mediaDir,
		transcodeDir: transcodeDir,
	}
}

func (s *MetricsCollector) Type() domain.ServiceType { return domain.ServiceTypeMetricsCollector }

func (s *MetricsCollector) Start(ctx context.Context, raw json.RawMessage) error {
	if len(raw) > 0 {
		var params dto.MetricsCollectorParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return fmt.Errorf("decode metrics collector params: %w", err)
		}
		if params.SampleInterval > 0 {
			s.interval = time.Duration(params.SampleInterval) * time.Second
		}
	}
	s.log.Info("Metrics collector starting", "interval", s.interval.String())
	return nil
}

func (s *MetricsCollector) IterationInterval() time.Duration { return s.interval }

func (s *MetricsCollector) Stop() error { return nil }

func (s *MetricsCollector) ProcessIteration(ctx context.Context, raw json.RawMessage) error {
	kv := []interface{}{}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		kv = append(kv, "cpu_percent", percents[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		kv = append(kv,
			"mem_used_percent", vm.UsedPercent,
			"mem_available_bytes", vm.Available,
		)
	}
	for _, target := range []struct{ name, path string }{
		{"media", s.mediaDir},
		{"transcode", s.transcodeDir},
	} {
		if target.path == "" {
			continue
		}
		if usage, err := disk.UsageWithContext(ctx, target.path); err == nil {
			kv = append(kv,
				target.name+"_disk_used_percent", usage.UsedPercent,
				target.name+"_disk_free_bytes", usage.Free,
			)
		}
	}

	s.log.Info("System metrics", kv...)
	return nil
}
