package profiling

import (
	"fmt"
	"maps"
	"runtime"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/agrosmart/config"
)

// Profiler wraps the Pyroscope profiler
type Profiler struct {
	profiler *pyroscope.Profiler
	logger   *zap.Logger
}

// ProfileTypes maps configured profile names to Pyroscope profile types
func ProfileTypes(names []string) []pyroscope.ProfileType {
	var types []pyroscope.ProfileType
	for _, name := range names {
		switch name {
		case "cpu":
			types = append(types, pyroscope.ProfileCPU)
		case "alloc_objects":
			types = append(types, pyroscope.ProfileAllocObjects)
		case "alloc_space":
			types = append(types, pyroscope.ProfileAllocSpace)
		case "inuse_objects":
			types = append(types, pyroscope.ProfileInuseObjects)
		case "inuse_space":
			types = append(types, pyroscope.ProfileInuseSpace)
		case "goroutines":
			types = append(types, pyroscope.ProfileGoroutines)
		case "mutex":
			types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
		case "block":
			types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
		}
	}
	return types
}

// Start starts the Pyroscope profiler in push mode. It returns a nil profiler when profiling is disabled.
func Start(cfg *config.ProfilingConfig, logger *zap.Logger) (*Profiler, error) {
	if !cfg.Enabled {
		logger.Info("profiling is disabled")
		return nil, nil
	}

	for _, name := range cfg.ProfileTypes {
		switch name {
		case "mutex":
			runtime.SetMutexProfileFraction(cfg.MutexProfileRate)
		case "block":
			runtime.SetBlockProfileRate(cfg.BlockProfileRate)
		}
	}

	profileTypes := ProfileTypes(cfg.ProfileTypes)
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   cfg.ApplicationName,
		ServerAddress:     cfg.ServerAddress,
		BasicAuthUser:     cfg.BasicAuthUser,
		BasicAuthPassword: cfg.BasicAuthPassword,
		TenantID:          cfg.TenantID,
		Tags:              maps.Clone(cfg.Tags),
		ProfileTypes:      profileTypes,
		DisableGCRuns:     cfg.DisableGCRuns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Pyroscope profiler: %w", err)
	}

	logger.Info("Pyroscope profiler started",
		zap.String("server_address", cfg.ServerAddress),
		zap.String("application_name", cfg.ApplicationName),
		zap.Strings("profile_types", cfg.ProfileTypes),
	)

	return &Profiler{profiler: profiler, logger: logger}, nil
}

// Stop flushes and stops the profiler
func (p *Profiler) Stop() error {
	if p == nil || p.profiler == nil {
		return nil
	}
	if err := p.profiler.Stop(); err != nil {
		return fmt.Errorf("profiler stop: %w", err)
	}
	p.logger.Info("Pyroscope profiler stopped")
	return nil
}
