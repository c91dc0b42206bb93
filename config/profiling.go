package config

import "fmt"

// Profile type names accepted in ProfilingConfig.ProfileTypes
var ProfileTypeNames = []string{
	"cpu",
	"alloc_objects",
	"alloc_space",
	"inuse_objects",
	"inuse_space",
	"goroutines",
	"mutex",
	"block",
}

// ProfilingConfig contains Pyroscope profiling configuration
type ProfilingConfig struct {
	Enabled           bool              `yaml:"enabled" env:"PYROSCOPE_ENABLED" env-default:"false"`
	ApplicationName   string            `yaml:"applicationName" env:"PYROSCOPE_APPLICATION_NAME" env-default:"agrosmart"`
	ServerAddress     string            `yaml:"serverAddress" env:"PYROSCOPE_SERVER_ADDRESS"`
	BasicAuthUser     string            `yaml:"basicAuthUser" env:"PYROSCOPE_BASIC_AUTH_USER"`
	BasicAuthPassword string            `yaml:"basicAuthPassword" env:"PYROSCOPE_BASIC_AUTH_PASSWORD"`
	TenantID          string            `yaml:"tenantID" env:"PYROSCOPE_TENANT_ID"`
	Tags              map[string]string `yaml:"tags"`

	ProfileTypes []string `yaml:"profileTypes" env:"PYROSCOPE_PROFILE_TYPES" env-separator:"," env-default:"cpu,alloc_objects,alloc_space,inuse_objects,inuse_space"`

	// Sampling rates for the mutex and block profiles
	MutexProfileRate int `yaml:"mutexProfileRate" env:"PYROSCOPE_MUTEX_PROFILE_RATE" env-default:"5"`
	BlockProfileRate int `yaml:"blockProfileRate" env:"PYROSCOPE_BLOCK_PROFILE_RATE" env-default:"5"`

	DisableGCRuns bool `yaml:"disableGCRuns" env:"PYROSCOPE_DISABLE_GC_RUNS" env-default:"false"`
}

// ValidateProfiling validates profiling configuration if enabled
func ValidateProfiling(cfg *ProfilingConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.ApplicationName == "" {
		return fmt.Errorf("profiling application name is required when profiling is enabled")
	}
	if cfg.ServerAddress == "" {
		return fmt.Errorf("profiling server address is required when profiling is enabled")
	}
	if cfg.MutexProfileRate < 0 || cfg.BlockProfileRate < 0 {
		return fmt.Errorf("profiling mutex and block profile rates must be >= 0")
	}

	if len(cfg.ProfileTypes) == 0 {
		return fmt.Errorf("at least one profile type must be enabled")
	}
	for _, name := range cfg.ProfileTypes {
		if !knownProfileType(name) {
			return fmt.Errorf("unknown profile type '%s', expected one of %v", name, ProfileTypeNames)
		}
	}

	return nil
}

func knownProfileType(name string) bool {
	for _, known := range ProfileTypeNames {
		if name == known {
			return true
		}
	}
	return false
}
