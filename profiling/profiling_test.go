package profiling

import (
	"testing"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/agrosmart/config"
)

func TestProfileTypes(t *testing.T) {
	got := ProfileTypes([]string{"cpu", "mutex", "unknown"})
	want := []pyroscope.ProfileType{pyroscope.ProfileCPU, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration}

	if len(got) != len(want) {
		t.Fatalf("Expected %d profile types, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, got[i])
		}
	}
}

func TestProfileTypes_CoversEveryConfigName(t *testing.T) {
	for _, name := range config.ProfileTypeNames {
		if len(ProfileTypes([]string{name})) == 0 {
			t.Errorf("Expected profile name %q to map to a Pyroscope type", name)
		}
	}
}

func TestStart_Disabled(t *testing.T) {
	p, err := Start(&config.ProfilingConfig{Enabled: false}, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if p != nil {
		t.Error("Expected nil profiler when disabled")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Expected nil-safe stop, got %v", err)
	}
}
