package bootstrap

import (
	"testing"

	"github.com/jobtrackd/jobtrackd/config"
)

func TestErrorChannelBufferSize(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 1,
		},
		{
			name:  "dispatcher only",
			modes: []config.ServiceMode{config.ServiceModeDispatcher},
			want:  2,
		},
		{
			name:  "both services",
			modes: []config.ServiceMode{config.ServiceModeDispatcher, config.ServiceModeSweeper},
			want:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelBufferSize(enabled); got != tt.want {
				t.Fatalf("errorChannelBufferSize(%v) = %d, want %d", tt.modes, got, tt.want)
			}
		})
	}
}

func TestValidateServiceConfig(t *testing.T) {
	t.Run("nil config rejected", func(t *testing.T) {
		if err := ValidateServiceConfig(nil); err == nil {
			t.Fatal("expected error for nil config")
		}
	})

	t.Run("invalid service name rejected", func(t *testing.T) {
		cfg := &config.AppConfig{Services: "reaper"}
		if err := ValidateServiceConfig(cfg); err == nil {
			t.Fatal("expected error for unknown service name")
		}
	})

	t.Run("default services accepted", func(t *testing.T) {
		cfg := &config.AppConfig{Services: "dispatcher,sweeper"}
		if err := ValidateServiceConfig(cfg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestGetEnabledServices(t *testing.T) {
	if got := GetEnabledServices(nil); len(got) != 0 {
		t.Fatalf("expected empty list for nil config, got %v", got)
	}

	cfg := &config.AppConfig{Services: "sweeper"}
	got := GetEnabledServices(cfg)
	if len(got) != 1 || got[0] != "sweeper" {
		t.Fatalf("expected [sweeper], got %v", got)
	}
}
