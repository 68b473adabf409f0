// ABOUTME: Tests for telemetry configuration validation, environment variable loading, and default values
// ABOUTME: Ensures configuration behaves correctly with valid and invalid inputs

package telemetry

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ServiceName != "lsmtree" {
		t.Errorf("Expected default service name 'lsmtree', got '%s'", cfg.ServiceName)
	}

	if cfg.ServiceVersion != "development" {
		t.Errorf("Expected default service version 'development', got '%s'", cfg.ServiceVersion)
	}

	if !cfg.Enabled {
		t.Error("Expected telemetry to be enabled by default")
	}

	if len(cfg.Exporters) != 1 || cfg.Exporters[0] != "stdout" {
		t.Errorf("Expected default exporters ['stdout'], got %v", cfg.Exporters)
	}

	if cfg.SampleRate != 1.0 {
		t.Errorf("Expected default sample rate 1.0, got %f", cfg.SampleRate)
	}

	if cfg.ExportInterval != 60*time.Second {
		t.Errorf("Expected default export interval 60s, got %s", cfg.ExportInterval)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(*Config) {}, false},
		{"empty service name", func(c *Config) { c.ServiceName = "" }, true},
		{"empty service version", func(c *Config) { c.ServiceVersion = "" }, true},
		{"sample rate too low", func(c *Config) { c.SampleRate = -0.5 }, true},
		{"sample rate too high", func(c *Config) { c.SampleRate = 1.5 }, true},
		{"unknown exporter", func(c *Config) { c.Exporters = []string{"jaeger"} }, true},
		{"zero export interval", func(c *Config) { c.ExportInterval = 0 }, true},
		{"zero batch timeout", func(c *Config) { c.BatchTimeout = 0 }, true},
		{"zero queue size", func(c *Config) { c.MaxQueueSize = 0 }, true},
		{"batch larger than queue", func(c *Config) { c.MaxExportBatchSize = c.MaxQueueSize + 1 }, true},
		{"no exporter skips export settings", func(c *Config) {
			c.Exporters = []string{"none"}
			c.ExportInterval = 0
			c.BatchTimeout = 0
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LSMTREE_TELEMETRY_SERVICE_NAME", "test-service")
	t.Setenv("LSMTREE_TELEMETRY_SERVICE_VERSION", "1.2.3")
	t.Setenv("LSMTREE_TELEMETRY_ENABLED", "false")
	t.Setenv("LSMTREE_TELEMETRY_EXPORTERS", "stdout, none")
	t.Setenv("LSMTREE_TELEMETRY_SAMPLE_RATE", "0.5")
	t.Setenv("LSMTREE_TELEMETRY_EXPORT_INTERVAL", "10s")
	t.Setenv("LSMTREE_TELEMETRY_BATCH_TIMEOUT", "2s")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if cfg.ServiceName != "test-service" {
		t.Errorf("Expected service name 'test-service', got '%s'", cfg.ServiceName)
	}
	if cfg.ServiceVersion != "1.2.3" {
		t.Errorf("Expected service version '1.2.3', got '%s'", cfg.ServiceVersion)
	}
	if cfg.Enabled {
		t.Error("Expected telemetry to be disabled")
	}
	if len(cfg.Exporters) != 2 || cfg.Exporters[0] != "stdout" || cfg.Exporters[1] != "none" {
		t.Errorf("Expected exporters [stdout none], got %v", cfg.Exporters)
	}
	if cfg.SampleRate != 0.5 {
		t.Errorf("Expected sample rate 0.5, got %f", cfg.SampleRate)
	}
	if cfg.ExportInterval != 10*time.Second {
		t.Errorf("Expected export interval 10s, got %s", cfg.ExportInterval)
	}
	if cfg.BatchTimeout != 2*time.Second {
		t.Errorf("Expected batch timeout 2s, got %s", cfg.BatchTimeout)
	}
}

func TestLoadFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("LSMTREE_TELEMETRY_ENABLED", "maybe")
	t.Setenv("LSMTREE_TELEMETRY_SAMPLE_RATE", "lots")
	t.Setenv("LSMTREE_TELEMETRY_EXPORT_INTERVAL", "soon")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if !cfg.Enabled || cfg.SampleRate != 1.0 || cfg.ExportInterval != 60*time.Second {
		t.Errorf("Malformed values should keep defaults, got %+v", cfg)
	}
}

func TestHasExporter(t *testing.T) {
	cfg := Config{Exporters: []string{"stdout"}}
	if !cfg.HasExporter("stdout") {
		t.Error("Expected stdout exporter")
	}
	if cfg.HasExporter("none") {
		t.Error("Did not expect none exporter")
	}
}
