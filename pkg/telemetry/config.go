package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry section of the fnforge configuration. The
// validate tags are checked by Validate and by the top-level config loader.
type Config struct {
	ServiceName    string `koanf:"service_name" yaml:"service_name" validate:"required"`
	ServiceVersion string `koanf:"service_version" yaml:"service_version" validate:"required"`

	// Environment is reported as deployment.environment on spans.
	Environment string `koanf:"environment" yaml:"environment"`

	Logging LoggingConfig `koanf:"logging" yaml:"logging"`
	Tracing TracingConfig `koanf:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `koanf:"metrics" yaml:"metrics"`
	Events  EventsConfig  `koanf:"events" yaml:"events"`

	// ResourceAttributes are added to the tracer resource verbatim.
	ResourceAttributes map[string]string `koanf:"resource_attributes" yaml:"resource_attributes,omitempty"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" yaml:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path opened for append.
	Output string `koanf:"output" yaml:"output"`

	EnableCaller bool `koanf:"enable_caller" yaml:"enable_caller"`

	// Sampling lets SamplingInitial lines through each second, then one in
	// SamplingThereafter.
	EnableSampling     bool `koanf:"enable_sampling" yaml:"enable_sampling"`
	SamplingInitial    int  `koanf:"sampling_initial" yaml:"sampling_initial" validate:"gte=0"`
	SamplingThereafter int  `koanf:"sampling_thereafter" yaml:"sampling_thereafter" validate:"gte=0"`

	TimeFormat string `koanf:"time_format" yaml:"time_format" validate:"omitempty,oneof=unix unixms unixmicro rfc3339"`
}

type TracingConfig struct {
	Enabled  bool   `koanf:"enabled" yaml:"enabled"`
	Exporter string `koanf:"exporter" yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is an OTLP gRPC collector, host:port.
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`

	SamplingRate       float64           `koanf:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int               `koanf:"max_export_batch_size" yaml:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration     `koanf:"export_timeout" yaml:"export_timeout" validate:"gte=0"`
	Headers            map[string]string `koanf:"headers" yaml:"headers,omitempty"`
	Insecure           bool              `koanf:"insecure" yaml:"insecure"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`

	// ListenAddress starts a dedicated metrics listener when set. Metrics are
	// always mounted on the API server at Path.
	ListenAddress string `koanf:"listen_address" yaml:"listen_address"`
	Path          string `koanf:"path" yaml:"path" validate:"omitempty,startswith=/"`
	Namespace     string `koanf:"namespace" yaml:"namespace"`

	// DefaultHistogramBuckets are latency buckets in seconds. Deploy runs
	// can last ten minutes, so the upper buckets stay wide.
	DefaultHistogramBuckets []float64 `koanf:"default_histogram_buckets" yaml:"default_histogram_buckets"`
}

type EventsConfig struct {
	Enabled    bool `koanf:"enabled" yaml:"enabled"`
	BufferSize int  `koanf:"buffer_size" yaml:"buffer_size" validate:"gte=0"`
}

// DefaultConfig returns the settings used when no file or environment
// override is given.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "fnforge",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "otlp",
			Endpoint:           "localhost:4317",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			Path:                    "/metrics",
			Namespace:               "fnforge",
			DefaultHistogramBuckets: []float64{0.01, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1000,
		},
		ResourceAttributes: map[string]string{},
	}
}

// Validate reports the first rule the configuration breaks.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("invalid telemetry config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
	}
	return fmt.Errorf("invalid telemetry config: %w", err)
}
