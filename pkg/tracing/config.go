package tracing

import (
	"fmt"
	"time"
)

// 导出器类型
const (
	ExporterOTLP     = "otlp"     // OTLP over HTTP
	ExporterOTLPGRPC = "otlpgrpc" // OTLP over gRPC
	ExporterStdout   = "stdout"
	ExporterNoop     = "noop"
)

// Config 链路追踪配置
type Config struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName    string `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`
	Environment    string `mapstructure:"environment" yaml:"environment"`

	Exporter string            `mapstructure:"exporter" yaml:"exporter"` // otlp/otlpgrpc/stdout/noop
	Endpoint string            `mapstructure:"endpoint" yaml:"endpoint"` // 为空时读取 OTEL_EXPORTER_OTLP_ENDPOINT
	Headers  map[string]string `mapstructure:"headers" yaml:"headers"`
	Insecure bool              `mapstructure:"insecure" yaml:"insecure"`

	// 采样
	SamplingType string  `mapstructure:"sampling_type" yaml:"sampling_type"` // always/never/ratio/parent_based
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`

	// 批处理
	BatchTimeout       time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	MaxExportBatchSize int           `mapstructure:"max_export_batch_size" yaml:"max_export_batch_size"`
	MaxQueueSize       int           `mapstructure:"max_queue_size" yaml:"max_queue_size"`
}

// DefaultConfig 返回默认配置，默认不启用
func DefaultConfig() *Config {
	return &Config{
		ServiceName:        "relay",
		ServiceVersion:     "dev",
		Environment:        "development",
		Exporter:           ExporterStdout,
		SamplingType:       "parent_based",
		SamplingRate:       1.0,
		BatchTimeout:       5 * time.Second,
		MaxExportBatchSize: 512,
		MaxQueueSize:       2048,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("ServiceName is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("SamplingRate must be between 0.0 and 1.0, got %v", c.SamplingRate)
	}
	switch c.Exporter {
	case ExporterOTLP, ExporterOTLPGRPC, ExporterStdout, ExporterNoop:
	default:
		return fmt.Errorf("invalid exporter type: %q", c.Exporter)
	}
	if c.MaxExportBatchSize <= 0 || c.MaxQueueSize <= 0 {
		return fmt.Errorf("batch sizes must be positive, got %d/%d", c.MaxExportBatchSize, c.MaxQueueSize)
	}
	return nil
}
