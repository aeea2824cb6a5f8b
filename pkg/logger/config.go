package logger

import "fmt"

// Format 编码格式
type Format string

const (
	JSONFormat    Format = "json"
	ConsoleFormat Format = "console" // 本地调试用
)

// IsValid 是否为已知格式
func (f Format) IsValid() bool {
	switch f {
	case JSONFormat, ConsoleFormat:
		return true
	}
	return false
}

// SamplingConfig 每秒前 Initial 条全部记录，之后每 Thereafter 条记录一条
type SamplingConfig struct {
	Initial    int `mapstructure:"initial" yaml:"initial"`
	Thereafter int `mapstructure:"thereafter" yaml:"thereafter"`
}

func (s *SamplingConfig) setDefaults() {
	if s.Initial <= 0 {
		s.Initial = 100
	}
	if s.Thereafter <= 0 {
		s.Thereafter = 100
	}
}

// Config 日志配置
type Config struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug/info/warn/error，默认 info
	Format Format `mapstructure:"format" yaml:"format"` // json/console，默认 json

	// 输出配置
	Console bool          `mapstructure:"console" yaml:"console"` // 输出到 stdout
	File    string        `mapstructure:"file" yaml:"file"`       // 不轮转的文件输出
	Rotate  *RotateConfig `mapstructure:"rotate" yaml:"rotate"`   // nil 则不轮转

	Sampling *SamplingConfig `mapstructure:"sampling" yaml:"sampling"` // nil 则不采样

	Caller     bool `mapstructure:"caller" yaml:"caller"`
	Stacktrace bool `mapstructure:"stacktrace" yaml:"stacktrace"` // Error 及以上
}

// DefaultConfig 默认配置：info 级别，JSON 输出到控制台
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     JSONFormat,
		Console:    true,
		Caller:     true,
		Stacktrace: true,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	if c.Format != "" && !c.Format.IsValid() {
		return fmt.Errorf("invalid log format: %q", c.Format)
	}
	if !c.Console && c.File == "" && c.Rotate == nil {
		return fmt.Errorf("no output configured")
	}
	if c.Rotate != nil && c.Rotate.Filename == "" {
		return fmt.Errorf("rotate filename is required")
	}
	return nil
}
