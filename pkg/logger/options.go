package logger

// Option 配置选项函数
type Option func(*Config)

// WithLevel 设置日志级别
func WithLevel(level string) Option {
	return func(c *Config) {
		c.Level = level
	}
}

// WithFormat 设置日志格式
func WithFormat(format Format) Option {
	return func(c *Config) {
		c.Format = format
	}
}

// WithConsole 设置是否输出到控制台
func WithConsole(enable bool) Option {
	return func(c *Config) {
		c.Console = enable
	}
}

// WithFile 设置文件输出
func WithFile(filename string) Option {
	return func(c *Config) {
		c.File = filename
	}
}

// WithRotate 设置文件轮转输出
func WithRotate(config *RotateConfig) Option {
	return func(c *Config) {
		c.Rotate = config
	}
}

// WithSampling 设置采样配置
func WithSampling(config *SamplingConfig) Option {
	return func(c *Config) {
		c.Sampling = config
	}
}

// WithCaller 设置是否记录调用位置
func WithCaller(enable bool) Option {
	return func(c *Config) {
		c.Caller = enable
	}
}
