package logger

import "gopkg.in/natefinch/lumberjack.v2"

// RotateConfig 文件轮转配置
type RotateConfig struct {
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB，默认 100
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // 天，默认 30
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // 默认 10
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// setDefaults 设置默认值
func (r *RotateConfig) setDefaults() {
	if r.MaxSize == 0 {
		r.MaxSize = 100
	}
	if r.MaxAge == 0 {
		r.MaxAge = 30
	}
	if r.MaxBackups == 0 {
		r.MaxBackups = 10
	}
}

func (r *RotateConfig) writer() *lumberjack.Logger {
	r.setDefaults()
	return &lumberjack.Logger{
		Filename:   r.Filename,
		MaxSize:    r.MaxSize,
		MaxAge:     r.MaxAge,
		MaxBackups: r.MaxBackups,
		LocalTime:  true,
		Compress:   r.Compress,
	}
}
