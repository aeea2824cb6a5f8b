package orm

import (
	"fmt"
	"time"
)

// DBType 数据库类型
type DBType string

const (
	MySQL      DBType = "mysql"
	PostgreSQL DBType = "postgres"
	SQLite     DBType = "sqlite"
	SQLServer  DBType = "sqlserver"
)

// Config 数据库配置，Type 为空表示不启用持久化
type Config struct {
	Type DBType `mapstructure:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`

	// 连接池
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`

	PrepareStmt   bool          `mapstructure:"prepare_stmt" yaml:"prepare_stmt"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold" yaml:"slow_threshold"`
	TablePrefix   string        `mapstructure:"table_prefix" yaml:"table_prefix"`
	TraceSQL      bool          `mapstructure:"trace_sql" yaml:"trace_sql"` // span 中记录完整 SQL

	// 只读副本，session 列表查询走从库
	Replicas []string `mapstructure:"replicas" yaml:"replicas"`
	Policy   string   `mapstructure:"policy" yaml:"policy"` // random | round_robin
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxIdleConns:    5,
		MaxOpenConns:    20,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		PrepareStmt:     true,
		SlowThreshold:   200 * time.Millisecond,
		Policy:          "random",
	}
}

// Enabled 是否配置了数据库
func (c *Config) Enabled() bool {
	return c != nil && c.Type != ""
}

// Validate 验证配置
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	switch c.Type {
	case MySQL, PostgreSQL, SQLite, SQLServer:
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	if c.DSN == "" {
		return fmt.Errorf("DSN is required for %s", c.Type)
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("MaxOpenConns must be positive, got %d", c.MaxOpenConns)
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("MaxIdleConns must be between 0 and MaxOpenConns, got %d", c.MaxIdleConns)
	}
	return nil
}
