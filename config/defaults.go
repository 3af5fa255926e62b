// =============================================================================
// 📦 QuantFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Database:   DefaultDatabaseConfig(),
		Redis:      DefaultRedisConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		Worker:     DefaultWorkerConfig(),
		Gates:      DefaultGatesConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		DSN:             "quantflow.db",
		MaxOpenConns:    50,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:         false,
		Addr:            "localhost:6379",
		DB:              0,
		RegistrationTTL: 90 * time.Second,
	}
}

// DefaultCheckpointConfig 返回默认检查点配置
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		ArtifactDir:     "./artifacts",
		UnitInterval:    10,
		WallInterval:    5 * time.Minute,
		MaxSeriesPoints: 500,
		SaveTimeout:     30 * time.Second,
	}
}

// DefaultWorkerConfig 返回默认 Worker 配置
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		EndpointURL:          "http://localhost:8080",
		HeartbeatInterval:    15 * time.Second,
		HeartbeatTimeout:     60 * time.Second,
		ProgressPollInterval: 2 * time.Second,
	}
}

// DefaultGatesConfig 返回默认门限配置（数值为策略旋钮，非设计契约）
func DefaultGatesConfig() GatesConfig {
	return GatesConfig{
		MinAccuracy:          0.30,
		MaxLoss:              0.8,
		MinLossDecrease:      0.05,
		MinWinRate:           0.35,
		MaxDrawdownThreshold: 0.40,
		MinSharpe:            -0.5,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "quantflow",
		SampleRate:   1.0,
	}
}
