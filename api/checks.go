package api

import (
	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/BaSui01/quantflow/api/handlers"
)

// DatabaseCheck 构造数据库连通性健康检查。
func DatabaseCheck(db *gorm.DB) handlers.HealthCheck {
	return handlers.HealthCheckFunc{
		CheckName: "database",
		Fn: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
}

// RedisCheck 构造 Redis 连通性健康检查。
func RedisCheck(client *redis.Client) handlers.HealthCheck {
	return handlers.HealthCheckFunc{
		CheckName: "redis",
		Fn: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}
