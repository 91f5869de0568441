package server

import (
	"context"
	"fmt"
	"log/slog"

	"provider/internal/config"
	"provider/internal/history/repo"

	"github.com/docker/docker/client"
	"github.com/go-pg/pg/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Dependency 管理所有基础设施；Redis 和 Postgres 只在配置了地址时连接
type Dependency struct {
	Docker     *client.Client
	Redis      *redis.Client
	PG         *pg.DB
	AsynqRedis *asynq.RedisClientOpt
	Logger     *slog.Logger
}

func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	deps := &Dependency{Logger: logger}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	deps.Docker = dockerClient
	if _, err := dockerClient.Ping(ctx); err != nil {
		deps.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		deps.Redis = redisClient
		if err := redisClient.Ping(ctx).Err(); err != nil {
			deps.Close()
			return nil, fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err)
		}
		deps.AsynqRedis = &asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
	}

	if cfg.Postgres.Addr != "" {
		pgDB := pg.Connect(&pg.Options{
			Addr:     cfg.Postgres.Addr,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
		})
		deps.PG = pgDB
		if _, err := pgDB.ExecContext(ctx, "SELECT 1"); err != nil {
			deps.Close()
			return nil, fmt.Errorf("postgres ping (%s): %w", cfg.Postgres.Addr, err)
		}

		// 迁移数据库 schema
		if err := repo.Migrate(pgDB); err != nil {
			deps.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	logger.Info("Dependencies ready",
		"redis", cfg.Redis.Addr != "",
		"postgres", cfg.Postgres.Addr != "",
	)
	return deps, nil
}

func (d *Dependency) Close() {
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.Docker != nil {
		d.Docker.Close()
	}
}
