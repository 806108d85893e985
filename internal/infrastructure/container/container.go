package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"xfeed/internal/application/port"
	"xfeed/internal/infrastructure/config"
	"xfeed/internal/infrastructure/storage"
	"xfeed/internal/infrastructure/storage/composite"
	pgrepo "xfeed/internal/infrastructure/storage/postgres"
	redisrepo "xfeed/internal/infrastructure/storage/redis"
	sqliterepo "xfeed/internal/infrastructure/storage/sqlite"
)

// Container 持有存储层依赖，按后进先出顺序关闭
type Container struct {
	cfg         *config.Config
	store       port.Store
	redisRepo   *redisrepo.Repo
	closeOnce   sync.Once
	closerChain []func() error
}

// New 创建新的容器实例。未启用任何数据库时使用内存存储。
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{
		cfg:         cfg,
		closerChain: make([]func() error, 0),
	}

	var stores []port.Store
	if cfg.Storage.Enabled {
		var err error
		if stores, err = c.initStorage(ctx); err != nil {
			// 清理已初始化的资源
			_ = c.Close()
			return nil, err
		}
	}

	switch len(stores) {
	case 0:
		c.store = storage.NewMemoryStore()
		log.Info().Msg("no database enabled, using in-memory store")
	case 1:
		c.store = stores[0]
	default:
		c.store = composite.New(stores...)
	}
	return c, nil
}

// initStorage 初始化存储层（Redis、SQLite、Postgres）
func (c *Container) initStorage(ctx context.Context) ([]port.Store, error) {
	var stores []port.Store

	// Redis
	if c.cfg.Storage.Redis.Enabled {
		if err := c.initRedis(ctx); err != nil {
			return nil, fmt.Errorf("redis init failed: %w", err)
		}
	}

	// SQLite
	if c.cfg.Storage.SQLite.Enabled {
		repo, err := c.initSQLite()
		if err != nil {
			return nil, fmt.Errorf("sqlite init failed: %w", err)
		}
		stores = append(stores, repo)
	}

	// Postgres
	if c.cfg.Storage.Postgres.Enabled {
		repo, err := c.initPostgres(ctx)
		if err != nil {
			return nil, fmt.Errorf("postgres init failed: %w", err)
		}
		stores = append(stores, repo)
	}

	return stores, nil
}

// initRedis 初始化 Redis 连接
func (c *Container) initRedis(ctx context.Context) error {
	rc := c.cfg.Storage.Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	// 测试连接
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	ttl := time.Duration(rc.TTLSeconds) * time.Second
	c.redisRepo = redisrepo.New(rdb, rc.Prefix, ttl, rc.StatusChannel)

	// 注册关闭回调
	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().Str("addr", rc.Addr).Int("db", rc.DB).Msg("redis initialized")
	return nil
}

// initSQLite 初始化 SQLite 数据库
func (c *Container) initSQLite() (*sqliterepo.Repo, error) {
	repo, err := sqliterepo.New(c.cfg.Storage.SQLite.Path)
	if err != nil {
		return nil, err
	}

	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing sqlite connection")
		return repo.Close()
	})

	log.Info().Str("path", c.cfg.Storage.SQLite.Path).Msg("sqlite initialized")
	return repo, nil
}

// initPostgres 初始化 Postgres 连接池
func (c *Container) initPostgres(ctx context.Context) (*pgrepo.Repo, error) {
	pc := c.cfg.Storage.Postgres
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	repo, err := pgrepo.New(cctx, pgrepo.Options{DSN: pc.DSN, MaxConns: pc.MaxConns, MinConns: pc.MinConns})
	if err != nil {
		return nil, err
	}

	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing postgres pool")
		return repo.Close()
	})

	log.Info().Int32("max_conns", pc.MaxConns).Msg("postgres initialized")
	return repo, nil
}

// Config 获取配置
func (c *Container) Config() *config.Config {
	return c.cfg
}

// Store 账户数据存储 (sqlite / postgres / 两者 / 内存)
func (c *Container) Store() port.Store {
	return c.store
}

// TickerCache returns nil when redis is disabled.
func (c *Container) TickerCache() port.TickerCache {
	if c.redisRepo == nil {
		return nil
	}
	return c.redisRepo
}

// StatusPublisher returns nil when redis is disabled.
func (c *Container) StatusPublisher() port.StatusPublisher {
	if c.redisRepo == nil {
		return nil
	}
	return c.redisRepo
}

// Close 关闭所有资源（按后进先出顺序）
func (c *Container) Close() error {
	var err error
	c.closeOnce.Do(func() {
		for i := len(c.closerChain) - 1; i >= 0; i-- {
			if e := c.closerChain[i](); e != nil {
				log.Error().Err(e).Msg("error closing resource")
				if err == nil {
					err = e
				}
			}
		}
		log.Info().Msg("container closed")
	})
	return err
}
