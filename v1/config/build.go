package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-lockable/v1/filelock"
	"github.com/mirkobrombin/go-lockable/v1/store"
	"github.com/mirkobrombin/go-lockable/v1/syncbus"
)

const dialTimeout = 5 * time.Second

// CloseFunc releases whatever a builder opened.
type CloseFunc func() error

func noClose() error { return nil }

// OpenStore builds the store described by c. The returned CloseFunc closes
// the underlying client.
func OpenStore(ctx context.Context, c StoreConfig) (store.Store, CloseFunc, error) {
	switch c.Driver {
	case DriverMemory:
		return store.NewInMemoryStore(), noClose, nil

	case DriverRedis:
		opts, err := redis.ParseURL(c.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("redis dsn: %w", err)
		}
		client := redis.NewClient(opts)
		pctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		var ropts []store.RedisOption
		if c.Prefix != "" {
			ropts = append(ropts, store.WithRedisPrefix(c.Prefix))
		}
		ropts = append(ropts, store.WithRedisTimeout(c.Timeout))
		s, err := store.NewRedisStore(client, ropts...)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, client.Close, nil

	case DriverBolt:
		s, err := store.NewBoltStore(c.DSN, store.WithBoltBucket(c.Bucket), store.WithBoltTimeout(c.Timeout))
		if err != nil {
			return nil, nil, err
		}
		return s, noClose, nil

	case DriverSQLite:
		db, err := gorm.Open(sqlite.Open(SQLiteDSN(c.DSN)), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewGormStore(db, store.WithGormTableName(c.Table), store.WithGormTimeout(c.Timeout))
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return s, sqlDB.Close, nil

	case DriverEtcd:
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   strings.Split(c.DSN, ","),
			DialTimeout: dialTimeout,
			Context:     ctx,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("etcd client: %w", err)
		}
		var eopts []store.EtcdOption
		if c.Prefix != "" {
			eopts = append(eopts, store.WithEtcdPrefix(c.Prefix))
		}
		eopts = append(eopts, store.WithEtcdTimeout(c.Timeout))
		s, err := store.NewEtcdStore(cli, eopts...)
		if err != nil {
			_ = cli.Close()
			return nil, nil, err
		}
		return s, cli.Close, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Driver)
	}
}

// SQLiteDSN makes sure transactions on the file take the write lock when
// they begin, which is what serialises concurrent acquirers on SQLite.
func SQLiteDSN(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if !strings.Contains(dsn, "_busy_timeout=") {
		params = append(params, "_busy_timeout=5000")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// OpenBus builds the release notifier described by c. It returns a nil Bus
// for the "none" driver. Network buses are wrapped in a circuit breaker
// when BreakerThreshold is positive.
func OpenBus(ctx context.Context, c BusConfig) (syncbus.Bus, CloseFunc, error) {
	var (
		bus     syncbus.Bus
		closeFn CloseFunc = noClose
	)
	switch c.Driver {
	case "", BusNone:
		return nil, noClose, nil
	case BusMemory:
		return syncbus.NewInMemoryBus(), noClose, nil
	case BusRedis:
		opts, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis bus url: %w", err)
		}
		client := redis.NewClient(opts)
		rb := syncbus.NewRedisBus(client)
		bus = rb
		closeFn = func() error {
			_ = rb.Close()
			return client.Close()
		}
	case BusNATS:
		conn, err := nats.Connect(c.URL, nats.Timeout(dialTimeout))
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		bus = syncbus.NewNATSBus(conn)
		closeFn = func() error {
			conn.Close()
			return nil
		}
	case BusKafka:
		kcfg := sarama.NewConfig()
		kcfg.Net.DialTimeout = dialTimeout
		kb, err := syncbus.NewKafkaBus(strings.Split(c.URL, ","), c.Topic, kcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka connect: %w", err)
		}
		bus = kb
		closeFn = kb.Close
	default:
		return nil, nil, fmt.Errorf("%w: unknown bus driver %q", ErrInvalid, c.Driver)
	}
	if c.BreakerThreshold > 0 {
		bus = syncbus.NewCircuitBreaker(bus, c.BreakerThreshold, c.BreakerTimeout)
	}
	return bus, closeFn, nil
}

// Primitive returns the file lock primitive, or nil when disabled.
func Primitive(c NativeConfig) filelock.Primitive {
	if !c.Enabled {
		return nil
	}
	return filelock.New(c.Dir)
}

// NewLogger builds a zap logger for c. Development loggers write human
// readable output; production loggers write JSON.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
