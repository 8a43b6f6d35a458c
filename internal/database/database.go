package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/config"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// NewStore builds the session store selected by cfg.Kind.
func NewStore(ctx context.Context, cfg config.StoreConfig, appName string) (SessionStore, error) {
	switch cfg.Kind {
	case config.StoreMongo:
		store, err := ConnectMongo(ctx, cfg.Mongo, appName)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreRedis:
		store, err := ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return NewMemoryStore(), nil
	}
}

func mongoURI(cfg config.MongoConfig) string {
	if cfg.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}
	// 编码特殊字符
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		url.QueryEscape(cfg.Username), url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
	)
}

// ConnectMongo opens the client, verifies it with a ping and makes sure the
// client_id index exists.
func ConnectMongo(ctx context.Context, cfg config.MongoConfig, appName string) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")

	connectTimeout := utils.ParseStringTime(cfg.ConnectTimeout)
	clientOptions := options.Client().ApplyURI(mongoURI(cfg)).SetAppName(appName)
	// 连接池配置
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(cfg.ConnectIdleTimeout))
	// 超时限制
	clientOptions.SetConnectTimeout(connectTimeout)
	clientOptions.SetServerSelectionTimeout(connectTimeout)
	clientOptions.SetSocketTimeout(utils.ParseStringTime(cfg.SocketTimeout))
	// 心跳包
	if heartbeat := utils.ParseStringTime(cfg.Heartbeat); heartbeat > 0 {
		clientOptions.SetHeartbeatInterval(heartbeat)
	}
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s#%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s#%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	sessions := client.Database(cfg.Database).Collection(SessionCollectionName)
	_, err = sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "client_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("sessions_client_id_unique"),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	logger.InfoF("Connected to database %s at %s:%d", cfg.Database, cfg.Host, cfg.Port)
	return NewMongoStore(client, sessions, utils.ParseStringTime(cfg.OperationTimeout)), nil
}
