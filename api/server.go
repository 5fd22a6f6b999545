package api

import (
	"context"
	"fmt"
	"log/slog"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	redisAdapter "auction/adapters/redis"
	internalS3 "auction/adapters/s3"
	"auction/adapters/sse"
	"auction/adapters/store"
	"auction/engine"
)

// ServerImpl 組裝引擎與所有外部依賴
type ServerImpl struct {
	handler     *Handler
	sseManager  *sse.ConnectionManager[engine.LotEvent]
	producer    redisAdapter.IProducer[engine.LotEvent]
	redisClient *redis.Client
	db          *gorm.DB

	config ServerConfig
}

func NewServer(ctx context.Context, config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"
	logger := slog.Default()

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	namingStrategy := schema.NamingStrategy{}
	if config.DB.Schema != "" {
		namingStrategy.TablePrefix = config.DB.Schema + "."
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: namingStrategy,
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	lotStore, err := store.NewStore(db, store.WithStoreLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create store, err=%w", op, err)
	}
	if config.DB.AutoMigrate {
		if err := lotStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("[%s] Fail to migrate database, err=%w", op, err)
		}
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	groups, err := redisAdapter.NewGroupStore(
		redisClient,
		redisAdapter.WithGroupStorePrefix(config.Redis.KeyPrefix),
		redisAdapter.WithGroupStoreTTL(config.Redis.GroupTTL),
		redisAdapter.WithGroupStoreFallback(lotStore),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create group store, err=%w", op, err)
	}

	// 初始化標的事件的 producer 與 SSE 管理器
	producer, err := redisAdapter.NewProducer[engine.LotEvent](
		redisClient,
		config.Redis.StreamKeys.LotEvents,
		redisAdapter.WithProducerLogger[engine.LotEvent](logger),
		redisAdapter.WithProducerMaxLen[engine.LotEvent](config.Redis.StreamKeys.MaxLen),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create producer, err=%w", op, err)
	}
	consumer, err := redisAdapter.NewConsumer[engine.LotEvent](
		redisClient,
		config.Redis.StreamKeys.LotEvents,
		redisAdapter.WithConsumerLogger[engine.LotEvent](logger),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
	}
	sseManager, err := sse.NewConnectionManager[engine.LotEvent](
		consumer,
		func(event engine.LotEvent) string { return event.LotID.String() },
		sse.WithManagerLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
	}

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithPublisher(producer),
	}

	// 初始化S3客戶端，未設定存儲桶時不封存
	if config.S3.Enabled() {
		s3Cfg, err := awsCfg.LoadDefaultConfig(
			ctx,
			awsCfg.WithBaseEndpoint(config.S3.Endpoint),
			awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, "")),
			awsCfg.WithRegion("auto"),
		)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
		}
		archiver, err := internalS3.NewArchiver(s3.NewFromConfig(s3Cfg), config.S3.Bucket, config.S3.Prefix)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create S3 archiver, err=%w", op, err)
		}
		engineOpts = append(engineOpts, engine.WithArchiver(archiver))
	}

	lotEngine := engine.New(lotStore, groups, engineOpts...)
	handler, err := NewHandler(
		lotEngine,
		config.Auth.PrivateKey,
		WithHandlerLogger(logger),
		WithUsers(lotStore),
		WithEvents(sseManager),
		WithMaxBodyBytes(config.HTTP.MaxBodyBytes),
		WithKeepAlive(config.HTTP.KeepAlive),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create handler, err=%w", op, err)
	}

	return &ServerImpl{
		handler:     handler,
		sseManager:  sseManager,
		producer:    producer,
		redisClient: redisClient,
		db:          db,
		config:      config,
	}, nil
}

// Register 註冊所有路由
func (impl *ServerImpl) Register(router gin.IRouter) {
	impl.handler.Register(router)
}

func (impl *ServerImpl) Start() {
	// 啟動producer
	impl.producer.Start()
	// 啟動sse connection manager，consumer的生命週期由manager管理
	impl.sseManager.Start()
}

// StopEvents 停止事件串流並結束所有 SSE 連線，可以重複呼叫
func (impl *ServerImpl) StopEvents() {
	impl.sseManager.Done()
}

func (impl *ServerImpl) Close() {
	// 關閉sse connection manager
	impl.sseManager.Done()
	// 關閉producer，尚未送出的事件會被捨棄
	impl.producer.Close()
	if err := impl.redisClient.Close(); err != nil {
		slog.Warn("Fail to close redis client", slog.Any("error", err))
	}
	if sqlDB, err := impl.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			slog.Warn("Fail to close database", slog.Any("error", err))
		}
	}
}
