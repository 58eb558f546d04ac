package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	mazadredis "mazad/adapters/redis"
	mazads3 "mazad/adapters/s3"
	"mazad/adapters/sse"
	"mazad/engine"
	"mazad/fanout"
	"mazad/models"
	"mazad/payments"
)

// ServerImpl wires the storage, the engine, the fanout and the settlement
// pipeline together and serves the HTTP surface over them.
type ServerImpl struct {
	config ServerConfig
	logger *slog.Logger

	db          *gorm.DB
	redisClient *redis.Client
	s3Operator  *mazads3.S3Operator

	engine    *engine.Engine
	fanout    *fanout.Fanout
	scheduler *engine.Scheduler
	archiver  *mazads3.Archiver
	worker    *payments.Worker

	sseManager         sse.IConnectionManager[fanout.Event]
	settlementProducer mazadredis.IProducer[payments.CaptureRequest]

	htmlChecker *bluemonday.Policy

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ServerOption func(*ServerImpl)

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *ServerImpl) { s.logger = logger.With(slog.String("caller", "Server")) }
}

func NewServer(config ServerConfig, opts ...ServerOption) (*ServerImpl, error) {
	const op = "NewServer"
	server := &ServerImpl{
		config:      config,
		logger:      slog.Default().With(slog.String("caller", "Server")),
		htmlChecker: bluemonday.UGCPolicy(),
	}
	for _, opt := range opts {
		opt(server)
	}

	// Object storage for archived event logs.
	awsCfg, err := awsConfig.LoadDefaultConfig(
		context.Background(),
		awsConfig.WithBaseEndpoint(config.S3.Endpoint),
		awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, ""),
		),
		awsConfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load S3 config, err=%w", op, err)
	}
	server.s3Operator, err = mazads3.NewS3Operator(s3.NewFromConfig(awsCfg), config.S3.Bucket, config.S3.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create S3 operator, err=%w", op, err)
	}

	// Database.
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s",
		config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema,
	)
	server.db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{TablePrefix: config.DB.Schema + "."},
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	err = server.db.AutoMigrate(
		&models.User{},
		&models.Property{},
		&models.Auction{},
		&models.Bid{},
		&models.AuctionEvent{},
		&models.Settlement{},
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to migrate database, err=%w", op, err)
	}

	// Redis backs the cross-instance fanout, the settlement stream and the
	// scheduler leader lock.
	server.redisClient = redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	prefixed := func(key string) string { return config.Redis.KeyPrefix + key }

	// Live event fanout: every instance produces to and consumes from the
	// same stream, so a subscriber is reached no matter which instance
	// admitted the bid.
	sseProducer, err := mazadredis.NewProducer[sse.PublishRequest[fanout.Event]](
		server.redisClient, prefixed(config.Redis.StreamKeys.Events),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create event producer, err=%w", op, err)
	}
	sseConsumer, err := mazadredis.NewConsumer[sse.PublishRequest[fanout.Event]](
		server.redisClient, prefixed(config.Redis.StreamKeys.Events),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create event consumer, err=%w", op, err)
	}
	server.sseManager = sse.NewConnectionManager[fanout.Event](sseProducer, sseConsumer)
	server.fanout = fanout.New(server.db, server.sseManager)

	// Settlement pipeline: the engine dispatches capture requests onto a
	// stream, a worker group drains it and reports outcomes back.
	server.settlementProducer, err = mazadredis.NewProducer[payments.CaptureRequest](
		server.redisClient, prefixed(config.Redis.StreamKeys.Settlements),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create settlement producer, err=%w", op, err)
	}
	dispatcher := payments.NewDispatcher(server.settlementProducer)

	// Every instance admits bids, so the critical section for one auction
	// must hold across all of them, not just within this process.
	auctionLocks := func(auctionID uuid.UUID) engine.AuctionLocker {
		return mazadredis.NewAutoRenewMutex(
			server.redisClient,
			prefixed("auction-lock:"+auctionID.String()),
			mazadredis.WithAutoRenewMutexAcquireTimeout(config.Engine.LockWait),
		)
	}
	server.engine = engine.New(server.db, server.fanout, dispatcher,
		engine.WithConfig(engine.Config{
			LockWait:      config.Engine.LockWait,
			MaxExtensions: config.Engine.MaxExtensions,
		}),
		engine.WithAuctionLockFactory(auctionLocks),
	)

	// Strict ordering keeps a retried capture from interleaving with the
	// original on another instance.
	captureConsumer, err := mazadredis.NewGroupConsumer[payments.CaptureRequest](
		server.redisClient,
		prefixed(config.Redis.StreamKeys.Settlements),
		config.Redis.ConsumerGroup,
		config.ID,
		mazadredis.WithGroupConsumerStrictOrdering[payments.CaptureRequest](true),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create settlement consumer, err=%w", op, err)
	}
	gateway := payments.NewHTTPGateway(config.Payment.BaseURL, config.Payment.APIKey)
	server.worker = payments.NewWorker(captureConsumer, gateway, server.engine)

	// Only the leader drives time-based transitions; followers keep the lock
	// warm and take over when the leader stalls.
	leader := mazadredis.NewAutoRenewMutex(
		server.redisClient,
		prefixed(config.Scheduler.LeaderKey),
		mazadredis.WithAutoRenewMutexSkipLockError(true),
	)
	server.scheduler = engine.NewScheduler(server.engine, config.Scheduler.Interval,
		engine.WithSchedulerLeader(leader),
	)

	if config.S3.ArchiveInterval > 0 {
		server.archiver = mazads3.NewArchiver(server.db, server.s3Operator, config.S3.ArchiveInterval)
	}

	return server, nil
}

// Start launches the background workers. Call before serving HTTP.
func (s *ServerImpl) Start() {
	s.sseManager.Start()
	s.settlementProducer.Start()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Settlement worker exited", slog.Any("error", err))
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Scheduler exited", slog.Any("error", err))
		}
	}()

	if s.archiver != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.archiver.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Archiver exited", slog.Any("error", err))
			}
		}()
	}
}

// Close stops the workers and releases every connection. Safe to call once
// after Start.
func (s *ServerImpl) Close() error {
	const op = "Close"
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.sseManager.Done()
	s.settlementProducer.Close()

	if err := s.redisClient.Close(); err != nil {
		return fmt.Errorf("[%s] Fail to close redis client, err=%w", op, err)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("[%s] Fail to get database connection, err=%w", op, err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("[%s] Fail to close database connection, err=%w", op, err)
	}
	return nil
}
