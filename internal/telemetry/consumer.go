package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgelink/fleet/internal/config"
	"github.com/edgelink/fleet/internal/service"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ackWait         = 30 * time.Second
	maxAckPending   = 1000
	fetchRetryDelay = time.Second
	shutdownTimeout = 10 * time.Second
)

// Ingestor 处理单条遥测消息
type Ingestor interface {
	Ingest(ctx context.Context, owner string, payload []byte) (int, error)
}

// Consumer JetStream 持久化拉取消费者
type Consumer struct {
	consumer   jetstream.Consumer
	ingestor   Ingestor
	logger     *zap.Logger
	batchSize  int
	fetchWait  time.Duration
	maxDeliver int
}

// NewConsumer 获取或创建持久化消费者
func NewConsumer(ctx context.Context, js jetstream.JetStream, cfg *config.NATSConfig, ingestor Ingestor, logger *zap.Logger) (*Consumer, error) {
	consumer, err := js.Consumer(ctx, cfg.Stream, cfg.Durable)
	if err != nil {
		consumer, err = js.CreateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
			Durable:        cfg.Durable,
			AckPolicy:      jetstream.AckExplicitPolicy,
			AckWait:        ackWait,
			MaxDeliver:     cfg.MaxDeliver,
			MaxAckPending:  maxAckPending,
			FilterSubjects: filterSubjects(cfg),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	return &Consumer{
		consumer:   consumer,
		ingestor:   ingestor,
		logger:     logger,
		batchSize:  cfg.BatchSize,
		fetchWait:  cfg.FetchWait,
		maxDeliver: cfg.MaxDeliver,
	}, nil
}

func filterSubjects(cfg *config.NATSConfig) []string {
	if cfg.Subject == UnassignedSubject {
		return []string{cfg.Subject}
	}
	return []string{cfg.Subject, UnassignedSubject}
}

// Run 循环拉取直到 ctx 取消
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("Starting telemetry consumer")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopping telemetry consumer")
			return
		default:
		}

		msgs, err := c.consumer.Fetch(c.batchSize, jetstream.FetchMaxWait(c.fetchWait))
		if err != nil {
			c.logger.Warn("Failed to fetch messages", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchRetryDelay):
			}
			continue
		}
		for msg := range msgs.Messages() {
			c.handleMessage(ctx, msg)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			c.logger.Debug("Fetch finished with error", zap.Error(err))
		}
	}
}

// handleMessage 成功或被拒绝的消息确认；存储错误重投，超过次数后丢弃
func (c *Consumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	log := c.logger.With(zap.String("subject", msg.Subject()))

	owner, ok := OwnerFromSubject(msg.Subject())
	if !ok {
		log.Warn("Dropping message with unexpected subject")
		_ = msg.Ack()
		return
	}

	n, err := c.ingestor.Ingest(ctx, owner, msg.Data())
	switch {
	case err == nil:
		log.Debug("Telemetry stored", zap.Int("points", n))
		_ = msg.Ack()
	case errors.Is(err, service.ErrTelemetryRejected):
		log.Debug("Telemetry rejected", zap.Error(err))
		_ = msg.Ack()
	default:
		var delivered uint64
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			delivered = meta.NumDelivered
		}
		if c.maxDeliver > 0 && delivered >= uint64(c.maxDeliver) {
			log.Error("Max deliveries reached, dropping telemetry", zap.Uint64("delivered", delivered), zap.Error(err))
			_ = msg.Ack()
			return
		}
		log.Warn("Failed to store telemetry, will retry", zap.Uint64("delivered", delivered), zap.Error(err))
		_ = msg.Nak()
	}
}

// Service 管理 NATS 连接和消费循环
type Service struct {
	cfg      *config.NATSConfig
	ingestor Ingestor
	logger   *zap.Logger
	nc       *nats.Conn
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewService 创建遥测接入服务并注册生命周期钩子（Fx兼容）
func NewService(lc fx.Lifecycle, cfg *config.Config, ingestor *service.TelemetryService, logger *zap.Logger) *Service {
	s := &Service{
		cfg:      &cfg.NATS,
		ingestor: ingestor,
		logger:   logger.Named("telemetry-consumer"),
	}
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
	return s
}

// Start 连接 NATS，确认流存在并启动消费循环
func (s *Service) Start(ctx context.Context) error {
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("fleet-telemetry-ingestor"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			s.logger.Info("NATS reconnected", zap.String("url", conn.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	s.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return err
	}

	if _, err := js.Stream(ctx, s.cfg.Stream); err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			nc.Close()
			return fmt.Errorf("failed to get stream %s: %w", s.cfg.Stream, err)
		}
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:     s.cfg.Stream,
			Subjects: filterSubjects(s.cfg),
			Storage:  jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return fmt.Errorf("failed to create stream %s: %w", s.cfg.Stream, err)
		}
		s.logger.Info("Created telemetry stream", zap.String("stream", s.cfg.Stream))
	}

	consumer, err := NewConsumer(ctx, js, s.cfg, s.ingestor, s.logger)
	if err != nil {
		nc.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		consumer.Run(runCtx)
	}()

	s.logger.Info("Telemetry consumer started",
		zap.String("stream", s.cfg.Stream),
		zap.String("durable", s.cfg.Durable),
	)
	return nil
}

// Stop 停止消费并关闭连接
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for telemetry consumer")
	}

	if s.nc != nil {
		s.nc.Close()
	}
	s.logger.Info("Telemetry consumer stopped")
	return nil
}
