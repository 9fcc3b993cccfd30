package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/events"
	"go.uber.org/zap"
)

// AuditedEvents are the domain events every running service records.
var AuditedEvents = []events.EventType{
	events.EventTokensGranted,
	events.EventTokensConsumed,
	events.EventSessionOpened,
	events.EventSessionClosed,
	events.EventSessionExpired,
	events.EventPurchaseCancelled,
}

const maxBackoff = 5 * time.Minute

// Service writes an audit line and a metric for every domain event and
// optionally forwards events to a signed webhook, retrying failed deliveries
// in the background.
type Service struct {
	config  *Config
	logger  *zap.Logger
	webhook *WebhookAdapter
	metrics *Metrics

	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// DeliveryTask is one pending webhook delivery.
type DeliveryTask struct {
	Event       events.Event
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	LastAttempt time.Time
}

// NewService creates a new notification service
func NewService(config *Config, logger *zap.Logger) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notification config: %w", err)
	}

	s := &Service{
		config:   config,
		logger:   logger.Named("audit"),
		metrics:  NewMetrics(),
		stopChan: make(chan struct{}),
	}

	if config.WebhookEnabled() {
		s.webhook = NewWebhookAdapter(config.WebhookURL, config.WebhookSecret, config.DeliveryTimeout, logger)
		s.retryQueue = make(chan *DeliveryTask, config.RetryQueueSize)
		logger.Info("event webhook enabled",
			zap.String("url", maskURL(config.WebhookURL)),
			zap.Int("max_retries", config.MaxRetries),
		)
	}

	return s, nil
}

// Register subscribes the service to every audited event type.
func (s *Service) Register(bus *events.Bus) {
	bus.Subscribe(s.handleEvent, AuditedEvents...)
}

// Start starts the retry worker. Without a webhook there is nothing to retry.
func (s *Service) Start(ctx context.Context) {
	if s.webhook == nil {
		return
	}
	s.wg.Add(1)
	go s.retryWorker(ctx)
}

// Stop stops the retry worker. Queued retries are dropped.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	s.logger.Info("ledger event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("user_id", event.UserID),
		zap.Time("occurred_at", event.Timestamp),
		zap.Any("payload", event.Payload),
	)
	s.metrics.RecordEvent(string(event.Type))

	if s.webhook == nil || !s.config.Forwards(event.Type) {
		return nil
	}

	now := time.Now()
	task := &DeliveryTask{
		Event:       event,
		MaxRetries:  s.config.MaxRetries,
		CreatedAt:   now,
		LastAttempt: now,
	}
	if err := s.deliver(ctx, task); err != nil {
		s.enqueueRetry(task)
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	err := s.webhook.Send(ctx, task.Event)
	duration := time.Since(start)
	eventType := string(task.Event.Type)

	if err != nil {
		s.metrics.RecordDelivery(eventType, "failed", duration)
		s.logger.Warn("event delivery failed",
			zap.String("event_id", task.Event.ID),
			zap.Int("retry_count", task.RetryCount),
			zap.Error(err),
		)
		return err
	}

	s.metrics.RecordDelivery(eventType, "success", duration)
	return nil
}

func (s *Service) enqueueRetry(task *DeliveryTask) {
	if task.RetryCount >= task.MaxRetries {
		s.logger.Error("max retries exceeded, giving up",
			zap.String("event_id", task.Event.ID),
			zap.String("event_type", string(task.Event.Type)),
			zap.Int("retry_count", task.RetryCount),
		)
		s.metrics.RecordDelivery(string(task.Event.Type), "dropped", 0)
		return
	}

	task.RetryCount++
	task.LastAttempt = time.Now()

	select {
	case s.retryQueue <- task:
		s.metrics.RecordRetry(task.RetryCount)
		s.metrics.SetQueueDepth(len(s.retryQueue))
	default:
		s.logger.Error("retry queue full, dropping event",
			zap.String("event_id", task.Event.ID),
		)
		s.metrics.RecordDelivery(string(task.Event.Type), "dropped", 0)
	}
}

func (s *Service) retryWorker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case task := <-s.retryQueue:
			s.metrics.SetQueueDepth(len(s.retryQueue))

			timer := time.NewTimer(s.calculateBackoff(task.RetryCount))
			select {
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.deliver(ctx, task); err != nil {
				s.enqueueRetry(task)
			}
		}
	}
}

// calculateBackoff doubles the base delay per attempt, capped at five minutes.
func (s *Service) calculateBackoff(retryCount int) time.Duration {
	backoff := s.config.RetryBackoffBase * time.Duration(1<<uint(retryCount-1))
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return backoff
}

func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
