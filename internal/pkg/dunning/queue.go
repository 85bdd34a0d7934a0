package dunning

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/prospectly/prospectly/internal/pkg/cache"
	"github.com/prospectly/prospectly/internal/pkg/mail"
)

const (
	// Redis key layout
	NoticeKeyPrefix     = "dunning:notice:"
	NoticeQueueKey      = "dunning_queue"
	NoticeProcessingKey = "dunning_processing"

	DefaultMaxRetries = 3
	NoticeTTL         = 72 * time.Hour
)

// Notice is one queued payment-failure notification.
type Notice struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	Email      string    `json:"email"`
	Reason     string    `json:"reason"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sender delivers one notice. The default sender uses SMTP; tests substitute
// a recording fake.
type Sender interface {
	Send(notice *Notice) error
}

// SMTPSender delivers dunning notices by email.
type SMTPSender struct{}

func (SMTPSender) Send(notice *Notice) error {
	if notice.Email == "" {
		// Nothing to deliver to; collaborator UI still sees the past_due status.
		log.Warnf("[Dunning] no email on file for account %s, dropping notice", notice.AccountID)
		return nil
	}
	subject := "Payment failed - action required"
	body := fmt.Sprintf(
		"<p>We could not collect your latest payment (%s).</p>"+
			"<p>Please update your payment method to keep your subscription active. "+
			"We will retry the charge automatically over the next days.</p>",
		notice.Reason,
	)
	return mail.SendMail(notice.Email, subject, body)
}

// Queue delivers dunning notices from Redis with at-least-once semantics.
type Queue struct {
	client  *redis.Client
	sender  Sender
	workers int
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewQueue creates a dunning queue on the shared Redis client.
func NewQueue(workers int, sender Sender) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if sender == nil {
		sender = SMTPSender{}
	}
	return &Queue{
		client:  cache.GetClient(),
		sender:  sender,
		workers: workers,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the delivery workers.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	log.Infof("[Dunning] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop drains the workers.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	log.Info("[Dunning] All workers stopped")
}

// NotifyPaymentFailed enqueues a notice. Implements billing.DunningNotifier.
func (q *Queue) NotifyPaymentFailed(accountID, email, reason string) error {
	ctx := context.Background()

	notice := &Notice{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Email:     email,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, NoticeKeyPrefix+notice.ID, data, NoticeTTL)
	pipe.LPush(ctx, NoticeQueueKey, notice.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue notice: %w", err)
	}

	log.Infof("[Dunning] Enqueued notice %s for account %s", notice.ID, accountID)
	return nil
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[Dunning] Worker %d stopping", id)
			return
		default:
			notice, err := q.dequeue(ctx)
			if err != nil {
				if err != redis.Nil {
					log.Errorf("[Dunning] Worker %d: dequeue error: %v", id, err)
				}
				time.Sleep(time.Second)
				continue
			}
			if notice != nil {
				q.deliver(ctx, notice)
			}
		}
	}
}

func (q *Queue) dequeue(ctx context.Context) (*Notice, error) {
	id, err := q.client.BRPopLPush(ctx, NoticeQueueKey, NoticeProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	data, err := q.client.Get(ctx, NoticeKeyPrefix+id).Result()
	if err != nil {
		// Notice payload expired or vanished; drop the stray entry.
		q.client.LRem(ctx, NoticeProcessingKey, 1, id)
		return nil, fmt.Errorf("notice data not found for ID %s", id)
	}

	var notice Notice
	if err := json.Unmarshal([]byte(data), &notice); err != nil {
		q.client.LRem(ctx, NoticeProcessingKey, 1, id)
		return nil, fmt.Errorf("failed to unmarshal notice %s: %w", id, err)
	}
	return &notice, nil
}

func (q *Queue) deliver(ctx context.Context, notice *Notice) {
	err := q.sender.Send(notice)
	if err == nil {
		pipe := q.client.Pipeline()
		pipe.LRem(ctx, NoticeProcessingKey, 1, notice.ID)
		pipe.Del(ctx, NoticeKeyPrefix+notice.ID)
		pipe.Exec(ctx)
		return
	}

	notice.RetryCount++
	log.Errorf("[Dunning] delivery of notice %s failed (attempt %d/%d): %v", notice.ID, notice.RetryCount, DefaultMaxRetries, err)

	pipe := q.client.Pipeline()
	pipe.LRem(ctx, NoticeProcessingKey, 1, notice.ID)
	if notice.RetryCount < DefaultMaxRetries {
		data, merr := json.Marshal(notice)
		if merr == nil {
			pipe.Set(ctx, NoticeKeyPrefix+notice.ID, data, NoticeTTL)
			pipe.RPush(ctx, NoticeQueueKey, notice.ID)
		}
	} else {
		pipe.Del(ctx, NoticeKeyPrefix+notice.ID)
	}
	pipe.Exec(ctx)
}
