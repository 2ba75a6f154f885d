package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sentinelsec/gatewarden/internal/models"
)

const (
	NotificationQueue      = "gatewarden:notify:pending"
	NotificationProcessing = "gatewarden:notify:processing"
	NotificationFailed     = "gatewarden:notify:failed"
	WorkerHeartbeatKey     = "gatewarden:workers:heartbeat"
	GrantStatusPrefix      = "gatewarden:grant:status:"

	grantStatusTTL = 30 * time.Second
	maxAttempts    = 3
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Queue struct {
	client *redis.Client
}

func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Notification is one queued delivery. Broadcast notifications have an
// empty SubjectID and go to every configured channel.
type Notification struct {
	ID        uuid.UUID              `json:"id"`
	SubjectID string                 `json:"subject_id,omitempty"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Priority  models.Severity        `json:"priority"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	Attempts  int                    `json:"attempts"`
}

func priorityWeight(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 4
	case models.SeverityHigh:
		return 3
	case models.SeverityMedium:
		return 2
	case models.SeverityLow:
		return 1
	default:
		return 0
	}
}

// Enqueue adds a notification to the delivery queue. Higher-priority
// notifications sort ahead of older lower-priority ones.
func (q *Queue) Enqueue(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now()

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	score := float64(time.Now().Unix()) - float64(priorityWeight(n.Priority)*1000)

	if err := q.client.ZAdd(ctx, NotificationQueue, redis.Z{
		Score:  score,
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("enqueueing notification: %w", err)
	}
	return nil
}

// Dequeue pops the highest-priority pending notification, or nil when the
// queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Notification, error) {
	results, err := q.client.ZPopMin(ctx, NotificationQueue, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeuing notification: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	var n Notification
	if err := json.Unmarshal([]byte(results[0].Member.(string)), &n); err != nil {
		return nil, fmt.Errorf("unmarshaling notification: %w", err)
	}

	data, _ := json.Marshal(n)
	if err := q.client.SAdd(ctx, NotificationProcessing, string(data)).Err(); err != nil {
		q.client.ZAdd(ctx, NotificationQueue, redis.Z{
			Score:  results[0].Score,
			Member: results[0].Member,
		})
		return nil, fmt.Errorf("marking notification as processing: %w", err)
	}
	return &n, nil
}

// Complete removes a delivered notification from the processing set.
func (q *Queue) Complete(ctx context.Context, n *Notification) error {
	data, _ := json.Marshal(n)
	return q.client.SRem(ctx, NotificationProcessing, string(data)).Err()
}

// Requeue puts a failed delivery back with backoff; after maxAttempts it
// lands in the failed set.
func (q *Queue) Requeue(ctx context.Context, n *Notification) error {
	data, _ := json.Marshal(n)
	q.client.SRem(ctx, NotificationProcessing, string(data))

	n.Attempts++
	newData, _ := json.Marshal(n)

	if n.Attempts >= maxAttempts {
		if err := q.client.SAdd(ctx, NotificationFailed, string(newData)).Err(); err != nil {
			return fmt.Errorf("marking notification failed: %w", err)
		}
		return nil
	}

	backoff := time.Duration(n.Attempts*30) * time.Second
	score := float64(time.Now().Add(backoff).Unix())

	if err := q.client.ZAdd(ctx, NotificationQueue, redis.Z{
		Score:  score,
		Member: string(newData),
	}).Err(); err != nil {
		return fmt.Errorf("requeuing notification: %w", err)
	}
	return nil
}

func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	pending, _ := q.client.ZCard(ctx, NotificationQueue).Result()
	processing, _ := q.client.SCard(ctx, NotificationProcessing).Result()
	failed, _ := q.client.SCard(ctx, NotificationFailed).Result()

	stats["pending"] = pending
	stats["processing"] = processing
	stats["failed"] = failed

	return stats, nil
}

func (q *Queue) WorkerHeartbeat(ctx context.Context, workerID string) error {
	return q.client.HSet(ctx, WorkerHeartbeatKey, workerID, time.Now().Unix()).Err()
}

// SetGrantStatus caches a serialized grant status with a short TTL. The TTL
// bounds staleness; expiry and revocation invalidate explicitly as well.
func (q *Queue) SetGrantStatus(ctx context.Context, grantID uuid.UUID, status interface{}) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshaling grant status: %w", err)
	}
	key := GrantStatusPrefix + grantID.String()
	if err := q.client.Set(ctx, key, string(data), grantStatusTTL).Err(); err != nil {
		return fmt.Errorf("caching grant status: %w", err)
	}
	return nil
}

// GetGrantStatus unmarshals a cached grant status into dst. Returns false
// on a cache miss.
func (q *Queue) GetGrantStatus(ctx context.Context, grantID uuid.UUID, dst interface{}) (bool, error) {
	key := GrantStatusPrefix + grantID.String()
	data, err := q.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("getting grant status: %w", err)
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return false, fmt.Errorf("unmarshaling grant status: %w", err)
	}
	return true, nil
}

func (q *Queue) InvalidateGrantStatus(ctx context.Context, grantID uuid.UUID) error {
	return q.client.Del(ctx, GrantStatusPrefix+grantID.String()).Err()
}
