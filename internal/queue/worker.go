package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/gatewarden/internal/models"
	"github.com/sentinelsec/gatewarden/internal/notifications"
)

// Dispatcher enqueues notifications for asynchronous delivery. It is the
// fire-and-forget sink the workflows call into.
type Dispatcher struct {
	queue  *Queue
	logger *slog.Logger
}

func NewDispatcher(q *Queue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: q, logger: logger}
}

// Notify queues a notification for one subject.
func (d *Dispatcher) Notify(ctx context.Context, subjectID, title, message string, priority models.Severity, data map[string]interface{}) error {
	return d.queue.Enqueue(ctx, &Notification{
		SubjectID: subjectID,
		Title:     title,
		Message:   message,
		Priority:  priority,
		Data:      data,
	})
}

// Broadcast queues a notification for the approver pool.
func (d *Dispatcher) Broadcast(ctx context.Context, title, message string, priority models.Severity, data map[string]interface{}) error {
	return d.queue.Enqueue(ctx, &Notification{
		Title:    title,
		Message:  message,
		Priority: priority,
		Data:     data,
	})
}

// Worker drains the notification queue and delivers through the
// notification service.
type Worker struct {
	id     string
	queue  *Queue
	sender *notifications.Service
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

func NewWorker(q *Queue, sender *notifications.Service, logger *slog.Logger) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:     workerID,
		queue:  q,
		sender: sender,
		logger: logger,
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.logger.Info("notification worker starting", "worker_id", w.id)

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.deliverLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	w.logger.Info("notification worker stopped", "worker_id", w.id)
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.queue.WorkerHeartbeat(w.ctx, w.id)
		}
	}
}

func (w *Worker) deliverLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			n, err := w.queue.Dequeue(w.ctx)
			if err != nil {
				w.logger.Error("dequeue failed", "worker_id", w.id, "error", err)
				time.Sleep(5 * time.Second)
				continue
			}
			if n == nil {
				time.Sleep(1 * time.Second)
				continue
			}

			if err := w.deliver(n); err != nil {
				w.logger.Warn("delivery failed, requeuing",
					"worker_id", w.id,
					"notification_id", n.ID,
					"attempts", n.Attempts,
					"error", err)
				w.queue.Requeue(w.ctx, n)
			} else {
				w.queue.Complete(w.ctx, n)
			}
		}
	}
}

func (w *Worker) deliver(n *Notification) error {
	return w.sender.Send(w.ctx, &notifications.Delivery{
		SubjectID: n.SubjectID,
		Title:     n.Title,
		Message:   n.Message,
		Priority:  n.Priority,
		Data:      n.Data,
		Timestamp: n.CreatedAt,
	})
}
