package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const KindLoginNotification = "login_notification"

// Job is a unit of deferred mail. It never carries secrets.
type Job struct {
	Kind      string    `json:"kind"`
	To        string    `json:"to"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	At        time.Time `json:"at"`
}

func LoginNotificationJob(to string, info LoginInfo) Job {
	return Job{Kind: KindLoginNotification, To: to, IP: info.IP, UserAgent: info.UserAgent, At: info.At}
}

// Dispatcher hands a job off without waiting for delivery. Failures are
// logged, never returned.
type Dispatcher interface {
	Dispatch(job Job)
}

func deliver(ctx context.Context, sender Sender, job Job) error {
	switch job.Kind {
	case KindLoginNotification:
		return sender.SendLoginNotification(ctx, job.To, LoginInfo{IP: job.IP, UserAgent: job.UserAgent, At: job.At})
	default:
		return fmt.Errorf("unknown notification kind %q", job.Kind)
	}
}

// PoolDispatcher runs jobs in-process on at most workers goroutines. Jobs
// arriving while every slot is busy are dropped.
type PoolDispatcher struct {
	sender  Sender
	sem     *semaphore.Weighted
	workers int64
	timeout time.Duration
	log     *zap.Logger
}

func NewPoolDispatcher(sender Sender, workers int, timeout time.Duration, log *zap.Logger) *PoolDispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &PoolDispatcher{
		sender:  sender,
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: int64(workers),
		timeout: timeout,
		log:     log.Named("notify"),
	}
}

func (d *PoolDispatcher) Dispatch(job Job) {
	if !d.sem.TryAcquire(1) {
		d.log.Warn("notification dropped, workers busy", zap.String("kind", job.Kind))
		return
	}
	go func() {
		defer d.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("notification panic", zap.Any("panic", r), zap.String("kind", job.Kind))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := deliver(ctx, d.sender, job); err != nil {
			d.log.Warn("notification failed", zap.String("kind", job.Kind), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight jobs finish or ctx ends.
func (d *PoolDispatcher) Wait(ctx context.Context) error {
	if err := d.sem.Acquire(ctx, d.workers); err != nil {
		return err
	}
	d.sem.Release(d.workers)
	return nil
}

func encodeJob(job Job) ([]byte, error) { return json.Marshal(job) }

func decodeJob(raw string) (Job, error) {
	var job Job
	err := json.Unmarshal([]byte(raw), &job)
	return job, err
}
