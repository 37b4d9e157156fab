package queue

import (
	"context"
	"log"
	"time"

	"qrattend/internal/attendance"
)

// Processor runs a scan to its terminal outcome.
type Processor interface {
	Process(ctx context.Context, scan attendance.Scan) attendance.Outcome
}

// StageCounter counts messages by stage: consumed, malformed, requeued.
type StageCounter interface {
	Queued(stage string)
}

// Consumer runs queued scans through the pipeline. A scan is acknowledged
// only once it settled; a canceled or store-unavailable scan is handed back
// to the queue. The scan in hand when ctx ends is finished, not abandoned.
type Consumer struct {
	Queue   Queue
	Proc    Processor
	Log     *log.Logger
	Metrics StageCounter

	// ScanTimeout bounds one scan once it is detached from ctx.
	ScanTimeout time.Duration
	// RetryPause is how long Run waits after handing a scan back.
	RetryPause time.Duration
}

// Run consumes until ctx ends and the queue's channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.Queue.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		if settled := c.Handle(ctx, msg); !settled && c.RetryPause > 0 {
			select {
			case <-time.After(c.RetryPause):
			case <-ctx.Done():
			}
		}
	}
	return nil
}

// Handle processes one delivered message and acknowledges or returns it.
// It reports false when the message went back to the queue.
func (c *Consumer) Handle(ctx context.Context, msg Message) bool {
	detached := context.WithoutCancel(ctx)

	job, err := DecodeScan(msg)
	if err != nil {
		c.count("malformed")
		c.logf("drop queued message: %v", err)
		c.settle(detached, msg, c.Queue.Ack)
		return true
	}
	c.count("consumed")

	timeout := c.ScanTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pctx, cancel := context.WithTimeout(detached, timeout)
	out := c.Proc.Process(pctx, job.Scan)
	cancel()

	if !out.Settled() {
		c.count("requeued")
		c.logf("queued scan %s room=%s not settled (%s), requeued", job.ID, job.Scan.RoomID, out.Label())
		c.settle(detached, msg, c.Queue.Nack)
		return false
	}
	c.logf("queued scan %s room=%s: %s", job.ID, job.Scan.RoomID, out.Label())
	c.settle(detached, msg, c.Queue.Ack)
	return true
}

func (c *Consumer) settle(ctx context.Context, msg Message, fn func(context.Context, Message) error) {
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := fn(sctx, msg); err != nil {
		c.logf("settle queued message: %v", err)
	}
}

func (c *Consumer) count(stage string) {
	if c.Metrics != nil {
		c.Metrics.Queued(stage)
	}
}

func (c *Consumer) logf(format string, args ...any) {
	if c.Log != nil {
		c.Log.Printf(format, args...)
	}
}
