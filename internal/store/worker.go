package store

import (
	"context"
	"database/sql"
	"errors"
)

var ErrWorkerClosed = errors.New("store: writer closed")

type TxFn func(ctx context.Context, tx *sql.Tx) error

type job struct {
	ctx context.Context
	fn  TxFn
	ch  chan error
}

// Worker funnels every write transaction through one goroutine so that the
// read-decide-write sequence of a scan never interleaves with another writer
// in this process.
type Worker struct {
	db     *sql.DB
	jobs   chan job
	done   chan struct{}
	closed chan struct{}
}

func NewWorker(db *sql.DB) *Worker {
	w := &Worker{
		db:     db,
		jobs:   make(chan job, 256),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Close stops accepting jobs, drains the queue and waits for the loop to exit.
func (w *Worker) Close() {
	select {
	case <-w.closed:
		return
	default:
	}
	close(w.closed)
	close(w.jobs)
	<-w.done
}

// Do runs fn inside a transaction on the writer goroutine. The caller's
// context only bounds queueing and the transaction itself: once a job has been
// accepted, Do waits for its result, so a nil error always means the
// transaction committed and a non-nil error means nothing was written.
func (w *Worker) Do(ctx context.Context, fn TxFn) (err error) {
	select {
	case <-w.closed:
		return ErrWorkerClosed
	default:
	}

	ch := make(chan error, 1)
	j := job{ctx: ctx, fn: fn, ch: ch}

	defer func() {
		// Close raced with us and the jobs channel is gone.
		if recover() != nil {
			err = ErrWorkerClosed
		}
	}()

	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-ch
}

func (w *Worker) loop() {
	defer close(w.done)

	for j := range w.jobs {
		if err := j.ctx.Err(); err != nil {
			j.ch <- err
			continue
		}

		tx, err := w.db.BeginTx(j.ctx, nil)
		if err != nil {
			j.ch <- err
			continue
		}

		if err := j.fn(j.ctx, tx); err != nil {
			_ = tx.Rollback()
			j.ch <- err
			continue
		}

		j.ch <- tx.Commit()
	}
}
