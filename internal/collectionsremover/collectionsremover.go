// Package collectionsremover deletes card collections in the background.
// Jobs are split into per-collection tasks, buffered on a channel and flushed
// to the storage in batches grouped by user on every tick, or as soon as a
// batch reaches the queue capacity. A batch that keeps failing is dropped
// after a bounded number of attempts.
package collectionsremover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/patric-chuzhbe/danki/internal/logger"
	"github.com/patric-chuzhbe/danki/internal/models"
)

type collectionsRemover interface {
	RemoveUsersCollections(ctx context.Context, usersCollections map[string][]string) error
}

// ErrBatchDropped is reported when a batch is abandoned after its last
// failed attempt.
var ErrBatchDropped = errors.New("collections removal batch dropped")

const defaultMaxAttempts = 5

type task struct {
	userID             string
	collectionToDelete string
}

// batch is the pending work of the Run goroutine.
type batch struct {
	tasks    []task
	attempts int
}

// CollectionsRemover batches deletion tasks.
type CollectionsRemover struct {
	queue                    chan *task
	db                       collectionsRemover
	delayBetweenQueueFetches time.Duration
	maxBatchSize             int
	maxAttempts              int
	errorChannel             chan error
	done                     chan struct{}
}

type Option func(*CollectionsRemover)

// WithMaxAttempts sets how many times a batch is tried before it is dropped.
func WithMaxAttempts(attempts int) Option {
	return func(r *CollectionsRemover) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
	}
}

// New creates a remover with a queue of channelCapacity tasks that flushes
// every delayBetweenQueueFetches. A batch never grows past channelCapacity
// tasks.
func New(
	db collectionsRemover,
	channelCapacity int,
	delayBetweenQueueFetches time.Duration,
	opts ...Option,
) *CollectionsRemover {
	r := &CollectionsRemover{
		db:                       db,
		queue:                    make(chan *task, channelCapacity),
		delayBetweenQueueFetches: delayBetweenQueueFetches,
		maxBatchSize:             max(channelCapacity, 1),
		maxAttempts:              defaultMaxAttempts,
		errorChannel:             make(chan error, channelCapacity),
		done:                     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ListenErrors passes every flush error to callback on a separate goroutine.
func (r *CollectionsRemover) ListenErrors(callback func(error)) {
	go func() {
		for err := range r.errorChannel {
			callback(err)
		}
	}()
}

func collectCollectionsByUser(tasks []task) map[string][]string {
	result := map[string][]string{}
	for _, t := range tasks {
		result[t.userID] = append(result[t.userID], t.collectionToDelete)
	}
	for userID, ids := range result {
		result[userID] = funk.UniqString(ids)
	}

	return result
}

// Run consumes the queue until ctx is cancelled, then drains what is left,
// flushes it once more and closes the error channel.
func (r *CollectionsRemover) Run(ctx context.Context) {
	go func() {
		defer close(r.done)
		defer close(r.errorChannel)

		ticker := time.NewTicker(r.delayBetweenQueueFetches)
		defer ticker.Stop()

		pending := &batch{}

		for {
			select {
			case t := <-r.queue:
				pending.tasks = append(pending.tasks, *t)
				if len(pending.tasks) >= r.maxBatchSize {
					r.flush(ctx, pending)
				}
			case <-ticker.C:
				r.flush(ctx, pending)
			case <-ctx.Done():
			drain:
				for {
					select {
					case t := <-r.queue:
						pending.tasks = append(pending.tasks, *t)
					default:
						break drain
					}
				}
				r.flush(context.WithoutCancel(ctx), pending)
				return
			}
		}
	}()
}

// Done is closed once Run has returned.
func (r *CollectionsRemover) Done() <-chan struct{} {
	return r.done
}

func (r *CollectionsRemover) report(err error) {
	select {
	case r.errorChannel <- err:
	default:
		logger.Log.Warnw("collections remover error channel is full, dropping error", zap.Error(err))
	}
}

// flush empties b on success or once b has used up its attempts.
func (r *CollectionsRemover) flush(ctx context.Context, b *batch) {
	if len(b.tasks) == 0 {
		return
	}

	err := r.db.RemoveUsersCollections(ctx, collectCollectionsByUser(b.tasks))
	if err == nil {
		logger.Log.Infof("processed removing of %d collections", len(b.tasks))
		b.tasks, b.attempts = nil, 0
		return
	}

	b.attempts++
	if b.attempts < r.maxAttempts {
		logger.Log.Errorw("collections removal failed, will retry",
			"collections", len(b.tasks), "attempt", b.attempts, zap.Error(err))
		r.report(err)
		return
	}

	logger.Log.Errorw("collections removal failed, dropping batch",
		"collections", len(b.tasks), "attempts", b.attempts, zap.Error(err))
	r.report(fmt.Errorf("%w after %d attempts: %w", ErrBatchDropped, b.attempts, err))
	b.tasks, b.attempts = nil, 0
}

// EnqueueJob splits job into tasks. It blocks while the queue is full.
func (r *CollectionsRemover) EnqueueJob(job *models.CollectionsDeleteJob) {
	for _, collectionID := range job.CollectionsToDelete {
		r.queue <- &task{
			userID:             job.UserID,
			collectionToDelete: collectionID,
		}
	}
}
