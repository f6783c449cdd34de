// Package pool starts and supervises the dictionary workers and provides the
// caller side of the slot protocol.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"keydict/internal/dictionary"
	"keydict/internal/logger"
	"keydict/internal/shm"
	"keydict/internal/storage"
	"keydict/internal/worker"

	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by WaitReady when the pool stopped first.
var ErrStopped = errors.New("pool stopped")

const readyPollInterval = 2 * time.Millisecond

// Options configure a pool.
type Options struct {
	Workers   int
	QueueSize int
	Engine    *storage.Engine
	Store     dictionary.Options
}

// Pool owns the shared region and the worker goroutines.
type Pool struct {
	dir     *shm.Directory
	region  *shm.Region
	workers []*worker.Worker
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// Start lays out the region and starts one worker per slot. If a worker
// fails to start the others are stopped and the error is reported by
// WaitReady and Shutdown.
func Start(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Engine == nil {
		return nil, errors.New("pool: no storage engine")
	}
	dir := shm.NewDirectory()
	region, err := shm.CreateRegion(dir, opts.Workers, opts.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p := &Pool{
		dir:    dir,
		region: region,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for n := range region.Slots {
		w := worker.New(worker.Config{
			Num:       n,
			Directory: dir,
			Engine:    opts.Engine,
			Store:     opts.Store,
		})
		p.workers = append(p.workers, w)
		g.Go(func() error { return w.Run(gctx) })
	}
	go func() {
		p.err = g.Wait()
		if p.err != nil {
			logger.Error("pool: %v", p.err)
		}
		close(p.done)
	}()
	logger.Info("pool: started %d workers with %d byte queues", opts.Workers, opts.QueueSize)
	return p, nil
}

// Region returns the pool's shared region.
func (p *Pool) Region() *shm.Region { return p.region }

// Directory returns the directory the region was created in.
func (p *Pool) Directory() *shm.Directory { return p.dir }

// Size returns the number of worker slots.
func (p *Pool) Size() int { return len(p.workers) }

// Client returns a caller bound to this pool's region.
func (p *Pool) Client() *Client { return NewClient(p.region) }

// Done is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} { return p.done }

// WaitReady blocks until every worker has finished starting.
func (p *Pool) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		if p.region.Header.WorkersReady() >= uint32(len(p.workers)) {
			return nil
		}
		select {
		case <-p.done:
			if p.err != nil {
				return fmt.Errorf("%w: %w", ErrStopped, p.err)
			}
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops every worker after its current request and waits for them.
// It returns the first startup error, if any.
func (p *Pool) Shutdown() error {
	for i, w := range p.workers {
		w.Stop()
		p.region.Slots[i].Latch.Set()
	}
	p.cancel()
	<-p.done
	logger.Info("pool: all workers stopped")
	return p.err
}
