package processor

import (
	"context"
	"sync"
)

type job func(ctx context.Context)

// lanes runs jobs for the same key one at a time, in submission order.
// Different keys run concurrently. A key's goroutine exits when its lane
// is empty.
type lanes struct {
	mu    sync.Mutex
	lanes map[string][]job
	wg    sync.WaitGroup
}

func newLanes() *lanes {
	return &lanes{lanes: make(map[string][]job)}
}

func (l *lanes) push(ctx context.Context, key string, j job) {
	l.mu.Lock()
	pending, running := l.lanes[key]
	l.lanes[key] = append(pending, j)
	if !running {
		l.wg.Add(1)
		go l.drain(ctx, key)
	}
	l.mu.Unlock()
}

func (l *lanes) drain(ctx context.Context, key string) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		pending := l.lanes[key]
		if len(pending) == 0 {
			delete(l.lanes, key)
			l.mu.Unlock()
			return
		}
		next := pending[0]
		l.lanes[key] = pending[1:]
		l.mu.Unlock()

		next(ctx)
	}
}

// depth is the number of queued jobs that have not started.
func (l *lanes) depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, pending := range l.lanes {
		n += len(pending)
	}
	return n
}

// wait blocks until every lane is idle or ctx is done.
func (l *lanes) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
