package worker

import (
	"context"
	"log"
	"sync"
	"time"
)

// Writer applies a top-level field update to a session document.
type Writer interface {
	UpdateFields(ctx context.Context, id string, fields map[string]any) error
}

// Pool is the write-through persistence queue. Writes for one session are
// coalesced (newest value per field wins) and applied by at most one worker
// at a time, so the store always converges on the last snapshot issued.
type Pool struct {
	writer      Writer
	workerCount int
	maxRetries  int
	backoff     func(attempt int) time.Duration
	timeout     time.Duration

	queue    chan string
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending map[string]map[string]any
	busy    map[string]bool
	queued  map[string]bool
	stopped bool
}

func NewPool(writer Writer, workerCount int) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Pool{
		writer:      writer,
		workerCount: workerCount,
		maxRetries:  3,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		},
		timeout:  10 * time.Second,
		queue:    make(chan string, 256),
		stopChan: make(chan struct{}),
		pending:  make(map[string]map[string]any),
		busy:     make(map[string]bool),
		queued:   make(map[string]bool),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	log.Printf("Started %d persistence workers", p.workerCount)
}

// Stop halts the workers and writes whatever is still pending.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	p.mu.Lock()
	remaining := p.pending
	p.pending = make(map[string]map[string]any)
	p.mu.Unlock()

	for id, fields := range remaining {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.writer.UpdateFields(ctx, id, fields); err != nil {
			log.Printf("Persist %s failed during shutdown: %v", id, err)
		}
		cancel()
	}
}

// Enqueue schedules fields to be written for sessionID.
func (p *Pool) Enqueue(sessionID string, fields map[string]any) {
	if sessionID == "" || len(fields) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	merged := p.pending[sessionID]
	if merged == nil {
		merged = make(map[string]any, len(fields))
		p.pending[sessionID] = merged
	}
	for k, v := range fields {
		merged[k] = v
	}
	if p.stopped {
		return
	}
	p.scheduleLocked(sessionID)
}

// Flush waits until every write enqueued for sessionID has been applied.
func (p *Pool) Flush(ctx context.Context, sessionID string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		idle := !p.busy[sessionID] && !p.queued[sessionID] && p.pending[sessionID] == nil
		stopped := p.stopped
		p.mu.Unlock()
		if idle || stopped {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) scheduleLocked(sessionID string) {
	if p.busy[sessionID] || p.queued[sessionID] {
		return
	}
	p.queued[sessionID] = true
	select {
	case p.queue <- sessionID:
	default:
		go func() {
			select {
			case p.queue <- sessionID:
			case <-p.stopChan:
			}
		}()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			log.Printf("Persistence worker %d shutting down", id)
			return
		case sessionID := <-p.queue:
			p.process(sessionID)
		}
	}
}

func (p *Pool) process(sessionID string) {
	p.mu.Lock()
	p.queued[sessionID] = false
	if p.busy[sessionID] {
		p.mu.Unlock()
		return
	}
	fields := p.pending[sessionID]
	delete(p.pending, sessionID)
	if fields == nil {
		delete(p.queued, sessionID)
		p.mu.Unlock()
		return
	}
	p.busy[sessionID] = true
	p.mu.Unlock()

	p.write(sessionID, fields)

	p.mu.Lock()
	delete(p.busy, sessionID)
	delete(p.queued, sessionID)
	if p.pending[sessionID] != nil && !p.stopped {
		p.scheduleLocked(sessionID)
	}
	p.mu.Unlock()
}

func (p *Pool) write(sessionID string, fields map[string]any) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.writer.UpdateFields(ctx, sessionID, fields)
		cancel()
		if err == nil {
			return
		}

		if attempt >= p.maxRetries {
			// Max retries reached
			log.Printf("Persist %s failed permanently: %v", sessionID, err)
			return
		}
		log.Printf("Persist %s failed (attempt %d): %v, retrying", sessionID, attempt, err)

		select {
		case <-p.stopChan:
			p.requeueLocked(sessionID, fields)
			return
		case <-time.After(p.backoff(attempt)):
		}

		// Newer snapshots issued while we were failing take precedence.
		p.mu.Lock()
		if newer := p.pending[sessionID]; newer != nil {
			for k, v := range newer {
				fields[k] = v
			}
			delete(p.pending, sessionID)
		}
		p.mu.Unlock()
	}
}

// requeueLocked puts unwritten fields back under any newer pending ones so
// Stop can write them.
func (p *Pool) requeueLocked(sessionID string, fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	newer := p.pending[sessionID]
	for k, v := range newer {
		fields[k] = v
	}
	p.pending[sessionID] = fields
}
