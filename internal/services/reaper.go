package services

import (
	"context"
	"log"
	"sync"
	"time"
)

const reaperPollInterval = time.Minute

// IdleReaper periodically ends live sessions that have been idle longer than
// the timeout, so abandoned tabs do not hold a session open forever.
type IdleReaper struct {
	registry *Registry
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time

	stopChan chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewIdleReaper(registry *Registry, timeout time.Duration) *IdleReaper {
	return &IdleReaper{
		registry: registry,
		timeout:  timeout,
		interval: reaperPollInterval,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start is a no-op when the timeout is zero.
func (s *IdleReaper) Start() {
	if s.registry == nil || s.timeout <= 0 {
		return
	}

	s.wg.Add(1)
	go s.loop()

	log.Printf("Idle session reaper started (timeout %s)", s.timeout)
}

func (s *IdleReaper) Stop() {
	s.once.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *IdleReaper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sweep(context.Background())
		}
	}
}

func (s *IdleReaper) sweep(ctx context.Context) int {
	n := s.registry.EndIdle(ctx, s.now().Add(-s.timeout))
	if n > 0 {
		log.Printf("Ended %d idle sessions", n)
	}
	return n
}
