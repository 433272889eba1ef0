package orchestrator

import (
	"context"
	"sync"
)

// Service adapts an Orchestrator to process.Service, so it can be
// registered and lifecycle-managed alongside the rest of the process's
// subsystems.
type Service struct {
	o      *Orchestrator
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// NewService wraps o for registration with a process.ServiceRegistry.
func NewService(o *Orchestrator) *Service {
	return &Service{o: o}
}

func (s *Service) Name() string { return "orchestrator" }

// Start launches the orchestrator's Run loop in the background. It always
// returns immediately; Run's own error is logged, not returned, since the
// lifecycle manager's Start is synchronous.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.o.Run(ctx); err != nil && ctx.Err() == nil {
			s.o.log.Error("orchestrator run loop exited unexpectedly", "err", err)
		}
	}()
	return nil
}

// Stop cancels the orchestrator's context and waits for Run to return.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
