package worker

import (
	"fmt"
	"io"
	"time"

	"github.com/buddhike/flotilla/messages"
	"go.uber.org/zap"
)

// Service hosts a named app that owns no shards.
type Service struct {
	*base
	assignment  *messages.ServiceAssignment
	connectedAt time.Time
}

func NewService(r io.Reader, w io.Writer, opts ...func(*Config)) *Service {
	cfg := newConfig(opts)
	return &Service{base: newBase(KindService, r, w, cfg)}
}

func (s *Service) Run() error {
	return s.serve(s.handle)
}

func (s *Service) handle(m *messages.Message) {
	switch m.Op {
	case messages.OpConnect:
		s.connect(m.Service)
	case messages.OpCommand:
		s.command(m, s.name())
	case messages.OpEval:
		s.eval(m, s.name())
	case messages.OpCollectStats:
		s.collectStats(m)
	case messages.OpShutdown:
		s.shutdown(nil)
	default:
		s.log().Debug("ignoring message", zap.String("op", string(m.Op)))
	}
}

func (s *Service) name() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.assignment == nil {
		return "Service"
	}
	return "Service " + s.assignment.ServiceName
}

func (s *Service) connect(a *messages.ServiceAssignment) {
	if a == nil {
		return
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.currentApp() != nil {
		return
	}
	s.identify(zap.String("service", a.ServiceName))

	whatToLog := a.WhatToLog
	if whatToLog == nil {
		whatToLog = messages.AllLogEvents
	}
	s.mut.Lock()
	s.assignment = a
	s.whatToLog = whatToLog
	s.mut.Unlock()
	if a.FetchTimeoutMs > 0 {
		s.ipc.setTimeout(time.Duration(a.FetchTimeoutMs) * time.Millisecond)
	}

	if s.logs(messages.LogServiceStart) {
		s.log().Info(fmt.Sprintf("Starting service %s", a.ServiceName))
	}

	f, err := s.cfg.loader.Resolve(KindService, a.ServiceName, a.Path)
	if err != nil {
		s.fatal("failed to load service worker", err)
		return
	}
	app, err := s.setup(f, &Setup{
		IPC:         s.ipc,
		ServiceName: a.ServiceName,
		WorkerID:    s.cfg.WorkerID,
		Logger:      s.log(),
	})
	if err == nil && app == nil {
		err = fmt.Errorf("factory for %s returned no app", a.ServiceName)
	}
	if err != nil {
		s.fatal("failed to construct service worker", err)
		return
	}
	s.mut.Lock()
	s.app = app
	s.mut.Unlock()

	if r, ok := app.(Readier); ok {
		if err := s.awaitReady(r, time.Duration(a.TimeoutMs)*time.Millisecond); err != nil {
			s.fatal(fmt.Sprintf("Service %s failed to start", a.ServiceName), err)
			return
		}
	}

	s.mut.Lock()
	s.connectedAt = time.Now()
	s.mut.Unlock()
	s.advance(messages.StateConnected)
	s.send(&messages.Message{Op: messages.OpConnected})
	s.advance(messages.StateCodeLoaded)
	s.send(&messages.Message{Op: messages.OpCodeLoaded})
	s.advance(messages.StateReady)
}

// awaitReady waits for the app's readiness signal. A zero timeout waits
// forever.
func (s *Service) awaitReady(r Readier, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case err := <-r.Ready():
		return err
	case <-expired:
		return fmt.Errorf("took too long to start (>%dms)", timeout.Milliseconds())
	}
}

func (s *Service) collectStats(m *messages.Message) {
	s.mut.Lock()
	a, connectedAt := s.assignment, s.connectedAt
	s.mut.Unlock()
	stats := messages.ServiceStats{RAM: ramMB(), IPCLatency: nowMillis()}
	if a != nil {
		stats.Name = a.ServiceName
	}
	if !connectedAt.IsZero() {
		stats.Uptime = time.Since(connectedAt).Milliseconds()
	}
	s.sendStats(m.UUID, stats)
}
