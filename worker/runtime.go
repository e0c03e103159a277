// Package worker is the runtime executed inside every spawned cluster or
// service process. It speaks to the orchestrator over a single channel,
// hosts the user's app and answers lifecycle, relay and stats requests.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buddhike/flotilla/gateway"
	"github.com/buddhike/flotilla/ipc"
	"github.com/buddhike/flotilla/messages"
	"github.com/buddhike/flotilla/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DefaultFetchTimeout = 10 * time.Second

type Config struct {
	WorkerID     int
	Registry     *Registry
	Gateway      gateway.Factory
	FetchTimeout time.Duration
	LogLevel     zapcore.LevelEnabler
	Exit         func(code int)
	loader       *Loader
}

func WithWorkerID(id int) func(*Config) {
	return func(cfg *Config) {
		cfg.WorkerID = id
	}
}

func WithRegistry(r *Registry) func(*Config) {
	return func(cfg *Config) {
		cfg.Registry = r
	}
}

func WithGateway(f gateway.Factory) func(*Config) {
	return func(cfg *Config) {
		cfg.Gateway = f
	}
}

func WithFetchTimeout(d time.Duration) func(*Config) {
	return func(cfg *Config) {
		cfg.FetchTimeout = d
	}
}

func WithLogLevel(l zapcore.LevelEnabler) func(*Config) {
	return func(cfg *Config) {
		cfg.LogLevel = l
	}
}

func WithExit(exit func(int)) func(*Config) {
	return func(cfg *Config) {
		cfg.Exit = exit
	}
}

func newConfig(opts []func(*Config)) *Config {
	cfg := &Config{
		FetchTimeout: DefaultFetchTimeout,
		LogLevel:     zapcore.DebugLevel,
		Exit:         os.Exit,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.loader == nil {
		cfg.loader = NewLoader(cfg.Registry)
	}
	return cfg
}

// base is the part of the runtime shared by clusters and services.
type base struct {
	cfg       *Config
	kind      Kind
	peer      *ipc.Peer
	ipc       *IPC
	logger    atomic.Pointer[zap.Logger]
	lifecycle *sync.Mutex
	mut       *sync.Mutex
	state     messages.State
	app       any
	whatToLog []messages.LogEvent
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

func newBase(kind Kind, r io.Reader, w io.Writer, cfg *Config) *base {
	peer := ipc.NewPeer(ipc.NewChannel(r, w))
	logger := ipc.NewLogger(peer.Send, cfg.LogLevel).Named(string(kind)).With(zap.Int("worker-id", cfg.WorkerID))
	ctx, cancel := context.WithCancel(context.Background())
	b := &base{
		cfg:       cfg,
		kind:      kind,
		peer:      peer,
		ipc:       newIPC(peer, logger, cfg.FetchTimeout),
		lifecycle: &sync.Mutex{},
		mut:       &sync.Mutex{},
		state:     messages.StateSpawned,
		whatToLog: messages.AllLogEvents,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	b.logger.Store(logger)
	return b
}

func (b *base) log() *zap.Logger {
	return b.logger.Load()
}

// identify attaches the assignment identity to every subsequent log line.
func (b *base) identify(fields ...zap.Field) {
	l := b.log().With(fields...)
	b.logger.Store(l)
	b.ipc.logger = l
}

func (b *base) logs(e messages.LogEvent) bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	return messages.Logs(b.whatToLog, e)
}

func (b *base) State() messages.State {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.state
}

func (b *base) advance(next messages.State) {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.state.Advance(next)
}

func (b *base) currentApp() any {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.app
}

// send drops the message when the channel is closed. That only happens
// once the orchestrator has gone away and this process is about to exit.
func (b *base) send(m *messages.Message) {
	_ = b.peer.Send(m)
}

func (b *base) reply(id string, v any) {
	m, err := ipc.ValueReply(messages.OpReturn, id, v)
	if err != nil {
		b.send(ipc.ErrorReply(id, err))
		return
	}
	b.send(m)
}

// fatal reports err once and terminates the process.
func (b *base) fatal(msg string, err error) {
	b.log().Error(msg, zap.Error(err))
	b.cfg.Exit(1)
}

// serve announces the process and runs the read loop until the
// orchestrator closes the channel. Replies are resolved on the reading
// goroutine so a handler waiting on one never blocks delivery.
func (b *base) serve(handle middleware.Handler) error {
	defer b.cancel()
	b.send(&messages.Message{Op: messages.OpLaunched})
	b.advance(messages.StateLaunched)

	handle = middleware.Recover(handle, b.log())
	return b.peer.Serve(func(m *messages.Message) {
		switch m.Op {
		case messages.OpReturn, messages.OpCentralAPIResponse:
			b.peer.Resolve(m)
		default:
			go handle(m)
		}
	})
}

func errNotReady(kind Kind) error {
	if kind == KindService {
		return errors.New("Service is not ready!")
	}
	return errors.New("Cluster is not ready!")
}

func requestID(m *messages.Message, nested string) string {
	if m.UUID != "" {
		return m.UUID
	}
	return nested
}

func (b *base) command(m *messages.Message, name string) {
	req := m.Command
	if req == nil {
		return
	}
	id := requestID(m, req.UUID)
	h, ok := b.currentApp().(CommandHandler)
	if !ok {
		b.log().Error("cannot handle commands")
		if req.Receptive {
			b.reply(id, messages.ErrValue{Err: fmt.Sprintf("%s cannot handle commands!", name)})
		}
		return
	}
	res, err := h.HandleCommand(b.ctx, req.Msg)
	if !req.Receptive {
		return
	}
	if err != nil {
		b.reply(id, messages.ErrValue{Err: err.Error()})
		return
	}
	b.reply(id, res)
}

func (b *base) eval(m *messages.Message, name string) {
	req := m.Request
	if req == nil {
		return
	}
	id := requestID(m, req.UUID)
	app := b.currentApp()
	var res any
	var err error
	switch e := app.(type) {
	case nil:
		err = errNotReady(b.kind)
	case Evaluator:
		res, err = e.RunEval(b.ctx, req.StringToEvaluate)
	default:
		err = fmt.Errorf("%s cannot evaluate code!", name)
	}
	if !req.Receptive {
		return
	}
	if err != nil {
		b.reply(id, messages.ErrValue{Err: err.Error()})
		return
	}
	b.reply(id, res)
}

// shutdown gives the app a chance to clean up, runs after (which releases
// anything the runtime owns) and then acknowledges.
func (b *base) shutdown(after func()) {
	ack := func() {
		if after != nil {
			after()
		}
		b.send(&messages.Message{Op: messages.OpShutdown})
	}
	s, ok := b.currentApp().(Shutdowner)
	if !ok {
		ack()
		return
	}
	once := &sync.Once{}
	s.Shutdown(func() { once.Do(ack) })
}

func (b *base) setup(f Factory, s *Setup) (app any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	return f(s)
}

func ramMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / 1e6
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func (b *base) sendStats(id string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		b.send(ipc.ErrorReply(id, err))
		return
	}
	b.send(&messages.Message{Op: messages.OpCollectStats, ID: id, Stats: raw})
}
