package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/buddhike/flotilla/messages"
	"go.uber.org/zap"
)

type Handler func(m *messages.Message)

// A state critical handler mutates state the whole fleet depends on, such
// as the orchestrator's assignment and lifecycle tables. A panic inside one
// means those tables may no longer agree with each other, so the process
// logs once and exits instead of serving from a corrupt view.
func StateCritical(h Handler, logger *zap.Logger, exit func(int)) Handler {
	return func(m *messages.Message) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("state critical handler panicked",
					zap.String("op", string(m.Op)),
					zap.Any("err", err),
					zap.String("stack", string(debug.Stack())))
				exit(1)
			}
		}()
		h(m)
	}
}

// Recover keeps the process alive when a handler panics. The panic is
// reported through logger, which in a worker forwards to the orchestrator.
func Recover(h Handler, logger *zap.Logger) Handler {
	return func(m *messages.Message) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error(fmt.Sprintf("uncaught panic while handling %s", m.Op),
					zap.Any("err", err),
					zap.String("stack", string(debug.Stack())))
			}
		}()
		h(m)
	}
}
