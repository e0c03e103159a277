package ipc

import (
	"github.com/buddhike/flotilla/messages"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// core forwards log entries over a process channel so that a worker's
// diagnostics surface in the orchestrator's logger.
type core struct {
	zapcore.LevelEnabler
	send   func(*messages.Message) error
	fields []zapcore.Field
}

// NewCore returns a zapcore.Core that turns every entry into a
// log/debug/info/warn/error message handed to send.
func NewCore(send func(*messages.Message) error, enab zapcore.LevelEnabler) zapcore.Core {
	return &core{LevelEnabler: enab, send: send}
}

// NewLogger is a convenience for zap.New(NewCore(...)).
func NewLogger(send func(*messages.Message) error, enab zapcore.LevelEnabler) *zap.Logger {
	return zap.New(NewCore(send, enab))
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	clone := &core{LevelEnabler: c.LevelEnabler, send: c.send}
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	line := &messages.LogLine{Msg: ent.Message, Source: ent.LoggerName}
	if len(enc.Fields) > 0 {
		line.Fields = enc.Fields
	}
	return c.send(&messages.Message{Op: opForLevel(ent.Level), LogLine: line})
}

func (c *core) Sync() error {
	return nil
}

func opForLevel(l zapcore.Level) messages.Op {
	switch {
	case l <= zapcore.DebugLevel:
		return messages.OpDebug
	case l == zapcore.InfoLevel:
		return messages.OpInfo
	case l == zapcore.WarnLevel:
		return messages.OpWarn
	default:
		return messages.OpError
	}
}

// Replay writes a diagnostic message received from a worker to logger.
func Replay(logger *zap.Logger, m *messages.Message) {
	if m.LogLine == nil {
		return
	}
	fields := make([]zap.Field, 0, len(m.Fields)+1)
	if m.Source != "" {
		fields = append(fields, zap.String("source", m.Source))
	}
	for k, v := range m.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch m.Op {
	case messages.OpDebug:
		logger.Debug(m.Msg, fields...)
	case messages.OpWarn:
		logger.Warn(m.Msg, fields...)
	case messages.OpError:
		logger.Error(m.Msg, fields...)
	default:
		logger.Info(m.Msg, fields...)
	}
}
