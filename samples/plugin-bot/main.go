// Build with:
//
//	go build -buildmode=plugin -o bot.so ./samples/plugin-bot
//
// and start the fleet with --plugin bot.so.
package main

import (
	"context"
	"encoding/json"

	"github.com/buddhike/flotilla/worker"
	"go.uber.org/zap"
)

type bot struct {
	setup *worker.Setup
}

func (b *bot) HandleCommand(ctx context.Context, msg json.RawMessage) (any, error) {
	b.setup.IPC.Log("command received", zap.ByteString("msg", msg))
	return map[string]any{"cluster": b.setup.ClusterID, "guilds": len(b.setup.Client.Guilds())}, nil
}

var BotWorker worker.Factory = func(s *worker.Setup) (any, error) {
	return &bot{setup: s}, nil
}

func main() {}
