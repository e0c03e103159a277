// Package proxy routes a worker's REST calls through the orchestrator so a
// single queue can honour the global rate limit for the whole fleet.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buddhike/flotilla/gateway"
	"github.com/buddhike/flotilla/ipc"
	"github.com/buddhike/flotilla/messages"
	"go.uber.org/zap"
)

const DefaultTimeout = 15 * time.Second

// CentralRequestHandler is a gateway.RequestHandler that never touches the
// network. Each call is serialized into a centralApiRequest, executed by the
// orchestrator and its outcome returned as if the call had been made here.
type CentralRequestHandler struct {
	peer    *ipc.Peer
	timeout time.Duration
	logger  *zap.Logger
}

func NewCentralRequestHandler(peer *ipc.Peer, timeout time.Duration, logger *zap.Logger) *CentralRequestHandler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CentralRequestHandler{
		peer:    peer,
		timeout: timeout,
		logger:  logger.Named("centralrequesthandler"),
	}
}

func (h *CentralRequestHandler) Request(ctx context.Context, opts gateway.RequestOptions) (json.RawMessage, error) {
	data, fileStrings, err := ipc.EncodeRequest(opts)
	if err != nil {
		return nil, err
	}
	reply, err := h.peer.Request(ctx, &messages.Message{
		Op: messages.OpCentralAPIRequest,
		APIRequest: &messages.CentralRequest{
			DataSerialized: data,
			FileStrings:    fileStrings,
		},
	}, h.timeout)
	if err != nil {
		h.logger.Debug("central request failed", zap.String("method", opts.Method), zap.String("path", opts.Path), zap.Error(err))
		return nil, err
	}
	if reply.Op != messages.OpCentralAPIResponse {
		return nil, fmt.Errorf("unexpected reply %s to central request", reply.Op)
	}
	return ipc.DecodeCentralResult(reply.Value)
}
