package cluster

import (
	"context"

	"github.com/perchlabs/perch/internal/types"
)

// remoteHandle proxies invocations to the node that owns the placement.
type remoteHandle struct {
	ref       types.Ref
	node      string
	transport *transport
}

func (h *remoteHandle) Ref() types.Ref {
	return h.ref
}

func (h *remoteHandle) Invoke(ctx context.Context, handler string, args []any) (types.Result, error) {
	reply, err := h.transport.request(ctx, h.node, "invoke", invokeRequest{
		Type:    h.ref.Type,
		ID:      h.ref.ID,
		Handler: handler,
		Args:    args,
	})
	if err != nil {
		return types.Result{}, err
	}
	if err := decodeError(reply.ErrKind, reply.ErrMsg); err != nil {
		return types.Result{}, err
	}
	return types.Result{Value: reply.Value, NoReply: reply.NoReply}, nil
}

func (h *remoteHandle) Fire(ctx context.Context, name string) error {
	reply, err := h.transport.request(ctx, h.node, "fire", invokeRequest{
		Type: h.ref.Type,
		ID:   h.ref.ID,
		Name: name,
	})
	if err != nil {
		return err
	}
	return decodeError(reply.ErrKind, reply.ErrMsg)
}

func (h *remoteHandle) Stop(reason string) {
	h.transport.publish(h.node, "stop", invokeRequest{
		Type:   h.ref.Type,
		ID:     h.ref.ID,
		Reason: reason,
	})
}
