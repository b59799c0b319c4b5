package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/types"
)

// LocalRouter is what the transport needs from this node to serve remote
// requests: the supervisor's activation-backed routing surface.
type LocalRouter interface {
	Invoke(ctx context.Context, ref types.Ref, handler string, args []any) (types.Result, error)
	Fire(ctx context.Context, ref types.Ref, name string) error
	Deactivate(ref types.Ref, reason string)
}

type invokeRequest struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Handler string `json:"handler,omitempty"`
	Args    []any  `json:"args,omitempty"`
	Name    string `json:"name,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type invokeReply struct {
	Value   any    `json:"value,omitempty"`
	NoReply bool   `json:"noreply,omitempty"`
	ErrKind string `json:"err_kind,omitempty"`
	ErrMsg  string `json:"err_msg,omitempty"`
}

func encodeError(err error) (kind, msg string) {
	if err == nil {
		return "", ""
	}
	if k := types.KindOf(err); k != "" {
		return string(k), err.Error()
	}
	return "remote", err.Error()
}

func decodeError(kind, msg string) error {
	if kind == "" && msg == "" {
		return nil
	}
	if kind == "remote" {
		return errors.New(msg)
	}
	return &types.Error{Kind: types.ErrorKind(kind), Detail: msg}
}

// transport routes invocations between nodes over NATS request/reply.
// Subjects are per-node: perch.node.<id>.invoke, .fire, and .stop.
type transport struct {
	conn   *nats.Conn
	nodeID string
	log    *zap.Logger
	subs   []*nats.Subscription
}

func newTransport(conn *nats.Conn, nodeID string, log *zap.Logger) *transport {
	return &transport{conn: conn, nodeID: nodeID, log: log}
}

func subject(node, op string) string {
	return fmt.Sprintf("perch.node.%s.%s", node, op)
}

func (t *transport) serve(local LocalRouter) error {
	handle := func(op string, fn func(ctx context.Context, req invokeRequest) invokeReply) error {
		sub, err := t.conn.Subscribe(subject(t.nodeID, op), func(msg *nats.Msg) {
			go func() {
				var req invokeRequest
				if err := json.Unmarshal(msg.Data, &req); err != nil {
					t.log.Warn("undecodable request", zap.String("op", op), zap.Error(err))
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				reply := fn(ctx, req)
				if msg.Reply == "" {
					return
				}
				data, err := json.Marshal(reply)
				if err != nil {
					t.log.Warn("unencodable reply", zap.String("op", op), zap.Error(err))
					return
				}
				if err := msg.Respond(data); err != nil {
					t.log.Warn("respond failed", zap.String("op", op), zap.Error(err))
				}
			}()
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", op, err)
		}
		t.subs = append(t.subs, sub)
		return nil
	}

	if err := handle("invoke", func(ctx context.Context, req invokeRequest) invokeReply {
		res, err := local.Invoke(ctx, types.Ref{Type: req.Type, ID: req.ID}, req.Handler, req.Args)
		kind, msg := encodeError(err)
		return invokeReply{Value: res.Value, NoReply: res.NoReply, ErrKind: kind, ErrMsg: msg}
	}); err != nil {
		return err
	}
	if err := handle("fire", func(ctx context.Context, req invokeRequest) invokeReply {
		err := local.Fire(ctx, types.Ref{Type: req.Type, ID: req.ID}, req.Name)
		kind, msg := encodeError(err)
		return invokeReply{ErrKind: kind, ErrMsg: msg}
	}); err != nil {
		return err
	}
	if err := handle("stop", func(ctx context.Context, req invokeRequest) invokeReply {
		local.Deactivate(types.Ref{Type: req.Type, ID: req.ID}, req.Reason)
		return invokeReply{}
	}); err != nil {
		return err
	}
	return nil
}

func (t *transport) request(ctx context.Context, node, op string, req invokeRequest) (invokeReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return invokeReply{}, err
	}
	msg, err := t.conn.RequestWithContext(ctx, subject(node, op), data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return invokeReply{}, types.Timeout()
		}
		return invokeReply{}, types.ActivationFailed(fmt.Errorf("node %s unreachable: %w", node, err))
	}
	var reply invokeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return invokeReply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

func (t *transport) publish(node, op string, req invokeRequest) {
	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	if err := t.conn.Publish(subject(node, op), data); err != nil {
		t.log.Warn("publish failed", zap.String("op", op), zap.Error(err))
	}
}

func (t *transport) close() {
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	t.subs = nil
}
