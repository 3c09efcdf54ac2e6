package ble

import (
	"context"

	"github.com/noisemesh/meshchat/identity"
)

// ContextSender adapts a Manager to the ctx-less Sender ports that
// message.Handler and gossip.Syncer depend on. Manager's own methods take
// a context because they sit on the radio I/O path (spec.md 4.5); the
// higher layers don't carry one, so ContextSender binds a fixed context
// for the process's lifetime.
type ContextSender struct {
	manager *Manager
	ctx     context.Context
}

// NewContextSender wraps manager, using ctx for every SendToPeer and
// Broadcast call it makes on manager's behalf.
func NewContextSender(ctx context.Context, manager *Manager) *ContextSender {
	return &ContextSender{manager: manager, ctx: ctx}
}

func (s *ContextSender) SendToPeer(peerID identity.PeerID, data []byte) error {
	return s.manager.SendToPeer(s.ctx, peerID, data)
}

func (s *ContextSender) Broadcast(data []byte) error {
	return s.manager.Broadcast(s.ctx, data)
}
