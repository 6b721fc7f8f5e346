package cmd

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/config"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

// peer is a context process's connection to the relay.
type peer struct {
	ep *transport.Endpoint
	// done closes when the relay goes away. Nil for the message transport,
	// which reconnects on its own.
	done     <-chan struct{}
	closeFns []func()
}

// newEndpoint creates the endpoint of a context process. Handlers must be
// installed on it before connectPeer so that nothing the relay sends on
// connect is missed.
func newEndpoint(cfg config.Interface, self schemas.ContextID, logger *zap.Logger) *transport.Endpoint {
	return transport.NewEndpoint(self, logger, transport.WithCallTimeout(cfg.Transport().CallTimeout))
}

// connectPeer binds ep to the relay over the configured transport.
func connectPeer(ctx context.Context, cfg config.Interface, ep *transport.Endpoint, targetID string, logger *zap.Logger) (*peer, error) {
	p := &peer{ep: ep}
	switch cfg.Transport().Mode {
	case config.ModeMessage:
		natsCfg := cfg.NATS()
		nc, err := transport.ConnectNATS(natsCfg.URL, natsCfg.Name, natsCfg.ReconnectWait, natsCfg.MaxReconnects, logger)
		if err != nil {
			return nil, err
		}
		conn, err := transport.DialMessage(ctx, nc, ep, transport.MessageOptions{
			Subjects:    transport.Subjects{Prefix: natsCfg.Subject},
			TargetID:    targetID,
			ExtensionID: cfg.Relay().ExtensionID,
			Timeout:     cfg.Transport().CallTimeout,
		}, logger)
		if err != nil {
			nc.Close()
			return nil, err
		}
		p.closeFns = append(p.closeFns, func() { _ = conn.Close() }, drain(nc, logger))

	default:
		conn, err := transport.DialPort(ctx, ep, transport.PortOptions{
			RelayURL:    cfg.Transport().RelayURL,
			TargetID:    targetID,
			ExtensionID: cfg.Relay().ExtensionID,
		}, logger)
		if err != nil {
			return nil, err
		}
		p.done = conn.Done()
		p.closeFns = append(p.closeFns, func() { _ = conn.Close() })
	}
	return p, nil
}

func drain(nc *nats.Conn, logger *zap.Logger) func() {
	return func() {
		if err := nc.Drain(); err != nil {
			logger.Debug("NATS drain failed, closing.", zap.Error(err))
			nc.Close()
		}
	}
}

// Wait blocks until ctx ends or the relay goes away.
func (p *peer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-p.done:
		return fmt.Errorf("relay closed the connection")
	}
}

// Close fails pending calls and disconnects.
func (p *peer) Close() {
	_ = p.ep.Close()
	for i := len(p.closeFns) - 1; i >= 0; i-- {
		p.closeFns[i]()
	}
}
