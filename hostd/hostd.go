// Package hostd runs the V4V facility as a host daemon: an emulated
// machine and a v4v.Context exposed over a unix socket speaking the packed
// hypercall framing, so external processes can act as domains.
package hostd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HPSI/xen-v4v/emulator"
	"github.com/HPSI/xen-v4v/v4v"
)

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// HostdOption is a function that configures the daemon.
type HostdOption func(*options)

// WithLog sets the logger for the daemon.
func WithLog(log *zap.SugaredLogger) HostdOption {
	return func(o *options) {
		o.Log = log
	}
}

// Hostd is the V4V host daemon.
type Hostd struct {
	cfg     *Config
	machine *emulator.Machine
	ctx     *v4v.Context
	log     *zap.SugaredLogger
}

// New creates a daemon using the provided configuration.
func New(cfg *Config, options ...HostdOption) (*Hostd, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}
	log := opts.Log

	machine := emulator.NewMachine(
		emulator.WithLog(log),
		emulator.WithMemoryLimit(cfg.Hostd.GuestMemoryLimit),
	)
	ctx := v4v.New(machine, v4v.WithLog(log))

	return &Hostd{
		cfg:     cfg,
		machine: machine,
		ctx:     ctx,
		log:     log,
	}, nil
}

// Run serves the hypercall transport until the context is canceled.
func (m *Hostd) Run(ctx context.Context) error {
	endpoint := m.cfg.Hostd.Endpoint
	if err := os.Remove(endpoint); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize listener: %w", err)
	}

	m.log.Infow("exposing hypercall transport", zap.String("endpoint", endpoint))

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	wg.Go(func() error {
		var conns sync.WaitGroup
		defer conns.Wait()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			conns.Add(1)
			go func() {
				defer conns.Done()
				m.serveConn(ctx, conn)
			}()
		}
	})

	err = wg.Wait()
	m.log.Infow("stopped hypercall transport", zap.String("endpoint", endpoint))
	return err
}
