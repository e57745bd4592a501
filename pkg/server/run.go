package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// Run prepares the store, opens the listeners and serves until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	st := s.store
	defer func() { _ = st.NonTx().Close() }()

	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	controlLn, err := s.listenControl()
	if err != nil {
		return err
	}

	var httpLn net.Listener
	if s.cfg.MetricsAddr != "" {
		httpLn, err = net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			_ = controlLn.Close()
			return fmt.Errorf("server: listen http: %w", err)
		}
	}

	s.logger.Info("Gatekeep server running",
		"control", s.cfg.ControlAddr,
		"http", s.cfg.MetricsAddr,
		"operators", s.admin.Operators().IDs(),
		"sweep_interval", s.reconciler.Interval(),
	)
	return s.Serve(ctx, controlLn, httpLn)
}

// Serve runs the reconciler, the command bridge on controlLn and, if
// httpLn is not nil, the HTTP API. It returns once ctx is cancelled and
// everything has stopped, or when one of them fails.
func (s *Server) Serve(ctx context.Context, controlLn, httpLn net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("server: reconciler: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.serveControl(ctx, controlLn)
	})

	if httpLn != nil {
		srv := &http.Server{
			Handler:           s.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.logger.Info("HTTP listening", "addr", httpLn.Addr().String())
			if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	s.logger.Info("shutting down...")
	return err
}
