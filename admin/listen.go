package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
)

const shutdownTimeout = 10 * time.Second

// ListenAndServe serves the admin handler on cfg.Listen until ctx is done,
// then shuts down gracefully. TLS is used when cfg.TLS is configured.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.AdminConfig) error {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, cfg.TLS)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, tlsCfg config.AdminTLSConfig) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	if tlsCfg.Enabled() {
		tc, err := NewTLSConfig(tlsCfg)
		if err != nil {
			ln.Close()
			return err
		}
		srv.TLSConfig = tc
	}

	errCh := make(chan error, 1)
	go func() {
		if s.logger != nil {
			s.logger.Printf("admin: listening on %s (tls=%t)", ln.Addr(), tlsCfg.Enabled())
		}
		if srv.TLSConfig != nil {
			errCh <- srv.ServeTLS(ln, "", "")
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
