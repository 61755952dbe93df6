package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// supervisor is the part of suture.Supervisor used to register services.
type supervisor interface {
	Add(service suture.Service) suture.ServiceToken
}

// newSupervisor creates a root supervisor that logs restarts and panics
// through log.
func newSupervisor(name string, log *slog.Logger) *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: log}
	return suture.New(name, suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
}

// serveUntilDone runs sup until ctx is canceled. Cancellation is a clean
// exit; services that outlived the shutdown timeout are reported.
func serveUntilDone(ctx context.Context, sup *suture.Supervisor, log *slog.Logger) error {
	err := sup.Serve(ctx)

	if unstopped, reportErr := sup.UnstoppedServiceReport(); reportErr == nil {
		for _, svc := range unstopped {
			log.Warn("service failed to stop within timeout", "service", svc.Name)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor stopped: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

// httpServer is the part of http.Server run by httpServerService.
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// httpServerService runs an HTTP server as a suture service and shuts it
// down gracefully when its context ends.
type httpServerService struct {
	server          httpServer
	shutdownTimeout time.Duration
}

func newHTTPServerService(server httpServer, shutdownTimeout time.Duration) *httpServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &httpServerService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (h *httpServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *httpServerService) String() string {
	return "http-server"
}
