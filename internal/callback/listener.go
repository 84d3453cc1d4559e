// Package callback runs the short-lived local HTTP listener that captures the
// provider's authorization redirect during the interactive login flow.
package callback

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/forcesession/internal/observability/middleware"
)

// DefaultTimeout is how long RunOnce waits for the redirect.
const DefaultTimeout = 30 * time.Second

// codeMarker identifies a redirect carrying an authorization code.
const codeMarker = "code="

// shutdownTimeout bounds the graceful shutdown after the redirect was answered.
const shutdownTimeout = 5 * time.Second

//go:embed callback.html
var callbackHTML []byte

// ErrTimeout is returned when no redirect arrived in time.
var ErrTimeout = errors.New("timed out waiting for authorization redirect")

// Listener is a bound, single-use callback listener.
type Listener struct {
	host     string
	port     int
	listener net.Listener
	server   *http.Server

	once     sync.Once
	captured string
	done     chan struct{}
}

// Listen binds a plain HTTP listener on host:port. Port 0 picks a free port.
func Listen(host string, port int) (*Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback listener on %s: %w", addr, err)
	}

	l := &Listener{
		host:     host,
		port:     ln.Addr().(*net.TCPAddr).Port,
		listener: ln,
		done:     make(chan struct{}),
	}

	handler := middleware.Chain(http.HandlerFunc(l.handleRedirect),
		middleware.Logging(slog.Default()),
		middleware.TraceContext,
		middleware.RequestID,
		middleware.Recovery,
	)

	l.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return l, nil
}

// Port returns the port the listener is bound to.
func (l *Listener) Port() int {
	return l.port
}

// Serve blocks until a redirect carrying an authorization code is received,
// the timeout elapses or ctx is cancelled. It returns the redirect as
// https://{host}:{port}{path}. The listener is closed when Serve returns.
func (l *Listener) Serve(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := l.server.Serve(l.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("callback listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		var result error
		select {
		case <-l.done:
		case <-timer.C:
			result = ErrTimeout
		case <-gCtx.Done():
			result = gCtx.Err()
		}

		// Shutdown waits for the in-flight redirect response to be written.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := l.server.Shutdown(shutdownCtx); err != nil {
			return errors.Join(result, fmt.Errorf("callback listener shutdown: %w", err))
		}
		return result
	})

	if err := g.Wait(); err != nil {
		slog.DebugContext(ctx, "callback listener stopped without redirect",
			"port", l.port,
			"error", err,
		)
		return "", err
	}

	return l.captured, nil
}

// RunOnce binds host:port, waits for one authorization redirect and returns it.
func RunOnce(ctx context.Context, host string, port int, timeout time.Duration) (string, error) {
	l, err := Listen(host, port)
	if err != nil {
		return "", err
	}
	return l.Serve(ctx, timeout)
}

// handleRedirect records the first request carrying an authorization code.
// Anything else (favicon probes, stray requests) gets a 404 and is ignored.
func (l *Listener) handleRedirect(w http.ResponseWriter, r *http.Request) {
	// The raw target, not one re-escaped from the parsed URL.
	requestURI := r.RequestURI
	if r.Method != http.MethodGet || !strings.Contains(requestURI, codeMarker) {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(callbackHTML); err != nil {
		slog.ErrorContext(r.Context(), "failed to write callback response", "error", err)
	}

	l.once.Do(func() {
		l.captured = fmt.Sprintf("https://%s%s", net.JoinHostPort(l.host, strconv.Itoa(l.port)), requestURI)
		close(l.done)
	})
}
