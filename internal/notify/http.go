// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsst-dm/embargo-butler/internal/pathinfo"
)

// BodyLimitBytes caps the size of a single notification request.
const BodyLimitBytes = int64(10 * 1024 * 1024)

// HTTPService receives object-store notifications posted to /notify and
// answers with the descriptors it routed.
type HTTPService struct {
	parser   *Parser
	acceptor Acceptor
	tracer   trace.Tracer
	ll       *slog.Logger
}

func NewHTTPService(parser *Parser, acceptor Acceptor, ll *slog.Logger) *HTTPService {
	if ll == nil {
		ll = slog.Default()
	}
	return &HTTPService{
		parser:   parser,
		acceptor: acceptor,
		tracer:   otel.Tracer("github.com/lsst-dm/embargo-butler/internal/notify"),
		ll:       ll.With(slog.String("component", "notify-http")),
	}
}

// Handler returns the instrumented request multiplexer.
func (s *HTTPService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/notify", s)
	return otelhttp.NewHandler(mux, "notify")
}

// Run serves on addr until ctx is cancelled.
func (s *HTTPService) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.ll.Info("Listening for notifications", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("notification server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down notification server: %w", err)
	}
	return nil
}

func (s *HTTPService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, BodyLimitBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesError *http.MaxBytesError
		if errors.As(err, &maxBytesError) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "notify.http",
		trace.WithAttributes(attribute.Int("body_bytes", len(body))))
	defer span.End()

	descriptors, err := handle(ctx, s.parser, s.acceptor, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var storeErr *routeError
		if errors.As(err, &storeErr) {
			s.ll.Error("Failed to route notification", slog.Any("error", err))
			http.Error(w, "Failed to route notification", http.StatusInternalServerError)
			return
		}
		s.ll.Warn("Rejecting notification", slog.Any("error", err))
		http.Error(w, "Malformed notification", http.StatusBadRequest)
		return
	}
	if descriptors == nil {
		descriptors = []pathinfo.Descriptor{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(descriptors); err != nil {
		s.ll.Warn("Failed to write response", slog.Any("error", err))
	}
}
