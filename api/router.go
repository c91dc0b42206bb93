package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Handler builds the routing tree. The snapshot stream sits outside the request timeout
// and compression.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	if a.health != nil {
		r.Method(http.MethodGet, "/healthz", a.health)
	}
	if a.collector != nil {
		r.Method(http.MethodGet, "/metrics", a.collector.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/snapshot/ws", a.streamSnapshots)

		api.Group(func(timed chi.Router) {
			timed.Use(gziphandler.GzipHandler)
			timed.Use(middleware.Timeout(a.requestTimeout))

			timed.Get("/snapshot", a.getSnapshot)
			timed.Post("/pump/toggle", a.togglePump)
			timed.Post("/pump/auto", a.setAutoMode)
			timed.Post("/refresh", a.refresh)
			timed.Get("/history", a.getHistory)
			timed.Post("/chat", a.chat)
		})
	})
	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		a.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// RunServer serves until ctx is done, then shuts the server down within shutdownTimeout
func RunServer(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("http server shutting down")
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
