package relay

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// corsMiddleware applies the relay's blanket CORS policy. The relay does
// no origin restriction, since it performs no authentication of its own.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog logs method, path, status, and duration for every request.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.RequestURI(),
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Info("relay request")
	})
}

// NewRouter builds the relay's full chi.Router.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog)
	r.Use(corsMiddleware)
	srv.Routes(r)
	return r
}
