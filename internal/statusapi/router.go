package statusapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/porticodev/portico/internal/audit"
	"github.com/porticodev/portico/internal/metrics"
	"github.com/porticodev/portico/internal/model"
)

// TunnelLister is the registry slice the status API reads.
type TunnelLister interface {
	List() []model.SessionSummary
}

// AuditLister reads back recent audit events. Nil when no persistent audit
// store is configured; the audit route is then not registered.
type AuditLister interface {
	RecentAuditEvents(ctx context.Context, limit int) ([]audit.Event, error)
}

// NewRouter builds the loopback status handler: health, metrics, the live
// tunnel listing consumed by external display tooling, and the recent audit
// trail when a persistent store backs it. When token is non-empty the v1
// routes require it as a bearer token.
func NewRouter(token string, lister TunnelLister, auditLog AuditLister) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(bearerAuth(token))
		v1.Get("/tunnels", func(w http.ResponseWriter, _ *http.Request) {
			sessions := lister.List()
			writeJSON(w, http.StatusOK, map[string]any{"tunnels": sessions, "count": len(sessions)})
		})
		if auditLog != nil {
			v1.Get("/audit", func(w http.ResponseWriter, r *http.Request) {
				limit := 50
				if raw := r.URL.Query().Get("limit"); raw != "" {
					n, err := strconv.Atoi(raw)
					if err != nil || n <= 0 || n > 500 {
						writeAPIError(w, http.StatusBadRequest, "bad_request", "limit must be 1..500")
						return
					}
					limit = n
				}
				events, err := auditLog.RecentAuditEvents(r.Context(), limit)
				if err != nil {
					log.Printf("event=audit_list_failed err=%v", err)
					writeAPIError(w, http.StatusInternalServerError, "internal", "audit query failed")
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
			})
		}
	})

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			presented := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeAPIError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Serve runs the status API until ctx is canceled. The listen address must
// be loopback: exposing the session listing beyond the local host is a
// defect, not a configuration choice.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	if err := requireLoopback(addr); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("event=status_api_listening addr=%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status api: %w", err)
	}
	return nil
}

func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("status api addr %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("status api addr %q is not loopback", addr)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
