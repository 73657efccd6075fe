package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// HealthFunc 返回健康检查的详情，出错时 /healthz 返回 503。
type HealthFunc func(ctx context.Context) (any, error)

// NewMux 注册 /metrics 与 /healthz。
func NewMux(m *Metrics, health HealthFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok"}
		if health != nil {
			detail, err := health(ctx)
			if err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "unavailable"
				body["error"] = err.Error()
			}
			if detail != nil {
				body["detail"] = detail
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}

// StartServer 启动独立的指标服务，ctx 结束后优雅关闭。
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
