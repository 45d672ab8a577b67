package handler

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// HealthCheck は依存先一つの疎通確認を行う関数。
type HealthCheck func(ctx context.Context) error

// healthCheckTimeout は依存先ごとの疎通確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewHealthHandler はDBやRedisの疎通を確認するヘルスチェックハンドラーを生成する。
// 一つでも失敗すれば503を返す。
// GET /health
func NewHealthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
		status := http.StatusOK

		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := checks[name](ctx)
			cancel()

			if err != nil {
				resp.Checks[name] = "error: " + err.Error()
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		writeJSON(w, status, resp)
	}
}
