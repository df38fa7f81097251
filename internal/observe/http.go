package observe

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux 构建运维用 HTTP mux：/healthz 与 /metrics
// 调用方可以继续挂载别的端点（比如 /ws）再 Serve
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// StartHTTP 启动最简 HTTP 服务
func StartHTTP(addr string, mux *http.ServeMux) error {
	if mux == nil {
		mux = NewMux()
	}
	return http.ListenAndServe(addr, mux)
}
