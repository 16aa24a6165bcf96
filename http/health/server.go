package health

import (
	"fmt"
	httpgo "net/http"

	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/go-kratos/swagger-api/openapiv2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probe reports the number of live proxy connections.
type Probe func() int

type Server struct {
	*http.Server
}

// NewServer serves /metrics from registry, /health backed by probe and the OpenAPI UI under /q/.
func NewServer(addr string, registry *prometheus.Registry, probe Probe) *Server {
	s := http.NewServer(http.Address(addr))

	s.HandlePrefix("/q/", openapiv2.NewHandler())
	s.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	s.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(httpgo.StatusOK)

		if probe != nil {
			_, _ = fmt.Fprintf(w, "active=%d\n", probe())
		}
	})

	return &Server{s}
}
