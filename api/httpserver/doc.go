// Package httpserver hosts the coordinator API.
//
// BaseServer wraps a chi router with the endpoints every deployment needs:
//
//   - /livez reports that the process is up
//   - /readyz reports 503 once the server is drained
//   - /drain and /undrain toggle readiness for load balancers
//   - /debug serves pprof when EnablePprof is set
//
// Handlers mount their own routes by implementing RouteRegistrar. When
// MetricsAddr is set a second server exposes the configured Prometheus
// gatherer on /metrics.
//
//	handler := services.NewCoordinatorHandler(coord, nil)
//	srv, err := httpserver.New(cfg, handler)
//	if err != nil {
//	    return err
//	}
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
