/*
Package monitoring provides Prometheus-based metrics collection.

Tracked surfaces: HTTP requests, bundle builds, sandbox bridge traffic
(pending requests, timeouts, message counts), the environment pool
(warm size, lifecycle events, deployments), and WebSocket connections.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))

	metrics.BundlesTotal.WithLabelValues("success").Inc()
	metrics.WarmPoolSize.Set(3)

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
