/*
Package httpserver runs the HTTP API of an admin node.

The server mounts the API handlers passed to New behind the request logger
and adds the operational endpoints:

  - GET /livez: liveness
  - GET /readyz: readiness, 503 while sealed or draining
  - GET /drain, GET /undrain: toggle readiness for load balancers
  - /debug/pprof: profiling, when enabled

Prometheus metrics are served separately on MetricsAddr.
*/
package httpserver
