// Package api hosts the HTTP server for the mirror. Notable routes:
//   - GET /healthz for probes and GET /metrics for Prometheus scraping.
//   - GET /api/v1/b/{id} and /api/v1/s/{id} for the legacy cheesegull shapes.
//   - GET /api/v2/beatmaps/{id} and /api/v2/beatmapsets/{id} for the upstream
//     representation, resolved cache-aside.
//   - GET /api/v2/beatmapsets/search for filtered listing, optionally in the
//     osu!direct text format.
package api
