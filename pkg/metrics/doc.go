// Package metrics defines and registers the indexer's Prometheus
// metrics (driver cursor/state, block-processing throughput,
// classification and validation outcomes, gateway retries, cache hit
// ratio) and exposes them over HTTP for scraping, plus a small
// component health registry backing the /health, /ready, and /live
// endpoints.
package metrics
