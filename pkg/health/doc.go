// Package health runs pluggable dependency probes (HTTPChecker against
// the ordinals gateway, TCPChecker against the Redis cache) on a
// timer, debouncing consecutive failures before reporting a
// dependency unhealthy, and feeds the result into the metrics
// package's health registry backing the /health, /ready, and /live
// endpoints.
package health
