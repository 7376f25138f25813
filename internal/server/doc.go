// Package server exposes the voice WebSocket endpoint at /ws together with
// the monitoring API (/health, /sessions, /config, /stats, /metrics) on a
// single HTTP listener.
package server
