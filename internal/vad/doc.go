// Package vad provides Voice Activity Detection for per-session audio streams.
// Detectors consume fixed-size PCM windows and report speech start and end
// boundaries; each session gets its own detector instance from a Factory.
package vad
