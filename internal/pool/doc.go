// Package pool implements the bounded worker pool shared by all sessions for
// blocking model calls (transcription, synthesis, reply generation).
// Tasks run in submission order on a fixed number of workers and resolve
// futures; a panicking task fails its own future without stopping the worker.
package pool
