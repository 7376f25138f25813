// Package conversation keeps per-session conversation history in memory.
package conversation
