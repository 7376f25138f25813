// Package synthesis implements the text-to-speech client for an
// OpenAI-compatible speech endpoint.
package synthesis
