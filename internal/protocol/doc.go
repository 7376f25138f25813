// Package protocol defines the WebSocket audio framing used between clients and the service.
// Binary messages carry raw little-endian PCM16 mono audio; text messages are
// not part of the audio stream; close frames end the session.
package protocol
