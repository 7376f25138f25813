// Package transcription implements the speech-to-text client.
// Utterances are posted as WAV files in a multipart form to an
// OpenAI-compatible endpoint, with retries on 5xx, 429 and network errors.
package transcription
