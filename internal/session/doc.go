// Package session implements the per-connection voice pipeline.
//
// A Pipeline reads audio frames from one connection, segments them into
// utterances, and for each utterance runs transcription, reply generation and
// synthesis in order before sending the reply audio back. Model calls go
// through a shared worker pool so a slow call never stalls frame reception.
// Stage failures skip the turn; only transport failures end the session.
package session
