// Package audio handles inbound audio buffering, utterance segmentation, and WAV encoding.
// It slices the PCM stream into detector windows, turns speech boundaries into
// immutable utterances, and encodes PCM for transcription uploads.
package audio
