// Package reply provides the agent's reply generators.
//
// Echo answers inline with a prefixed copy of the user's words. Gemini calls a
// Gemini model with the session history and is run on the shared worker pool.
package reply
