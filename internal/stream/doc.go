// Package stream manages the set of live voice sessions.
// It admits connections up to a configured limit, runs one session pipeline
// per connection, closes idle sessions and shuts all of them down on stop.
package stream
