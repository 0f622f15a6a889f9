package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to unblock a producer whose output nobody consumes any more, e.g. a
// frame channel after the consuming session was cancelled.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
