package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a producer still owns a channel
// nobody listens to anymore (e.g. the event stream of a closed session).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
