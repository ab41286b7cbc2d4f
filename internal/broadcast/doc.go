// Package broadcast fans out chunks of serial data to any number of
// independent subscribers.
//
// The hub keeps a fixed-size ring of recent chunks and a monotonically
// increasing sequence number. Every subscription tracks its own position in
// the ring, which gives three properties the bridge depends on:
//
//   - Publish never blocks, whatever the subscribers are doing.
//   - Subscribers that keep up see every chunk, in publish order.
//   - A subscriber that falls behind by more than the ring capacity is told
//     how many chunks it lost and continues from the oldest retained chunk.
//
// New subscriptions start at the tail: nothing published before Subscribe
// returned is replayed.
package broadcast
