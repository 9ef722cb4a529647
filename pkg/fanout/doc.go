// Package fanout pushes newly appended chat messages to subscribed channels.
//
// Invariants:
//   - Subscribers receive a head event and then the message, in subscription order.
//   - A failing subscriber never blocks or fails the append that triggered it.
//   - Subscribing twice with the same id keeps a single subscription.
package fanout
