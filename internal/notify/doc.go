// Package notify delivers Node state transitions to interested parties.
//
// Three queue.Notifier implementations ship here: LogNotifier writes one
// slog line per transition, Broadcaster fans transitions out to channel
// subscribers keyed by branch root id (or AllBranches), and MultiNotifier
// composes several notifiers in order. The engine calls notifiers outside
// its locks and tolerates slow ones, but the Broadcaster additionally never
// blocks: a subscriber whose buffer is full simply misses that transition.
package notify
