/*
Package types defines the core data structures shared across the broker:
messages, subscriptions, peers, and the command envelope carried through
the replicated log.

Sequence numbers on Message are assigned only by the current leader at
apply time; nothing else in the system is permitted to set them.
*/
package types
