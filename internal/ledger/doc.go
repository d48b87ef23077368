// Package ledger implements the ordered topic log that every agent in the
// economy reads and writes. Each topic is an independent append-only stream
// with strictly increasing, gapless sequence numbers; the log is the single
// source of ordering truth for agent coordination. Backends include an
// in-process implementation and a Redis Streams style implementation.
package ledger
