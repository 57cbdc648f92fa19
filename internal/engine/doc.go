// Package engine provides the public task execution facade over the unit
// pool. It validates and enqueues background tasks, hands callers a Handle
// for awaiting results, and degrades to synchronous in-process execution
// when configured without workers.
package engine
