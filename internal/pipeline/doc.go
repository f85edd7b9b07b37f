// Package pipeline drives the per-consumer flow: sync the working copy,
// point the consumer at the local build, install, test, and restore the
// manifest on every exit path.
//
// Consumers are processed strictly sequentially. The one property the
// pipeline must guarantee under any termination is that no consumer
// manifest stays mutated: restoration runs via defer on every path out of
// a consumer, and the RunContext drains any backup still open when the run
// itself unwinds.
package pipeline
