// Package events distributes upgrade lifecycle events (run, phase, component,
// rollback transitions) to in-process subscribers. Publishing never blocks an
// upgrade step; slow subscribers miss events rather than stall the run.
package events
