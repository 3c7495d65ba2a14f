// Package reaper enforces execution time limits. A Reaper periodically scans
// active attempts and their running tasks, turns every TTL overrun into a
// guarded state transition through the Propagator, and hands the violations
// that actually caused a transition to a Notifier.
package reaper
