// Package engine runs workflow attempts. An attempt's tasks execute one after
// another in a background goroutine; the engine records each task's outcome
// in the store, stops starting tasks once cancellation is requested, and
// marks the attempt done when nothing is left running.
package engine
