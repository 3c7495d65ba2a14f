// Package operator defines the work a task performs. Each task names an
// operator ("sleep", "echo", ...) that the engine resolves through a Registry
// and runs with the task's parameters.
package operator
