// Package task manages the lifecycle of background tasks. It defines the task
// record and its store, the Processor contract, the Worker that pulls jobs
// from the queue and records status transitions, and the Reconciler that
// fails tasks left running by a dead worker.
package task
