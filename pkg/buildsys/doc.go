// Package buildsys implements a small dependency-aware task scheduler: tasks are registered with a Graph,
// composed into plans with Series, Parallel and Run and executed by a Scheduler on a fixed-size worker pool.
// Pipeline tasks are fingerprinted so unchanged tasks can be skipped and Trigger re-runs single tasks for the
// file watcher.
package buildsys
