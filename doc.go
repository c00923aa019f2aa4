// Package capnweb provides a Go implementation of the Cap'n Web capability-based
// RPC runtime: a bidirectional, promise-pipelining wire protocol plus a
// self-contained plan IR and runner for executing pre-built operation graphs
// without additional round trips.
//
// The runtime is organized around three collaborating subsystems: the
// Session (import/export table bookkeeping and message dispatch, see tables.go and
// session.go), the expression evaluator and PipelineScheduler (promise
// pipelining, see evaluator.go and scheduler.go), and the Plan/PlanRunner
// pair (a validated, topologically-ordered IR executed without streaming
// individual messages, see plan.go and runner.go).
package capnweb
