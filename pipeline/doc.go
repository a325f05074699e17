// Package pipeline implements the PSRP Pipeline state machine.
//
// A Pipeline represents a command or script to be executed on a remote
// RunspacePool. Unlike the teacher this package is derived from, a Pipeline
// here owns no transport, channels, or goroutines: it is a pure state
// machine whose only outputs are queued messages (TakeOutbox) and events
// (the return value of HandleMessage). The owning runspace.Pool is the only
// caller of both.
//
// # State Machine
//
// The Pipeline follows this state transition:
//
//	NotStarted → Running → Completed
//	             ↓         ↓
//	             Stopped   Failed
//
// # Usage
//
// Pipelines are never driven directly; a runspace.Pool creates and drives
// them as part of its own ReceiveData/DataToSend/NextEvent pull loop. See
// the runspace package for the end-to-end flow.
package pipeline
