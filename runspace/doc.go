// Package runspace implements the PSRP RunspacePool state machine and lifecycle management.
//
// # Overview
//
// A RunspacePool represents a pool of PowerShell runspaces on a remote server. Pool is
// sans-I/O: it never opens a socket, never blocks, and never starts a goroutine. It manages
// only the protocol state machine and message exchange; a caller supplies the actual bytes
// and drains the ones the pool wants sent.
//
// # State Machine
//
// The RunspacePool follows a strict state machine with the following states:
//
//	BeforeOpen: Initial state, pool not yet connected
//	  │
//	  ├─→ Opening: Capability exchange and initialization in progress
//	  │     │
//	  │     ├─→ Opened: Pool is ready, can execute pipelines
//	  │     │     │
//	  │     │     ├─→ Closing: Close requested, cleanup in progress
//	  │     │     │     │
//	  │     │     │     └─→ Closed: Pool closed, cannot be reopened
//	  │     │     │
//	  │     │     └─→ Broken: Error occurred during operation
//	  │     │
//	  │     └─→ Broken: Error during opening
//	  │
//	  └─→ Broken: Can transition to Broken from any state
//
// # Opening Sequence
//
// Calling Open() queues SESSION_CAPABILITY and transitions to Opening; the rest of the
// exchange happens as replies arrive through ReceiveData:
//
//  1. Client → Server: SESSION_CAPABILITY (protocol version, capabilities)
//  2. Server → Client: SESSION_CAPABILITY (server capabilities)
//  3. Client → Server: INIT_RUNSPACEPOOL (min/max runspaces, configuration)
//  4. Server → Client: RUNSPACEPOOL_STATE (Opened status)
//
// Open moves the pool BeforeOpen → Opening. After successful completion of the
// handshake, ReceiveData moves it Opening → Opened and pushes an EventPoolOpened.
//
// # Usage Example
//
//	pool := runspace.New(uuid.New())
//	if err := pool.SetMinRunspaces(1); err != nil {
//	    log.Fatal(err)
//	}
//	if err := pool.SetMaxRunspaces(5); err != nil {
//	    log.Fatal(err)
//	}
//	if err := pool.Open(); err != nil {
//	    log.Fatalf("failed to open pool: %v", err)
//	}
//
//	buf := make([]byte, 32*1024)
//	for pool.State() != runspace.StateOpened {
//	    if out := pool.DataToSend(); len(out) > 0 {
//	        conn.Write(out)
//	    }
//	    n, err := conn.Read(buf)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if err := pool.ReceiveData(buf[:n]); err != nil {
//	        log.Fatal(err)
//	    }
//	    for ev, ok := pool.NextEvent(); ok; ev, ok = pool.NextEvent() {
//	        handleEvent(ev)
//	    }
//	}
//
// # Error Handling
//
// The package defines several error types for common failure scenarios:
//
//   - ErrInvalidState: Operation attempted in invalid state
//   - ErrAlreadyOpen: Open called on already opening/opened pool
//   - ErrNotOpen: Operation requires open pool
//   - ErrClosed: Operation attempted on closed pool
//   - ErrBroken: Pool is in broken state due to error
//   - ErrUnknownPipeline: A message referenced a pipeline ID the pool has no record of
//
// A protocol-level failure (bad handshake, server-reported Broken state) transitions the
// pool to StateBroken and pushes EventPoolStateChanged; it never panics or returns from
// ReceiveData with a state left inconsistent.
//
// # Host Callbacks
//
// The pool automatically answers host callbacks (RUNSPACEPOOL_HOST_CALL messages) from the
// server as soon as they're decoded in ReceiveData, then queues the response for the next
// DataToSend. These occur when PowerShell scripts need user interaction (e.g., Read-Host,
// Get-Credential).
//
// By default, the pool uses a NullHost that provides safe defaults for non-interactive
// scenarios. For interactive sessions, set a custom Host implementation before opening:
//
//	pool.SetHost(myInteractiveHost)
//
// See the host package documentation for details on implementing custom hosts.
//
// # Thread Safety
//
// Pool methods are safe for concurrent use; state transitions are protected by an internal
// mutex. There is no background goroutine, so nothing runs unless a method is called.
//
// # Reference
//
// MS-PSRP Protocol: https://docs.microsoft.com/en-us/openspecs/windows_protocols/ms-psrp/
package runspace
