// Package psrp is a thin, blocking convenience facade over the sans-I/O
// runspace.Pool and pipeline.Pipeline state machines. Callers who don't
// want to drive ReceiveData/DataToSend/NextEvent themselves can hand this
// package a plain io.ReadWriter (a WSMan connection, an SSH channel, a
// stdio pipe) and get back Open/Invoke/Close calls that behave like the
// blocking PowerShell SDK calls they mirror.
//
// The facade owns exactly the I/O the core deliberately doesn't: a
// background pump goroutine that writes whatever the pool/pipelines have
// queued, blocks on the next Read, and feeds the result back in. Everyone
// waiting on an Open or Invoke call is woken once the relevant event
// arrives, using the same channel-per-waiter shape the teacher's original
// out-of-process adapter used to bridge a background reader goroutine into
// a synchronous call.
package psrp

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/smnsjas/psrpcore-go/objects"
	"github.com/smnsjas/psrpcore-go/pipeline"
	"github.com/smnsjas/psrpcore-go/runspace"
	"github.com/smnsjas/psrpcore-go/serialization"
)

// Client drives a single RunspacePool's protocol exchange over transport.
type Client struct {
	transport io.ReadWriter
	pool      *runspace.Pool

	wakeCh    chan struct{}
	readCh    chan []byte
	readErrCh chan error
	doneCh    chan struct{}
	closeOnce sync.Once

	mu                 sync.Mutex
	poolWaiters        []chan struct{}
	keyExchangeWaiters []chan struct{}
	pipelines          map[uuid.UUID]*pipelineWait
	fatalErr           error
}

// pipelineWait tracks one in-flight Invoke call's accumulated output until
// its pipeline reaches a terminal state.
type pipelineWait struct {
	pl     *pipeline.Pipeline
	output []PSObject
	done   chan struct{}
}

// NewClient creates a PSRP client that drives its protocol exchange over
// transport. transport must be a bidirectional byte stream (a WSMan
// connection, an SSH channel, a stdio pipe to a PowerShell host process).
func NewClient(transport io.ReadWriter) *Client {
	c := &Client{
		transport: transport,
		pool:      runspace.New(uuid.New()),
		wakeCh:    make(chan struct{}, 1),
		readCh:    make(chan []byte, 8),
		readErrCh: make(chan error, 1),
		doneCh:    make(chan struct{}),
		pipelines: make(map[uuid.UUID]*pipelineWait),
	}
	go c.readLoop()
	go c.pumpLoop()
	return c
}

func (c *Client) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.readCh <- chunk:
			case <-c.doneCh:
				return
			}
		}
		if err != nil {
			select {
			case c.readErrCh <- err:
			case <-c.doneCh:
			}
			return
		}
	}
}

func (c *Client) pumpLoop() {
	for {
		select {
		case <-c.doneCh:
			return
		case chunk := <-c.readCh:
			c.mu.Lock()
			if err := c.pool.ReceiveData(chunk); err != nil {
				c.failLocked(err)
				c.mu.Unlock()
				return
			}
			c.drainEventsLocked()
			out := c.pool.DataToSend()
			c.mu.Unlock()
			if len(out) > 0 {
				if _, err := c.transport.Write(out); err != nil {
					c.mu.Lock()
					c.failLocked(err)
					c.mu.Unlock()
					return
				}
			}
		case err := <-c.readErrCh:
			c.mu.Lock()
			c.failLocked(err)
			c.mu.Unlock()
			return
		case <-c.wakeCh:
			c.mu.Lock()
			out := c.pool.DataToSend()
			c.mu.Unlock()
			if len(out) > 0 {
				if _, err := c.transport.Write(out); err != nil {
					c.mu.Lock()
					c.failLocked(err)
					c.mu.Unlock()
					return
				}
			}
		}
	}
}

// wake nudges the pump loop to flush anything newly queued instead of
// waiting for the next inbound read.
func (c *Client) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// failLocked records a fatal transport/protocol error and releases every
// blocked Open/ExchangeKey/Invoke/Close waiter so none of them hang forever.
// Caller must hold c.mu.
func (c *Client) failLocked(err error) {
	if c.fatalErr != nil {
		return
	}
	c.fatalErr = err
	for _, ch := range c.poolWaiters {
		close(ch)
	}
	c.poolWaiters = nil
	c.wakeKeyExchangeWaitersLocked()
	for _, w := range c.pipelines {
		close(w.done)
	}
	c.pipelines = make(map[uuid.UUID]*pipelineWait)
}

// drainEventsLocked pops every queued Pool event and updates whichever
// waiter it belongs to. Caller must hold c.mu.
func (c *Client) drainEventsLocked() {
	for {
		ev, ok := c.pool.NextEvent()
		if !ok {
			break
		}
		switch ev.Kind {
		case runspace.EventPoolStateChanged, runspace.EventPoolOpened:
			c.wakePoolWaitersLocked()

		case runspace.EventPipelineOutput:
			w, exists := c.pipelines[ev.PipelineID]
			if !exists {
				continue
			}
			if v, err := serialization.DeserializeCLIXMLWithProvider(string(ev.Data), c.pool.CryptoProvider()); err == nil {
				for _, val := range v {
					w.output = append(w.output, valueToPSObject(val))
				}
			}

		case runspace.EventPipelineStateChanged:
			w, exists := c.pipelines[ev.PipelineID]
			if !exists {
				continue
			}
			switch ev.PipelineState {
			case pipeline.StateCompleted, pipeline.StateFailed, pipeline.StateStopped:
				close(w.done)
				delete(c.pipelines, ev.PipelineID)
			}

		case runspace.EventSessionKeyEstablished:
			c.wakeKeyExchangeWaitersLocked()
		}
	}
	switch c.pool.State() {
	case runspace.StateOpened, runspace.StateClosed, runspace.StateBroken:
		c.wakePoolWaitersLocked()
	}
}

func (c *Client) wakePoolWaitersLocked() {
	for _, ch := range c.poolWaiters {
		close(ch)
	}
	c.poolWaiters = nil
}

func (c *Client) wakeKeyExchangeWaitersLocked() {
	for _, ch := range c.keyExchangeWaiters {
		close(ch)
	}
	c.keyExchangeWaiters = nil
}

// Close stops the client's background pump and closes transport if it
// implements io.Closer. It does not send RUNSPACEPOOL_STATE(Closed); call
// RunspacePool.Close first for a clean shutdown handshake.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.doneCh) })
	if closer, ok := c.transport.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// CreateRunspacePool opens a new runspace pool on the remote server and
// blocks until the handshake completes, fails, or ctx is done.
func (c *Client) CreateRunspacePool(ctx context.Context, opts ...RunspacePoolOption) (*RunspacePool, error) {
	rp := &RunspacePool{client: c}
	for _, opt := range opts {
		opt(rp)
	}

	c.mu.Lock()
	if rp.minRunspaces > 0 {
		if err := c.pool.SetMinRunspaces(rp.minRunspaces); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	if rp.maxRunspaces > 0 {
		if err := c.pool.SetMaxRunspaces(rp.maxRunspaces); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	if err := c.pool.Open(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ch := make(chan struct{})
	c.poolWaiters = append(c.poolWaiters, ch)
	c.mu.Unlock()
	c.wake()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	state, err := c.pool.State(), c.fatalErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if state != runspace.StateOpened {
		return nil, fmt.Errorf("runspace pool failed to open: state=%s", state)
	}
	return rp, nil
}

// RunspacePoolOption configures a RunspacePool at creation time.
type RunspacePoolOption func(*RunspacePool)

// WithMinRunspaces sets the minimum number of runspaces in the pool.
func WithMinRunspaces(min int) RunspacePoolOption {
	return func(rp *RunspacePool) { rp.minRunspaces = min }
}

// WithMaxRunspaces sets the maximum number of runspaces in the pool.
func WithMaxRunspaces(max int) RunspacePoolOption {
	return func(rp *RunspacePool) { rp.maxRunspaces = max }
}

// RunspacePool is the blocking facade over a runspace.Pool.
type RunspacePool struct {
	client *Client

	minRunspaces int
	maxRunspaces int
}

// ID returns the unique identifier of the runspace pool.
func (rp *RunspacePool) ID() uuid.UUID { return rp.client.pool.ID() }

// State returns the current state of the runspace pool.
func (rp *RunspacePool) State() runspace.State { return rp.client.pool.State() }

// CreatePowerShell creates a new PowerShell pipeline in this runspace pool.
func (rp *RunspacePool) CreatePowerShell() *PowerShell {
	return &PowerShell{client: rp.client}
}

// ExchangeKey negotiates the MS-PSRP session key and blocks until the
// server's ENCRYPTED_SESSION_KEY has armed the pool's crypto provider, fails,
// or ctx is done. It must complete before a pipeline can carry a
// SecureString without failing with serialization.ErrCryptoUnavailable.
func (rp *RunspacePool) ExchangeKey(ctx context.Context) error {
	c := rp.client
	c.mu.Lock()
	if err := c.pool.ExchangeKey(); err != nil {
		c.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	c.keyExchangeWaiters = append(c.keyExchangeWaiters, ch)
	c.mu.Unlock()
	c.wake()

	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	err := c.fatalErr
	c.mu.Unlock()
	return err
}

// Close sends RUNSPACEPOOL_STATE(Closed) and blocks until the server
// confirms the pool closed, fails, or ctx is done.
func (rp *RunspacePool) Close(ctx context.Context) error {
	c := rp.client
	c.mu.Lock()
	if err := c.pool.Close(); err != nil {
		c.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	c.poolWaiters = append(c.poolWaiters, ch)
	c.mu.Unlock()
	c.wake()

	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	err := c.fatalErr
	c.mu.Unlock()
	return err
}

// command is one AddCommand/AddScript call plus its accumulated
// parameters/arguments.
type command struct {
	name       string
	isScript   bool
	positional []interface{}
	named      map[string]interface{}
	order      []string
}

// PowerShell represents a PowerShell command pipeline queued for
// invocation against a RunspacePool.
type PowerShell struct {
	client   *Client
	commands []*command
}

// AddCommand adds a cmdlet or function to the pipeline.
func (ps *PowerShell) AddCommand(name string) *PowerShell {
	ps.commands = append(ps.commands, &command{name: name, named: make(map[string]interface{})})
	return ps
}

// AddScript adds a script block to the pipeline.
func (ps *PowerShell) AddScript(script string) *PowerShell {
	ps.commands = append(ps.commands, &command{name: script, isScript: true, named: make(map[string]interface{})})
	return ps
}

// AddParameter adds a named parameter to the last command in the pipeline.
func (ps *PowerShell) AddParameter(name string, value interface{}) *PowerShell {
	if len(ps.commands) == 0 {
		return ps
	}
	cmd := ps.commands[len(ps.commands)-1]
	cmd.named[name] = value
	cmd.order = append(cmd.order, name)
	return ps
}

// AddArgument adds a positional argument to the last command.
func (ps *PowerShell) AddArgument(value interface{}) *PowerShell {
	if len(ps.commands) == 0 {
		return ps
	}
	cmd := ps.commands[len(ps.commands)-1]
	cmd.positional = append(cmd.positional, value)
	return ps
}

// Invoke sends CREATE_PIPELINE and blocks until the pipeline completes,
// fails, is stopped, or ctx is done, returning every output object seen.
func (ps *PowerShell) Invoke(ctx context.Context) ([]PSObject, error) {
	c := ps.client

	c.mu.Lock()
	pl, err := c.pool.CreatePipelineBuilder()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	for _, cmd := range ps.commands {
		pl.AddCommand(cmd.name, cmd.isScript)
		for _, arg := range cmd.positional {
			pl.AddArgument(arg)
		}
		for _, name := range cmd.order {
			pl.AddParameter(name, cmd.named[name])
		}
	}
	if err := pl.Invoke(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	w := &pipelineWait{pl: pl, done: make(chan struct{})}
	c.pipelines[pl.ID()] = w
	c.mu.Unlock()
	c.wake()

	select {
	case <-w.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	fatal := c.fatalErr
	c.mu.Unlock()
	if fatal != nil {
		return w.output, fatal
	}
	if pl.State() == pipeline.StateFailed {
		return w.output, pl.Err()
	}
	return w.output, nil
}

// InvokeAsync executes the pipeline asynchronously, returning channels for
// output and a terminal error.
func (ps *PowerShell) InvokeAsync(ctx context.Context) (<-chan PSObject, <-chan error) {
	outputCh := make(chan PSObject)
	errCh := make(chan error, 1)

	go func() {
		defer close(outputCh)
		defer close(errCh)

		output, err := ps.Invoke(ctx)
		for _, obj := range output {
			select {
			case outputCh <- obj:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err != nil {
			errCh <- err
		}
	}()

	return outputCh, errCh
}

// PSObject represents a deserialized PowerShell object.
type PSObject struct {
	TypeNames  []string
	Properties map[string]interface{}
	BaseObject interface{}
}

// String returns a string representation of the PSObject, preferring the
// server-supplied ToString over a Go %v rendering of BaseObject.
func (o PSObject) String() string {
	if s, ok := o.BaseObject.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", o.BaseObject)
}

// valueToPSObject renders an objects.Value coming back from
// DeserializeCLIXML as a PSObject: complex objects keep their type names
// and property bag, primitives land in BaseObject unwrapped.
func valueToPSObject(v objects.Value) PSObject {
	if v.Kind == objects.KindObject && v.Object != nil {
		props := make(map[string]interface{}, len(v.Object.Adapted)+len(v.Object.Extended))
		for k, pv := range v.Object.Adapted {
			props[k] = valueToNative(pv)
		}
		for k, pv := range v.Object.Extended {
			props[k] = valueToNative(pv)
		}
		var base interface{}
		if v.Object.ToString != nil {
			base = *v.Object.ToString
		}
		return PSObject{TypeNames: v.Object.TypeNames, Properties: props, BaseObject: base}
	}
	return PSObject{BaseObject: valueToNative(v)}
}

func valueToNative(v objects.Value) interface{} {
	switch v.Kind {
	case objects.KindNull:
		return nil
	case objects.KindString:
		return v.Str
	case objects.KindChar:
		return v.Char
	case objects.KindBool:
		return v.Bool
	case objects.KindInt8:
		return v.I8
	case objects.KindUInt8:
		return v.U8
	case objects.KindInt16:
		return v.I16
	case objects.KindUInt16:
		return v.U16
	case objects.KindInt32:
		return v.I32
	case objects.KindUInt32:
		return v.U32
	case objects.KindInt64:
		return v.I64
	case objects.KindUInt64:
		return v.U64
	case objects.KindFloat32:
		return v.F32
	case objects.KindFloat64:
		return v.F64
	case objects.KindDecimal:
		return v.Decimal
	case objects.KindDateTime:
		return v.DateTime
	case objects.KindDuration:
		return v.Duration
	case objects.KindByteArray:
		return v.Bytes
	case objects.KindGUID:
		return v.GUID
	case objects.KindURI:
		return v.URI
	case objects.KindVersion:
		return v.Version
	case objects.KindXMLDocument:
		return v.XMLDocument
	case objects.KindScriptBlock:
		return v.ScriptBlock
	case objects.KindObject:
		return valueToPSObject(v)
	default:
		return nil
	}
}
