// Package pipeline implements the PSRP Pipeline state machine.
//
// A Pipeline is a pure, sans-I/O state machine: it never blocks and it
// never talks to a transport directly. Invoking it, feeding it input, or
// stopping it only mutates local state and appends encoded messages to an
// internal outbox; the owning runspace.Pool drains that outbox as part of
// its own DataToSend and hands inbound messages back in via HandleMessage.
// This mirrors the RunspacePool's own ReceiveData/DataToSend contract so a
// caller never has two different pull APIs to learn.
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/smnsjas/psrpcore-go/host"
	"github.com/smnsjas/psrpcore-go/messages"
	"github.com/smnsjas/psrpcore-go/objects"
	"github.com/smnsjas/psrpcore-go/serialization"
)

// ErrInvalidState is returned when an operation is attempted in an invalid state.
var ErrInvalidState = errors.New("invalid pipeline state")

// State represents the current state of a Pipeline.
type State int

const (
	// StateNotStarted indicates the pipeline has not been invoked yet.
	StateNotStarted State = iota
	// StateRunning indicates the pipeline is currently executing.
	StateRunning
	// StateStopping indicates the pipeline is in the process of stopping.
	StateStopping
	// StateStopped indicates the pipeline has been stopped.
	StateStopped
	// StateCompleted indicates the pipeline completed successfully.
	StateCompleted
	// StateFailed indicates the pipeline failed with an error.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// EventKind identifies what a pipeline Event reports.
type EventKind int

const (
	// EventOutput reports a PIPELINE_OUTPUT record.
	EventOutput EventKind = iota
	// EventErrorRecord reports an ERROR_RECORD.
	EventErrorRecord
	// EventDebugRecord reports a DEBUG_RECORD.
	EventDebugRecord
	// EventVerboseRecord reports a VERBOSE_RECORD.
	EventVerboseRecord
	// EventWarningRecord reports a WARNING_RECORD.
	EventWarningRecord
	// EventProgressRecord reports a PROGRESS_RECORD.
	EventProgressRecord
	// EventInformationRecord reports an INFORMATION_RECORD.
	EventInformationRecord
	// EventStateChanged reports a PIPELINE_STATE transition.
	EventStateChanged
	// EventHostCall reports a PIPELINE_HOST_CALL that was decoded and
	// (synchronously) answered; the response is already queued.
	EventHostCall
)

// Event is emitted by HandleMessage for the owning pool to relay through
// its own event queue. Only the fields relevant to Kind are populated.
type Event struct {
	Kind       EventKind
	PipelineID uuid.UUID
	Data       []byte
	State      State
	HostCall   *host.RemoteHostCall
}

// Pipeline represents a PSRP command execution pipeline as a pure state
// machine driven entirely by Invoke/Stop/SendInput/CloseInput and
// HandleMessage. It holds no transport and starts no goroutines.
type Pipeline struct {
	mu sync.Mutex

	id         uuid.UUID
	runspaceID uuid.UUID
	state      State
	err        error

	powerShell *objects.PowerShell

	callbacks *host.CallbackHandler

	// cryptoProvider encrypts/decrypts SecureString values carried in host
	// call responses and pipeline I/O. Set by the owning pool via
	// SetCryptoProvider; nil until then, in which case any SecureString on
	// this pipeline's wire fails with serialization.ErrCryptoUnavailable.
	cryptoProvider serialization.EncryptionProvider

	// outbox accumulates messages produced by state transitions until the
	// owning pool drains them via TakeOutbox.
	outbox []*messages.Message
}

// SetCryptoProvider arms the pipeline's SecureString encryption provider.
// The owning runspace.Pool calls this at creation time and again whenever
// its own session-key exchange completes after the pipeline already exists.
func (p *Pipeline) SetCryptoProvider(provider serialization.EncryptionProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cryptoProvider = provider
}

// New creates a new Pipeline for runspaceID, wrapping command as a script.
// h answers any PIPELINE_HOST_CALL the server sends while it runs.
func New(h host.Host, runspaceID uuid.UUID, command string) *Pipeline {
	ps := objects.NewPowerShell()
	ps.AddCommand(command, true)
	return &Pipeline{
		id:         uuid.New(),
		runspaceID: runspaceID,
		state:      StateNotStarted,
		powerShell: ps,
		callbacks:  host.NewCallbackHandler(h),
	}
}

// NewBuilder creates a new Pipeline with an empty command list.
// Use AddCommand/AddParameter to build the pipeline before Invoke.
func NewBuilder(h host.Host, runspaceID uuid.UUID) *Pipeline {
	return &Pipeline{
		id:         uuid.New(),
		runspaceID: runspaceID,
		state:      StateNotStarted,
		powerShell: objects.NewPowerShell(),
		callbacks:  host.NewCallbackHandler(h),
	}
}

// AddCommand adds a cmdlet or script to the pipeline.
// isScript should be true if name is a script block or raw script code.
func (p *Pipeline) AddCommand(name string, isScript bool) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.powerShell.AddCommand(name, isScript)
	return p
}

// AddParameter adds a named parameter to the last added command.
func (p *Pipeline) AddParameter(name string, value interface{}) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.powerShell.AddParameter(name, value)
	return p
}

// AddArgument adds a positional argument (unnamed parameter) to the last added command.
func (p *Pipeline) AddArgument(value interface{}) *Pipeline {
	return p.AddParameter("", value)
}

// ID returns the unique identifier of the pipeline.
func (p *Pipeline) ID() uuid.UUID {
	return p.id
}

// State returns the current state of the pipeline.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the error that caused a transition to StateFailed, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Invoke transitions the pipeline to Running and queues a CREATE_PIPELINE
// message on the outbox. It never sends anything itself; the owning pool's
// DataToSend drains TakeOutbox and fragments the result onto the wire.
func (p *Pipeline) Invoke() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateNotStarted {
		return ErrInvalidState
	}

	serializer := serialization.NewSerializerWithEncryption(p.cryptoProvider)
	cmdData, err := serializer.Serialize(p.powerShell)
	if err != nil {
		p.state = StateFailed
		p.err = err
		return fmt.Errorf("serialize command: %w", err)
	}

	p.state = StateRunning
	p.outbox = append(p.outbox, messages.NewCreatePipeline(p.runspaceID, p.id, cmdData))
	return nil
}

// Stop queues a SIGNAL message (MS-PSRP 2.2.2.10) and transitions to StateStopping.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRunning {
		return fmt.Errorf("%w: cannot stop pipeline that is not running (state=%s)", ErrInvalidState, p.state)
	}
	p.state = StateStopping
	p.outbox = append(p.outbox, messages.NewSignal(p.runspaceID, p.id))
	return nil
}

// SendInput queues a PIPELINE_INPUT message (MS-PSRP 2.2.2.13) carrying data
// serialized to CLIXML.
func (p *Pipeline) SendInput(data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRunning {
		return fmt.Errorf("%w: cannot send input to pipeline that is not running (state=%s)", ErrInvalidState, p.state)
	}

	serializer := serialization.NewSerializerWithEncryption(p.cryptoProvider)
	xmlData, err := serializer.Serialize(data)
	if err != nil {
		return fmt.Errorf("serialize input: %w", err)
	}

	p.outbox = append(p.outbox, messages.NewPipelineInput(p.runspaceID, p.id, xmlData))
	return nil
}

// CloseInput queues an END_OF_PIPELINE_INPUT message (MS-PSRP 2.2.2.13).
func (p *Pipeline) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRunning {
		return fmt.Errorf("%w: cannot close input of pipeline that is not running (state=%s)", ErrInvalidState, p.state)
	}

	p.outbox = append(p.outbox, messages.NewEndOfPipelineInput(p.runspaceID, p.id))
	return nil
}

// TakeOutbox drains and returns messages queued by state transitions since
// the last call. Called only by the owning pool's DataToSend.
func (p *Pipeline) TakeOutbox() []*messages.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.outbox
	p.outbox = nil
	return out
}

// HandleMessage is a pure function of (state, msg) to ([]Event, new state).
// It never blocks and is called only from the owning pool's ReceiveData.
// A PIPELINE_HOST_CALL is answered synchronously against the callback
// handler supplied at construction and the response is queued on the
// outbox alongside the emitted EventHostCall.
func (p *Pipeline) HandleMessage(msg *messages.Message) ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Type {
	case messages.MessageTypePipelineOutput:
		return []Event{{Kind: EventOutput, PipelineID: p.id, Data: msg.Data}}, nil

	case messages.MessageTypeErrorRecord:
		return []Event{{Kind: EventErrorRecord, PipelineID: p.id, Data: msg.Data}}, nil

	case messages.MessageTypeDebugRecord:
		return []Event{{Kind: EventDebugRecord, PipelineID: p.id, Data: msg.Data}}, nil

	case messages.MessageTypeVerboseRecord:
		return []Event{{Kind: EventVerboseRecord, PipelineID: p.id, Data: msg.Data}}, nil

	case messages.MessageTypeWarningRecord:
		return []Event{{Kind: EventWarningRecord, PipelineID: p.id, Data: msg.Data}}, nil

	case messages.MessageTypeProgressRecord:
		return []Event{{Kind: EventProgressRecord, PipelineID: p.id, Data: msg.Data}}, nil

	case messages.MessageTypeInformationRecord:
		return []Event{{Kind: EventInformationRecord, PipelineID: p.id, Data: msg.Data}}, nil

	case messages.MessageTypePipelineState:
		st, err := parsePipelineState(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("parse pipeline state: %w", err)
		}
		p.state = st
		if st == StateFailed {
			p.err = fmt.Errorf("%w: server reported pipeline failure", ErrInvalidState)
		}
		return []Event{{Kind: EventStateChanged, PipelineID: p.id, State: st}}, nil

	case messages.MessageTypePipelineHostCall:
		call, err := host.DecodeRemoteHostCall(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("decode host call: %w", err)
		}

		response := p.callbacks.HandleCall(call)
		responseData, err := host.EncodeRemoteHostResponseWithProvider(response, p.cryptoProvider)
		if err != nil {
			return nil, fmt.Errorf("encode host response: %w", err)
		}
		p.outbox = append(p.outbox, messages.NewPipelineHostResponse(p.runspaceID, p.id, responseData))

		return []Event{{Kind: EventHostCall, PipelineID: p.id, HostCall: call}}, nil
	}

	return nil, nil
}

// parsePipelineState maps the CLIXML-encoded PIPELINE_STATE payload to a
// local State value.
func parsePipelineState(data []byte) (State, error) {
	deser := serialization.NewDeserializer()
	objs, err := deser.Deserialize(data)
	if err != nil {
		return StateFailed, fmt.Errorf("deserialize pipeline state: %w", err)
	}
	if len(objs) == 0 {
		return StateFailed, fmt.Errorf("no state object in message")
	}

	var wire messages.PipelineState
	switch v := objs[0].(type) {
	case int32:
		wire = messages.PipelineState(v)
	case *serialization.PSObject:
		if state, ok := v.Properties["PipelineState"].(int32); ok {
			wire = messages.PipelineState(state)
		}
	default:
		return StateFailed, fmt.Errorf("state is not int32 or PSObject, got %T", objs[0])
	}

	switch wire {
	case messages.PipelineStateNotStarted:
		return StateNotStarted, nil
	case messages.PipelineStateRunning:
		return StateRunning, nil
	case messages.PipelineStateStopping:
		return StateStopping, nil
	case messages.PipelineStateStopped:
		return StateStopped, nil
	case messages.PipelineStateCompleted:
		return StateCompleted, nil
	case messages.PipelineStateFailed:
		return StateFailed, nil
	case messages.PipelineStateDisconnected:
		return StateStopped, nil
	default:
		return StateFailed, fmt.Errorf("unknown wire pipeline state %d", wire)
	}
}
