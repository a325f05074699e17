package runspace

import (
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/smnsjas/psrpcore-go/fragments"
	"github.com/smnsjas/psrpcore-go/host"
	"github.com/smnsjas/psrpcore-go/messages"
	"github.com/smnsjas/psrpcore-go/objects"
	"github.com/smnsjas/psrpcore-go/pipeline"
	"github.com/smnsjas/psrpcore-go/serialization"
)

var (
	// ErrInvalidState is returned when an operation is attempted in an invalid state.
	ErrInvalidState = errors.New("invalid runspace pool state")
	// ErrAlreadyOpen is returned when Open is called on an already opening/opened pool.
	ErrAlreadyOpen = errors.New("runspace pool already open")
	// ErrNotOpen is returned when an operation requires an open pool.
	ErrNotOpen = errors.New("runspace pool not open")
	// ErrClosed is returned when an operation is attempted on a closed pool.
	ErrClosed = errors.New("runspace pool is closed")
	// ErrBroken is returned when the pool is in a broken state.
	ErrBroken = errors.New("runspace pool is broken")
	// ErrProtocolViolation is returned when the server violates the PSRP protocol.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrUnknownPipeline is returned when a message references a pipeline
	// ID the pool has no record of.
	ErrUnknownPipeline = errors.New("unknown pipeline")
)

// Logger is an optional interface for debug logging.
// If not set, no logging is performed.
type Logger interface {
	// Printf formats and logs a debug message.
	Printf(format string, v ...interface{})
}

// SecurityEventCallback is invoked for security-relevant protocol events:
// forced re-keying, a broken pool, a rejected out-of-order fragment stream.
// details carries event-specific data (e.g. "reason", "state").
type SecurityEventCallback func(event string, details map[string]any)

// State represents the current state of a RunspacePool.
type State int

const (
	// StateBeforeOpen is the initial state before the pool is opened.
	StateBeforeOpen State = iota
	// StateOpening indicates capability exchange and initialization in progress.
	StateOpening
	// StateOpened indicates the pool is ready for use.
	StateOpened
	// StateClosing indicates the pool is being closed.
	StateClosing
	// StateClosed indicates the pool is closed.
	StateClosed
	// StateBroken indicates an error occurred and the pool is in a failed state.
	StateBroken
)

const (
	// DefaultMaxFragmentSize is the default maximum size for PSRP message fragments.
	// MS-PSRP recommends 32KB (32768 bytes) as a reasonable default.
	DefaultMaxFragmentSize = 32768
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateBeforeOpen:
		return "BeforeOpen"
	case StateOpening:
		return "Opening"
	case StateOpened:
		return "Opened"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateBroken:
		return "Broken"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Pool represents a PSRP runspace pool as a pure, sans-I/O state machine.
type Pool struct {
	mu sync.Mutex

	id    uuid.UUID
	state State

	// Configuration
	minRunspaces int
	maxRunspaces int

	// Protocol state
	fragmenter *fragments.Fragmenter
	assembler  *fragments.Assembler

	// inBuf accumulates bytes handed to ReceiveData until a full fragment
	// header + blob is available; ReceiveData never blocks waiting for more.
	inBuf []byte

	// sessionOutbox holds pool-scoped (non-pipeline) messages queued by
	// state transitions, drained by DataToSend.
	sessionOutbox []*messages.Message

	// events is a FIFO drained by NextEvent.
	events []Event

	// Negotiated capabilities
	serverProtocolVersion  string
	serverPSVersion        string
	negotiatedMaxRunspaces int
	negotiatedMinRunspaces int

	// Host callback handling
	host                host.Host
	hostCallbackHandler *host.CallbackHandler

	// Debug logging
	logger Logger

	// securityCallback receives security-relevant protocol notifications.
	securityCallback SecurityEventCallback

	// metadataPending tracks whether a GET_COMMAND_METADATA request is
	// awaiting its reply, so the reply can be matched without a channel.
	metadataPending bool

	// Pipelines, keyed by pipeline ID.
	pipelines map[uuid.UUID]*pipeline.Pipeline

	// brokenErr records the error that caused a transition to StateBroken.
	brokenErr error

	// keyExchangePrivateKey holds this pool's RSA private key between
	// ExchangeKey queuing PUBLIC_KEY and the matching ENCRYPTED_SESSION_KEY
	// arriving. Nil when no exchange is in flight.
	keyExchangePrivateKey *rsa.PrivateKey

	// cryptoProvider is armed by ExchangeKey/handleEncryptedSessionKeyLocked
	// and handed to every pipeline the pool creates so SecureString values
	// can cross the wire once a session key is negotiated.
	cryptoProvider *AESCryptoProvider
}

// New creates a new RunspacePool with the given ID. The pool starts in
// StateBeforeOpen and performs no I/O of its own.
func New(id uuid.UUID) *Pool {
	defaultHost := host.NewNullHost()
	return &Pool{
		id:                  id,
		state:               StateBeforeOpen,
		minRunspaces:        1,
		maxRunspaces:        1,
		host:                defaultHost,
		hostCallbackHandler: host.NewCallbackHandler(defaultHost),
		fragmenter:          fragments.NewFragmenter(DefaultMaxFragmentSize),
		assembler:           fragments.NewAssembler(),
		pipelines:           make(map[uuid.UUID]*pipeline.Pipeline),
		cryptoProvider:      NewAESCryptoProvider(),
	}
}

// CryptoProvider returns the pool's SecureString encryption provider. It is
// always non-nil, but Encrypt/Decrypt return serialization.ErrCryptoUnavailable
// until ExchangeKey has completed and a session key has been registered.
func (p *Pool) CryptoProvider() *AESCryptoProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cryptoProvider
}

// ExchangeKey generates an RSA key pair and queues a PUBLIC_KEY message,
// starting (or restarting) the MS-PSRP session-key exchange (spec §4.6).
// The pool must be Opened. Safe to call again later (e.g. in response to a
// server PUBLIC_KEY_REQUEST) to force re-exchange with a fresh key pair.
func (p *Pool) ExchangeKey() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpened {
		return ErrNotOpen
	}
	return p.beginKeyExchangeLocked()
}

// beginKeyExchangeLocked generates a fresh RSA key pair, stashes the private
// half for the matching ENCRYPTED_SESSION_KEY, and queues PUBLIC_KEY.
// Caller must hold p.mu.
func (p *Pool) beginKeyExchangeLocked() error {
	priv, err := GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("exchange key: %w", err)
	}
	p.keyExchangePrivateKey = priv
	p.queueSessionMessageLocked(messages.NewPublicKey(p.id, publicKeyPayload(&priv.PublicKey)))
	return nil
}

// handlePublicKeyLocked answers an inbound PUBLIC_KEY: it generates the
// session key, encrypts it under the sender's public key, arms this pool's
// own provider with the same key (both sides now share it), and queues
// ENCRYPTED_SESSION_KEY. Caller must hold p.mu.
func (p *Pool) handlePublicKeyLocked(msg *messages.Message) error {
	encoded, err := parsePublicKeyPayload(msg.Data)
	if err != nil {
		p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("parse PUBLIC_KEY: %w", err)})
		return nil
	}
	pub, err := DecodePublicKey(encoded)
	if err != nil {
		p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("decode PUBLIC_KEY: %w", err)})
		return nil
	}

	sessionKey, err := GenerateSessionKey()
	if err != nil {
		p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("generate session key: %w", err)})
		return nil
	}
	encrypted, err := EncryptSessionKey(pub, sessionKey)
	if err != nil {
		p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("encrypt session key: %w", err)})
		return nil
	}

	if err := p.cryptoProvider.RegisterSessionKey(sessionKey); err != nil {
		p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("register session key: %w", err)})
		return nil
	}
	p.rearmPipelineCryptoLocked()

	p.queueSessionMessageLocked(messages.NewEncryptedSessionKey(p.id, encryptedSessionKeyPayload(encrypted)))
	p.pushEventLocked(Event{Kind: EventSessionKeyEstablished})
	return nil
}

// handleEncryptedSessionKeyLocked answers an inbound ENCRYPTED_SESSION_KEY:
// it decrypts the session key with the private half generated by this
// pool's own ExchangeKey call and arms the crypto provider. Caller must
// hold p.mu.
func (p *Pool) handleEncryptedSessionKeyLocked(msg *messages.Message) error {
	if p.keyExchangePrivateKey == nil {
		p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("%w: ENCRYPTED_SESSION_KEY received without a prior PUBLIC_KEY", ErrProtocolViolation)})
		return nil
	}
	blob, err := parseEncryptedSessionKeyPayload(msg.Data)
	if err != nil {
		p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("parse ENCRYPTED_SESSION_KEY: %w", err)})
		return nil
	}
	sessionKey, err := DecryptSessionKey(p.keyExchangePrivateKey, blob)
	if err != nil {
		p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("decrypt session key: %w", err)})
		return nil
	}
	if err := p.cryptoProvider.RegisterSessionKey(sessionKey); err != nil {
		p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("register session key: %w", err)})
		return nil
	}
	p.keyExchangePrivateKey = nil
	p.rearmPipelineCryptoLocked()

	p.pushEventLocked(Event{Kind: EventSessionKeyEstablished})
	return nil
}

// rearmPipelineCryptoLocked hands the pool's (now-armed) crypto provider to
// every pipeline currently tracked, so a pipeline created before the key
// exchange completed can still emit/consume SecureString values. Caller
// must hold p.mu.
func (p *Pool) rearmPipelineCryptoLocked() {
	for _, pl := range p.pipelines {
		pl.SetCryptoProvider(p.cryptoProvider)
	}
}

// SetHost sets the host implementation for handling host callbacks.
// Must be called before Open().
func (p *Pool) SetHost(h host.Host) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateBeforeOpen {
		return ErrInvalidState
	}
	p.host = h
	p.hostCallbackHandler = host.NewCallbackHandler(h)
	return nil
}

// SetLogger sets the logger for debug logging. Must be called before Open().
func (p *Pool) SetLogger(logger Logger) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateBeforeOpen {
		return ErrInvalidState
	}
	p.logger = logger
	return nil
}

// EnableDebugLogging enables debug logging to stderr using the standard log package.
func (p *Pool) EnableDebugLogging() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = log.New(os.Stderr, "[psrp] ", log.LstdFlags)
}

// Host returns the host implementation associated with the runspace pool.
func (p *Pool) Host() host.Host {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.host
}

// ID returns the unique identifier of the runspace pool.
func (p *Pool) ID() uuid.UUID {
	return p.id
}

// State returns the current state of the runspace pool.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetMessageID sets the current message ID sequence number.
// Useful when handshake messages were sent via an alternate path
// (e.g., WSMan creationXml sends SESSION_CAPABILITY and INIT_RUNSPACEPOOL).
func (p *Pool) SetMessageID(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fragmenter.SetObjectID(id)
}

// SetMinRunspaces sets the minimum number of runspaces in the pool.
// Must be called before Open().
func (p *Pool) SetMinRunspaces(minVal int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateBeforeOpen {
		return ErrInvalidState
	}
	if minVal < 1 {
		return fmt.Errorf("min runspaces must be >= 1, got %d", minVal)
	}
	p.minRunspaces = minVal
	return nil
}

// SetMaxRunspaces sets the maximum number of runspaces in the pool.
// Must be called before Open().
func (p *Pool) SetMaxRunspaces(maxVal int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateBeforeOpen {
		return ErrInvalidState
	}
	if maxVal < 1 {
		return fmt.Errorf("max runspaces must be >= 1, got %d", maxVal)
	}
	p.maxRunspaces = maxVal
	return nil
}

// Open begins the opening handshake: it transitions to StateOpening and
// queues the SESSION_CAPABILITY message on the session outbox. It never
// blocks; the rest of the handshake (INIT_RUNSPACEPOOL, waiting for
// RUNSPACEPOOL_STATE=Opened) is driven by ReceiveData as the server's
// replies arrive.
func (p *Pool) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateOpened, StateOpening:
		return ErrAlreadyOpen
	case StateClosed, StateClosing:
		return ErrClosed
	case StateBroken:
		return ErrBroken
	case StateBeforeOpen:
		// fall through
	default:
		return fmt.Errorf("%w: cannot open from state %s", ErrInvalidState, p.state)
	}

	p.setStateLocked(StateOpening)
	p.queueSessionMessageLocked(p.createSessionCapabilityMessage())
	return nil
}

// Close begins the closing handshake: it transitions to StateClosing and
// queues a RUNSPACEPOOL_STATE(Closed) message. The transition to
// StateClosed completes when the server's own RUNSPACEPOOL_STATE(Closed)
// arrives via ReceiveData; callers that need a hard timeout implement it
// themselves around their transport loop, since Pool never blocks.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed || p.state == StateClosing {
		return nil
	}
	if p.state != StateOpened {
		return fmt.Errorf("%w: cannot close from state %s", ErrInvalidState, p.state)
	}

	p.setStateLocked(StateClosing)

	closeData := []byte(fmt.Sprintf(
		`<Objs Version="1.1.0.1" xmlns="http://schemas.microsoft.com/powershell/2004/04"><I32>%d</I32></Objs>`,
		messages.RunspacePoolStateClosed))
	p.queueSessionMessageLocked(messages.NewRunspacePoolStateMessage(p.id, messages.RunspacePoolStateClosed, closeData))
	return nil
}

// ForceClose immediately transitions the pool to StateClosed without
// waiting for server acknowledgement, for transports that cannot rely on a
// clean handshake (e.g. a killed OutOfProcess child).
func (p *Pool) ForceClose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return
	}
	p.setStateLocked(StateClosed)
}

// setStateLocked transitions to a new state and pushes EventPoolStateChanged.
// Caller must hold p.mu.
func (p *Pool) setStateLocked(newState State) {
	p.state = newState
	p.pushEventLocked(Event{Kind: EventPoolStateChanged, PoolState: newState})
}

// setBrokenLocked transitions the pool to StateBroken, records err, and
// fails every tracked pipeline. Caller must hold p.mu.
func (p *Pool) setBrokenLocked(err error) {
	p.brokenErr = err
	p.setStateLocked(StateBroken)
	p.emitSecurityEventLocked(SecurityEventPoolBroken, map[string]any{"error": err.Error()})
	for id := range p.pipelines {
		p.pushEventLocked(Event{Kind: EventPipelineStateChanged, PipelineID: id, PipelineState: pipeline.StateFailed, Err: err})
	}
}

// createSessionCapabilityMessage builds the SESSION_CAPABILITY message.
func (p *Pool) createSessionCapabilityMessage() *messages.Message {
	// SESSION_CAPABILITY uses raw <Obj> without <Objs> wrapper per MS-PSRP.
	// XML must be compact (no whitespace) for OutOfProcess transport.
	capabilityData := []byte(`<Obj RefId="0"><MS><Version N="protocolversion">2.3</Version>` +
		`<Version N="PSVersion">2.0</Version><Version N="SerializationVersion">1.1.0.1</Version></MS></Obj>`)

	return messages.NewSessionCapability(uuid.Nil, capabilityData)
}

// createInitRunspacePoolMessage builds the INIT_RUNSPACEPOOL message.
func (p *Pool) createInitRunspacePoolMessage(minRunspaces, maxRunspaces int) *messages.Message {
	// Per MS-PSRP, this uses <MS> (MemberSet) format, not <Props>.
	initData := fmt.Sprintf(`<Obj RefId="0"><MS>`+
		`<I32 N="MinRunspaces">%d</I32>`+
		`<I32 N="MaxRunspaces">%d</I32>`+
		`<Obj N="PSThreadOptions" RefId="1">`+
		`<TN RefId="0"><T>System.Management.Automation.Runspaces.PSThreadOptions</T>`+
		`<T>System.Enum</T><T>System.ValueType</T><T>System.Object</T></TN>`+
		`<ToString>Default</ToString><I32>0</I32></Obj>`+
		`<Obj N="ApartmentState" RefId="2">`+
		`<TN RefId="1"><T>System.Threading.ApartmentState</T>`+
		`<T>System.Enum</T><T>System.ValueType</T><T>System.Object</T></TN>`+
		`<ToString>Unknown</ToString><I32>2</I32></Obj>`+
		`<Obj N="HostInfo" RefId="3"><MS>`+
		`<B N="_isHostNull">true</B>`+
		`<B N="_isHostUINull">true</B>`+
		`<B N="_isHostRawUINull">true</B>`+
		`<B N="_useRunspaceHost">true</B>`+
		`</MS></Obj>`+
		`<Nil N="ApplicationArguments"/>`+
		`</MS></Obj>`,
		minRunspaces, maxRunspaces)

	return messages.NewInitRunspacePool(p.id, []byte(initData))
}

// GetHandshakeFragments generates the base64-encoded PSRP fragments matching
// the session initialization messages (SESSION_CAPABILITY and
// INIT_RUNSPACEPOOL). Used for creating the creationXml for WSMan shell
// creation, where the handshake travels inside the shell-creation request
// rather than through ReceiveData/DataToSend.
func (p *Pool) GetHandshakeFragments() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capFrags, err := p.encodeAndFragmentLocked(p.createSessionCapabilityMessage())
	if err != nil {
		return nil, fmt.Errorf("prepare capability fragments: %w", err)
	}
	initFrags, err := p.encodeAndFragmentLocked(p.createInitRunspacePoolMessage(p.minRunspaces, p.maxRunspaces))
	if err != nil {
		return nil, fmt.Errorf("prepare init fragments: %w", err)
	}

	result := make([]byte, 0, len(capFrags)+len(initFrags))
	result = append(result, capFrags...)
	result = append(result, initFrags...)
	return result, nil
}

// CreatePipeline creates a new pipeline in the runspace pool wrapping
// command as a script. Call pl.Invoke() to queue its CREATE_PIPELINE
// message; Pool.DataToSend drains it like any other queued message.
func (p *Pool) CreatePipeline(command string) (*pipeline.Pipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpened {
		return nil, ErrNotOpen
	}

	pl := pipeline.New(p.host, p.id, command)
	pl.SetCryptoProvider(p.cryptoProvider)
	p.pipelines[pl.ID()] = pl
	return pl, nil
}

// CreatePipelineBuilder creates a new pipeline with an empty command list,
// for building multi-command pipelines via AddCommand/AddParameter.
func (p *Pool) CreatePipelineBuilder() (*pipeline.Pipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpened {
		return nil, ErrNotOpen
	}

	pl := pipeline.NewBuilder(p.host, p.id)
	pl.SetCryptoProvider(p.cryptoProvider)
	p.pipelines[pl.ID()] = pl
	return pl, nil
}

// RemovePipeline drops a completed pipeline from the pool's tracking table.
// ReceiveData already does this automatically once a pipeline reaches a
// terminal state; RemovePipeline exists for callers that want to discard a
// pipeline early (e.g. after reading a cached error).
func (p *Pool) RemovePipeline(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pipelines, id)
}

// PipelineIDs returns the IDs of every pipeline the pool is currently
// tracking. Multiplexed transports use this to know which per-pipeline
// channels need draining on each flush cycle.
func (p *Pool) PipelineIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(p.pipelines))
	for id := range p.pipelines {
		ids = append(ids, id)
	}
	return ids
}

// ResetRunspaceState queues a RESET_RUNSPACE_STATE request (MS-PSRP 2.2.2,
// present in the original client but absent from the distilled message
// set's operations).
func (p *Pool) ResetRunspaceState() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpened {
		return ErrNotOpen
	}
	p.queueSessionMessageLocked(messages.NewResetRunspaceState(p.id))
	return nil
}

// GetAvailableRunspaces queues a GET_AVAILABLE_RUNSPACES request. The reply
// (RUNSPACE_AVAILABILITY) surfaces as an EventDiagnostic carrying the raw
// CLIXML payload in Data, since it is a single Int64 with no dedicated
// parser worth the complexity for a diagnostic-only counter.
func (p *Pool) GetAvailableRunspaces() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpened {
		return ErrNotOpen
	}
	p.queueSessionMessageLocked(messages.NewGetAvailableRunspaces(p.id))
	return nil
}

// RequestCommandMetadata queues a GET_COMMAND_METADATA request. names
// allows filtering by wildcards (e.g., "*Process", "Get-*"); if empty, all
// commands are requested. The reply surfaces via NextEvent as
// EventCommandMetadata.
func (p *Pool) RequestCommandMetadata(names []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpened {
		return ErrNotOpen
	}
	if len(names) == 0 {
		names = []string{"*"}
	}

	serializer := serialization.NewSerializer()
	data, err := serializer.SerializeRaw(names)
	if err != nil {
		return fmt.Errorf("serialize metadata request: %w", err)
	}

	p.metadataPending = true
	p.queueSessionMessageLocked(messages.NewGetCommandMetadata(p.id, data))
	return nil
}

// queueSessionMessageLocked appends a pool-scoped message to the session
// outbox. Caller must hold p.mu.
func (p *Pool) queueSessionMessageLocked(msg *messages.Message) {
	p.sessionOutbox = append(p.sessionOutbox, msg)
}

// pushEventLocked appends an event to the FIFO. Caller must hold p.mu.
func (p *Pool) pushEventLocked(e Event) {
	p.events = append(p.events, e)
}

// NextEvent pulls the next queued event, if any. It never blocks.
func (p *Pool) NextEvent() (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.events) == 0 {
		return Event{}, false
	}
	ev := p.events[0]
	p.events = p.events[1:]
	return ev, true
}

// DataToSend drains and encodes every pool-scoped message queued since the
// last call, plus every tracked pipeline's own queued messages, coalescing
// them into a single wire-ready byte slice. Safe to call any number of
// times, including when there is nothing to send (returns nil).
func (p *Pool) DataToSend() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []byte
	for _, msg := range p.sessionOutbox {
		frag, err := p.encodeAndFragmentLocked(msg)
		if err != nil {
			p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("encode session message: %w", err)})
			continue
		}
		out = append(out, frag...)
	}
	p.sessionOutbox = nil

	for _, pl := range p.pipelines {
		out = append(out, p.drainPipelineLocked(pl)...)
	}

	return out
}

// PipelineDataToSend drains and encodes only the named pipeline's queued
// messages. Multiplexed transports (e.g. OutOfProcess/SSH, which carry
// pipeline data on a channel separate from session data) call this instead
// of DataToSend for pipeline traffic.
func (p *Pool) PipelineDataToSend(id uuid.UUID) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	pl, ok := p.pipelines[id]
	if !ok {
		return nil
	}
	return p.drainPipelineLocked(pl)
}

// drainPipelineLocked encodes and fragments everything queued on pl's
// outbox. Caller must hold p.mu.
func (p *Pool) drainPipelineLocked(pl *pipeline.Pipeline) []byte {
	var out []byte
	for _, msg := range pl.TakeOutbox() {
		frag, err := p.encodeAndFragmentLocked(msg)
		if err != nil {
			p.pushEventLocked(Event{Kind: EventDiagnostic, PipelineID: pl.ID(), Err: fmt.Errorf("encode pipeline message: %w", err)})
			continue
		}
		out = append(out, frag...)
	}
	return out
}

// encodeAndFragmentLocked encodes msg to CLIXML, fragments it, and encodes
// each fragment onto the wire. Caller must hold p.mu.
func (p *Pool) encodeAndFragmentLocked(msg *messages.Message) ([]byte, error) {
	encoded, err := msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	frags, err := p.fragmenter.Fragment(encoded)
	if err != nil {
		return nil, fmt.Errorf("fragment message: %w", err)
	}

	var out []byte
	for _, frag := range frags {
		out = append(out, frag.Encode()...)
	}
	return out, nil
}

// ReceiveData feeds inbound bytes to the fragment assembler and dispatches
// every message that becomes complete as a result. It never blocks: bytes
// that don't yet form a complete fragment are buffered for the next call.
func (p *Pool) ReceiveData(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inBuf = append(p.inBuf, data...)

	for {
		if len(p.inBuf) < fragments.HeaderSize {
			return nil
		}

		blobLen := binary.BigEndian.Uint32(p.inBuf[17:21])
		total := fragments.HeaderSize + int(blobLen)
		if len(p.inBuf) < total {
			return nil
		}

		fragData := make([]byte, total)
		copy(fragData, p.inBuf[:total])
		p.inBuf = p.inBuf[total:]

		frag, err := fragments.Decode(fragData)
		if err != nil {
			return fmt.Errorf("decode fragment: %w", err)
		}

		complete, msgData, err := p.assembler.Add(frag)
		if err != nil {
			p.emitSecurityEventLocked(SecurityEventFragmentRejected, map[string]any{"error": err.Error()})
			return fmt.Errorf("assemble fragment: %w", err)
		}
		if !complete {
			continue
		}

		msg, err := messages.Decode(msgData)
		if err != nil {
			return fmt.Errorf("decode message: %w", err)
		}

		if err := p.handleMessageLocked(msg); err != nil {
			return err
		}
	}
}

// handleMessageLocked routes a fully-reassembled message to either a
// tracked pipeline or the pool's own handshake/runspace-level handling.
// Caller must hold p.mu.
func (p *Pool) handleMessageLocked(msg *messages.Message) error {
	p.logf("[pool] received message type=0x%08X pipeline=%s", uint32(msg.Type), msg.PipelineID)

	if msg.PipelineID != uuid.Nil {
		pl, ok := p.pipelines[msg.PipelineID]
		if !ok {
			p.pushEventLocked(Event{Kind: EventDiagnostic, PipelineID: msg.PipelineID, Err: fmt.Errorf("%w: %s", ErrUnknownPipeline, msg.PipelineID)})
			return nil
		}

		events, err := pl.HandleMessage(msg)
		if err != nil {
			p.pushEventLocked(Event{Kind: EventDiagnostic, PipelineID: msg.PipelineID, Err: err})
			return nil
		}
		for _, e := range events {
			p.pushEventLocked(fromPipelineEvent(e))
		}

		if isTerminalPipelineState(pl.State()) {
			delete(p.pipelines, pl.ID())
		}
		return nil
	}

	if p.state == StateOpening {
		return p.handleHandshakeMessageLocked(msg)
	}

	switch msg.Type {
	case messages.MessageTypeRunspaceHostCall:
		return p.handleRunspaceHostCallLocked(msg)

	case messages.MessageTypeRunspacePoolState:
		stateInfo, err := parseRunspacePoolState(msg.Data)
		if err != nil {
			p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("parse runspace pool state: %w", err)})
			return nil
		}
		switch stateInfo.State {
		case messages.RunspacePoolStateClosed:
			p.setStateLocked(StateClosed)
		case messages.RunspacePoolStateBroken:
			p.setBrokenLocked(fmt.Errorf("%w: server reported broken state", ErrProtocolViolation))
		}
		return nil

	case messages.MessageTypeGetCommandMetadata:
		// The server echoes GET_COMMAND_METADATA back with the reply payload
		// in place of a dedicated reply message type.
		p.metadataPending = false
		meta, err := parseCommandMetadata(msg.Data)
		if err != nil {
			p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("parse command metadata: %w", err)})
			return nil
		}
		p.pushEventLocked(Event{Kind: EventCommandMetadata, Metadata: meta})
		return nil

	case messages.MessageTypeApplicationPrivate, messages.MessageTypeRunspacePoolInitData,
		messages.MessageTypeRunspaceAvailability:
		p.pushEventLocked(Event{Kind: EventDiagnostic, Data: msg.Data})
		return nil

	case messages.MessageTypePublicKey:
		return p.handlePublicKeyLocked(msg)

	case messages.MessageTypePublicKeyRequest:
		return p.beginKeyExchangeLocked()

	case messages.MessageTypeEncryptedSessionKey:
		return p.handleEncryptedSessionKeyLocked(msg)

	default:
		p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("unhandled message type 0x%08X", uint32(msg.Type))})
		return nil
	}
}

// handleHandshakeMessageLocked drives the Opening-state sub-sequence:
// SESSION_CAPABILITY response → queue INIT_RUNSPACEPOOL, then
// RUNSPACEPOOL_STATE(Opened) → transition to StateOpened.
// Caller must hold p.mu.
func (p *Pool) handleHandshakeMessageLocked(msg *messages.Message) error {
	switch msg.Type {
	case messages.MessageTypeSessionCapability:
		caps, err := parseCapabilityData(msg.Data)
		if err != nil {
			p.setBrokenLocked(fmt.Errorf("parse capability data: %w", err))
			return nil
		}
		if caps.ProtocolVersion == "" || caps.ProtocolVersion[0] != '2' {
			p.setBrokenLocked(fmt.Errorf(
				"%w: incompatible protocol version: server=%q, client=2.3", ErrProtocolViolation, caps.ProtocolVersion))
			return nil
		}
		p.serverProtocolVersion = caps.ProtocolVersion
		p.serverPSVersion = caps.PSVersion
		p.queueSessionMessageLocked(p.createInitRunspacePoolMessage(p.minRunspaces, p.maxRunspaces))
		return nil

	case messages.MessageTypeApplicationPrivate, messages.MessageTypeRunspacePoolInitData:
		p.logf("[pool] received RUNSPACEPOOL_INIT_DATA during handshake")
		return nil

	case messages.MessageTypeRunspacePoolState:
		stateInfo, err := parseRunspacePoolState(msg.Data)
		if err != nil {
			p.setBrokenLocked(fmt.Errorf("parse runspace pool state: %w", err))
			return nil
		}
		if stateInfo.State != messages.RunspacePoolStateOpened {
			p.setBrokenLocked(fmt.Errorf("%w: expected state Opened, got %d", ErrInvalidState, stateInfo.State))
			return nil
		}

		if stateInfo.MinRunspaces > 0 {
			p.negotiatedMinRunspaces = stateInfo.MinRunspaces
		} else {
			p.negotiatedMinRunspaces = p.minRunspaces
		}
		if stateInfo.MaxRunspaces > 0 {
			p.negotiatedMaxRunspaces = stateInfo.MaxRunspaces
		} else {
			p.negotiatedMaxRunspaces = p.maxRunspaces
		}

		p.setStateLocked(StateOpened)
		p.pushEventLocked(Event{Kind: EventPoolOpened, PoolState: StateOpened})
		return nil

	case messages.MessageTypeRunspaceHostCall:
		return p.handleRunspaceHostCallLocked(msg)

	default:
		p.setBrokenLocked(fmt.Errorf("%w: unexpected message during handshake: %v", ErrProtocolViolation, msg.Type))
		return nil
	}
}

// handleRunspaceHostCallLocked decodes a RUNSPACEPOOL_HOST_CALL, answers it
// synchronously via the pool's host callback handler, and queues the
// response. Caller must hold p.mu.
func (p *Pool) handleRunspaceHostCallLocked(msg *messages.Message) error {
	call, err := host.DecodeRemoteHostCall(msg.Data)
	if err != nil {
		p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("decode host call: %w", err)})
		return nil
	}

	response := p.hostCallbackHandler.HandleCall(call)
	responseData, err := host.EncodeRemoteHostResponseWithProvider(response, p.cryptoProvider)
	if err != nil {
		p.pushEventLocked(Event{Kind: EventDiagnostic, Err: fmt.Errorf("encode host response: %w", err)})
		return nil
	}

	p.queueSessionMessageLocked(messages.NewRunspaceHostResponse(p.id, responseData))
	p.pushEventLocked(Event{Kind: EventRunspaceHostCall, HostCall: call})
	return nil
}

// isTerminalPipelineState reports whether a pipeline in this state should
// be dropped from the pool's tracking table.
func isTerminalPipelineState(s pipeline.State) bool {
	switch s {
	case pipeline.StateCompleted, pipeline.StateFailed, pipeline.StateStopped:
		return true
	default:
		return false
	}
}

// parseCommandMetadata parses the CLIXML command metadata from a GET_COMMAND_METADATA_REPLY message.
func parseCommandMetadata(data []byte) ([]*objects.CommandMetadata, error) {
	deser := serialization.NewDeserializer()
	objs, err := deser.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("deserialize metadata: %w", err)
	}

	var results []*objects.CommandMetadata

	for _, obj := range objs {
		psObj, ok := obj.(*serialization.PSObject)
		if !ok {
			continue
		}

		meta := &objects.CommandMetadata{}
		if name, ok := psObj.Properties["Name"].(string); ok {
			meta.Name = name
		}

		if ct, ok := psObj.Properties["CommandType"].(int32); ok {
			meta.CommandType = int(ct)
		} else if ct, ok := psObj.Properties["CommandType"].(int); ok {
			meta.CommandType = ct
		}

		if params, ok := psObj.Properties["Parameters"].(map[string]interface{}); ok {
			meta.Parameters = make(map[string]objects.ParameterMetadata)
			for pname, pval := range params {
				pm := objects.ParameterMetadata{Name: pname}
				if innerPSObj, ok := pval.(*serialization.PSObject); ok {
					if t, ok := innerPSObj.Properties["ParameterType"].(string); ok {
						pm.Type = t
					}
				}
				meta.Parameters[pname] = pm
			}
		}

		results = append(results, meta)
	}

	return results, nil
}

// capabilityData represents parsed SESSION_CAPABILITY data.
type capabilityData struct {
	ProtocolVersion      string
	PSVersion            string
	SerializationVersion string
}

// parseCapabilityData parses the CLIXML capability data from a SESSION_CAPABILITY message.
func parseCapabilityData(data []byte) (*capabilityData, error) {
	deser := serialization.NewDeserializer()
	objs, err := deser.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("deserialize capability data: %w", err)
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("no capability object in message")
	}

	psObj, ok := objs[0].(*serialization.PSObject)
	if !ok {
		return nil, fmt.Errorf("capability is not a PSObject, got %T", objs[0])
	}

	caps := &capabilityData{}
	if pv, ok := psObj.Properties["protocolversion"].(string); ok {
		caps.ProtocolVersion = pv
	}
	if psv, ok := psObj.Properties["PSVersion"].(string); ok {
		caps.PSVersion = psv
	}
	if sv, ok := psObj.Properties["SerializationVersion"].(string); ok {
		caps.SerializationVersion = sv
	}

	return caps, nil
}

// runspacePoolStateInfo represents parsed RUNSPACEPOOL_STATE data.
type runspacePoolStateInfo struct {
	State        messages.RunspacePoolState
	MinRunspaces int
	MaxRunspaces int
}

// parseRunspacePoolState parses the CLIXML state data from a RUNSPACEPOOL_STATE message.
func parseRunspacePoolState(data []byte) (*runspacePoolStateInfo, error) {
	deser := serialization.NewDeserializer()
	objs, err := deser.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("deserialize state data: %w", err)
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("no state object in message")
	}

	info := &runspacePoolStateInfo{}

	switch v := objs[0].(type) {
	case int32:
		info.State = messages.RunspacePoolState(v)
	case *serialization.PSObject:
		if state, ok := v.Properties["RunspaceState"].(int32); ok {
			info.State = messages.RunspacePoolState(state)
		} else if state, ok := v.Properties["RunspacePoolState"].(int32); ok {
			info.State = messages.RunspacePoolState(state)
		} else {
			for _, val := range v.Properties {
				if state, ok := val.(int32); ok {
					info.State = messages.RunspacePoolState(state)
					break
				}
			}
		}
		if minRS, ok := v.Properties["MinRunspaces"].(int32); ok {
			info.MinRunspaces = int(minRS)
		}
		if maxRS, ok := v.Properties["MaxRunspaces"].(int32); ok {
			info.MaxRunspaces = int(maxRS)
		}
	default:
		return nil, fmt.Errorf("state is not int32 or PSObject, got %T", objs[0])
	}

	if len(objs) > 1 {
		if psObj, ok := objs[1].(*serialization.PSObject); ok {
			if minRS, ok := psObj.Properties["MinRunspaces"].(int32); ok {
				info.MinRunspaces = int(minRS)
			}
			if maxRS, ok := psObj.Properties["MaxRunspaces"].(int32); ok {
				info.MaxRunspaces = int(maxRS)
			}
		}
	}

	return info, nil
}

// logf logs a debug message if a logger is configured.
func (p *Pool) logf(format string, v ...interface{}) {
	if p.logger != nil {
		p.logger.Printf(format, v...)
	}
}
