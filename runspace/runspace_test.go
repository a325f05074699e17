package runspace

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/smnsjas/psrpcore-go/fragments"
	"github.com/smnsjas/psrpcore-go/host"
	"github.com/smnsjas/psrpcore-go/messages"
	"github.com/smnsjas/psrpcore-go/pipeline"
)

// testLogger records every formatted line for assertions.
type testLogger struct {
	lines []string
}

func (l *testLogger) Printf(format string, v ...interface{}) {
	l.lines = append(l.lines, format)
	_ = v
}

// serverCodec fragments/decodes messages the way a real PSRP peer would,
// without any goroutines: since Pool never blocks, the test can just call
// straight through both directions.
type serverCodec struct {
	fragmenter *fragments.Fragmenter
	assembler  *fragments.Assembler
}

func newServerCodec() *serverCodec {
	return &serverCodec{
		fragmenter: fragments.NewFragmenter(DefaultMaxFragmentSize),
		assembler:  fragments.NewAssembler(),
	}
}

func (c *serverCodec) encode(msg *messages.Message) []byte {
	data, err := msg.Encode()
	if err != nil {
		panic(err)
	}
	frags, err := c.fragmenter.Fragment(data)
	if err != nil {
		panic(err)
	}
	var out []byte
	for _, f := range frags {
		out = append(out, f.Encode()...)
	}
	return out
}

// decodeAll reassembles every complete message found in wire.
func (c *serverCodec) decodeAll(wire []byte) []*messages.Message {
	var out []*messages.Message
	for len(wire) >= fragments.HeaderSize {
		blobLen := int(wire[17])<<24 | int(wire[18])<<16 | int(wire[19])<<8 | int(wire[20])
		total := fragments.HeaderSize + blobLen
		if len(wire) < total {
			break
		}
		frag, err := fragments.Decode(wire[:total])
		if err != nil {
			panic(err)
		}
		wire = wire[total:]
		complete, data, err := c.assembler.Add(frag)
		if err != nil {
			panic(err)
		}
		if complete {
			msg, err := messages.Decode(data)
			if err != nil {
				panic(err)
			}
			out = append(out, msg)
		}
	}
	return out
}

func capabilityReply(poolID uuid.UUID, protocolVersion string) *messages.Message {
	data := []byte(`<Obj RefId="0"><MS><S N="protocolversion">` + protocolVersion + `</S>` +
		`<S N="PSVersion">5.1.0.0</S><S N="SerializationVersion">1.1.0.1</S></MS></Obj>`)
	return messages.NewSessionCapability(poolID, data)
}

func poolStateReply(poolID uuid.UUID, state messages.RunspacePoolState) *messages.Message {
	data := []byte(`<Objs Version="1.1.0.1" xmlns="http://schemas.microsoft.com/powershell/2004/04">` +
		`<I32>` + itoa(int(state)) + `</I32></Objs>`)
	return messages.NewRunspacePoolStateMessage(poolID, state, data)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

// driveOpen runs a full Open() handshake against an in-process fake server,
// feeding replies straight back into pool via ReceiveData. Returns every
// message the fake server observed from the client.
func driveOpen(t *testing.T, pool *Pool) []*messages.Message {
	t.Helper()
	codec := newServerCodec()

	if err := pool.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var seen []*messages.Message
	out := pool.DataToSend()
	seen = append(seen, codec.decodeAll(out)...)
	if len(seen) != 1 || seen[0].Type != messages.MessageTypeSessionCapability {
		t.Fatalf("expected SESSION_CAPABILITY, got %+v", seen)
	}

	reply := codec.encode(capabilityReply(pool.ID(), "2.3"))
	if err := pool.ReceiveData(reply); err != nil {
		t.Fatalf("ReceiveData(capability) failed: %v", err)
	}

	out = pool.DataToSend()
	initMsgs := codec.decodeAll(out)
	if len(initMsgs) != 1 || initMsgs[0].Type != messages.MessageTypeInitRunspacePool {
		t.Fatalf("expected INIT_RUNSPACEPOOL, got %+v", initMsgs)
	}
	seen = append(seen, initMsgs...)

	stateReply := codec.encode(poolStateReply(pool.ID(), messages.RunspacePoolStateOpened))
	if err := pool.ReceiveData(stateReply); err != nil {
		t.Fatalf("ReceiveData(state) failed: %v", err)
	}

	return seen
}

func TestNewPool(t *testing.T) {
	poolID := uuid.New()
	pool := New(poolID)

	if pool.ID() != poolID {
		t.Errorf("expected pool ID %v, got %v", poolID, pool.ID())
	}
	if pool.State() != StateBeforeOpen {
		t.Errorf("expected state BeforeOpen, got %v", pool.State())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateBeforeOpen, "BeforeOpen"},
		{StateOpening, "Opening"},
		{StateOpened, "Opened"},
		{StateClosing, "Closing"},
		{StateClosed, "Closed"},
		{StateBroken, "Broken"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestSetMinMaxRunspaces(t *testing.T) {
	pool := New(uuid.New())

	if err := pool.SetMinRunspaces(2); err != nil {
		t.Errorf("SetMinRunspaces failed: %v", err)
	}
	if err := pool.SetMaxRunspaces(10); err != nil {
		t.Errorf("SetMaxRunspaces failed: %v", err)
	}
	if err := pool.SetMinRunspaces(0); err == nil {
		t.Error("expected error for min runspaces = 0")
	}
	if err := pool.SetMaxRunspaces(0); err == nil {
		t.Error("expected error for max runspaces = 0")
	}

	pool.mu.Lock()
	pool.state = StateOpening
	pool.mu.Unlock()

	if err := pool.SetMinRunspaces(3); err != ErrInvalidState {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestOpenAlreadyOpen(t *testing.T) {
	pool := New(uuid.New())
	pool.mu.Lock()
	pool.state = StateOpened
	pool.mu.Unlock()

	if err := pool.Open(); err != ErrAlreadyOpen {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
}

func TestOpenFromInvalidState(t *testing.T) {
	tests := []struct {
		name          string
		state         State
		expectedError error
	}{
		{"Closed", StateClosed, ErrClosed},
		{"Broken", StateBroken, ErrBroken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := New(uuid.New())
			pool.mu.Lock()
			pool.state = tt.state
			pool.mu.Unlock()

			if err := pool.Open(); err != tt.expectedError {
				t.Errorf("expected %v, got %v", tt.expectedError, err)
			}
		})
	}
}

func TestOpenFullHandshake(t *testing.T) {
	pool := New(uuid.New())
	driveOpen(t, pool)

	if pool.State() != StateOpened {
		t.Fatalf("expected state Opened, got %v", pool.State())
	}

	ev, ok := pool.NextEvent()
	if !ok || ev.Kind != EventPoolStateChanged || ev.PoolState != StateOpening {
		t.Fatalf("expected first event PoolStateChanged(Opening), got %+v ok=%v", ev, ok)
	}

	found := false
	for {
		ev, ok := pool.NextEvent()
		if !ok {
			break
		}
		if ev.Kind == EventPoolOpened {
			found = true
		}
	}
	if !found {
		t.Error("expected an EventPoolOpened among drained events")
	}
}

func TestCloseSuccess(t *testing.T) {
	pool := New(uuid.New())
	pool.mu.Lock()
	pool.state = StateOpened
	pool.mu.Unlock()

	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if pool.State() != StateClosing {
		t.Errorf("expected state Closing after Close(), got %v", pool.State())
	}

	out := pool.DataToSend()
	if len(out) == 0 {
		t.Fatal("expected Close to queue a RUNSPACEPOOL_STATE message")
	}
}

func TestCloseIdempotent(t *testing.T) {
	pool := New(uuid.New())
	pool.mu.Lock()
	pool.state = StateOpened
	pool.mu.Unlock()

	if err := pool.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	pool.ForceClose()
	if err := pool.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestForceClose(t *testing.T) {
	pool := New(uuid.New())
	pool.mu.Lock()
	pool.state = StateOpened
	pool.mu.Unlock()

	pool.ForceClose()
	if pool.State() != StateClosed {
		t.Errorf("expected state Closed, got %v", pool.State())
	}
}

func TestSetBrokenFailsPipelines(t *testing.T) {
	pool := New(uuid.New())
	pool.mu.Lock()
	pool.state = StateOpened
	pool.mu.Unlock()

	pl, err := pool.CreatePipeline("Get-Date")
	if err != nil {
		t.Fatalf("CreatePipeline failed: %v", err)
	}

	pool.mu.Lock()
	pool.setBrokenLocked(ErrProtocolViolation)
	pool.mu.Unlock()

	if pool.State() != StateBroken {
		t.Errorf("expected state Broken, got %v", pool.State())
	}

	var sawFailure bool
	for {
		ev, ok := pool.NextEvent()
		if !ok {
			break
		}
		if ev.Kind == EventPipelineStateChanged && ev.PipelineID == pl.ID() && ev.PipelineState == pipeline.StateFailed {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("expected a pipeline failure event when the pool broke")
	}
}

func TestSetHost(t *testing.T) {
	pool := New(uuid.New())
	customHost := host.NewNullHost()

	if err := pool.SetHost(customHost); err != nil {
		t.Errorf("SetHost failed: %v", err)
	}

	pool.mu.Lock()
	pool.state = StateOpening
	pool.mu.Unlock()

	if err := pool.SetHost(customHost); err != ErrInvalidState {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestSetLoggerAndDebugLogging(t *testing.T) {
	pool := New(uuid.New())
	logger := &testLogger{}
	if err := pool.SetLogger(logger); err != nil {
		t.Fatalf("SetLogger failed: %v", err)
	}

	pool.mu.Lock()
	pool.logf("hello %d", 1)
	pool.mu.Unlock()

	if len(logger.lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(logger.lines))
	}
}

func TestHostCallbackDuringHandshake(t *testing.T) {
	pool := New(uuid.New())
	codec := newServerCodec()

	if err := pool.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	codec.decodeAll(pool.DataToSend())

	reply := codec.encode(capabilityReply(pool.ID(), "2.3"))
	if err := pool.ReceiveData(reply); err != nil {
		t.Fatalf("ReceiveData(capability) failed: %v", err)
	}
	codec.decodeAll(pool.DataToSend())

	call := &host.RemoteHostCall{CallID: 1, MethodID: host.MethodIDWriteErrorLine, MethodParameters: []interface{}{"boom"}}
	callData, err := host.EncodeRemoteHostCall(call)
	if err != nil {
		t.Fatalf("encode host call: %v", err)
	}
	hostCallWire := codec.encode(messages.NewRunspaceHostCall(pool.ID(), callData))
	if err := pool.ReceiveData(hostCallWire); err != nil {
		t.Fatalf("ReceiveData(host call) failed: %v", err)
	}

	responses := codec.decodeAll(pool.DataToSend())
	if len(responses) != 1 || responses[0].Type != messages.MessageTypeRunspaceHostResponse {
		t.Fatalf("expected a queued RUNSPACEPOOL_HOST_RESPONSE, got %+v", responses)
	}

	var sawEvent bool
	for {
		ev, ok := pool.NextEvent()
		if !ok {
			break
		}
		if ev.Kind == EventRunspaceHostCall {
			sawEvent = true
		}
	}
	if !sawEvent {
		t.Error("expected an EventRunspaceHostCall")
	}
}

func TestReceiveSessionCapability_VersionValidation(t *testing.T) {
	tests := []struct {
		name        string
		protocolVer string
		wantBroken  bool
	}{
		{"compatible 2.3", "2.3", false},
		{"compatible 2.0", "2.0", false},
		{"incompatible 1.0", "1.0", true},
		{"incompatible 3.0", "3.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := New(uuid.New())
			codec := newServerCodec()

			if err := pool.Open(); err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			codec.decodeAll(pool.DataToSend())

			reply := codec.encode(capabilityReply(pool.ID(), tt.protocolVer))
			_ = pool.ReceiveData(reply)

			if tt.wantBroken {
				if pool.State() != StateBroken {
					t.Errorf("expected Broken for protocol version %q, got %v", tt.protocolVer, pool.State())
				}
				return
			}
			if pool.State() != StateOpening {
				t.Errorf("expected still Opening (awaiting RUNSPACEPOOL_STATE), got %v", pool.State())
			}
		})
	}
}

func TestParseCapabilityData(t *testing.T) {
	data := []byte(`<Obj RefId="0"><MS><S N="protocolversion">2.3</S>` +
		`<S N="PSVersion">5.1.0.0</S><S N="SerializationVersion">1.1.0.1</S></MS></Obj>`)
	result, err := parseCapabilityData(data)
	if err != nil {
		t.Fatalf("parseCapabilityData failed: %v", err)
	}
	if result.ProtocolVersion != "2.3" || result.PSVersion != "5.1.0.0" {
		t.Errorf("unexpected result: %+v", result)
	}

	if _, err := parseCapabilityData([]byte("not xml")); err == nil {
		t.Error("expected error for invalid XML")
	}
}

func TestParseRunspacePoolState(t *testing.T) {
	data := []byte(`<Objs Version="1.1.0.1" xmlns="http://schemas.microsoft.com/powershell/2004/04"><I32>2</I32></Objs>`)
	result, err := parseRunspacePoolState(data)
	if err != nil {
		t.Fatalf("parseRunspacePoolState failed: %v", err)
	}
	if result.State != messages.RunspacePoolStateOpened {
		t.Errorf("expected Opened, got %v", result.State)
	}

	if _, err := parseRunspacePoolState([]byte("not xml")); err == nil {
		t.Error("expected error for invalid XML")
	}
}

func TestGetHandshakeFragments(t *testing.T) {
	pool := New(uuid.New())
	data, err := pool.GetHandshakeFragments()
	if err != nil {
		t.Fatalf("GetHandshakeFragments failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty fragment bytes")
	}

	codec := newServerCodec()
	msgs := codec.decodeAll(data)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Type != messages.MessageTypeSessionCapability || msgs[1].Type != messages.MessageTypeInitRunspacePool {
		t.Fatalf("unexpected message sequence: %+v", msgs)
	}
}

func TestReceiveDataUnknownPipeline(t *testing.T) {
	pool := New(uuid.New())
	driveOpen(t, pool)
	codec := newServerCodec()

	outputMsg := messages.NewPipelineOutput(pool.ID(), uuid.New(), []byte("orphaned"))
	if err := pool.ReceiveData(codec.encode(outputMsg)); err != nil {
		t.Fatalf("ReceiveData failed: %v", err)
	}

	var sawDiagnostic bool
	for {
		ev, ok := pool.NextEvent()
		if !ok {
			break
		}
		if ev.Kind == EventDiagnostic && ev.Err != nil && strings.Contains(ev.Err.Error(), "unknown pipeline") {
			sawDiagnostic = true
		}
	}
	if !sawDiagnostic {
		t.Error("expected EventDiagnostic for a message referencing an unknown pipeline")
	}
}
