package runspace

import (
	"errors"

	"github.com/google/uuid"
	"github.com/smnsjas/psrpcore-go/host"
	"github.com/smnsjas/psrpcore-go/objects"
	"github.com/smnsjas/psrpcore-go/pipeline"
)

// errUnknownPipelineEvent marks a pipeline.Event kind this package does not
// know how to translate; it should only appear if the pipeline package
// gains an event kind without a matching case here.
var errUnknownPipelineEvent = errors.New("runspace: unknown pipeline event kind")

// EventKind identifies what an Event reports. NextEvent drains a single
// FIFO covering both pool-scoped and pipeline-scoped notifications, since
// a sans-I/O Pool is driven by exactly one goroutine by design.
type EventKind int

const (
	// EventPoolStateChanged reports any Pool.State() transition.
	EventPoolStateChanged EventKind = iota
	// EventPoolOpened reports the pool completing its Open handshake.
	EventPoolOpened
	// EventPipelineOutput reports a PIPELINE_OUTPUT record.
	EventPipelineOutput
	// EventPipelineErrorRecord reports an ERROR_RECORD.
	EventPipelineErrorRecord
	// EventPipelineDebugRecord reports a DEBUG_RECORD.
	EventPipelineDebugRecord
	// EventPipelineVerboseRecord reports a VERBOSE_RECORD.
	EventPipelineVerboseRecord
	// EventPipelineWarningRecord reports a WARNING_RECORD.
	EventPipelineWarningRecord
	// EventPipelineProgressRecord reports a PROGRESS_RECORD.
	EventPipelineProgressRecord
	// EventPipelineInformationRecord reports an INFORMATION_RECORD.
	EventPipelineInformationRecord
	// EventPipelineStateChanged reports a pipeline's PIPELINE_STATE transition.
	EventPipelineStateChanged
	// EventPipelineHostCall reports a PIPELINE_HOST_CALL that has already
	// been answered; the response is queued for the next DataToSend/
	// PipelineDataToSend call.
	EventPipelineHostCall
	// EventRunspaceHostCall reports a RUNSPACEPOOL_HOST_CALL that has
	// already been answered; the response is queued for the next
	// DataToSend call.
	EventRunspaceHostCall
	// EventCommandMetadata reports a GET_COMMAND_METADATA_REPLY.
	EventCommandMetadata
	// EventSessionKeyEstablished reports that the pool's crypto provider has
	// been armed with a negotiated session key and SecureString values can
	// now be serialized/deserialized without ErrCryptoUnavailable.
	EventSessionKeyEstablished
	// EventDiagnostic reports a non-fatal protocol anomaly (unexpected
	// message during handshake, unparseable state payload, a message for
	// an unknown pipeline) that the caller may want to log.
	EventDiagnostic
)

// String returns a human-readable label for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventPoolStateChanged:
		return "PoolStateChanged"
	case EventPoolOpened:
		return "PoolOpened"
	case EventPipelineOutput:
		return "PipelineOutput"
	case EventPipelineErrorRecord:
		return "PipelineErrorRecord"
	case EventPipelineDebugRecord:
		return "PipelineDebugRecord"
	case EventPipelineVerboseRecord:
		return "PipelineVerboseRecord"
	case EventPipelineWarningRecord:
		return "PipelineWarningRecord"
	case EventPipelineProgressRecord:
		return "PipelineProgressRecord"
	case EventPipelineInformationRecord:
		return "PipelineInformationRecord"
	case EventPipelineStateChanged:
		return "PipelineStateChanged"
	case EventPipelineHostCall:
		return "PipelineHostCall"
	case EventRunspaceHostCall:
		return "RunspaceHostCall"
	case EventCommandMetadata:
		return "CommandMetadata"
	case EventSessionKeyEstablished:
		return "SessionKeyEstablished"
	case EventDiagnostic:
		return "Diagnostic"
	default:
		return "Unknown"
	}
}

// Event is the sum type drained by Pool.NextEvent. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// Pool-level fields.
	PoolState State

	// Pipeline-level fields.
	PipelineID    uuid.UUID
	PipelineState pipeline.State
	Data          []byte

	// Host call fields (populated for EventPipelineHostCall/EventRunspaceHostCall).
	HostCall *host.RemoteHostCall

	// Metadata is populated for EventCommandMetadata.
	Metadata []*objects.CommandMetadata

	// Err carries the failure detail for EventDiagnostic and any terminal
	// state change caused by an error.
	Err error
}

// fromPipelineEvent translates a pipeline.Event into the pool's unified
// Event sum type.
func fromPipelineEvent(e pipeline.Event) Event {
	switch e.Kind {
	case pipeline.EventOutput:
		return Event{Kind: EventPipelineOutput, PipelineID: e.PipelineID, Data: e.Data}
	case pipeline.EventErrorRecord:
		return Event{Kind: EventPipelineErrorRecord, PipelineID: e.PipelineID, Data: e.Data}
	case pipeline.EventDebugRecord:
		return Event{Kind: EventPipelineDebugRecord, PipelineID: e.PipelineID, Data: e.Data}
	case pipeline.EventVerboseRecord:
		return Event{Kind: EventPipelineVerboseRecord, PipelineID: e.PipelineID, Data: e.Data}
	case pipeline.EventWarningRecord:
		return Event{Kind: EventPipelineWarningRecord, PipelineID: e.PipelineID, Data: e.Data}
	case pipeline.EventProgressRecord:
		return Event{Kind: EventPipelineProgressRecord, PipelineID: e.PipelineID, Data: e.Data}
	case pipeline.EventInformationRecord:
		return Event{Kind: EventPipelineInformationRecord, PipelineID: e.PipelineID, Data: e.Data}
	case pipeline.EventStateChanged:
		return Event{Kind: EventPipelineStateChanged, PipelineID: e.PipelineID, PipelineState: e.State}
	case pipeline.EventHostCall:
		return Event{Kind: EventPipelineHostCall, PipelineID: e.PipelineID, HostCall: e.HostCall}
	default:
		return Event{Kind: EventDiagnostic, PipelineID: e.PipelineID, Err: errUnknownPipelineEvent}
	}
}
