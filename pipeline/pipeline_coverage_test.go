package pipeline

import (
	"testing"

	"github.com/google/uuid"
	"github.com/smnsjas/psrpcore-go/host"
	"github.com/smnsjas/psrpcore-go/messages"
)

// TestBuilderAccessors verifies the builder constructor and read-only accessors.
func TestBuilderAccessors(t *testing.T) {
	runspaceID := uuid.New()
	p := NewBuilder(host.NewNullHost(), runspaceID)

	if p.ID() == uuid.Nil {
		t.Error("ID() returned Nil UUID")
	}
	if p.State() != StateNotStarted {
		t.Errorf("expected NotStarted, got %v", p.State())
	}

	p.AddCommand("Get-Process", false).
		AddParameter("Name", "pwsh").
		AddArgument("extra")

	if err := p.Invoke(); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if out := p.TakeOutbox(); len(out) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(out))
	}
}

// TestOtherRecordKinds verifies each out-of-band record type is relayed as
// its own event kind without mutating pipeline state.
func TestOtherRecordKinds(t *testing.T) {
	p := New(host.NewNullHost(), uuid.New(), "test")
	_ = p.Invoke()
	p.TakeOutbox()

	cases := []struct {
		msgType messages.MessageType
		kind    EventKind
	}{
		{messages.MessageTypeDebugRecord, EventDebugRecord},
		{messages.MessageTypeVerboseRecord, EventVerboseRecord},
		{messages.MessageTypeWarningRecord, EventWarningRecord},
		{messages.MessageTypeProgressRecord, EventProgressRecord},
		{messages.MessageTypeInformationRecord, EventInformationRecord},
	}

	for _, tc := range cases {
		events, err := p.HandleMessage(&messages.Message{
			Type:       tc.msgType,
			PipelineID: p.ID(),
			Data:       []byte("record"),
		})
		if err != nil {
			t.Fatalf("HandleMessage(%v) failed: %v", tc.msgType, err)
		}
		if len(events) != 1 || events[0].Kind != tc.kind {
			t.Errorf("HandleMessage(%v): expected kind %v, got %+v", tc.msgType, tc.kind, events)
		}
	}

	// State stays Running: out-of-band records never transition the pipeline.
	if p.State() != StateRunning {
		t.Errorf("expected state to remain Running, got %v", p.State())
	}
}
