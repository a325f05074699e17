package outofproc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/smnsjas/psrpcore-go/runspace"
)

// Driver drives a sans-I/O runspace.Pool over an OutOfProcess Transport.
// The pool itself never touches the wire; Driver is the piece that pumps
// bytes between Pool.DataToSend/ReceiveData/PipelineDataToSend and the
// Transport's packet framing, keeping session traffic (sent under NullGUID)
// and each pipeline's traffic (sent under that pipeline's own GUID) on
// separate OutOfProcess channels the way pwsh's server mode expects.
//
// A Driver owns no goroutines of its own. Callers pump it from their own
// I/O loop: call Flush after driving the pool (Open, CreatePipelineBuilder,
// pl.Invoke, ...) to push queued bytes onto the wire, and call PumpOnce (or
// loop calling it) to read incoming packets and feed them to the pool.
type Driver struct {
	transport *Transport
	pool      *runspace.Pool

	mu        sync.Mutex
	commanded map[uuid.UUID]bool
}

// NewDriver creates a Driver for pool over transport.
func NewDriver(transport *Transport, pool *runspace.Pool) *Driver {
	return &Driver{
		transport: transport,
		pool:      pool,
		commanded: make(map[uuid.UUID]bool),
	}
}

// Flush drains every byte the pool currently has queued and writes it to
// the transport, splitting session bytes (NullGUID) from each tracked
// pipeline's bytes (that pipeline's own GUID). It sends a Command packet
// the first time it sees a pipeline, as OutOfProcess requires before any
// data for that pipeline's GUID.
func (d *Driver) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range d.pool.PipelineIDs() {
		if !d.commanded[id] {
			if err := d.transport.SendCommand(id); err != nil {
				return fmt.Errorf("send command for pipeline %s: %w", id, err)
			}
			d.commanded[id] = true
		}
		if data := d.pool.PipelineDataToSend(id); len(data) > 0 {
			if err := d.transport.SendData(id, data); err != nil {
				return fmt.Errorf("send pipeline data for %s: %w", id, err)
			}
		}
	}

	// Every commanded pipeline's outbox is now empty, so this only carries
	// session-scoped bytes plus any pipeline created after the loop above.
	if data := d.pool.DataToSend(); len(data) > 0 {
		if err := d.transport.SendData(NullGUID, data); err != nil {
			return fmt.Errorf("send session data: %w", err)
		}
	}
	return nil
}

// PumpOnce blocks for the next packet from the transport and, if it carries
// fragment data, feeds it to the pool. Packet types that carry no fragment
// payload (CommandAck, CloseAck, SignalAck, DataAck) are acknowledged by
// returning nil with no pool interaction; callers that care about them can
// inspect the returned Packet.
func (d *Driver) PumpOnce() (*Packet, error) {
	packet, err := d.transport.ReceivePacket()
	if err != nil {
		return nil, err
	}
	if packet.Type == PacketTypeData && len(packet.Data) > 0 {
		if err := d.pool.ReceiveData(packet.Data); err != nil {
			return packet, fmt.Errorf("receive data for %s: %w", packet.PSGuid, err)
		}
	}
	return packet, nil
}

// Close sends a session Close packet. It does not close the underlying
// transport's reader/writer; that remains the caller's responsibility.
func (d *Driver) Close() error {
	return d.transport.SendClose(NullGUID)
}

// Forget drops a pipeline from the driver's commanded-set bookkeeping, for
// callers that reuse a pipeline GUID after RemovePipeline evicts it from
// the pool (OutOfProcess never reuses GUIDs in practice, but this keeps the
// two pieces of state from drifting apart if a caller does).
func (d *Driver) Forget(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.commanded, id)
}
