package kernel

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
)

// Pinned map names, as declared by the enforcement program.
const (
	MapSignals          = "signals"
	MapCreateConnEvents = "create_conn_events"
	MapFreeConnEvents   = "free_conn_events"
	MapConnections      = "connections"
)

// Objects are the kernel maps this process attaches to. They are owned by
// the process root and handed to every worker at startup.
type Objects struct {
	Signals     *ebpf.Map
	FlowCreated *ebpf.Map
	FlowFreed   *ebpf.Map
	Connections *ebpf.Map
}

// Validate checks that the maps have the types and sizes this binary was
// built for.
func (o *Objects) Validate() error {
	rings := map[string]*ebpf.Map{
		MapSignals:          o.Signals,
		MapCreateConnEvents: o.FlowCreated,
		MapFreeConnEvents:   o.FlowFreed,
	}
	for name, m := range rings {
		if m == nil {
			return fmt.Errorf("map %s: missing", name)
		}
		if m.Type() != ebpf.RingBuf {
			return fmt.Errorf("map %s: type %v, want %v", name, m.Type(), ebpf.RingBuf)
		}
	}
	if o.Connections == nil {
		return fmt.Errorf("map %s: missing", MapConnections)
	}
	if ks := o.Connections.KeySize(); ks != 8 {
		return fmt.Errorf("map %s: key size %d, want 8", MapConnections, ks)
	}
	if vs := o.Connections.ValueSize(); int(vs) != RecordSize {
		return fmt.Errorf("map %s: value size %d, want %d", MapConnections, vs, RecordSize)
	}
	return nil
}

func (o *Objects) Close() error {
	var errs []error
	for _, m := range []*ebpf.Map{o.Signals, o.FlowCreated, o.FlowFreed, o.Connections} {
		if m == nil {
			continue
		}
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
