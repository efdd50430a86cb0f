package realtime

import (
	"encoding/json"

	"orderflow/internal/saga"
	"orderflow/internal/sharding"
)

// PhaseFeed publishes durable saga phase changes to the hub as JSON frames.
// Each frame carries the shard label so dashboards can group executions the
// same way the runtime registry does.
type PhaseFeed struct {
	hub    *Hub
	shards int
	logf   func(string, ...any)
}

// NewPhaseFeed constructs a feed targeting the given hub. A nil logf disables
// logging.
func NewPhaseFeed(hub *Hub, shards int, logf func(string, ...any)) *PhaseFeed {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if shards <= 0 {
		shards = 1
	}
	return &PhaseFeed{hub: hub, shards: shards, logf: logf}
}

type phaseFrame struct {
	saga.Transition
	Shard string `json:"shard"`
}

// Transition marshals the phase change and hands it to the hub. The send is
// non-blocking: a saga must never stall on a slow or absent dashboard.
func (f *PhaseFeed) Transition(t saga.Transition) {
	data, err := json.Marshal(phaseFrame{
		Transition: t,
		Shard:      sharding.GetShardID(t.SagaID, f.shards),
	})
	if err != nil {
		f.logf("realtime: marshal transition for %s: %v", t.SagaID, err)
		return
	}

	select {
	case f.hub.Broadcast <- data:
	default:
		f.logf("realtime: dropped transition frame for %s", t.SagaID)
	}
}
