package transport

import (
	"context"
	"encoding/json"
)

// Callback runs a named operation. The bool is false when the name is not
// recognized, in which case no response is sent.
type Callback func(ctx context.Context, name string, payload json.RawMessage) (any, bool)

// Transport carries named operations from callers to a Callback and pushes
// out-of-band events back to them.
type Transport interface {
	// Handle registers the operation names and the callback serving them.
	Handle(names []string, cb Callback)
	// Send pushes an event to every connected caller.
	Send(event string, data any) error
	// Start serves until ctx is done or the input ends.
	Start(ctx context.Context) error
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
