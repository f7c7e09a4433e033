package pipeline

// resolver maps a parent call id to the conversation that owns it.
type resolver struct {
	primaryID string
	routes    map[string]string // callID -> conversationID
}

func newResolver(primaryID string) *resolver {
	return &resolver{primaryID: primaryID, routes: make(map[string]string)}
}

// Resolve returns the conversation for parentCallID. Empty or unknown
// parents resolve to the primary conversation.
func (r *resolver) Resolve(parentCallID string) string {
	if parentCallID == "" {
		return r.primaryID
	}
	if id, ok := r.routes[parentCallID]; ok {
		return id
	}
	return r.primaryID
}

// Known reports whether parentCallID has a route.
func (r *resolver) Known(parentCallID string) bool {
	_, ok := r.routes[parentCallID]
	return ok
}

func (r *resolver) register(callID, conversationID string) {
	r.routes[callID] = conversationID
}

func (r *resolver) clear() {
	r.routes = make(map[string]string)
}
