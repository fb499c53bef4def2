package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
)

// Compile-time interface check.
var _ Transport = (*Simulator)(nil)

// Reply is one scripted simulator answer. A non-nil Err simulates a
// transport failure; otherwise Body is returned with Status (200 when zero).
// Body may be a string, []byte or any JSON-marshalable value.
type Reply struct {
	Status int
	Body   any
	Err    error
}

// Simulator is an in-memory Transport for paper runs and tests. Replies are
// scripted per method and path and consumed in order; the last reply of a
// route is repeated once the queue is drained. Unknown routes answer 404.
type Simulator struct {
	mu       sync.Mutex
	routes   map[string][]Reply
	requests []Endpoint
}

// NewSimulator creates an empty Simulator.
func NewSimulator() *Simulator {
	return &Simulator{routes: make(map[string][]Reply)}
}

// On appends replies to the route method+path and returns s.
func (s *Simulator) On(method, path string, replies ...Reply) *Simulator {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.routes[key] = append(s.routes[key], replies...)
	return s
}

// Factory returns a TransportFactory that always yields s.
func (s *Simulator) Factory() TransportFactory {
	return func(string) Transport { return s }
}

// Do implements Transport.
func (s *Simulator) Do(_ context.Context, ep Endpoint) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, ep)
	key := ep.String()
	queue := s.routes[key]
	if len(queue) == 0 {
		return &Response{StatusCode: http.StatusNotFound, Body: []byte(`{"Message":"no simulated route"}`)}, nil
	}

	reply := queue[0]
	if len(queue) > 1 {
		s.routes[key] = queue[1:]
	}
	if reply.Err != nil {
		return nil, reply.Err
	}

	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	var body []byte
	switch b := reply.Body.(type) {
	case nil:
	case []byte:
		body = b
	case string:
		body = []byte(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		body = encoded
	}
	return &Response{StatusCode: status, Body: body}, nil
}

// Requests returns every request received so far.
func (s *Simulator) Requests() []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Endpoint(nil), s.requests...)
}

// Count returns how many requests hit method+path.
func (s *Simulator) Count(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}
