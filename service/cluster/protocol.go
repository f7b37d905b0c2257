package cluster

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
)

const (
	// MethodPing asks a freshly spawned worker to report that it is ready
	MethodPing = "PING"
	// MethodPong is the worker's reply to MethodPing
	MethodPong = "PONG"
	// MethodUpdateState carries a work unit's state change from a worker
	MethodUpdateState = "UPDATE_STATE"
)

// WorkState is the state of one unit of work as seen by the primary
type WorkState string

const (
	WorkSubmitted   WorkState = "SUBMITTED"
	WorkQueued      WorkState = "QUEUED"
	WorkProgressing WorkState = "PROGRESSING"
	WorkRejected    WorkState = "REJECTED"
	WorkDone        WorkState = "DONE"
)

// MemberState is the state of a worker process
type MemberState string

const (
	MemberInitializing MemberState = "INITIALIZING"
	MemberFree         MemberState = "FREE"
	MemberBusy         MemberState = "BUSY"
	MemberError        MemberState = "ERROR"
)

var (
	// ErrWorkerUnavailable is returned for work that no live worker is left to run
	ErrWorkerUnavailable = errors.New("no cluster worker available")
	// ErrManagerStopped is returned for work outstanding when the manager stops
	ErrManagerStopped = errors.New("cluster manager stopped")
)

// Message is one JSON line exchanged between the primary and a worker.
// The primary sends {uuid, method, data}; a worker answers {method: UPDATE_STATE, work} or {method: PONG}.
type Message struct {
	UUID   string          `json:"uuid,omitempty"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Work   *WorkUpdate     `json:"work,omitempty"`
}

// WorkUpdate reports the progress of a unit
type WorkUpdate struct {
	UUID   string          `json:"uuid"`
	State  WorkState       `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RemoteError is a handler failure reported by a worker
type RemoteError struct {
	Method  string
	Message string
}

func (e RemoteError) Error() string {
	return e.Method + ": " + e.Message
}

// conn reads and writes newline delimited JSON messages
type conn struct {
	mu  sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
	w   io.Closer
}

func newConn(r io.Reader, w io.WriteCloser) *conn {
	return &conn{enc: json.NewEncoder(w), dec: json.NewDecoder(r), w: w}
}

// send is safe for concurrent use
func (c *conn) send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(m)
}

// receive must only be called from one goroutine
func (c *conn) receive() (Message, error) {
	var m Message
	err := c.dec.Decode(&m)
	return m, err
}

func (c *conn) close() error {
	return c.w.Close()
}
