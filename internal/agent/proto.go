package agent

// Envelope is one newline-delimited JSON message on a worker's stdin or
// stdout. The daemon never interprets Payload or Result; they pass through
// verbatim.
//
//	daemon -> worker: {"op":"task","task_id":"t1","task_type":"build","payload":"..."}
//	daemon -> worker: {"op":"interrupt","task_id":"t1"}
//	worker -> daemon: {"op":"heartbeat","task_id":"t1"}
//	worker -> daemon: {"op":"result","task_id":"t1","ok":true,"result":"..."}
type Envelope struct {
	Op       string `json:"op"`
	TaskID   string `json:"task_id,omitempty"`
	TaskType string `json:"task_type,omitempty"`
	Payload  string `json:"payload,omitempty"`
	OK       bool   `json:"ok,omitempty"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Operation names for Envelope.Op.
const (
	OpTask      = "task"
	OpInterrupt = "interrupt"
	OpResult    = "result"
	OpHeartbeat = "heartbeat"
)
