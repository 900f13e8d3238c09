package domain

// RPCCompletedPayload is the payload for EventRPCCompleted events.
// Published once per dispatched call, after the reply or final chunk.
type RPCCompletedPayload struct {
	Method     string `json:"method"`
	ConnID     string `json:"conn_id"`
	Streaming  bool   `json:"streaming,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}
