package domain

import (
	"bytes"
	"encoding/json"
)

// EnvelopeType discriminates observer wire messages.
type EnvelopeType string

const (
	EnvelopeState     EnvelopeType = "state"
	EnvelopeRPC       EnvelopeType = "rpc"
	EnvelopeProviders EnvelopeType = "providers"
)

// StateEnvelope carries a whole state value in either direction.
type StateEnvelope struct {
	Type  EnvelopeType    `json:"type"`
	State json.RawMessage `json:"state"`
}

// RPCRequest is a call issued by an observer.
type RPCRequest struct {
	Type   EnvelopeType      `json:"type"`
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

// RPCResponse is a unicast reply to one RPCRequest.
// Done is set only for streaming methods.
type RPCResponse struct {
	Type    EnvelopeType    `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Done    *bool           `json:"done,omitempty"`
}

// ProvidersEnvelope broadcasts the aggregated provider view.
type ProvidersEnvelope struct {
	Type      EnvelopeType `json:"type"`
	Providers ProviderView `json:"providers"`
}

// Inbound is the decoded shape of a text frame received from an observer.
type Inbound struct {
	Kind  EnvelopeType // empty for passthrough
	State json.RawMessage
	RPC   RPCRequest
}

type inboundHeader struct {
	Type   EnvelopeType      `json:"type"`
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
	State  json.RawMessage   `json:"state"`
}

// DecodeInbound classifies a text frame. Anything that is not a well-formed
// state update or RPC request decodes with an empty Kind and is passed through.
func DecodeInbound(data []byte) Inbound {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Inbound{}
	}
	var p inboundHeader
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return Inbound{}
	}
	switch p.Type {
	case EnvelopeState:
		if p.State == nil {
			return Inbound{}
		}
		return Inbound{Kind: EnvelopeState, State: p.State}
	case EnvelopeRPC:
		if p.ID == "" || p.Method == "" {
			return Inbound{}
		}
		return Inbound{Kind: EnvelopeRPC, RPC: RPCRequest{Type: EnvelopeRPC, ID: p.ID, Method: p.Method, Args: p.Args}}
	}
	return Inbound{}
}
