package mcp

import (
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// EncodeMessage renders a JSON-RPC message in wire format, delegating
// to the SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage parses wire bytes into a *jsonrpc.Request or
// *jsonrpc.Response depending on the payload shape.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// WrapMessage decodes raw wire bytes into a Message carrying the given
// direction and the current timestamp.
//
// Decode failures surface as errors. Callers that need to pass opaque
// bytes through regardless can build the Message themselves and leave
// Decoded nil.
func WrapMessage(raw []byte, dir Direction) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}

	return &Message{
		Raw:       raw,
		Direction: dir,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}
