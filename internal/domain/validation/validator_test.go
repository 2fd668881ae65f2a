package validation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/safe-mcp/gateway/pkg/mcp"
)

func rpcID(t *testing.T) jsonrpc.ID {
	t.Helper()
	id, err := jsonrpc.MakeID(float64(1))
	if err != nil {
		t.Fatalf("MakeID: %v", err)
	}
	return id
}

func TestValidatorOnMessages(t *testing.T) {
	v := NewMessageValidator()
	id, _ := jsonrpc.MakeID(float64(1))

	tests := []struct {
		name     string
		decoded  jsonrpc.Message
		wantCode int // 0 means the message must pass
	}{
		{
			name:    "call with known method",
			decoded: &jsonrpc.Request{ID: id, Method: "tools/list"},
		},
		{
			name:    "notification with known method",
			decoded: &jsonrpc.Request{Method: "notifications/progress"},
		},
		{
			name:    "response with result",
			decoded: &jsonrpc.Response{ID: id, Result: json.RawMessage(`{"tools":[]}`)},
		},
		{
			name:    "response with error only",
			decoded: &jsonrpc.Response{ID: id, Error: &jsonrpc.Error{Code: -32600, Message: "Invalid Request"}},
		},
		{
			name:     "call without method",
			decoded:  &jsonrpc.Request{ID: id},
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:     "notification without method",
			decoded:  &jsonrpc.Request{},
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:     "call with unknown method",
			decoded:  &jsonrpc.Request{ID: id, Method: "unknown/method"},
			wantCode: ErrCodeMethodNotFound,
		},
		{
			name:     "response without ID",
			decoded:  &jsonrpc.Response{Result: json.RawMessage(`{}`)},
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:     "response with both result and error",
			decoded:  &jsonrpc.Response{ID: id, Result: json.RawMessage(`{}`), Error: &jsonrpc.Error{Code: -32000, Message: "some error"}},
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:     "response with neither result nor error",
			decoded:  &jsonrpc.Response{ID: id},
			wantCode: ErrCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(&mcp.Message{Decoded: tt.decoded})

			if tt.wantCode == 0 {
				if err != nil {
					t.Errorf("Validate: %v, want pass", err)
				}
				return
			}
			var valErr *ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("error = %v (%T), want *ValidationError", err, err)
			}
			if valErr.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", valErr.Code, tt.wantCode)
			}
		})
	}
}

func TestValidatorRejectsUndecodedMessage(t *testing.T) {
	v := NewMessageValidator()

	err := v.Validate(&mcp.Message{Decoded: nil})
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("error = %v (%T), want *ValidationError", err, err)
	}
	if valErr.Code != ErrCodeParseError {
		t.Errorf("code = %d, want %d", valErr.Code, ErrCodeParseError)
	}
}

func TestValidatorAcceptsEveryKnownMethod(t *testing.T) {
	v := NewMessageValidator()

	for method := range ValidMCPMethods {
		msg := &mcp.Message{Decoded: &jsonrpc.Request{ID: rpcID(t), Method: method}}
		if err := v.Validate(msg); err != nil {
			t.Errorf("method %q rejected: %v", method, err)
		}
	}
}
