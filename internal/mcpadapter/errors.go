// Package mcpadapter exposes internal/engine's operation surface as MCP
// tools over stdio, the thin protocol frontend analogous to this
// codebase's internal/mcp, generalized from "one search engine" to the
// full memory/document/system/advanced surface.
package mcpadapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/amanmcp/hybridmemory/internal/errtax"
)

// Standard JSON-RPC error codes, plus a block reserved for engine-specific
// conditions, mirroring this codebase's mcp.MCPError code space.
const (
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
	codeInternalError  = -32603

	codeNotFound          = -32001
	codeConflict          = -32002
	codeUnavailable       = -32003
	codeResourceExhausted = -32004
)

// toolError is an MCP tool error with a stable code and message.
type toolError struct {
	Code    int
	Message string
}

func (e *toolError) Error() string {
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}

// mapError converts an engine error into a toolError, branching on
// errtax.Code rather than string matching.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch errtax.CodeOf(err) {
	case errtax.NotFound:
		return &toolError{Code: codeNotFound, Message: err.Error()}
	case errtax.InvalidInput:
		return &toolError{Code: codeInvalidParams, Message: err.Error()}
	case errtax.Conflict:
		return &toolError{Code: codeConflict, Message: err.Error()}
	case errtax.Unavailable:
		return &toolError{Code: codeUnavailable, Message: err.Error()}
	case errtax.ResourceExhausted:
		return &toolError{Code: codeResourceExhausted, Message: err.Error()}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &toolError{Code: codeUnavailable, Message: "request canceled or timed out"}
	}
	return &toolError{Code: codeInternalError, Message: "internal error"}
}

func newInvalidParamsError(msg string) error {
	return &toolError{Code: codeInvalidParams, Message: msg}
}
