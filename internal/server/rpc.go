package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/sourcegraph/jsonrpc2"
)

// RPC method names.
const (
	MethodQuery    = "query"
	MethodSubmit   = "submit"
	MethodStatus   = "status"
	MethodResult   = "result"
	MethodCancel   = "cancel"
	MethodRate     = "rate"
	MethodDatasets = "datasets"
)

// RunRef names a run in status, result and cancel calls.
type RunRef struct {
	RunID string `json:"run_id"`
}

// NewRPCHandler serves the Service over JSON-RPC 2.0. Requests on one
// connection are handled concurrently, so a long query does not block status calls.
func NewRPCHandler(svc *Service) jsonrpc2.Handler {
	h := &rpcHandler{svc: svc}
	return jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(h.handle))
}

type rpcHandler struct {
	svc *Service
}

func (h *rpcHandler) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	switch req.Method {
	case MethodQuery:
		var p QueryRequest
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return rpcResult(h.svc.Query(ctx, p))

	case MethodSubmit:
		var p QueryRequest
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		runID, err := h.svc.Submit(ctx, p)
		if err != nil {
			return nil, rpcError(err)
		}
		return RunRef{RunID: runID}, nil

	case MethodStatus:
		var p RunRef
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return rpcResult(h.svc.engine.Status(p.RunID))

	case MethodResult:
		var p RunRef
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		resp, err := h.svc.engine.Result(p.RunID)
		if resp != nil {
			return resp, nil
		}
		return nil, rpcError(err)

	case MethodCancel:
		var p RunRef
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		cancelled, err := h.svc.engine.Cancel(p.RunID)
		if err != nil {
			return nil, rpcError(err)
		}
		return map[string]bool{"cancelled": cancelled}, nil

	case MethodRate:
		var p RateRequest
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if err := h.svc.Rate(ctx, p); err != nil {
			return nil, rpcError(err)
		}
		return map[string]string{"status": "success"}, nil

	case MethodDatasets:
		return h.svc.Datasets(), nil
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
}

func rpcResult[T any](v T, err error) (interface{}, error) {
	if err != nil {
		return nil, rpcError(err)
	}
	return v, nil
}

func decodeParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func rpcError(err error) error {
	if isInvalidRequest(err) {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
}

// ServeConn serves one connection with Content-Length framing and blocks
// until the peer disconnects or ctx is done.
func ServeConn(ctx context.Context, rwc io.ReadWriteCloser, handler jsonrpc2.Handler) {
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, handler)
	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		conn.Close()
	}
}

// ServeRPC accepts JSON-RPC connections on addr until ctx is done.
func ServeRPC(ctx context.Context, addr string, handler jsonrpc2.Handler) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("JSON-RPC server listening (addr: %s)", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go ServeConn(ctx, c, handler)
	}
}
