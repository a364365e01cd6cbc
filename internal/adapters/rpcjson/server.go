package rpcjson

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tahopetis/archzero/internal/application"
	"github.com/tahopetis/archzero/internal/domain"
	"github.com/tahopetis/archzero/internal/saga"
)

// Error codes outside the JSON-RPC reserved set used by this server.
const (
	codeNotFound          = -32004
	codeConflict          = -32009
	codeSyncCompensated   = -32003
	codeIntegrityAtRisk   = -32001
	codeInternal          = -32603
	codeInvalidParams     = -32602
	codeInvalidRequest    = -32600
	codeMethodNotFound    = -32601
	codeParseError        = -32700
	messageInvalidParams  = "invalid params"
	messageSyncCompensate = "temporarily unable to complete, data integrity preserved"
)

type Server struct {
	service  *application.CatalogService
	log      zerolog.Logger
	listener net.Listener
	path     string
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type idParams struct {
	ID string `json:"id"`
}

type traversalParams struct {
	ID    string   `json:"id"`
	Depth int      `json:"depth"`
	Kinds []string `json:"kinds"`
}

func Start(path string, service *application.CatalogService, logger zerolog.Logger) (*Server, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rpc socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(path)
		return nil, err
	}

	s := &Server{service: service, log: logger, listener: ln, path: path}
	go s.serve()
	return s, nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			_ = enc.Encode(response{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}, ID: nil})
			return
		}

		resp := s.dispatch(context.Background(), req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	if req.JSONRPC != "2.0" || strings.TrimSpace(req.Method) == "" {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}, ID: req.ID}
	}

	switch req.Method {
	case "cards.create":
		var p domain.CreateCardRequest
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		return s.result(req.ID, req.Method)(s.service.CreateCard(ctx, p))
	case "cards.get":
		var p idParams
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		return s.result(req.ID, req.Method)(s.service.GetCard(ctx, p.ID))
	case "cards.list":
		var p struct {
			Kind           string `json:"kind"`
			Phase          string `json:"phase"`
			Q              string `json:"q"`
			Tag            string `json:"tag"`
			IncludeDeleted bool   `json:"include_deleted"`
			Limit          int    `json:"limit"`
		}
		if !decodeOptionalParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		return s.result(req.ID, req.Method)(s.service.ListCards(ctx, domain.CardFilter{
			Kind:           domain.CardKind(p.Kind),
			LifecyclePhase: domain.LifecyclePhase(p.Phase),
			Query:          p.Q,
			Tag:            p.Tag,
			IncludeDeleted: p.IncludeDeleted,
			Limit:          p.Limit,
		}))
	case "cards.update":
		var p struct {
			ID    string           `json:"id"`
			Patch domain.CardPatch `json:"patch"`
		}
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		return s.result(req.ID, req.Method)(s.service.UpdateCard(ctx, p.ID, p.Patch))
	case "cards.delete":
		var p idParams
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		if err := s.service.DeleteCard(ctx, p.ID); err != nil {
			return s.appError(req.ID, req.Method, err)
		}
		return response{JSONRPC: "2.0", Result: map[string]any{"deleted": p.ID}, ID: req.ID}
	case "relationships.create":
		var p domain.CreateRelationshipRequest
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		return s.result(req.ID, req.Method)(s.service.CreateRelationship(ctx, p))
	case "relationships.get":
		var p idParams
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		return s.result(req.ID, req.Method)(s.service.GetRelationship(ctx, p.ID))
	case "relationships.list":
		var p struct {
			CardID         string `json:"card_id"`
			Kind           string `json:"kind"`
			IncludeDeleted bool   `json:"include_deleted"`
			Limit          int    `json:"limit"`
		}
		if !decodeOptionalParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		return s.result(req.ID, req.Method)(s.service.ListRelationships(ctx, domain.RelationshipFilter{
			CardID:         p.CardID,
			Kind:           domain.RelationshipKind(p.Kind),
			IncludeDeleted: p.IncludeDeleted,
			Limit:          p.Limit,
		}))
	case "relationships.update":
		var p struct {
			ID    string                   `json:"id"`
			Patch domain.RelationshipPatch `json:"patch"`
		}
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		return s.result(req.ID, req.Method)(s.service.UpdateRelationship(ctx, p.ID, p.Patch))
	case "relationships.delete":
		var p idParams
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		if err := s.service.DeleteRelationship(ctx, p.ID); err != nil {
			return s.appError(req.ID, req.Method, err)
		}
		return response{JSONRPC: "2.0", Result: map[string]any{"deleted": p.ID}, ID: req.ID}
	case "graph.dependencies", "graph.dependents":
		var p traversalParams
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		opts := application.TraversalOptions{MaxDepth: p.Depth, Kinds: relationshipKinds(p.Kinds)}
		if req.Method == "graph.dependents" {
			return s.result(req.ID, req.Method)(s.service.Dependents(ctx, p.ID, opts))
		}
		return s.result(req.ID, req.Method)(s.service.Dependencies(ctx, p.ID, opts))
	case "graph.fan_in":
		var p struct {
			Kinds []string `json:"kinds"`
			Limit int      `json:"limit"`
		}
		if !decodeOptionalParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		return s.result(req.ID, req.Method)(s.service.FanIn(ctx, relationshipKinds(p.Kinds), p.Limit))
	case "graph.path":
		var p struct {
			From  string   `json:"from"`
			To    string   `json:"to"`
			Depth int      `json:"depth"`
			Kinds []string `json:"kinds"`
		}
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		opts := application.TraversalOptions{MaxDepth: p.Depth, Kinds: relationshipKinds(p.Kinds)}
		return s.result(req.ID, req.Method)(s.service.CriticalPath(ctx, p.From, p.To, opts))
	case "sync.check":
		return s.result(req.ID, req.Method)(s.service.CheckSync(ctx))
	case "sync.repair":
		report, err := s.service.RepairSync(ctx)
		if err != nil {
			s.log.Error().Err(err).Int("drift", report.Total()).Msg("sync repair incomplete")
			return response{JSONRPC: "2.0", Error: &rpcError{Code: codeInternal, Message: err.Error(), Data: report}, ID: req.ID}
		}
		return response{JSONRPC: "2.0", Result: report, ID: req.ID}
	case "workflow.provision_chain":
		var p application.ChainInput
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		return s.result(req.ID, req.Method)(s.service.ProvisionChain(ctx, p))
	default:
		return response{JSONRPC: "2.0", Error: &rpcError{Code: codeMethodNotFound, Message: "method not found"}, ID: req.ID}
	}
}

// result adapts a (value, error) service call into a response.
func (s *Server) result(id any, method string) func(any, error) response {
	return func(v any, err error) response {
		if err != nil {
			return s.appError(id, method, err)
		}
		return response{JSONRPC: "2.0", Result: v, ID: id}
	}
}

func decodeParams(raw json.RawMessage, out any) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func decodeOptionalParams(raw json.RawMessage, out any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return true
	}
	return json.Unmarshal(raw, out) == nil
}

func relationshipKinds(keys []string) []domain.RelationshipKind {
	var out []domain.RelationshipKind
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out = append(out, domain.RelationshipKind(key))
	}
	return out
}

func invalidParams(id any) response {
	return response{JSONRPC: "2.0", Error: &rpcError{Code: codeInvalidParams, Message: messageInvalidParams}, ID: id}
}

func (s *Server) appError(id any, method string, err error) response {
	if sf, ok := saga.AsSyncFailure(err); ok {
		data := map[string]any{"op": sf.Op, "entity": sf.Entity, "id": sf.ID}
		if sf.Inconsistent() {
			s.log.Error().Err(err).Str("method", method).Msg("integrity at risk")
			data["integrity"] = "at_risk"
			return response{JSONRPC: "2.0", Error: &rpcError{Code: codeIntegrityAtRisk, Message: "integrity at risk", Data: data}, ID: id}
		}
		data["integrity"] = "preserved"
		return response{JSONRPC: "2.0", Error: &rpcError{Code: codeSyncCompensated, Message: messageSyncCompensate, Data: data}, ID: id}
	}
	switch {
	case errors.Is(err, domain.ErrInvalid):
		return response{JSONRPC: "2.0", Error: &rpcError{Code: codeInvalidParams, Message: err.Error()}, ID: id}
	case errors.Is(err, domain.ErrNotFound):
		return response{JSONRPC: "2.0", Error: &rpcError{Code: codeNotFound, Message: err.Error()}, ID: id}
	case errors.Is(err, domain.ErrConflict):
		return response{JSONRPC: "2.0", Error: &rpcError{Code: codeConflict, Message: err.Error()}, ID: id}
	}
	return internalError(id, err)
}

func internalError(id any, err error) response {
	return response{JSONRPC: "2.0", Error: &rpcError{Code: codeInternal, Message: "internal error: " + err.Error()}, ID: id}
}
