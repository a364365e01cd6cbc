package rpcjson

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tahopetis/archzero/internal/adapters/db/memgraph"
	"github.com/tahopetis/archzero/internal/adapters/db/memory"
	"github.com/tahopetis/archzero/internal/application"
	"github.com/tahopetis/archzero/internal/domain"
	"github.com/tahopetis/archzero/internal/reconcile"
	"github.com/tahopetis/archzero/internal/saga"
)

type flakyMirror struct {
	*memgraph.Store
}

func (flakyMirror) UpdateNode(context.Context, domain.Node) error { return errors.New("mirror down") }

func newTestService(t *testing.T, mirror domain.GraphMirror) *application.CatalogService {
	t.Helper()
	entities := memory.NewEntityStore()
	return application.NewCatalogService(
		saga.New(entities, mirror),
		entities,
		mirror,
		reconcile.New(entities, mirror),
	)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	graph, err := memgraph.New()
	require.NoError(t, err)
	return &Server{service: newTestService(t, graph), log: zerolog.Nop()}
}

func call(t *testing.T, s *Server, method string, params any) response {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	return s.dispatch(context.Background(), request{JSONRPC: "2.0", Method: method, Params: raw, ID: 1})
}

func TestDispatchCardsAndGraph(t *testing.T) {
	s := newTestServer(t)

	resp := call(t, s, "workflow.provision_chain", application.ChainInput{
		Cards: []application.ChainCard{
			{Name: "Billing", Kind: domain.CardKindApplication},
			{Name: "Ledger", Kind: domain.CardKindDataObject},
		},
		Links: []application.ChainLink{{Kind: domain.RelDependsOn}},
	})
	require.Nil(t, resp.Error)
	chain := resp.Result.(application.ChainResult)
	require.Len(t, chain.CardIDs, 2)

	resp = call(t, s, "cards.get", idParams{ID: chain.CardIDs[0]})
	require.Nil(t, resp.Error)
	assert.Equal(t, "Billing", resp.Result.(domain.Card).Name)

	resp = call(t, s, "cards.list", nil)
	require.Nil(t, resp.Error)
	assert.Len(t, resp.Result.([]domain.Card), 2)

	resp = call(t, s, "graph.dependencies", traversalParams{ID: chain.CardIDs[0]})
	require.Nil(t, resp.Error)
	assert.Len(t, resp.Result.([]domain.TraversalHop), 1)

	resp = call(t, s, "graph.dependents", traversalParams{ID: chain.CardIDs[1], Kinds: []string{"impacts"}})
	require.Nil(t, resp.Error)
	assert.Empty(t, resp.Result.([]domain.TraversalHop))

	resp = call(t, s, "sync.check", nil)
	require.Nil(t, resp.Error)
	assert.True(t, resp.Result.(reconcile.Report).Clean())

	resp = call(t, s, "cards.delete", idParams{ID: chain.CardIDs[1]})
	require.Nil(t, resp.Error)

	resp = call(t, s, "cards.get", idParams{ID: "missing"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeNotFound, resp.Error.Code)
}

func TestDispatchRejectsBadRequests(t *testing.T) {
	s := newTestServer(t)

	resp := s.dispatch(context.Background(), request{JSONRPC: "1.0", Method: "cards.list", ID: 1})
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)

	resp = call(t, s, "cards.explode", nil)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)

	resp = call(t, s, "cards.get", nil)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)

	resp = call(t, s, "cards.create", domain.CreateCardRequest{Name: "", Kind: domain.CardKindRisk})
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestDispatchReportsCompensatedSyncFailure(t *testing.T) {
	graph, err := memgraph.New()
	require.NoError(t, err)
	s := &Server{service: newTestService(t, flakyMirror{Store: graph}), log: zerolog.Nop()}

	resp := call(t, s, "cards.create", domain.CreateCardRequest{Name: "CRM", Kind: domain.CardKindApplication})
	require.Nil(t, resp.Error)
	card := resp.Result.(domain.Card)

	resp = call(t, s, "cards.update", map[string]any{"id": card.ID, "patch": map[string]any{"name": "CRM 2"}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeSyncCompensated, resp.Error.Code)
	data := resp.Error.Data.(map[string]any)
	assert.Equal(t, "preserved", data["integrity"])

	resp = call(t, s, "cards.get", idParams{ID: card.ID})
	require.Nil(t, resp.Error)
	assert.Equal(t, "CRM", resp.Result.(domain.Card).Name)
}

func TestServerOverUnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "archzero-rpc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "rpc.sock")

	graph, err := memgraph.New()
	require.NoError(t, err)
	srv, err := Start(socket, newTestService(t, graph), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)

	require.NoError(t, enc.Encode(map[string]any{
		"jsonrpc": "2.0", "method": "cards.create", "id": 7,
		"params": map[string]any{"name": "Gateway", "kind": "technology"},
	}))
	var resp struct {
		Result domain.Card `json:"result"`
		Error  *rpcError   `json:"error"`
		ID     int         `json:"id"`
	}
	require.NoError(t, dec.Decode(&resp))
	require.Nil(t, resp.Error)
	assert.Equal(t, 7, resp.ID)
	assert.Equal(t, "Gateway", resp.Result.Name)

	_, err = conn.Write([]byte("{not json}\n"))
	require.NoError(t, err)
	var bad response
	require.NoError(t, dec.Decode(&bad))
	require.NotNil(t, bad.Error)
	assert.Equal(t, codeParseError, bad.Error.Code)
}
