package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
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

var errMirrorDown = errors.New("mirror down")

type downMirror struct {
	*memgraph.Store
}

func (downMirror) CreateNode(context.Context, domain.Node) error { return errMirrorDown }

type stuckEntities struct {
	*memory.EntityStore
}

func (stuckEntities) PurgeCard(context.Context, string) error { return errors.New("disk full") }

func newTestServer(t *testing.T, entities domain.EntityStore, mirror domain.GraphMirror) *httptest.Server {
	t.Helper()
	svc := application.NewCatalogService(
		saga.New(entities, mirror),
		entities,
		mirror,
		reconcile.New(entities, mirror),
	)
	srv := httptest.NewServer(NewRouter(svc, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func newHealthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	graph, err := memgraph.New()
	require.NoError(t, err)
	return newTestServer(t, memory.NewEntityStore(), graph)
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestCardRoutes(t *testing.T) {
	srv := newHealthyServer(t)

	var card domain.Card
	status := do(t, srv, http.MethodPost, "/api/cards", map[string]any{"name": "CRM", "kind": "application"}, &card)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, card.ID)

	var got domain.Card
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/cards/"+card.ID, nil, &got))
	assert.Equal(t, "CRM", got.Name)

	var updated domain.Card
	status = do(t, srv, http.MethodPatch, "/api/cards/"+card.ID, map[string]any{"name": "CRM v2"}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "CRM v2", updated.Name)

	var list []domain.Card
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/cards?kind=application", nil, &list))
	assert.Len(t, list, 1)

	require.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/api/cards/"+card.ID, nil, nil))

	var body map[string]any
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodDelete, "/api/cards/"+card.ID, nil, &body))
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/cards", map[string]any{"name": "x", "kind": "spaceship"}, &body))
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/cards?limit=lots", nil, &body))
}

func TestGraphRoutes(t *testing.T) {
	srv := newHealthyServer(t)

	var chain application.ChainResult
	status := do(t, srv, http.MethodPost, "/api/workflows/provision-chain", map[string]any{
		"cards": []map[string]any{
			{"name": "Web", "kind": "application"},
			{"name": "API", "kind": "interface"},
			{"name": "DB", "kind": "technology"},
		},
		"links": []map[string]any{{"kind": "depends_on"}, {"kind": "depends_on"}},
	}, &chain)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, chain.CardIDs, 3)
	web, db := chain.CardIDs[0], chain.CardIDs[2]

	var hops []domain.TraversalHop
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/cards/"+web+"/dependencies?depth=1", nil, &hops))
	assert.Len(t, hops, 1)

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/cards/"+db+"/dependents", nil, &hops))
	assert.Len(t, hops, 2)

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/graph/path?from="+web+"&to="+db, nil, &hops))
	assert.Len(t, hops, 2)

	var body map[string]any
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/graph/path?from="+db+"&to="+web, nil, &body))

	var fan []domain.FanIn
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/graph/fan-in?kinds=depends_on", nil, &fan))
	assert.Len(t, fan, 2)

	var rels []domain.Relationship
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/relationships?card_id="+web, nil, &rels))
	require.Len(t, rels, 1)
	require.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/api/relationships/"+rels[0].ID, nil, nil))

	var report reconcile.Report
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/sync", nil, &report))
	assert.True(t, report.Clean())
}

func TestSyncFailureMapsToUnavailable(t *testing.T) {
	graph, err := memgraph.New()
	require.NoError(t, err)
	srv := newTestServer(t, memory.NewEntityStore(), downMirror{Store: graph})

	var body map[string]any
	status := do(t, srv, http.MethodPost, "/api/cards", map[string]any{"name": "CRM", "kind": "application"}, &body)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "preserved", body["integrity"])
	assert.Equal(t, "create", body["op"])
}

func TestCompensationFailureMapsToIntegrityAtRisk(t *testing.T) {
	graph, err := memgraph.New()
	require.NoError(t, err)
	srv := newTestServer(t, stuckEntities{EntityStore: memory.NewEntityStore()}, downMirror{Store: graph})

	var body map[string]any
	status := do(t, srv, http.MethodPost, "/api/cards", map[string]any{"name": "CRM", "kind": "application"}, &body)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "at_risk", body["integrity"])
	assert.Equal(t, "integrity at risk", body["error"])
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newHealthyServer(t)

	var body map[string]any
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", nil, &body))
	assert.Equal(t, "ok", body["status"])

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
