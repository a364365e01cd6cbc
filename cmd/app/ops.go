package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tahopetis/archzero/internal/application"
	"github.com/tahopetis/archzero/internal/domain"
)

type cardListOptions struct {
	Kind           string
	Phase          string
	Q              string
	Tag            string
	IncludeDeleted bool
	Limit          int
}

type traversalArgs struct {
	ID    string
	Depth int
	Kinds string
}

func doCardsList(ctx context.Context, cfg cliConfig, opts cardListOptions, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "cards.list", map[string]any{
			"kind":            opts.Kind,
			"phase":           opts.Phase,
			"q":               opts.Q,
			"tag":             opts.Tag,
			"include_deleted": opts.IncludeDeleted,
			"limit":           opts.Limit,
		}, out)
	}
	q := url.Values{}
	setQuery(q, "kind", opts.Kind)
	setQuery(q, "phase", opts.Phase)
	setQuery(q, "q", opts.Q)
	setQuery(q, "tag", opts.Tag)
	if opts.IncludeDeleted {
		q.Set("include_deleted", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodGet, withQuery("/api/cards", q), nil, out)
}

func doCardsGet(ctx context.Context, cfg cliConfig, id string, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "cards.get", map[string]any{"id": id}, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodGet, "/api/cards/"+url.PathEscape(id), nil, out)
}

func doCardsCreate(ctx context.Context, cfg cliConfig, req domain.CreateCardRequest, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "cards.create", req, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodPost, "/api/cards", req, out)
}

func doCardsUpdate(ctx context.Context, cfg cliConfig, id string, patch domain.CardPatch, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "cards.update", map[string]any{"id": id, "patch": patch}, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodPatch, "/api/cards/"+url.PathEscape(id), patch, out)
}

func doCardsDelete(ctx context.Context, cfg cliConfig, id string) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "cards.delete", map[string]any{"id": id}, nil)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodDelete, "/api/cards/"+url.PathEscape(id), nil, nil)
}

func doRelationshipsList(ctx context.Context, cfg cliConfig, cardID, kind string, limit int, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "relationships.list", map[string]any{"card_id": cardID, "kind": kind, "limit": limit}, out)
	}
	q := url.Values{}
	setQuery(q, "card_id", cardID)
	setQuery(q, "kind", kind)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodGet, withQuery("/api/relationships", q), nil, out)
}

func doRelationshipsCreate(ctx context.Context, cfg cliConfig, req domain.CreateRelationshipRequest, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "relationships.create", req, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodPost, "/api/relationships", req, out)
}

func doRelationshipsUpdate(ctx context.Context, cfg cliConfig, id string, patch domain.RelationshipPatch, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "relationships.update", map[string]any{"id": id, "patch": patch}, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodPatch, "/api/relationships/"+url.PathEscape(id), patch, out)
}

func doRelationshipsDelete(ctx context.Context, cfg cliConfig, id string) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "relationships.delete", map[string]any{"id": id}, nil)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodDelete, "/api/relationships/"+url.PathEscape(id), nil, nil)
}

// doTraverse runs graph.dependencies or graph.dependents.
func doTraverse(ctx context.Context, cfg cliConfig, direction domain.Direction, args traversalArgs, out any) error {
	method, route := "graph.dependencies", "dependencies"
	if direction == domain.Incoming {
		method, route = "graph.dependents", "dependents"
	}
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, method, map[string]any{"id": args.ID, "depth": args.Depth, "kinds": splitCSV(args.Kinds)}, out)
	}
	q := url.Values{}
	setQuery(q, "kinds", args.Kinds)
	if args.Depth > 0 {
		q.Set("depth", strconv.Itoa(args.Depth))
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodGet, withQuery("/api/cards/"+url.PathEscape(args.ID)+"/"+route, q), nil, out)
}

func doFanIn(ctx context.Context, cfg cliConfig, kinds string, limit int, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "graph.fan_in", map[string]any{"kinds": splitCSV(kinds), "limit": limit}, out)
	}
	q := url.Values{}
	setQuery(q, "kinds", kinds)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodGet, withQuery("/api/graph/fan-in", q), nil, out)
}

func doPath(ctx context.Context, cfg cliConfig, from, to string, depth int, kinds string, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "graph.path", map[string]any{"from": from, "to": to, "depth": depth, "kinds": splitCSV(kinds)}, out)
	}
	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)
	setQuery(q, "kinds", kinds)
	if depth > 0 {
		q.Set("depth", strconv.Itoa(depth))
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodGet, withQuery("/api/graph/path", q), nil, out)
}

func doSyncCheck(ctx context.Context, cfg cliConfig, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "sync.check", nil, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodGet, "/api/sync", nil, out)
}

func doSyncRepair(ctx context.Context, cfg cliConfig, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "sync.repair", nil, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodPost, "/api/sync/repair", nil, out)
}

func doWorkflowProvisionChain(ctx context.Context, cfg cliConfig, in application.ChainInput, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "workflow.provision_chain", in, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodPost, "/api/workflows/provision-chain", in, out)
}

// parseChainCards reads "kind:Name,kind:Name".
func parseChainCards(input string) ([]application.ChainCard, error) {
	parts := splitCSV(input)
	cards := make([]application.ChainCard, 0, len(parts))
	for _, part := range parts {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[1]) == "" {
			return nil, fmt.Errorf("cards format must be kind:Card Name,kind:Card Name")
		}
		cards = append(cards, application.ChainCard{
			Kind: domain.CardKind(strings.TrimSpace(kv[0])),
			Name: strings.TrimSpace(kv[1]),
		})
	}
	if len(cards) < 2 {
		return nil, fmt.Errorf("at least two cards are required")
	}
	return cards, nil
}

func parseChainLinks(input string) ([]application.ChainLink, error) {
	parts := splitCSV(input)
	links := make([]application.ChainLink, 0, len(parts))
	for _, kind := range parts {
		links = append(links, application.ChainLink{Kind: domain.RelationshipKind(kind)})
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("at least one link is required")
	}
	return links, nil
}

// parseCardAttrs reads "Card Name:key=value,key=value;Other:key=value".
func parseCardAttrs(input string) map[string]domain.Attributes {
	out := make(map[string]domain.Attributes)
	for _, group := range strings.Split(input, ";") {
		parts := strings.SplitN(strings.TrimSpace(group), ":", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		if name == "" {
			continue
		}
		attrs := parseAttrs(parts[1])
		if len(attrs) == 0 {
			continue
		}
		out[name] = attrs
	}
	return out
}

// parseAttrs reads "key=value,key=value".
func parseAttrs(input string) domain.Attributes {
	attrs := domain.Attributes{}
	for _, pair := range splitCSV(input) {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, value := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if key == "" || value == "" {
			continue
		}
		attrs[key] = value
	}
	return attrs
}

func splitCSV(input string) []string {
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}

func setQuery(q url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		q.Set(key, value)
	}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
