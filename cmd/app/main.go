package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tahopetis/archzero/internal/adapters/db/memgraph"
	sqliteadapter "github.com/tahopetis/archzero/internal/adapters/db/sqlite"
	httpadapter "github.com/tahopetis/archzero/internal/adapters/http"
	rpcadapter "github.com/tahopetis/archzero/internal/adapters/rpcjson"
	"github.com/tahopetis/archzero/internal/application"
	"github.com/tahopetis/archzero/internal/config"
	"github.com/tahopetis/archzero/internal/domain"
	"github.com/tahopetis/archzero/internal/observability"
	"github.com/tahopetis/archzero/internal/reconcile"
	"github.com/tahopetis/archzero/internal/saga"
	"github.com/urfave/cli/v3"
	"gorm.io/gorm"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "archzero",
		Usage: "Architecture catalog server and CLI",
		Commands: []*cli.Command{
			serverCommand(),
			clientCommand(),
			cardsCommand(),
			relationshipsCommand(),
			graphCommand(),
			syncCommand(),
			workflowCommand(),
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Run HTTP and JSON-RPC servers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "TOML config file"},
			&cli.StringFlag{Name: "addr", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "rpc-socket", Usage: "JSON-RPC unix socket path"},
			&cli.StringFlag{Name: "db-path", Usage: "entity store SQLite path"},
			&cli.StringFlag{Name: "mirror-driver", Usage: "graph mirror driver: sqlite or memory"},
			&cli.StringFlag{Name: "mirror-path", Usage: "graph mirror SQLite path"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn, error"},
			&cli.BoolFlag{Name: "keyed-locking", Usage: "serialize writes per record id"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			override := func(flag string, dst *string) {
				if c.IsSet(flag) {
					*dst = c.String(flag)
				}
			}
			override("addr", &cfg.Server.Addr)
			override("rpc-socket", &cfg.Server.Socket)
			override("db-path", &cfg.EntityStore.Path)
			override("mirror-driver", &cfg.Mirror.Driver)
			override("mirror-path", &cfg.Mirror.Path)
			override("log-level", &cfg.Log.Level)
			if c.IsSet("keyed-locking") {
				cfg.Saga.KeyedLocking = c.Bool("keyed-locking")
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := observability.InitLogger("archzero", cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	observability.RegisterMetrics()

	db, err := sqliteadapter.Open(cfg.EntityStore.Path)
	if err != nil {
		return err
	}
	defer closeDB(db)
	if err := sqliteadapter.RunCatalogMigrations(ctx, db); err != nil {
		return err
	}
	entities := sqliteadapter.NewEntityRepository(db)

	mirror, closeMirror, err := openMirror(ctx, cfg.Mirror)
	if err != nil {
		return err
	}
	defer closeMirror()

	recorder := observability.NewRecorder()
	opts := []saga.Option{
		saga.WithLogger(logger.With().Str("component", "saga").Logger()),
		saga.WithRecorder(recorder),
		saga.WithCompensationTimeout(cfg.Saga.CompensationTimeout.Duration),
	}
	if cfg.Saga.KeyedLocking {
		opts = append(opts, saga.WithKeyedLocking())
	}
	orchestrator := saga.New(entities, mirror, opts...)
	reconciler := reconcile.New(entities, mirror,
		reconcile.WithLogger(logger.With().Str("component", "reconcile").Logger()),
		reconcile.WithDriftRecorder(recorder),
	)
	service := application.NewCatalogService(orchestrator, entities, mirror, reconciler)

	if cfg.Mirror.Driver == config.MirrorMemory {
		// A memory mirror starts empty; rebuild it from the entity store.
		report, err := reconciler.Repair(ctx)
		if err != nil {
			return fmt.Errorf("seed memory mirror: %w", err)
		}
		logger.Info().Int("nodes", len(report.MissingNodes)).Int("edges", len(report.MissingEdges)).Msg("memory mirror seeded")
	} else if report, err := reconciler.Check(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup sync check failed")
	} else if !report.Clean() {
		logger.Warn().Int("drift", report.Total()).Msg("stores out of sync, run `archzero sync repair`")
	}

	router := httpadapter.NewRouter(service, logger.With().Str("component", "http").Logger())
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	rpcSrv, err := rpcadapter.Start(cfg.Server.Socket, service, logger.With().Str("component", "rpc").Logger())
	if err != nil {
		return err
	}
	defer func() {
		_ = rpcSrv.Close()
	}()
	logger.Info().Str("socket", cfg.Server.Socket).Msg("json-rpc listening")

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("mirror", cfg.Mirror.Driver).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openMirror(ctx context.Context, cfg config.MirrorConfig) (domain.GraphMirror, func(), error) {
	switch cfg.Driver {
	case config.MirrorMemory:
		store, err := memgraph.New()
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case config.MirrorSQLite:
		db, err := sqliteadapter.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := sqliteadapter.RunGraphMigrations(ctx, db); err != nil {
			closeDB(db)
			return nil, nil, err
		}
		return sqliteadapter.NewGraphRepository(db), func() { closeDB(db) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown mirror driver %q", cfg.Driver)
	}
}

func closeDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn().Err(err).Msg("close database")
	}
}

func clientCommand() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "CLI client settings",
		Commands: []*cli.Command{
			{
				Name:  "use",
				Usage: "Choose how the CLI reaches the server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "transport", Value: "uds", Usage: "uds or http"},
					&cli.StringFlag{Name: "server", Value: defaultServer},
					&cli.StringFlag{Name: "socket", Value: defaultSocket},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg := cliConfig{Transport: c.String("transport"), Server: c.String("server"), Socket: c.String("socket")}
					if err := saveConfig(cfg); err != nil {
						return err
					}
					fmt.Printf("using %s\n", cfg.Transport)
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Show CLI client settings",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					printKV([][2]string{{"transport", cfg.Transport}, {"server", cfg.Server}, {"socket", cfg.Socket}})
					return nil
				},
			},
		},
	}
}

func cardsCommand() *cli.Command {
	return &cli.Command{
		Name:  "cards",
		Usage: "Card commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List cards",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind"},
					&cli.StringFlag{Name: "phase"},
					&cli.StringFlag{Name: "q"},
					&cli.StringFlag{Name: "tag"},
					&cli.BoolFlag{Name: "include-deleted"},
					&cli.IntFlag{Name: "limit"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.Card
					err = doCardsList(ctx, cfg, cardListOptions{
						Kind:           c.String("kind"),
						Phase:          c.String("phase"),
						Q:              c.String("q"),
						Tag:            c.String("tag"),
						IncludeDeleted: c.Bool("include-deleted"),
						Limit:          c.Int("limit"),
					}, &out)
					if err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printCards(out)
					return nil
				},
			},
			{
				Name:  "get",
				Usage: "Show a card",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out domain.Card
					if err := doCardsGet(ctx, cfg, c.String("id"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printCard(out)
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "Create a card",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "kind", Required: true},
					&cli.StringFlag{Name: "phase"},
					&cli.StringFlag{Name: "tags", Usage: "csv tags"},
					&cli.StringFlag{Name: "owner"},
					&cli.StringFlag{Name: "attrs", Usage: "key=value,key=value"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					req := domain.CreateCardRequest{
						Name:           c.String("name"),
						Kind:           domain.CardKind(c.String("kind")),
						LifecyclePhase: domain.LifecyclePhase(c.String("phase")),
						Tags:           splitCSV(c.String("tags")),
						Attributes:     parseAttrs(c.String("attrs")),
					}
					if owner := strings.TrimSpace(c.String("owner")); owner != "" {
						req.OwnerID = &owner
					}
					var out domain.Card
					if err := doCardsCreate(ctx, cfg, req, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printCard(out)
					return nil
				},
			},
			{
				Name:  "update",
				Usage: "Update a card",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
					&cli.StringFlag{Name: "name"},
					&cli.StringFlag{Name: "phase"},
					&cli.StringFlag{Name: "tags", Usage: "csv tags, replaces existing"},
					&cli.StringFlag{Name: "owner"},
					&cli.BoolFlag{Name: "clear-owner"},
					&cli.StringFlag{Name: "attrs", Usage: "key=value,key=value, replaces existing"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var patch domain.CardPatch
					if c.IsSet("name") {
						v := c.String("name")
						patch.Name = &v
					}
					if c.IsSet("phase") {
						v := domain.LifecyclePhase(c.String("phase"))
						patch.LifecyclePhase = &v
					}
					if c.IsSet("tags") {
						v := splitCSV(c.String("tags"))
						patch.Tags = &v
					}
					if c.IsSet("owner") {
						v := c.String("owner")
						patch.OwnerID = &v
					}
					patch.ClearOwner = c.Bool("clear-owner")
					if c.IsSet("attrs") {
						v := parseAttrs(c.String("attrs"))
						patch.Attributes = &v
					}
					var out domain.Card
					if err := doCardsUpdate(ctx, cfg, c.String("id"), patch, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printCard(out)
					return nil
				},
			},
			{
				Name:  "delete",
				Usage: "Soft-delete a card",
				Flags: []cli.Flag{&cli.StringFlag{Name: "id", Required: true}},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					if err := doCardsDelete(ctx, cfg, c.String("id")); err != nil {
						return err
					}
					fmt.Printf("deleted card %s\n", c.String("id"))
					return nil
				},
			},
		},
	}
}

func relationshipsCommand() *cli.Command {
	return &cli.Command{
		Name:  "relationships",
		Usage: "Relationship commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List relationships",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "card", Usage: "card id on either end"},
					&cli.StringFlag{Name: "kind"},
					&cli.IntFlag{Name: "limit"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.Relationship
					if err := doRelationshipsList(ctx, cfg, c.String("card"), c.String("kind"), c.Int("limit"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printRelationships(out)
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "Connect two cards",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from", Required: true},
					&cli.StringFlag{Name: "to", Required: true},
					&cli.StringFlag{Name: "kind", Value: string(domain.RelDependsOn)},
					&cli.FloatFlag{Name: "confidence"},
					&cli.StringFlag{Name: "attrs", Usage: "key=value,key=value"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					req := domain.CreateRelationshipRequest{
						FromCardID: c.String("from"),
						ToCardID:   c.String("to"),
						Kind:       domain.RelationshipKind(c.String("kind")),
						Attributes: parseAttrs(c.String("attrs")),
					}
					if c.IsSet("confidence") {
						v := c.Float("confidence")
						req.Confidence = &v
					}
					var out domain.Relationship
					if err := doRelationshipsCreate(ctx, cfg, req, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printRelationships([]domain.Relationship{out})
					return nil
				},
			},
			{
				Name:  "update",
				Usage: "Update a relationship",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
					&cli.FloatFlag{Name: "confidence"},
					&cli.BoolFlag{Name: "clear-confidence"},
					&cli.StringFlag{Name: "valid-to", Usage: "RFC3339 end of validity"},
					&cli.BoolFlag{Name: "clear-valid-to"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					patch := domain.RelationshipPatch{
						ClearConfidence: c.Bool("clear-confidence"),
						ClearValidTo:    c.Bool("clear-valid-to"),
					}
					if c.IsSet("confidence") {
						v := c.Float("confidence")
						patch.Confidence = &v
					}
					if c.IsSet("valid-to") {
						v, err := time.Parse(time.RFC3339, c.String("valid-to"))
						if err != nil {
							return fmt.Errorf("valid-to: %w", err)
						}
						patch.ValidTo = &v
					}
					var out domain.Relationship
					if err := doRelationshipsUpdate(ctx, cfg, c.String("id"), patch, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printRelationships([]domain.Relationship{out})
					return nil
				},
			},
			{
				Name:  "delete",
				Usage: "Soft-delete a relationship",
				Flags: []cli.Flag{&cli.StringFlag{Name: "id", Required: true}},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					if err := doRelationshipsDelete(ctx, cfg, c.String("id")); err != nil {
						return err
					}
					fmt.Printf("deleted relationship %s\n", c.String("id"))
					return nil
				},
			},
		},
	}
}

func traversalCommand(name, usage string, direction domain.Direction) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Required: true},
			&cli.IntFlag{Name: "depth", Value: 8},
			&cli.StringFlag{Name: "kinds", Usage: "csv relationship kinds"},
			&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out []domain.TraversalHop
			args := traversalArgs{ID: c.String("id"), Depth: c.Int("depth"), Kinds: c.String("kinds")}
			if err := doTraverse(ctx, cfg, direction, args, &out); err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(out)
			}
			printTraversal(out)
			return nil
		},
	}
}

func graphCommand() *cli.Command {
	return &cli.Command{
		Name:  "graph",
		Usage: "Graph queries",
		Commands: []*cli.Command{
			traversalCommand("dependencies", "What a card depends on", domain.Outgoing),
			traversalCommand("dependents", "What depends on a card", domain.Incoming),
			{
				Name:  "fan-in",
				Usage: "Cards with the most incoming relationships",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kinds", Usage: "csv relationship kinds"},
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.FanIn
					if err := doFanIn(ctx, cfg, c.String("kinds"), c.Int("limit"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printFanIn(out)
					return nil
				},
			},
			{
				Name:  "path",
				Usage: "Shortest dependency path between two cards",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from", Required: true},
					&cli.StringFlag{Name: "to", Required: true},
					&cli.IntFlag{Name: "depth", Value: 8},
					&cli.StringFlag{Name: "kinds", Usage: "csv relationship kinds"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.TraversalHop
					if err := doPath(ctx, cfg, c.String("from"), c.String("to"), c.Int("depth"), c.String("kinds"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printTraversal(out)
					return nil
				},
			},
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Compare and repair the graph mirror",
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Report drift between entity store and mirror",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "output raw JSON"}},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out reconcile.Report
					if err := doSyncCheck(ctx, cfg, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printReport(out)
					return nil
				},
			},
			{
				Name:  "repair",
				Usage: "Rewrite the mirror from the entity store",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "output raw JSON"}},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out reconcile.Report
					if err := doSyncRepair(ctx, cfg, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printReport(out)
					return nil
				},
			},
		},
	}
}

func workflowCommand() *cli.Command {
	return &cli.Command{
		Name:  "workflow",
		Usage: "Operator workflow helpers",
		Commands: []*cli.Command{
			{
				Name:  "provision-chain",
				Usage: "Provision a chain of cards using kind:name specs",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "cards", Required: true, Usage: "kind:Card Name,kind:Card Name"},
					&cli.StringFlag{Name: "links", Required: true, Usage: "relationship_kind,relationship_kind"},
					&cli.StringFlag{Name: "attrs", Usage: "Card Name:key=value,key=value;Card Name:key=value"},
					&cli.StringFlag{Name: "phase"},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					cards, err := parseChainCards(c.String("cards"))
					if err != nil {
						return err
					}
					links, err := parseChainLinks(c.String("links"))
					if err != nil {
						return err
					}
					in := application.ChainInput{
						Cards: cards,
						Links: links,
						Phase: domain.LifecyclePhase(c.String("phase")),
						Attrs: parseCardAttrs(c.String("attrs")),
					}
					var out application.ChainResult
					if err := doWorkflowProvisionChain(ctx, cfg, in, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printChainResult(out)
					return nil
				},
			},
		},
	}
}
