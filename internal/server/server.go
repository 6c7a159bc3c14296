// Package server exposes pairsim over MCP and streams live turns over
// WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/mark3labs/mcp-go/server"

	"github.com/apresai/pairsim/internal/config"
	"github.com/apresai/pairsim/internal/delivery"
	"github.com/apresai/pairsim/internal/orchestrator"
	"github.com/apresai/pairsim/internal/pipeline"
	"github.com/apresai/pairsim/internal/profile"
	"github.com/apresai/pairsim/internal/store"
)

// shutdownGrace bounds how long Start waits for running conversations to
// record their outcome after the context is cancelled.
const shutdownGrace = 8 * time.Second

// Components are the collaborators a Server is built from.
type Components struct {
	Recorder store.Recorder
	Archive  pipeline.Archiver
	Gateways pipeline.Gateways
	// Sinks receive every turn in addition to the WebSocket hub.
	Sinks []delivery.Sink
	// Closers run on shutdown after running conversations have finished.
	Closers []func() error
}

// Server is the MCP server for persona conversations.
type Server struct {
	cfg      config.Config
	mcp      *server.MCPServer
	handlers *Handlers
	tasks    *TaskManager
	hub      *delivery.Hub
	closers  []func() error
	log      *slog.Logger
}

// New wires the AWS-backed store, archive and model gateways described by
// cfg. ctx should be cancelled on SIGTERM.
func New(ctx context.Context, cfg config.Config, version string, logger *slog.Logger) (*Server, error) {
	awsCfg, err := config.LoadAWS(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, err
	}

	// Fetch secrets if running in AWS
	cfg.LoadSecrets(ctx, secretsmanager.NewFromConfig(awsCfg), logger)

	models, err := pipeline.NewModels(ctx, cfg, &awsCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create model backend: %w", err)
	}

	c := Components{
		Recorder: store.NewDynamo(dynamodb.NewFromConfig(awsCfg), cfg.Server.TableName),
		Gateways: models.Gateways(),
		Sinks:    []delivery.Sink{delivery.LogSink{Logger: logger}},
	}
	if cfg.Server.S3Bucket != "" {
		c.Archive = store.NewArchive(s3.NewFromConfig(awsCfg), cfg.Server.S3Bucket, cfg.Server.CDNBaseURL)
	} else {
		logger.Warn("No S3 bucket configured, transcripts will not be archived")
	}
	if cfg.NATS.URL != "" {
		ns, err := delivery.NewNATSSink(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		c.Sinks = append(c.Sinks, ns)
		c.Closers = append(c.Closers, ns.Close)
	}

	return Build(ctx, cfg, version, c, logger), nil
}

// Build assembles a Server from already constructed components.
func Build(ctx context.Context, cfg config.Config, version string, c Components, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	hub := delivery.NewHub(logger)
	sinks := append(delivery.Multi{hub}, c.Sinks...)
	profiles := profile.NewRegistry()

	tasks := NewTaskManager(ctx, TaskOptions{
		Recorder: c.Recorder,
		Archive:  c.Archive,
		Profiles: profiles,
		Gateways: c.Gateways,
		Sink:     sinks,
		Defaults: orchestrator.Config{
			MaxTurns:      cfg.Conversation.MaxTurns,
			TurnDelay:     cfg.Conversation.TurnDelay,
			Opening:       cfg.Conversation.Opening,
			CheckEachTurn: cfg.Conversation.CheckEachTurn,
		},
		Provider: cfg.Provider,
		Model:    cfg.Model("persona"),
		MaxTasks: cfg.Server.MaxTasks,
		Logger:   logger,
	})
	handlers := NewHandlers(tasks, c.Recorder, profiles, logger)

	mcpServer := server.NewMCPServer(
		"pairsim",
		version,
		server.WithToolCapabilities(true),
	)
	register := map[string]server.ToolHandlerFunc{
		"save_profile":        handlers.HandleSaveProfile,
		"start_conversation":  handlers.HandleStartConversation,
		"get_conversation":    handlers.HandleGetConversation,
		"list_conversations":  handlers.HandleListConversations,
		"get_compatibilities": handlers.HandleGetCompatibilities,
		"cancel_conversation": handlers.HandleCancelConversation,
	}
	for _, tool := range ToolDefs() {
		mcpServer.AddTool(tool, register[tool.Name])
	}

	return &Server{
		cfg:      cfg,
		mcp:      mcpServer,
		handlers: handlers,
		tasks:    tasks,
		hub:      hub,
		closers:  c.Closers,
		log:      logger,
	}
}

// Handler returns the HTTP routes: /mcp, /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(s.mcp,
		server.WithStateLess(true),
	))
	mux.Handle("/ws", s.hub)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","running":%d,"clients":%d}`, s.tasks.Running(), s.hub.Clients())
}

// Start serves HTTP until ctx is cancelled, then lets running
// conversations record their outcome before closing every connection.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("Starting MCP server", "addr", addr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutdown signal received, waiting for active conversations...", "running", s.tasks.Running())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var errs []error
	if err := s.tasks.Wait(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("wait for conversations: %w", err))
	}
	s.hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Info("Shutdown complete")
	return errors.Join(errs...)
}
