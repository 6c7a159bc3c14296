package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"github.com/apresai/pairsim/internal/profile"
	"github.com/apresai/pairsim/internal/store"
)

var tracer = otel.Tracer("pairsim-mcp")

// ToolDefs returns the MCP tool definitions.
func ToolDefs() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "save_profile",
			Description: "Save or replace a persona profile. The profile is a YAML or JSON document with id, name, description and optional images (key, data_b64, user_caption, automated_caption).",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"profile": map[string]any{
						"type":        "string",
						"description": "Profile document (YAML or JSON)",
					},
				},
				Required: []string{"profile"},
			},
		},
		{
			Name:        "start_conversation",
			Description: "Start a simulated conversation between two saved personas. Returns a conversation ID immediately; use get_conversation to follow progress.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"persona_a": map[string]any{
						"type":        "string",
						"description": "ID of the persona who sends the opening message",
					},
					"persona_b": map[string]any{
						"type":        "string",
						"description": "ID of the persona who takes the first turn",
					},
					"max_turns": map[string]any{
						"type":        "integer",
						"description": "Maximum number of messages (not rounds)",
					},
					"check_each_turn": map[string]any{
						"type":        "boolean",
						"description": "Run the safety gate before every turn",
						"default":     false,
					},
				},
				Required: []string{"persona_a", "persona_b"},
			},
		},
		{
			Name:        "get_conversation",
			Description: "Get the status, scores and transcript URL of a conversation by ID.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"conversation_id": map[string]any{
						"type":        "string",
						"description": "The ID returned from start_conversation",
					},
				},
				Required: []string{"conversation_id"},
			},
		},
		{
			Name:        "list_conversations",
			Description: "List conversations, newest first.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results (default 20)",
						"default":     20,
					},
					"cursor": map[string]any{
						"type":        "string",
						"description": "Pagination cursor from a previous list_conversations call",
					},
				},
			},
		},
		{
			Name:        "get_compatibilities",
			Description: "List every compatibility judgment a persona has made about the personas it talked to.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"persona_id": map[string]any{
						"type":        "string",
						"description": "Persona ID",
					},
				},
				Required: []string{"persona_id"},
			},
		},
		{
			Name:        "cancel_conversation",
			Description: "Cancel a running conversation. It is recorded as failed.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"conversation_id": map[string]any{
						"type":        "string",
						"description": "The ID returned from start_conversation",
					},
				},
				Required: []string{"conversation_id"},
			},
		},
	}
}

// Handlers contains tool handler implementations.
type Handlers struct {
	tasks    *TaskManager
	recorder store.Recorder
	profiles *profile.Registry
	log      *slog.Logger
}

// NewHandlers creates tool handlers.
func NewHandlers(tasks *TaskManager, recorder store.Recorder, profiles *profile.Registry, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{tasks: tasks, recorder: recorder, profiles: profiles, log: logger}
}

// HandleSaveProfile parses and stores a profile document.
func (h *Handlers) HandleSaveProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "tool.save_profile")
	defer span.End()

	raw := mcp.ParseString(req, "profile", "")
	if raw == "" {
		span.SetStatus(codes.Error, "missing profile")
		return mcp.NewToolResultError("profile is required"), nil
	}
	if err := checkInline([]byte(raw)); err != nil {
		span.SetStatus(codes.Error, "non-inline profile")
		return mcp.NewToolResultError(err.Error()), nil
	}

	p, err := profile.Parse(ctx, []byte(raw), "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse profile failed")
		return mcp.NewToolResultError(fmt.Sprintf("invalid profile: %v", err)), nil
	}
	replaced, err := h.profiles.Save(p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save profile failed")
		return mcp.NewToolResultError(fmt.Sprintf("invalid profile: %v", err)), nil
	}

	span.SetAttributes(attribute.String("persona_id", p.ID), attribute.Int("images", p.Images.Len()))
	h.log.InfoContext(ctx, "Profile saved", "persona_id", p.ID, "images", p.Images.Len(), "replaced", replaced)
	return jsonResult(map[string]any{
		"persona_id": p.ID,
		"name":       p.DisplayName(),
		"images":     p.Images.Len(),
		"replaced":   replaced,
	})
}

// checkInline rejects documents that point at server-side files. Images must
// be inline and the description may only be fetched from a URL.
func checkInline(data []byte) error {
	var doc profile.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid profile: %v", err)
	}
	if doc.DescriptionSource != "" && profile.DetectSource(doc.DescriptionSource) != profile.SourceURL {
		return errors.New("description_source must be a URL")
	}
	for _, img := range doc.Images {
		if img.Path != "" {
			return errors.New("images must be sent inline as data_b64")
		}
	}
	return nil
}

// HandleStartConversation starts a conversation task.
func (h *Handlers) HandleStartConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "tool.start_conversation")
	defer span.End()

	start := StartRequest{
		PersonaA:      mcp.ParseString(req, "persona_a", ""),
		PersonaB:      mcp.ParseString(req, "persona_b", ""),
		MaxTurns:      parseIntParam(req, "max_turns", 0),
		CheckEachTurn: parseBoolParam(req, "check_each_turn", false),
		Owner:         "mcp-server",
	}
	span.SetAttributes(
		attribute.String("persona_a", start.PersonaA),
		attribute.String("persona_b", start.PersonaB),
		attribute.Int("max_turns", start.MaxTurns),
	)

	if start.PersonaA == "" || start.PersonaB == "" {
		span.SetStatus(codes.Error, "missing persona")
		return mcp.NewToolResultError("persona_a and persona_b are required"), nil
	}
	if start.MaxTurns < 0 {
		span.SetStatus(codes.Error, "negative max_turns")
		return mcp.NewToolResultError("max_turns must be positive"), nil
	}

	id, err := h.tasks.StartTask(ctx, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start task failed")
		return mcp.NewToolResultError(fmt.Sprintf("failed to start conversation: %v", err)), nil
	}

	span.SetAttributes(attribute.String("conversation_id", id))
	h.log.InfoContext(ctx, "Conversation started", "conversation_id", id, "persona_a", start.PersonaA, "persona_b", start.PersonaB)
	return jsonResult(map[string]any{
		"conversation_id": id,
		"status":          store.StatusSubmitted,
		"message":         "Conversation started. Use get_conversation with this conversation_id to check progress, or connect to /ws?conversation_id=" + id + " for live turns.",
	})
}

// HandleGetConversation returns conversation details.
func (h *Handlers) HandleGetConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "tool.get_conversation")
	defer span.End()

	id := mcp.ParseString(req, "conversation_id", "")
	if id == "" {
		span.SetStatus(codes.Error, "missing conversation_id")
		return mcp.NewToolResultError("conversation_id is required"), nil
	}
	span.SetAttributes(attribute.String("conversation_id", id))

	c, err := h.recorder.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get conversation failed")
		return mcp.NewToolResultError(fmt.Sprintf("failed to get conversation: %v", err)), nil
	}
	if c == nil {
		span.SetStatus(codes.Error, "not found")
		return mcp.NewToolResultError(fmt.Sprintf("conversation %s not found", id)), nil
	}
	return jsonResult(c)
}

// HandleListConversations returns a paginated list of conversations.
func (h *Handlers) HandleListConversations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "tool.list_conversations")
	defer span.End()

	limit := parseIntParam(req, "limit", store.DefaultListLimit)
	cursor := mcp.ParseString(req, "cursor", "")
	span.SetAttributes(attribute.Int("limit", limit), attribute.String("cursor", cursor))

	items, next, err := h.recorder.List(ctx, limit, cursor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list conversations failed")
		return mcp.NewToolResultError(fmt.Sprintf("failed to list conversations: %v", err)), nil
	}
	span.SetAttributes(attribute.Int("result_count", len(items)))

	convos := make([]map[string]any, 0, len(items))
	for _, c := range items {
		item := map[string]any{
			"conversation_id": c.ID,
			"persona_a":       c.PersonaA,
			"persona_b":       c.PersonaB,
			"status":          c.Status,
			"created_at":      c.CreatedAt,
		}
		if c.Status == store.StatusComplete {
			item["score_a"] = c.ScoreA
			item["score_b"] = c.ScoreB
		}
		convos = append(convos, item)
	}

	result := map[string]any{
		"conversations": convos,
		"count":         len(convos),
	}
	if next != "" {
		result["next_cursor"] = next
	}
	return jsonResult(result)
}

// HandleGetCompatibilities returns a persona's judgments.
func (h *Handlers) HandleGetCompatibilities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "tool.get_compatibilities")
	defer span.End()

	id := mcp.ParseString(req, "persona_id", "")
	if id == "" {
		span.SetStatus(codes.Error, "missing persona_id")
		return mcp.NewToolResultError("persona_id is required"), nil
	}
	span.SetAttributes(attribute.String("persona_id", id))

	rows, err := h.recorder.Compatibilities(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get compatibilities failed")
		return mcp.NewToolResultError(fmt.Sprintf("failed to get compatibilities: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"persona_id":      id,
		"compatibilities": rows,
		"count":           len(rows),
	})
}

// HandleCancelConversation cancels a running conversation.
func (h *Handlers) HandleCancelConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, span := tracer.Start(ctx, "tool.cancel_conversation")
	defer span.End()

	id := mcp.ParseString(req, "conversation_id", "")
	if id == "" {
		return mcp.NewToolResultError("conversation_id is required"), nil
	}
	if !h.tasks.CancelTask(id) {
		return mcp.NewToolResultError(fmt.Sprintf("conversation %s is not running", id)), nil
	}
	return jsonResult(map[string]any{"conversation_id": id, "cancelled": true})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func parseIntParam(req mcp.CallToolRequest, key string, defaultVal int) int {
	args := req.GetArguments()
	if args == nil {
		return defaultVal
	}
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return defaultVal
	}
}

func parseBoolParam(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	args := req.GetArguments()
	if args == nil {
		return defaultVal
	}
	if v, ok := args[key].(bool); ok {
		return v
	}
	return defaultVal
}
