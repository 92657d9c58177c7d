// Package tools registers the MCP tool surface. Most tools are forwarded
// verbatim to the Studio plugin through the bridge queue; the batch tools run
// through the batch executor so sub-commands share one scope, and get_logs
// reads the ring buffer locally without a round trip to the plugin.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/studiobridge/studiobridge/pkg/batch"
	"github.com/studiobridge/studiobridge/pkg/bridge"
	"github.com/studiobridge/studiobridge/pkg/log"
	"github.com/studiobridge/studiobridge/pkg/ringlog"
)

// Config configures the MCP server.
type Config struct {
	Queue   batch.Invoker
	Batches *batch.Executor
	Events  *ringlog.Buffer
	// CommandTimeout bounds one forwarded tool call. Zero means
	// batch.DefaultCommandTimeout.
	CommandTimeout time.Duration
	Version        string
}

type toolServer struct {
	queue   batch.Invoker
	batches *batch.Executor
	events  *ringlog.Buffer
	timeout time.Duration
}

// NewServer builds the MCP server with every tool registered.
func NewServer(cfg Config) *mcp.Server {
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = batch.DefaultCommandTimeout
	}
	s := &toolServer{
		queue:   cfg.Queue,
		batches: cfg.Batches,
		events:  cfg.Events,
		timeout: timeout,
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "studiobridge",
		Title:   "Roblox Studio Bridge",
		Version: cfg.Version,
	}, &mcp.ServerOptions{
		Instructions: "Use run_code to query data from the open Roblox Studio place or to change it.",
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_code",
		Description: "Runs a command in Roblox Studio and returns the printed output. Can be used to both make changes and retrieve information",
	}, s.runCode)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "insert_model",
		Description: "Inserts a model from the Roblox marketplace into the workspace. Returns the inserted model name.",
	}, s.insertModel)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "batch_insert_models",
		Description: "Inserts multiple models from the Roblox marketplace in a single call. Each model can have custom position, rotation, scale, name, and parent. Returns JSON with the outcome of every insertion.",
	}, s.batchInsertModels)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "batch_run_code",
		Description: "Executes multiple Luau scripts sequentially with shared state between them. Scripts can store values in _G to pass data to subsequent scripts. Returns JSON with execution results for each script.",
	}, s.batchRunCode)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "generate_terrain",
		Description: "Generates terrain using noise-based heightmaps. Supports flat, perlin, and ridged noise types. Can optionally fill water below a specified level.",
	}, s.generateTerrain)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "fill_terrain_region",
		Description: "Fills a terrain region with a specific material. Can optionally only fill empty space (air).",
	}, s.fillTerrainRegion)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sculpt_terrain",
		Description: "Sculpts terrain by raising, lowering, painting, or smoothing at specified points. Each point has position, radius, and strength.",
	}, s.sculptTerrain)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "clear_workspace",
		Description: "Clears objects from the workspace. Can optionally preserve camera, terrain, and specific named instances. Can also clear only within a region.",
	}, s.clearWorkspace)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "save_scene",
		Description: "Saves a snapshot of the current workspace to memory with a given name. Can optionally save only objects within a region or exclude specific objects.",
	}, s.saveScene)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "load_scene",
		Description: "Loads a previously saved scene snapshot by name. Can apply position offset and optionally clear workspace before loading.",
	}, s.loadScene)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_logs",
		Description: "Returns log output captured from Roblox Studio since the given sequence number. Supports level filtering, paging, and clearing read entries.",
	}, s.getLogs)

	return server
}

// Vector is an x/y/z triple used for positions, rotations, and scales.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Region is an axis-aligned box.
type Region struct {
	Min Vector `json:"min" jsonschema:"Minimum corner position"`
	Max Vector `json:"max" jsonschema:"Maximum corner position"`
}

type runCodeArgs struct {
	Command string `json:"command" jsonschema:"Code to run"`
}

type insertModelArgs struct {
	Query string `json:"query" jsonschema:"Query to search for the model"`
}

type batchModelEntry struct {
	Query    string  `json:"query" jsonschema:"Query to search for the model in the marketplace"`
	Position *Vector `json:"position,omitempty" jsonschema:"Position to place the model (x, y, z)"`
	Rotation *Vector `json:"rotation,omitempty" jsonschema:"Rotation in degrees (x, y, z)"`
	Scale    *Vector `json:"scale,omitempty" jsonschema:"Scale multiplier (x, y, z)"`
	Name     string  `json:"name,omitempty" jsonschema:"Custom name for the inserted model"`
	Parent   string  `json:"parent,omitempty" jsonschema:"Parent instance path (defaults to workspace)"`
}

type batchInsertModelsArgs struct {
	Models []batchModelEntry `json:"models" jsonschema:"Array of models to insert"`
}

type scriptEntry struct {
	Code        string `json:"code" jsonschema:"Luau code to execute"`
	Description string `json:"description,omitempty" jsonschema:"Optional description of what this script does"`
}

type batchRunCodeArgs struct {
	Scripts     []scriptEntry `json:"scripts" jsonschema:"Array of scripts to execute sequentially"`
	StopOnError *bool         `json:"stop_on_error,omitempty" jsonschema:"Stop execution if any script fails (default: true)"`
}

type heightmapConfig struct {
	HeightmapType string   `json:"heightmap_type" jsonschema:"Type of heightmap: flat, perlin, or ridged"`
	Amplitude     *float64 `json:"amplitude,omitempty" jsonschema:"Height variation amplitude"`
	Frequency     *float64 `json:"frequency,omitempty" jsonschema:"Detail level/frequency"`
	Seed          *int     `json:"seed,omitempty" jsonschema:"Random seed for noise generation"`
}

type generateTerrainArgs struct {
	Region     Region           `json:"region" jsonschema:"Region to generate terrain in (min/max positions)"`
	Material   string           `json:"material" jsonschema:"Terrain material: Grass, Sand, Rock, Snow, Mud, Ground, Slate, Concrete, Brick, Cobblestone, Ice, Salt, Sandstone, Limestone, Asphalt, LeafyGrass, Pavement"`
	Heightmap  *heightmapConfig `json:"heightmap,omitempty" jsonschema:"Heightmap configuration (type, amplitude, frequency, seed)"`
	WaterLevel *float64         `json:"water_level,omitempty" jsonschema:"Y level for water fill"`
}

type fillTerrainRegionArgs struct {
	Region     Region `json:"region" jsonschema:"Region to fill (min/max positions)"`
	Material   string `json:"material" jsonschema:"Terrain material to fill with"`
	ReplaceAir *bool  `json:"replace_air,omitempty" jsonschema:"Only fill empty space (air)"`
}

type sculptPoint struct {
	Position Vector  `json:"position" jsonschema:"Position to sculpt at"`
	Radius   float64 `json:"radius" jsonschema:"Radius of sculpting effect"`
	Strength float64 `json:"strength" jsonschema:"Strength of effect (positive = raise, negative = lower)"`
	Material string  `json:"material,omitempty" jsonschema:"Optional material to use"`
}

type sculptTerrainArgs struct {
	Points []sculptPoint `json:"points" jsonschema:"Array of points to sculpt"`
	Mode   string        `json:"mode" jsonschema:"Sculpting mode: add, subtract, paint, or smooth"`
}

type clearWorkspaceArgs struct {
	PreserveCamera  *bool    `json:"preserve_camera,omitempty" jsonschema:"Preserve the camera"`
	PreserveTerrain *bool    `json:"preserve_terrain,omitempty" jsonschema:"Preserve terrain"`
	PreserveNames   []string `json:"preserve_names,omitempty" jsonschema:"Instance names to preserve (e.g., ['SpawnLocation', 'Baseplate'])"`
	Region          *Region  `json:"region,omitempty" jsonschema:"Optional region to clear (only removes objects within this region)"`
}

type saveSceneArgs struct {
	Name         string   `json:"name" jsonschema:"Name/identifier for this scene snapshot"`
	Region       *Region  `json:"region,omitempty" jsonschema:"Optional region to save (only saves objects within this region)"`
	ExcludeNames []string `json:"exclude_names,omitempty" jsonschema:"Instance names to exclude from save"`
}

type loadSceneArgs struct {
	Name          string  `json:"name" jsonschema:"Name of the previously saved scene to load"`
	Position      *Vector `json:"position,omitempty" jsonschema:"Position offset to apply to loaded objects"`
	Parent        string  `json:"parent,omitempty" jsonschema:"Parent instance path (defaults to workspace)"`
	ClearExisting *bool   `json:"clear_existing,omitempty" jsonschema:"Clear workspace before loading"`
}

type getLogsArgs struct {
	Since uint64 `json:"since_sequence,omitempty" jsonschema:"Return entries with sequence greater than this value"`
	Level string `json:"level,omitempty" jsonschema:"Only return entries of this level: info, warn, or error"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of entries to return"`
	Clear bool   `json:"clear_after_read,omitempty" jsonschema:"Remove the returned entries from the buffer"`
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}

// forward enqueues one command for the plugin and waits for its result. Tool
// failures reported by the plugin come back as error results, not Go errors,
// so the calling model sees the Luau error text.
func (s *toolServer) forward(ctx context.Context, tool string, args interface{}) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s arguments: %w", tool, err)
	}

	id, err := s.queue.Enqueue(tool, payload, "")
	if err != nil {
		return nil, err
	}

	res, err := s.queue.AwaitResult(ctx, id, s.timeout)
	switch {
	case errors.Is(err, bridge.ErrTimeout):
		return textResult(fmt.Sprintf("Roblox Studio did not answer within %s. Check that Studio is open and the bridge plugin is running.", s.timeout), true), nil
	case errors.Is(err, bridge.ErrDisconnected):
		return textResult("Roblox Studio disconnected before the command finished.", true), nil
	case err != nil:
		return nil, err
	case res.Success:
		return textResult(res.Payload, false), nil
	default:
		return textResult(res.Error, true), nil
	}
}

func (s *toolServer) runCode(ctx context.Context, req *mcp.CallToolRequest, args runCodeArgs) (*mcp.CallToolResult, any, error) {
	if args.Command == "" {
		return nil, nil, fmt.Errorf("command is required: %w", bridge.ErrInvalidArgument)
	}
	res, err := s.forward(ctx, "run_code", args)
	return res, nil, err
}

func (s *toolServer) insertModel(ctx context.Context, req *mcp.CallToolRequest, args insertModelArgs) (*mcp.CallToolResult, any, error) {
	if args.Query == "" {
		return nil, nil, fmt.Errorf("query is required: %w", bridge.ErrInvalidArgument)
	}
	res, err := s.forward(ctx, "insert_model", args)
	return res, nil, err
}

func (s *toolServer) generateTerrain(ctx context.Context, req *mcp.CallToolRequest, args generateTerrainArgs) (*mcp.CallToolResult, any, error) {
	res, err := s.forward(ctx, "generate_terrain", args)
	return res, nil, err
}

func (s *toolServer) fillTerrainRegion(ctx context.Context, req *mcp.CallToolRequest, args fillTerrainRegionArgs) (*mcp.CallToolResult, any, error) {
	res, err := s.forward(ctx, "fill_terrain_region", args)
	return res, nil, err
}

func (s *toolServer) sculptTerrain(ctx context.Context, req *mcp.CallToolRequest, args sculptTerrainArgs) (*mcp.CallToolResult, any, error) {
	if len(args.Points) == 0 {
		return nil, nil, fmt.Errorf("at least one sculpt point is required: %w", bridge.ErrInvalidArgument)
	}
	res, err := s.forward(ctx, "sculpt_terrain", args)
	return res, nil, err
}

func (s *toolServer) clearWorkspace(ctx context.Context, req *mcp.CallToolRequest, args clearWorkspaceArgs) (*mcp.CallToolResult, any, error) {
	res, err := s.forward(ctx, "clear_workspace", args)
	return res, nil, err
}

func (s *toolServer) saveScene(ctx context.Context, req *mcp.CallToolRequest, args saveSceneArgs) (*mcp.CallToolResult, any, error) {
	if args.Name == "" {
		return nil, nil, fmt.Errorf("scene name is required: %w", bridge.ErrInvalidArgument)
	}
	res, err := s.forward(ctx, "save_scene", args)
	return res, nil, err
}

func (s *toolServer) loadScene(ctx context.Context, req *mcp.CallToolRequest, args loadSceneArgs) (*mcp.CallToolResult, any, error) {
	if args.Name == "" {
		return nil, nil, fmt.Errorf("scene name is required: %w", bridge.ErrInvalidArgument)
	}
	res, err := s.forward(ctx, "load_scene", args)
	return res, nil, err
}

// batchRunCode executes scripts through the batch executor so they share one
// scope on the plugin side. Per-script outcomes are data in the JSON reply.
func (s *toolServer) batchRunCode(ctx context.Context, req *mcp.CallToolRequest, args batchRunCodeArgs) (*mcp.CallToolResult, any, error) {
	if len(args.Scripts) == 0 {
		return nil, nil, fmt.Errorf("at least one script is required: %w", bridge.ErrInvalidArgument)
	}

	subs := make([]batch.SubCommand, 0, len(args.Scripts))
	for _, script := range args.Scripts {
		if script.Code == "" {
			return nil, nil, fmt.Errorf("script code is required: %w", bridge.ErrInvalidArgument)
		}
		payload, err := json.Marshal(runCodeArgs{Command: script.Code})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal script: %w", err)
		}
		subs = append(subs, batch.SubCommand{Tool: "run_code", Args: payload})
	}

	stopOnError := true
	if args.StopOnError != nil {
		stopOnError = *args.StopOnError
	}

	result, err := s.batches.Run(ctx, subs, stopOnError, "")
	if err != nil {
		return nil, nil, err
	}
	return batchResult(result)
}

// batchInsertModels inserts every model regardless of individual failures,
// matching the original tool's all-attempts semantics.
func (s *toolServer) batchInsertModels(ctx context.Context, req *mcp.CallToolRequest, args batchInsertModelsArgs) (*mcp.CallToolResult, any, error) {
	if len(args.Models) == 0 {
		return nil, nil, fmt.Errorf("at least one model is required: %w", bridge.ErrInvalidArgument)
	}

	subs := make([]batch.SubCommand, 0, len(args.Models))
	for _, entry := range args.Models {
		if entry.Query == "" {
			return nil, nil, fmt.Errorf("model query is required: %w", bridge.ErrInvalidArgument)
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal model entry: %w", err)
		}
		subs = append(subs, batch.SubCommand{Tool: "insert_model", Args: payload})
	}

	result, err := s.batches.Run(ctx, subs, false, "")
	if err != nil {
		return nil, nil, err
	}
	return batchResult(result)
}

func batchResult(result batch.Result) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal batch result: %w", err)
	}
	return textResult(string(data), false), nil, nil
}

func (s *toolServer) getLogs(ctx context.Context, req *mcp.CallToolRequest, args getLogsArgs) (*mcp.CallToolResult, any, error) {
	q := ringlog.Query{
		Since:          args.Since,
		Limit:          args.Limit,
		ClearAfterRead: args.Clear,
	}
	if args.Level != "" {
		level := ringlog.Level(args.Level)
		if !ringlog.ValidLevel(level) {
			return nil, nil, fmt.Errorf("unknown level %q: %w", args.Level, bridge.ErrInvalidArgument)
		}
		q.Levels = []ringlog.Level{level}
	}

	res := s.events.Query(q)
	data, err := json.Marshal(res)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal log query result: %w", err)
	}
	log.Debug("logs queried", "since", args.Since, "returned", len(res.Entries), "overflow", res.Overflow)
	return textResult(string(data), false), nil, nil
}
