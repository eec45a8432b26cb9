// Package mcpsurface exposes the bridge's external tool surface: an MCP
// JSON-RPC endpoint (tools/list, tools/call, resources/list, resources/read)
// and a plain REST surface, both routed by github.com/go-chi/chi/v5 and
// sharing one net/http.Server.
//
// Tools are resolved dynamically at call time from the live store state —
// built-ins, ProjectedTool entries and VirtualTool definitions are never
// pre-registered as closures, so a newly announced device's tools appear on
// the very next tools/list without a restart. The JSON-RPC envelope and the
// query-coercion approach for REST handlers are grounded on
// runtime/mcp/runtime.go's CoerceQuery/EncodeJSONToString helpers, adapted
// to a plain net/http + chi server instead of a goa-generated transport.
package mcpsurface

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fieldmesh/reflexbridge/internal/apperr"
	"github.com/fieldmesh/reflexbridge/internal/command"
	"github.com/fieldmesh/reflexbridge/internal/jsonschema"
	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/obs"
	"github.com/fieldmesh/reflexbridge/internal/ports"
	"github.com/fieldmesh/reflexbridge/internal/projection"
	"github.com/fieldmesh/reflexbridge/internal/registry"
	"github.com/fieldmesh/reflexbridge/internal/transport"
	"github.com/fieldmesh/reflexbridge/internal/virtualtool"
)

// Deps bundles every store/engine the external surface reads from or acts
// through.
type Deps struct {
	Registry        *registry.Store
	Ports           *ports.Store
	Matrix          *ports.Matrix
	PortRouter      *ports.Router
	Projection      *projection.Store
	ProjectedTools  *projection.Registry
	VirtualTools    *virtualtool.Store
	Executor        *virtualtool.Executor
	Commands        *command.Router
	Reload          func() error
}

// Server serves the MCP JSON-RPC endpoint and the REST surface.
type Server struct {
	deps Deps
	obs  *obs.Observability
}

// Option configures a Server.
type Option func(*Server)

// New builds a Server over deps.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{deps: deps, obs: obs.New(nil, nil, nil)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the chi router serving both the MCP and REST surfaces.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Post("/mcp", s.handleMCP)

	r.Get("/devices", s.handleDevices)
	r.Get("/devices/{id}", s.handleDevice)
	r.Get("/ports", s.handlePorts)
	r.Get("/routing", s.handleRoutingStats)
	r.Get("/routing/connections", s.handleRoutingConnections)
	r.Post("/routing/connect", s.handleRoutingConnect)
	r.Post("/routing/disconnect", s.handleRoutingDisconnect)
	r.Put("/routing/connection/{id}", s.handleRoutingUpdate)

	r.Get("/virtual-tools", s.handleVirtualToolsList)
	r.Post("/virtual-tools", s.handleVirtualToolsCreate)
	r.Get("/virtual-tools/{name}", s.handleVirtualToolGet)
	r.Put("/virtual-tools/{name}", s.handleVirtualToolsCreate)
	r.Delete("/virtual-tools/{name}", s.handleVirtualToolDelete)

	r.Post("/management/reload", s.handleReload)

	return r
}

// --- REST handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	writeJSON(w, http.StatusOK, s.deps.Registry.List(!all))
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dev, ok := s.deps.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, apperr.New(apperr.UnknownDevice, "device not found"))
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Ports.All())
}

func (s *Server) handleRoutingStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.PortRouter.Stats())
}

func (s *Server) handleRoutingConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Matrix.Connections())
}

type connectRequest struct {
	Source      string         `json:"source"`
	Target      string         `json:"target"`
	Transform   model.Transform `json:"transform"`
	Description string         `json:"description,omitempty"`
}

func (s *Server) handleRoutingConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.Wrap(apperr.ConfigInvalid, "decode request body", err))
		return
	}
	conn := s.deps.Matrix.Connect(req.Source, req.Target, req.Transform, req.Description)
	writeJSON(w, http.StatusOK, conn)
}

type disconnectRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

func (s *Server) handleRoutingDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.Wrap(apperr.ConfigInvalid, "decode request body", err))
		return
	}
	ok := s.deps.Matrix.Disconnect(req.Source, req.Target)
	writeJSON(w, http.StatusOK, map[string]any{"disconnected": ok})
}

type updateConnectionRequest struct {
	Transform   *model.Transform `json:"transform,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Description *string         `json:"description,omitempty"`
}

func (s *Server) handleRoutingUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.Wrap(apperr.ConfigInvalid, "decode request body", err))
		return
	}
	conn, ok := s.deps.Matrix.Update(id, req.Transform, req.Enabled, req.Description)
	if !ok {
		writeError(w, http.StatusNotFound, apperr.New(apperr.ConfigInvalid, "connection not found"))
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (s *Server) handleVirtualToolsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.VirtualTools.List())
}

func (s *Server) handleVirtualToolGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	vt, ok := s.deps.VirtualTools.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, apperr.New(apperr.ConfigInvalid, "virtual tool not found"))
		return
	}
	writeJSON(w, http.StatusOK, vt)
}

func (s *Server) handleVirtualToolsCreate(w http.ResponseWriter, r *http.Request) {
	var vt model.VirtualTool
	if err := json.NewDecoder(r.Body).Decode(&vt); err != nil {
		writeError(w, http.StatusBadRequest, apperr.Wrap(apperr.ConfigInvalid, "decode request body", err))
		return
	}
	if name := chi.URLParam(r, "name"); name != "" {
		vt.Name = name
	}
	s.deps.VirtualTools.Put(vt)
	writeJSON(w, http.StatusOK, vt)
}

func (s *Server) handleVirtualToolDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ok := s.deps.VirtualTools.Delete(name)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": ok})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reload == nil {
		writeJSON(w, http.StatusOK, map[string]any{"reloaded": false})
		return
	}
	if err := s.deps.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, apperr.Wrap(apperr.Internal, "reload", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": string(apperr.CodeOf(err)), "message": err.Error()})
}

// --- MCP JSON-RPC ---

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}

	result, err := s.dispatchRPC(r.Context(), req.Method, req.Params)
	if err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32000, Message: err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) dispatchRPC(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "tools/list":
		return s.listTools(), nil
	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperr.Wrap(apperr.ConfigInvalid, "decode tools/call params", err)
		}
		return s.callTool(ctx, p.Name, p.Arguments)
	case "resources/list":
		return s.listResources(), nil
	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperr.Wrap(apperr.ConfigInvalid, "decode resources/read params", err)
		}
		return s.readResource(p.URI)
	default:
		return nil, apperr.New(apperr.UnknownTool, "unknown method "+method)
	}
}

// mcpTool describes one tool exposed over the MCP surface.
type mcpTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func (s *Server) listTools() []mcpTool {
	tools := append([]mcpTool{}, builtinTools...)
	for _, pt := range s.deps.ProjectedTools.List() {
		schema := pt.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, mcpTool{Name: pt.ToolKey, Description: pt.Description, InputSchema: schema})
	}
	for _, vt := range s.deps.VirtualTools.List() {
		tools = append(tools, mcpTool{
			Name: vt.Name, Description: vt.Description,
			InputSchema: virtualtool.SynthesizeSchema(vt, s.deps.Registry),
		})
	}
	return tools
}

var builtinTools = []mcpTool{
	{Name: "invoke", Description: "Invoke a tool on a device directly.", InputSchema: objSchema("device_id", "tool", "args")},
	{Name: "list_devices", Description: "List known devices.", InputSchema: objSchema("show_offline")},
	{Name: "get_tools", Description: "List a device's announced tools.", InputSchema: objSchema("device_id")},
	{Name: "list_ports", Description: "List every device's declared ports.", InputSchema: objSchema()},
	{Name: "connect_ports", Description: "Create or replace a routing connection.", InputSchema: objSchema("source", "target", "scale", "offset", "threshold", "description")},
	{Name: "disconnect_ports", Description: "Remove a routing connection.", InputSchema: objSchema("source", "target")},
	{Name: "get_routing_matrix", Description: "List every routing connection.", InputSchema: objSchema()},
	{Name: "set_inport_value", Description: "Set an inport's value directly on a device.", InputSchema: objSchema("device_id", "port_name", "value")},
	{Name: "get_routing_stats", Description: "Return routing counters.", InputSchema: objSchema()},
}

func objSchema(props ...string) map[string]any {
	properties := map[string]any{}
	for _, p := range props {
		properties[p] = map[string]any{}
	}
	return map[string]any{"type": "object", "properties": properties}
}

// CallTool invokes a tool by its external name, the same resolution order
// (built-ins, then projected tools, then virtual tools) the MCP tools/call
// and REST surfaces use. It is exported for the reflex engine's tool and
// llm actions, which consume the external tool surface the same way any
// other MCP client would.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	return s.callTool(ctx, name, args)
}

// ToolDefinition returns a tool's description and input schema by external
// name, for the reflex engine's llm action to present as a tool-use
// candidate. ok is false if no tool by that name is known.
func (s *Server) ToolDefinition(name string) (description string, schema map[string]any, ok bool) {
	for _, t := range s.listTools() {
		if t.Name == name {
			return t.Description, t.InputSchema, true
		}
	}
	return "", nil, false
}

func (s *Server) callTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if fn, ok := builtinHandlers[name]; ok {
		return fn(s, ctx, args)
	}
	if pt, ok := s.deps.ProjectedTools.Get(name); ok {
		return s.callProjectedTool(ctx, pt, args)
	}
	if vt, ok := s.deps.VirtualTools.Get(name); ok {
		return s.deps.Executor.Execute(ctx, vt, args), nil
	}
	return nil, apperr.New(apperr.UnknownTool, "no such tool "+name)
}

func (s *Server) callProjectedTool(ctx context.Context, pt model.ProjectedTool, args map[string]any) (any, error) {
	if !s.deps.Registry.Online(pt.DeviceID) {
		return map[string]any{"text": "Device is offline"}, nil
	}
	if len(pt.Parameters) > 0 {
		if err := jsonschema.Validate(pt.Parameters, args); err != nil {
			return nil, apperr.Wrap(apperr.InvalidArgs, "validate tool arguments", err)
		}
	}
	res, err := s.deps.Commands.Invoke(ctx, pt.DeviceID, pt.OriginalName, args)
	if err != nil {
		return nil, err
	}
	return res, nil
}

type builtinHandler func(*Server, context.Context, map[string]any) (any, error)

var builtinHandlers = map[string]builtinHandler{
	"invoke": func(s *Server, ctx context.Context, args map[string]any) (any, error) {
		deviceID, _ := args["device_id"].(string)
		tool, _ := args["tool"].(string)
		return s.deps.Commands.Invoke(ctx, deviceID, tool, args["args"])
	},
	"list_devices": func(s *Server, _ context.Context, args map[string]any) (any, error) {
		showOffline, _ := args["show_offline"].(bool)
		return s.deps.Registry.List(!showOffline), nil
	},
	"get_tools": func(s *Server, _ context.Context, args map[string]any) (any, error) {
		deviceID, _ := args["device_id"].(string)
		dev, ok := s.deps.Registry.Get(deviceID)
		if !ok {
			return nil, apperr.New(apperr.UnknownDevice, "device not found")
		}
		return dev.Tools, nil
	},
	"list_ports": func(s *Server, _ context.Context, _ map[string]any) (any, error) {
		return s.deps.Ports.All(), nil
	},
	"connect_ports": func(s *Server, _ context.Context, args map[string]any) (any, error) {
		source, _ := args["source"].(string)
		target, _ := args["target"].(string)
		description, _ := args["description"].(string)
		transform := model.Transform{
			Scale:     floatArg(args, "scale"),
			Offset:    floatArg(args, "offset"),
			Threshold: floatArg(args, "threshold"),
		}
		return s.deps.Matrix.Connect(source, target, transform, description), nil
	},
	"disconnect_ports": func(s *Server, _ context.Context, args map[string]any) (any, error) {
		source, _ := args["source"].(string)
		target, _ := args["target"].(string)
		return map[string]any{"disconnected": s.deps.Matrix.Disconnect(source, target)}, nil
	},
	"get_routing_matrix": func(s *Server, _ context.Context, _ map[string]any) (any, error) {
		return s.deps.Matrix.Connections(), nil
	},
	"set_inport_value": func(s *Server, ctx context.Context, args map[string]any) (any, error) {
		deviceID, _ := args["device_id"].(string)
		portName, _ := args["port_name"].(string)
		sink, ok := s.deps.Registry.Sink(deviceID)
		if !ok {
			return nil, apperr.New(apperr.DeviceOffline, "device has no active transport")
		}
		payload := map[string]any{"port": portName, "value": args["value"]}
		if err := sink.Send(ctx, transport.DeviceTopic(deviceID, "ports/set"), payload); err != nil {
			return nil, apperr.Wrap(apperr.SendFailed, "send ports/set", err)
		}
		return map[string]any{"ok": true}, nil
	},
	"get_routing_stats": func(s *Server, _ context.Context, _ map[string]any) (any, error) {
		return s.deps.PortRouter.Stats(), nil
	},
}

func floatArg(args map[string]any, key string) *float64 {
	v, ok := args[key]
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	}
	return nil
}

// mcpResource describes one read-only JSON resource.
type mcpResource struct {
	URI         string `json:"uri"`
	Description string `json:"description"`
}

func (s *Server) listResources() []mcpResource {
	return []mcpResource{
		{URI: "devices", Description: "Online devices"},
		{URI: "devices/all", Description: "Every known device"},
		{URI: "device/{id}", Description: "One device record"},
		{URI: "projections", Description: "The projection configuration"},
		{URI: "ports", Description: "Every device's declared ports"},
		{URI: "routing-matrix", Description: "Every routing connection"},
		{URI: "asset/{request_id}", Description: "Last event payload for a request"},
	}
}

func (s *Server) readResource(uri string) (any, error) {
	switch {
	case uri == "devices":
		return s.deps.Registry.List(true), nil
	case uri == "devices/all":
		return s.deps.Registry.List(false), nil
	case uri == "projections":
		return s.deps.Projection.Config(), nil
	case uri == "ports":
		return s.deps.Ports.All(), nil
	case uri == "routing-matrix":
		return s.deps.Matrix.Connections(), nil
	case len(uri) > len("device/") && uri[:len("device/")] == "device/":
		id := uri[len("device/"):]
		dev, ok := s.deps.Registry.Get(id)
		if !ok {
			return nil, apperr.New(apperr.UnknownDevice, "device not found")
		}
		return dev, nil
	case len(uri) > len("asset/") && uri[:len("asset/")] == "asset/":
		id := uri[len("asset/"):]
		res, ok := s.deps.Commands.Asset(id)
		if !ok {
			return nil, apperr.New(apperr.UnknownTool, "no asset for request "+id)
		}
		return res, nil
	default:
		return nil, apperr.New(apperr.UnknownTool, "unknown resource "+uri)
	}
}
