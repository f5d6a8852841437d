// Package mcptools connects to external Model-Context-Protocol servers
// and exposes their tool catalogs to the chat orchestrator.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"lorebase/internal/config"
	"lorebase/internal/llm"
)

// Manager holds active MCP sessions and the tool wrappers built from
// their catalogs. Tool names are prefixed "mcp_<server>_" to avoid
// collisions across servers.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*mcppkg.ClientSession
	tools    []llm.ToolSchema
	// routes maps an exposed tool name to its session and real name.
	routes map[string]toolRoute
}

type toolRoute struct {
	session *mcppkg.ClientSession
	name    string
}

// NewManager connects to every enabled server in the config. A server
// that fails to connect is skipped with a warning; tool calling degrades
// to the remaining servers.
func NewManager(ctx context.Context, servers []config.MCPServerConfig) *Manager {
	m := &Manager{
		sessions: map[string]*mcppkg.ClientSession{},
		routes:   map[string]toolRoute{},
	}
	for _, srv := range servers {
		if !srv.Enabled {
			continue
		}
		if err := m.connect(ctx, srv); err != nil {
			log.Warn().Err(err).Str("server", srv.Name).Msg("mcp server connection failed, skipping")
		}
	}
	return m
}

func (m *Manager) connect(ctx context.Context, srv config.MCPServerConfig) error {
	if strings.TrimSpace(srv.Name) == "" {
		return fmt.Errorf("server name required")
	}
	client := mcppkg.NewClient(&mcppkg.Implementation{Name: "lorebase", Version: "1.0"}, nil)

	var session *mcppkg.ClientSession
	var err error
	switch {
	case strings.TrimSpace(srv.Command) != "":
		cmd := exec.Command(srv.Command, srv.Args...)
		session, err = client.Connect(ctx, &mcppkg.CommandTransport{Command: cmd}, nil)
	case strings.TrimSpace(srv.URL) != "":
		transport := &mcppkg.StreamableClientTransport{
			Endpoint:   srv.URL,
			HTTPClient: buildHTTPClient(srv.Headers),
		}
		session, err = client.Connect(ctx, transport, nil)
	default:
		return fmt.Errorf("server %s: neither command nor url configured", srv.Name)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[srv.Name] = session
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			break
		}
		exposed := exposedName(srv.Name, tool.Name)
		m.routes[exposed] = toolRoute{session: session, name: tool.Name}
		m.tools = append(m.tools, llm.ToolSchema{
			Name:        exposed,
			Description: tool.Description,
			Parameters:  schemaMap(tool.InputSchema),
		})
	}
	return nil
}

// Tools returns the aggregated tool catalog.
func (m *Manager) Tools(_ context.Context) []llm.ToolSchema {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]llm.ToolSchema, len(m.tools))
	copy(out, m.tools)
	return out
}

// Call executes one tool and returns its textual result for the model.
func (m *Manager) Call(ctx context.Context, name string, rawArgs json.RawMessage) (string, error) {
	m.mu.RLock()
	route, ok := m.routes[name]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	var args any
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := route.session.CallTool(ctx, &mcppkg.CallToolParams{Name: route.name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}
	texts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if tc, ok := c.(*mcppkg.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if res.IsError {
		return fmt.Sprintf("[MCP 工具错误] %s", joined), nil
	}
	return joined, nil
}

// HasTools reports whether any server contributed tools.
func (m *Manager) HasTools() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tools) > 0
}

// Close shuts down every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		_ = s.Close()
	}
	m.sessions = map[string]*mcppkg.ClientSession{}
}

func exposedName(server, tool string) string {
	slug := strings.NewReplacer(" ", "_", "-", "_", "/", "_", ":", "_").Replace(server)
	name := fmt.Sprintf("mcp_%s_%s", slug, tool)
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// schemaMap renders a tool's input schema as the plain map the OpenAI
// tools parameter expects, defaulting to an empty object schema.
func schemaMap(schema any) map[string]any {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	if schema == nil {
		return params
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return params
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return params
	}
	for k, v := range m {
		params[k] = v
	}
	if params["type"] != "object" {
		params["type"] = "object"
	}
	if params["properties"] == nil {
		params["properties"] = map[string]any{}
	}
	return params
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

func buildHTTPClient(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{Transport: &headerRoundTripper{base: http.DefaultTransport, headers: headers}}
}
