// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxcp-dev/mxcp/pkg/audit"
	"github.com/mxcp-dev/mxcp/pkg/config"
	"github.com/mxcp-dev/mxcp/pkg/endpoints"
	"github.com/mxcp-dev/mxcp/pkg/executor"
	"github.com/mxcp-dev/mxcp/pkg/runtime"
	"github.com/mxcp-dev/mxcp/pkg/secrets"
)

const addTool = `
mxcp: 1
tool:
  name: add
  description: Adds two integers.
  parameters:
    - name: a
      type: integer
    - name: b
      type: integer
  return:
    type: integer
  source:
    code: SELECT $a + $b AS total
`

const timeResource = `
mxcp: 1
resource:
  name: answer
  uri: "app://answers/{n}"
  description: Echoes the captured segment.
  return:
    type: object
  source:
    code: SELECT $n AS n
`

const versionResource = `
mxcp: 1
resource:
  name: version
  uri: "app://version"
  description: Reports the service version.
  return:
    type: object
  source:
    code: SELECT 'dev' AS version
`

const helloPrompt = `
mxcp: 1
prompt:
  name: hello
  description: Greets someone.
  parameters:
    - name: who
      type: string
  messages:
    - role: user
      prompt: "Hello, {{ who }}!"
`

type testHarness struct {
	srv  *Server
	dir  string
	host *runtime.Host
}

func writeEndpoints(t *testing.T, dir string, docs map[string]string) {
	t.Helper()
	for name, doc := range docs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o600))
	}
}

func newHarness(t *testing.T, docs map[string]string) *testHarness {
	t.Helper()
	dir := t.TempDir()
	endpointsDir := filepath.Join(dir, "endpoints")
	require.NoError(t, os.Mkdir(endpointsDir, 0o755))
	writeEndpoints(t, endpointsDir, docs)

	profile := config.ProfileConfig{
		EndpointsDir: endpointsDir,
		DatabasePath: filepath.Join(dir, "data.db"),
		PoolSize:     2,
	}
	build := func(ctx context.Context) (*runtime.Generation, error) {
		return runtime.Build(ctx, profile, secrets.NewResolver(), runtime.NewNativeRegistry())
	}

	gen, err := build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gen.Engine.Drain(context.Background()) })

	host := runtime.NewHost(time.Second)
	host.Publish(gen)

	exec := executor.New(host, audit.NopSink{}, executor.Options{Transport: "stdio", Timeout: time.Second})
	srv := New(config.ServerConfig{
		Transport: "stdio",
		Name:      "mxcp-test",
		Version:   "0.0.1",
	}, host, exec, build, Options{})

	return &testHarness{srv: srv, dir: endpointsDir, host: host}
}

func TestToolHandlerRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]string{"add.yaml": addTool})

	handler := h.srv.toolHandler("add")
	req := mcp.CallToolRequest{}
	req.Params.Name = "add"
	req.Params.Arguments = map[string]any{"a": 2, "b": 40}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Equal(t, "42", text.Text)
}

func TestToolHandlerReportsValidationError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]string{"add.yaml": addTool})

	handler := h.srv.toolHandler("add")
	req := mcp.CallToolRequest{}
	req.Params.Name = "add"
	req.Params.Arguments = map[string]any{"a": 2}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestResourceHandlerServesJSON(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]string{"answer.yaml": timeResource})

	handler := h.srv.resourceHandler()
	req := mcp.ReadResourceRequest{}
	req.Params.URI = "app://answers/42"

	contents, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "application/json", text.MIMEType)
	assert.JSONEq(t, `{"n":"42"}`, text.Text)
}

func TestPromptHandlerRendersMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]string{"hello.yaml": helloPrompt})

	handler := h.srv.promptHandler("hello", "Greets someone.")
	req := mcp.GetPromptRequest{}
	req.Params.Name = "hello"
	req.Params.Arguments = map[string]string{"who": "world"}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	text, ok := mcp.AsTextContent(result.Messages[0].Content)
	require.True(t, ok)
	assert.Equal(t, "Hello, world!", text.Text)
}

func TestSyncCapabilitiesTracksRegistry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]string{
		"add.yaml":     addTool,
		"answer.yaml":  timeResource,
		"version.yaml": versionResource,
		"hello.yaml":   helloPrompt,
	})

	assert.True(t, h.srv.activeTools["add"])
	assert.True(t, h.srv.activePrompts["hello"])
	assert.True(t, h.srv.activeResources["app://version"])
	// Templated URIs register as resource templates, not static resources.
	assert.False(t, h.srv.activeResources["app://answers/{n}"])
}

// Drives resources/read through the protocol server so the read resolves via
// template matching rather than a direct handler call.
func TestReadResourceMatchesTemplateOverProtocol(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]string{"answer.yaml": timeResource})

	raw := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"app://answers/42"}}`)
	msg := h.srv.mcp.HandleMessage(context.Background(), raw)

	encoded, err := json.Marshal(msg)
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Contents []struct {
				URI      string `json:"uri"`
				MIMEType string `json:"mimeType"`
				Text     string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(encoded, &resp))
	require.Nil(t, resp.Error)
	require.Len(t, resp.Result.Contents, 1)
	assert.Equal(t, "app://answers/42", resp.Result.Contents[0].URI)
	assert.Equal(t, "application/json", resp.Result.Contents[0].MIMEType)
	assert.JSONEq(t, `{"n":"42"}`, resp.Result.Contents[0].Text)
}

func TestReloadReadvertisesCapabilities(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]string{"add.yaml": addTool})
	require.True(t, h.srv.activeTools["add"])

	// Replace the tool on disk and reload.
	require.NoError(t, os.Remove(filepath.Join(h.dir, "add.yaml")))
	writeEndpoints(t, h.dir, map[string]string{"hello.yaml": helloPrompt})

	require.NoError(t, h.srv.Reload(context.Background()))

	assert.False(t, h.srv.activeTools["add"])
	assert.True(t, h.srv.activePrompts["hello"])
	assert.Equal(t, uint64(1), h.host.Current().Number)
}

func TestToolInputSchema(t *testing.T) {
	t.Parallel()
	min := 0.0
	def := &endpoints.Definition{
		Kind: endpoints.KindTool,
		Name: "t",
		Parameters: []endpoints.Parameter{
			{Name: "count", TypeSpec: endpoints.TypeSpec{Type: "integer", Minimum: &min}},
			{Name: "when", TypeSpec: endpoints.TypeSpec{Type: "date-time"}},
			{Name: "mode", TypeSpec: endpoints.TypeSpec{Type: "string", Enum: []any{"fast", "slow"}}, Default: "fast"},
		},
	}

	raw, err := toolInputSchema(def)
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Equal(t, "object", schema["type"])

	props := schema["properties"].(map[string]any)
	count := props["count"].(map[string]any)
	assert.Equal(t, "integer", count["type"])
	assert.EqualValues(t, 0, count["minimum"])

	when := props["when"].(map[string]any)
	assert.Equal(t, "string", when["type"])
	assert.Equal(t, "date-time", when["format"])

	// Parameters with defaults are optional.
	required := schema["required"].([]any)
	assert.ElementsMatch(t, []any{"count", "when"}, required)
}

func adminClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func TestAdminSocket(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string]string{"add.yaml": addTool})

	socketPath := filepath.Join(t.TempDir(), "admin.sock")
	admin := NewAdmin(socketPath, h.srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- admin.Serve(ctx) }()

	client := adminClient(socketPath)
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://admin/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	// Socket must be owner-only.
	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	resp, err := client.Get("http://admin/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status["status"])
	assert.EqualValues(t, 1, status["endpoints"])

	reloadResp, err := client.Post("http://admin/reload", "application/json", nil)
	require.NoError(t, err)
	defer reloadResp.Body.Close()
	assert.Equal(t, http.StatusOK, reloadResp.StatusCode)
	var reload map[string]any
	require.NoError(t, json.NewDecoder(reloadResp.Body).Decode(&reload))
	assert.EqualValues(t, 1, reload["generation"])

	// Session routes are absent without an issuer.
	sessResp, err := client.Get("http://admin/auth/sessions")
	require.NoError(t, err)
	defer sessResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, sessResp.StatusCode)

	cancel()
	require.NoError(t, <-serveDone)
}
