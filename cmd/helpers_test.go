package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/config"
	"github.com/xkilldash9x/webext-auto/internal/extension"
	"github.com/xkilldash9x/webext-auto/internal/relay"
	"github.com/xkilldash9x/webext-auto/internal/store"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

// createTempConfig writes content to a config file removed at the end of the test.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "test-config-*.yaml")
	require.NoError(t, err)
	_, err = tmpfile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())
	return tmpfile.Name()
}

// executeCommand runs a fresh command tree with the config file written from content.
func executeCommand(t *testing.T, content string, args ...string) (string, error) {
	t.Helper()
	resetForTest(t)
	configFile := createTempConfig(t, content)

	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append([]string{"--config", configFile}, args...))
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// executeCommandNoPreRun is for testing argument and flag validation without
// loading any configuration.
func executeCommandNoPreRun(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetForTest(t)
	root := NewRootCommand()
	root.PersistentPreRunE = nil
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

type driverCall struct {
	Action string
	Target string
	Args   []any
}

// recordingDriver stands in for the input driver and remembers every request.
type recordingDriver struct {
	mu    sync.Mutex
	calls []driverCall
}

func (d *recordingDriver) record(action, target string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, driverCall{Action: action, Target: target, Args: args})
	return nil
}

func (d *recordingDriver) Press(_ context.Context, target, key string) error {
	return d.record("press", target, key)
}

func (d *recordingDriver) Type(_ context.Context, target, text string) error {
	return d.record("type", target, text)
}

func (d *recordingDriver) Click(_ context.Context, target string, x, y float64) error {
	return d.record("click", target, x, y)
}

func (d *recordingDriver) Scroll(_ context.Context, target string, x, y, deltaY float64) error {
	return d.record("scroll", target, x, y, deltaY)
}

func (d *recordingDriver) Calls() []driverCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driverCall(nil), d.calls...)
}

// relayFixture is a background process served over httptest.
type relayFixture struct {
	Relay  *relay.Relay
	Driver *recordingDriver
	URL    string
	logger *zap.Logger
}

func startRelay(t *testing.T) *relayFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig()

	local := transport.NewEndpoint(schemas.ContextBackground, logger)
	r := relay.New(local, relay.Options{ExtensionID: cfg.Relay().ExtensionID}, logger)
	driver := &recordingDriver{}
	bg, err := extension.NewBackground(r, driver, store.NewMemory(), logger)
	require.NoError(t, err)

	ts := httptest.NewServer(relay.NewServer(r, cfg.Relay(), logger).Handler())
	t.Cleanup(func() {
		bg.Stop()
		r.Close()
		ts.Close()
	})
	return &relayFixture{
		Relay:  r,
		Driver: driver,
		URL:    "ws" + strings.TrimPrefix(ts.URL, "http"),
		logger: logger,
	}
}

// connectContent binds a content context for targetID and waits until the
// relay has registered its tab.
func (f *relayFixture) connectContent(t *testing.T, targetID string) int64 {
	t.Helper()
	ep := transport.NewEndpoint(schemas.ContextContent, f.logger)
	conn, err := transport.DialPort(context.Background(), ep, transport.PortOptions{RelayURL: f.URL, TargetID: targetID}, f.logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ep.Close()
		_ = conn.Close()
	})

	var tab int64
	require.Eventually(t, func() bool {
		id, ok := f.Relay.Tabs().LookupTarget(targetID)
		if !ok || !f.Relay.Tabs().IsRegistered(id) {
			return false
		}
		tab = id
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return tab
}
