//go:build integration

package session_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/connection"
	"chatrelay/internal/driver"
	"chatrelay/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const chatPage = `<html><body>
<div id="log"></div>
<textarea id="box"></textarea>
<button id="send">Send</button>
<script>
document.getElementById('send').onclick = function () {
	var box = document.getElementById('box');
	var q = box.value;
	box.value = '';
	var log = document.getElementById('log');
	var u = document.createElement('div');
	u.className = 'turn user';
	u.textContent = q;
	log.appendChild(u);
	var busy = document.createElement('div');
	busy.className = 'busy';
	busy.textContent = 'thinking';
	document.body.appendChild(busy);
	setTimeout(function () {
		var a = document.createElement('div');
		a.className = 'turn assistant';
		a.textContent = 'echo: ' + q;
		log.appendChild(a);
		busy.remove();
	}, 500);
};
</script>
</body></html>`

func TestController_HeadlessChrome_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatPage)
	}))
	defer ts.Close()

	cfg := config.DefaultConfig()
	cfg.Browser.DebuggerURL = ""
	cfg.Browser.Headless = true
	cfg.Mode = config.ModeDisposable
	cfg.Timeouts.PollInterval = "100ms"
	cfg.Timeouts.ResponseWait = "10s"
	cfg.Timeouts.StabilityWait = "5s"
	cfg.Platforms = []config.PlatformConfig{{
		Name:       "local",
		URLPattern: "^" + regexp.QuoteMeta(ts.URL),
		HomeURL:    ts.URL,
		Selectors: config.SelectorConfig{
			Input:  "#box",
			Submit: "#send",
			Turn:   ".turn",
			Busy:   ".busy",
			Reply:  ".turn.assistant",
		},
	}}
	require.NoError(t, cfg.Validate())

	conns, err := connection.NewManager(connection.Options{
		Connector:      driver.NewRodConnector(driver.RodOptions{Headless: true, Logger: zap.NewNop()}),
		Platforms:      cfg.Platforms,
		ConnectTimeout: cfg.GetConnectTimeout(),
		ProbeTimeout:   cfg.GetProbeTimeout(),
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	defer func() { _ = conns.Close() }()

	ctrl, err := session.NewController(session.Options{
		Config:  cfg,
		Tabs:    conns,
		Metrics: session.NewMetrics(prometheus.NewRegistry()),
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	ready := ctrl.Probe(ctx, "local")
	require.True(t, ready.Ready, "%+v", ready)

	resp, err := ctrl.Submit(ctx, session.Request{Platform: "local", Prompt: "ping"})
	require.NoError(t, err)
	require.Equal(t, "echo: ping", resp.Text)
	require.Equal(t, "primary", resp.Strategy)

	resp, err = ctrl.Submit(ctx, session.Request{Platform: "local", Prompt: "token please", Expect: "echo: token please"})
	require.NoError(t, err)
	require.Equal(t, "echo: token please", resp.Text)
}
