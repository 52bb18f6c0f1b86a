package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-progress/internal/config"
	"github.com/JakeFAU/realtime-job-progress/internal/jobsession"
	"github.com/JakeFAU/realtime-job-progress/internal/progress"
	memorypublisher "github.com/JakeFAU/realtime-job-progress/internal/publisher/memory"
	"github.com/JakeFAU/realtime-job-progress/internal/submit"
	"github.com/JakeFAU/realtime-job-progress/internal/transport/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Service.BaseURL = baseURL
	cfg.Connection.ReconnectDelayMs = 20
	cfg.Connection.HeartbeatOutgoingMs = 0
	cfg.Connection.HeartbeatIncomingMs = 0
	cfg.Progress.Batch.MaxWaitMs = 10
	cfg.Telemetry.Enabled = false
	return &cfg
}

func buildApp(t *testing.T, cfg *config.Config, broker *memory.Broker) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg, WithDialer(broker), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func writeArchive(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "course.zip")
	require.NoError(t, os.WriteFile(p, []byte("PK"), 0o600))
	return p
}

// importServer accepts uploads and replays script on the session topic.
func importServer(t *testing.T, broker *memory.Broker, script ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		dest := jobsession.Destination("course", r.FormValue(submit.SessionField))
		deadline := time.Now().Add(waitFor)
		for !slices.Contains(broker.Subscriptions(), dest) && time.Now().Before(deadline) {
			time.Sleep(tick)
		}
		w.WriteHeader(http.StatusAccepted)
		go func() {
			for _, body := range script {
				broker.Publish(dest, body)
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildRejectsNilConfig(t *testing.T) {
	t.Parallel()

	_, err := Build(context.Background(), nil)
	require.Error(t, err)
}

func TestRunJobReachesSuccess(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	srv := importServer(t, broker,
		`{"status":"PROCESSING","processed":5,"total":10,"progress":50}`,
		`{"status":"SUCCESS","message":"Done"}`,
	)
	app := buildApp(t, testConfig(t, srv.URL), broker)
	app.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := app.RunJob(ctx, "", writeArchive(t))
	require.NoError(t, err)
	require.Equal(t, progress.StatusSuccess, state.Status)
	require.Equal(t, "Done", state.Message)
	require.NotNil(t, state.Percent)
	require.InDelta(t, 100.0, *state.Percent, 0.001)

	tr, ok := app.sessions.Lookup(state.SessionID)
	require.True(t, ok)
	require.False(t, tr.IsUploading())

	require.NoError(t, app.Close(context.Background()))
	outcomes := app.outcomes.(*memorypublisher.Publisher).Messages()
	require.Len(t, outcomes, 1)
	require.Equal(t, "course", outcomes[0].Subject)
}

func TestRunJobReportsFailure(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	srv := importServer(t, broker, `{"status":"FAILED","message":"Invalid archive"}`)
	app := buildApp(t, testConfig(t, srv.URL), broker)
	app.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := app.RunJob(ctx, "course", writeArchive(t))
	require.NoError(t, err)
	require.Equal(t, progress.StatusFailed, state.Status)
	require.Equal(t, "Invalid archive", state.Message)
}

func TestRunJobSubmitErrorForgetsSession(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unsupported kind", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	app := buildApp(t, testConfig(t, srv.URL), broker)
	app.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := app.RunJob(ctx, "course", writeArchive(t))
	var statusErr *submit.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, progress.StatusNotStarted, state.Status)
	require.Zero(t, app.sessions.Len())
	require.Eventually(t, func() bool { return len(broker.Subscriptions()) == 0 }, waitFor, tick)
}

func TestReconnectRebindsTrackedSessions(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	app := buildApp(t, testConfig(t, "http://cms.test"), broker)
	app.Start()
	require.NoError(t, app.WaitConnected(context.Background()))

	tr, err := app.Track("course")
	require.NoError(t, err)
	bound, err := tr.Open()
	require.NoError(t, err)
	require.True(t, bound)
	require.Eventually(t, func() bool { return len(broker.Subscriptions()) == 1 }, waitFor, tick)

	broker.Drop()
	require.Eventually(t, func() bool { return broker.Dials() >= 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return slices.Contains(broker.Subscriptions(), tr.Destination())
	}, waitFor, tick)

	require.Equal(t, 1, broker.Publish(tr.Destination(), `{"status":"UPLOADING","progress":30}`))
	require.Eventually(t, func() bool { return tr.Progress().Status == progress.StatusUploading }, waitFor, tick)
}

func TestWaitConnectedHonorsContext(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	app := buildApp(t, testConfig(t, "http://cms.test"), broker)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, app.WaitConnected(ctx), context.DeadlineExceeded)
}

func TestHandlerServesSessionsAndReadiness(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	app := buildApp(t, testConfig(t, "http://cms.test"), broker)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	app.Start()
	require.NoError(t, app.WaitConnected(context.Background()))
	tr, err := app.Track("")
	require.NoError(t, err)
	_, err = tr.Open()
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+tr.SessionID(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Session map[string]any `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "NOT_STARTED", body.Session["status"])
	require.Equal(t, false, body.Session["subscriptionActive"])

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "push_active_subscriptions 1")
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	app := buildApp(t, testConfig(t, "http://cms.test"), broker)
	app.Start()
	require.NoError(t, app.WaitConnected(context.Background()))

	require.NoError(t, app.Close(context.Background()))
	require.NoError(t, app.Close(context.Background()))
	require.False(t, app.manager.IsConnected())
}

func TestWaitConnectedReplacesStaleSignal(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	app := buildApp(t, testConfig(t, "http://cms.test"), broker)

	// A drop leaves the signal closed until onDisconnect runs.
	app.connMu.Lock()
	close(app.connected)
	app.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, app.WaitConnected(ctx), context.DeadlineExceeded)

	app.connMu.Lock()
	ch := app.connected
	app.connMu.Unlock()
	select {
	case <-ch:
		t.Fatal("stale closed signal kept")
	default:
	}

	app.Start()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), waitFor)
	defer waitCancel()
	require.NoError(t, app.WaitConnected(waitCtx))
}
