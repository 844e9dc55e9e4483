package commands

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/dispatch"
	"github.com/teranos/cadence/internal/clock"
	cadencetest "github.com/teranos/cadence/internal/testing"
	"github.com/teranos/cadence/jobs"
	"github.com/teranos/cadence/provider/providertest"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/ratelimit"
	"github.com/teranos/cadence/sequence"
	"github.com/teranos/cadence/timing"
)

// Monday
var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func defaultConfig(t *testing.T) *am.Config {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)
	cfg.Pulse.PollInterval = 10 * time.Millisecond
	cfg.Pulse.MaintenanceInterval = time.Hour
	return cfg
}

type appFixture struct {
	app   *App
	fake  *providertest.Fake
	clock *clock.Mock
}

func newAppFixture(t *testing.T, cfg *am.Config) *appFixture {
	t.Helper()
	dbx := cadencetest.CreateMigratedTestDBx(t)
	clk := clock.NewMock(t0)
	fake := providertest.New()
	store := sequence.NewStore(dbx, clk)

	app, err := NewApp(cfg, dbx.DB, store, ratelimit.NewMemoryStore(clk), fake, clk, zap.NewNop().Sugar())
	require.NoError(t, err)
	return &appFixture{app: app, fake: fake, clock: clk}
}

func TestNewAppRegistersEveryQueue(t *testing.T) {
	f := newAppFixture(t, defaultConfig(t))

	assert.ElementsMatch(t, []string{
		jobs.QueueSequenceIntake,
		jobs.QueueSequenceDue,
		jobs.QueueSequenceProcess,
		jobs.QueueEmailSend,
		jobs.QueueThreadCheck,
	}, f.app.Orchestrator.QueueNames())
	assert.Equal(t, "cadence", f.app.Orchestrator.Queue().Namespace())
}

func TestRegisterSchedulersIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t, defaultConfig(t))

	require.NoError(t, f.app.RegisterSchedulers(ctx))
	require.NoError(t, f.app.RegisterSchedulers(ctx))

	schs, err := f.app.Ticker.Store().List(ctx)
	require.NoError(t, err)
	require.Len(t, schs, 2)
	ids := []string{schs[0].ID, schs[1].ID}
	assert.ElementsMatch(t, []string{dispatch.IntakeSchedulerID, dispatch.DueSchedulerID}, ids)
}

func TestApplyConfigUpdatesLimits(t *testing.T) {
	cfg := defaultConfig(t)
	f := newAppFixture(t, cfg)
	require.Equal(t, 500, f.app.Limiter.Limits().PerDay)

	reloaded := *cfg
	reloaded.Limits.PerDay = 50
	require.NoError(t, f.app.ApplyConfig(&reloaded))

	assert.Equal(t, 50, f.app.Limiter.Limits().PerDay)
}

func TestAppServesHealth(t *testing.T) {
	f := newAppFixture(t, defaultConfig(t))

	rec := httptest.NewRecorder()
	f.app.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestContactRunsThroughWiredEngine(t *testing.T) {
	ctx := context.Background()
	f := newAppFixture(t, defaultConfig(t))
	store := f.app.Store

	// Given an active one-step sequence with an enrolled contact
	require.NoError(t, store.CreateSequence(ctx, &sequence.Sequence{
		ID: "seq-1", UserID: "u-1", Name: "Intro", Status: sequence.StatusActive,
		Steps: []sequence.Step{{Order: 1, Type: sequence.StepAutomatedEmail, Timing: timing.ModeImmediate, Subject: "Hello", Body: "Hi there"}},
	}))
	require.NoError(t, store.UpsertContact(ctx, &sequence.Contact{ID: "c-1", Email: "ada@example.com"}))
	_, err := store.Enroll(ctx, "seq-1", "c-1")
	require.NoError(t, err)
	require.NoError(t, store.UpsertAccount(ctx, &sequence.MailAccount{UserID: "u-1", Email: "owner@example.com", AccessToken: "tok"}))

	// When the schedulers fire and the workers run
	require.NoError(t, f.app.RegisterSchedulers(ctx))
	fired, err := f.app.Ticker.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, fired)

	require.NoError(t, f.app.Orchestrator.Start(ctx))
	defer f.app.Orchestrator.Stop()

	// Then the step is sent and the contact completes
	require.Eventually(t, func() bool {
		sc, err := store.GetSequenceContact(ctx, "seq-1", "c-1")
		return err == nil && sc.Status == sequence.ContactCompleted
	}, 5*time.Second, 10*time.Millisecond)

	sent := f.fake.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, string(sent[0].Raw), "ada@example.com")

	// and its thread is being watched
	checks, err := f.app.Orchestrator.Queue().ListJobs(ctx, jobs.QueueThreadCheck, nil, 10)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.NotEqual(t, async.JobStatusFailed, checks[0].Status)
}

func TestRunMigrateReportsPending(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(filepath.Join(t.TempDir(), "cadence.db"), nil)
	require.NoError(t, err)
	defer database.Close()

	var buf bytes.Buffer
	require.NoError(t, runMigrate(ctx, &buf, database))
	assert.Contains(t, buf.String(), "pending 000_create_schema_migrations.sql")
	assert.Contains(t, buf.String(), "Applied")

	buf.Reset()
	require.NoError(t, runMigrate(ctx, &buf, database))
	assert.Contains(t, buf.String(), "up to date")
}

func TestRenderConfig(t *testing.T) {
	cfg := defaultConfig(t)

	// Only toml carries field tags; json and yaml fall back to field names
	tests := map[string]string{
		"toml": "queue_prefix",
		"json": `"QueuePrefix"`,
		"yaml": "queueprefix:",
	}
	for format, key := range tests {
		out, err := renderConfig(cfg, format)
		require.NoError(t, err, format)
		assert.Contains(t, out, key, format)
	}

	_, err := renderConfig(cfg, "xml")
	require.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "", redact(""))
	assert.Equal(t, "********", redact("secret"))
}

func TestRenderQueueCounts(t *testing.T) {
	var buf bytes.Buffer
	err := renderQueueCounts(&buf, map[string]*async.QueueCounts{
		"email-send":   {Queued: 3, Failed: 1},
		"thread-check": {Delayed: 7},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "email-send")
	assert.Contains(t, out, "thread-check")
	assert.Less(t, strings.Index(out, "email-send"), strings.Index(out, "thread-check"))
}
