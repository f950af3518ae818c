package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backtrue/mitenow-sub001/internal/model"
	"github.com/backtrue/mitenow-sub001/internal/scanner"
	"github.com/backtrue/mitenow-sub001/internal/subdomain"
	"github.com/backtrue/mitenow-sub001/internal/ticket"
)

const (
	testBaseURL        = "https://deploy.example.com"
	testReservationTTL = 15 * time.Minute
	testCooldown       = 24 * time.Hour
	testAnonymousTTL   = 72 * time.Hour
)

type deployEnv struct {
	svc      *DeploymentService
	apps     *memApps
	quota    *memQuota
	sources  *memSources
	builds   *memTrigger
	registry *subdomain.Registry

	mu  sync.Mutex
	now time.Time
}

func (e *deployEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *deployEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func newDeployEnv(t *testing.T) *deployEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &deployEnv{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	env.apps = newMemApps(env.clock)
	env.quota = newMemQuota(env.apps)
	env.sources = newMemSources()
	env.builds = &memTrigger{}
	env.registry = subdomain.NewRegistry(client, testReservationTTL, testCooldown, subdomain.WithClock(env.clock))

	limits := map[string]int{model.TierAnonymous: 1, model.TierFree: 3, model.TierPro: 20}
	env.svc = NewDeploymentService(DeploymentDeps{
		Apps:     env.apps,
		Quota:    env.quota,
		Secrets:  &memSecrets{owners: map[string]string{"sec_alice": "alice", "sec_bob": "bob"}},
		Registry: env.registry,
		Tickets:  ticket.NewStore(client, "0123456789abcdef0123456789abcdef", testBaseURL, 10*time.Minute, ticket.WithClock(env.clock)),
		Scanner:  scanner.New(),
		Sources:  env.sources,
		Builds:   env.builds,
	}, DeploymentConfig{
		TierLimit:        func(tier string) int { return limits[tier] },
		MaxBuildDuration: 30 * time.Minute,
		UploadTimeout:    time.Hour,
		AnonymousAppTTL:  testAnonymousTTL,
	}, zerolog.Nop())
	env.svc.now = env.clock
	return env
}

var (
	alice = model.Identity{UserID: "alice", Tier: model.TierFree}
	bob   = model.Identity{UserID: "bob", Tier: model.TierFree}
	anon  = model.Identity{Tier: model.TierAnonymous, ClientKey: "203.0.113.7"}
)

func cleanArchive(t *testing.T) []byte {
	return zipArchive(t,
		file{"index.html", "<!doctype html><h1>hello</h1>"},
		file{"package.json", `{"name":"site","version":"1.0.0"}`},
	)
}

func uploadToken(t *testing.T, tk *model.UploadTicket) string {
	t.Helper()
	prefix := testBaseURL + "/uploads/"
	require.True(t, strings.HasPrefix(tk.UploadURL, prefix))
	return strings.TrimPrefix(tk.UploadURL, prefix)
}

// uploaded prepares an application for id and uploads data to it.
func (e *deployEnv) uploaded(t *testing.T, id model.Identity, data []byte) string {
	t.Helper()
	ctx := context.Background()
	tk, err := e.svc.Prepare(ctx, id, "site.zip")
	require.NoError(t, err)
	_, err = e.svc.Upload(ctx, uploadToken(t, tk), data)
	require.NoError(t, err)
	return tk.AppID
}

func (e *deployEnv) status(t *testing.T, appID string) string {
	t.Helper()
	app := e.apps.snapshot(appID)
	require.NotNil(t, app)
	return app.Status
}

func (e *deployEnv) available(t *testing.T, name string) model.Availability {
	t.Helper()
	a, err := e.svc.CheckSubdomain(context.Background(), name)
	require.NoError(t, err)
	return a
}

// ---------- End to end ----------

func TestDeployment_CleanArchiveBecomesActive(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()

	tk, err := env.svc.Prepare(ctx, alice, "app.zip")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, env.status(t, tk.AppID))

	res, err := env.svc.Upload(ctx, uploadToken(t, tk), cleanArchive(t))
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.False(t, res.HasWarnings)
	assert.Equal(t, model.StatusReservingName, env.status(t, tk.AppID))

	assert.True(t, env.available(t, "fresh-name").Available)
	out, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: tk.AppID, Subdomain: "fresh-name"})
	require.NoError(t, err)
	assert.NotEmpty(t, out.BuildID)
	assert.Equal(t, model.StatusBuilding, env.status(t, tk.AppID))
	assert.Equal(t, 1, env.quota.get(alice.QuotaKey()))

	require.NoError(t, env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{
		AppID: tk.AppID, BuildID: out.BuildID, Outcome: model.BuildSucceeded,
	}))
	assert.Equal(t, model.StatusActive, env.status(t, tk.AppID))

	slot, err := env.registry.Get(ctx, "fresh-name")
	require.NoError(t, err)
	assert.Equal(t, model.SlotActive, slot.State)
	assert.Equal(t, out.BuildID, slot.BuildID)
	assert.Equal(t, model.Availability{Reason: model.ReasonTaken}, env.available(t, "fresh-name"))
	assert.Equal(t, 1, env.quota.get(alice.QuotaKey()))
}

func TestDeployment_TraversalArchiveNeverDeploys(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()

	tk, err := env.svc.Prepare(ctx, alice, "app.zip")
	require.NoError(t, err)
	token := uploadToken(t, tk)
	bad := zipArchive(t, file{"index.html", "ok"}, file{"../../etc/passwd", "root:x:0:0"})

	res, err := env.svc.Upload(ctx, token, bad)
	require.Error(t, err)
	assert.Equal(t, model.KindScanRejected, model.KindOf(err))
	require.NotNil(t, res)
	assert.False(t, res.Passed)
	assert.Equal(t, model.StatusFailed, env.status(t, tk.AppID))
	assert.Empty(t, env.sources.objects)

	// the ticket is spent: a retry never reaches the scanner
	_, err = env.svc.Upload(ctx, token, cleanArchive(t))
	assert.Equal(t, model.KindConflict, model.KindOf(err))
	assert.Equal(t, model.CodeTicketConsumed, model.CodeOf(err))

	_, err = env.svc.Deploy(ctx, alice, DeployRequest{AppID: tk.AppID, Subdomain: "evil"})
	assert.Equal(t, model.CodeInvalidState, model.CodeOf(err))
	assert.True(t, env.available(t, "evil").Available)
	assert.Empty(t, env.builds.requests)
}

func TestDeployment_ConcurrentDeploysForOneName(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()

	appA := env.uploaded(t, alice, cleanArchive(t))
	appB := env.uploaded(t, bob, cleanArchive(t))

	type outcome struct {
		res *model.DeployResult
		err error
	}
	results := make([]outcome, 2)
	var wg sync.WaitGroup
	for i, call := range []struct {
		id    model.Identity
		appID string
	}{{alice, appA}, {bob, appB}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.svc.Deploy(ctx, call.id, DeployRequest{AppID: call.appID, Subdomain: "foo"})
			results[i] = outcome{res, err}
		}()
	}
	wg.Wait()

	var wins, conflicts int
	for _, r := range results {
		if r.err == nil {
			wins++
			assert.NotEmpty(t, r.res.BuildID)
			continue
		}
		if model.KindOf(r.err) == model.KindConflict {
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	past := 0
	for _, app := range env.apps.all() {
		if app.Status != model.StatusReservingName {
			past++
		}
	}
	assert.Equal(t, 1, past)
	assert.Equal(t, 1, env.quota.get(alice.QuotaKey())+env.quota.get(bob.QuotaKey()))
}

// ---------- Prepare ----------

func TestDeployment_Prepare_InvalidFilename(t *testing.T) {
	env := newDeployEnv(t)

	for _, name := range []string{"", "   ", "app.tar.gz", ".zip", "dir/app.zip", `dir\app.zip`, strings.Repeat("a", 252) + ".zip"} {
		t.Run(name, func(t *testing.T) {
			_, err := env.svc.Prepare(context.Background(), alice, name)
			assert.Equal(t, model.CodeInvalidFilename, model.CodeOf(err))
		})
	}
	assert.Empty(t, env.apps.all())
}

func TestDeployment_Prepare_RecordsOwner(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()

	tk, err := env.svc.Prepare(ctx, alice, "APP.ZIP")
	require.NoError(t, err)
	app := env.apps.snapshot(tk.AppID)
	require.NotNil(t, app.OwnerID)
	assert.Equal(t, "alice", *app.OwnerID)
	assert.Equal(t, "user:alice", app.QuotaKey)

	tk, err = env.svc.Prepare(ctx, anon, "app.zip")
	require.NoError(t, err)
	app = env.apps.snapshot(tk.AppID)
	assert.Nil(t, app.OwnerID)
	assert.Equal(t, "anon:203.0.113.7", app.QuotaKey)
}

// ---------- Upload ----------

func TestDeployment_Upload_WarningsNeedConfirmation(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()

	data := zipArchive(t, file{"config.js", "export const api = 'http://localhost:8080/v1'"})
	tk, err := env.svc.Prepare(ctx, alice, "app.zip")
	require.NoError(t, err)
	res, err := env.svc.Upload(ctx, uploadToken(t, tk), data)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.True(t, res.HasWarnings)
	assert.Equal(t, model.StatusAwaitingConfirmation, env.status(t, tk.AppID))

	_, err = env.svc.Deploy(ctx, alice, DeployRequest{AppID: tk.AppID, Subdomain: "warned"})
	assert.Equal(t, model.CodeWarningsPending, model.CodeOf(err))
	assert.True(t, env.available(t, "warned").Available)

	out, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: tk.AppID, Subdomain: "warned", ConfirmedWarnings: true})
	require.NoError(t, err)
	assert.Equal(t, "warned", out.Subdomain)
	assert.True(t, env.apps.snapshot(tk.AppID).WarningsConfirmed)
}

func TestDeployment_Upload_StorageFailureFailsApp(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()
	env.sources.putErr = errStoreDown

	tk, err := env.svc.Prepare(ctx, alice, "app.zip")
	require.NoError(t, err)
	_, err = env.svc.Upload(ctx, uploadToken(t, tk), cleanArchive(t))
	assert.Equal(t, model.KindInternal, model.KindOf(err))
	assert.Equal(t, model.StatusFailed, env.status(t, tk.AppID))
}

func TestDeployment_Upload_UnknownTicket(t *testing.T) {
	env := newDeployEnv(t)

	_, err := env.svc.Upload(context.Background(), "not-a-token", cleanArchive(t))
	assert.Equal(t, model.CodeTicketInvalid, model.CodeOf(err))
}

// ---------- Deploy failures ----------

func TestDeployment_Deploy_OtherUsersApplication(t *testing.T) {
	env := newDeployEnv(t)
	appID := env.uploaded(t, alice, cleanArchive(t))

	_, err := env.svc.Deploy(context.Background(), bob, DeployRequest{AppID: appID, Subdomain: "mine"})
	assert.Equal(t, model.KindForbidden, model.KindOf(err))
	assert.Equal(t, model.StatusReservingName, env.status(t, appID))
	assert.True(t, env.available(t, "mine").Available)
}

func TestDeployment_Deploy_InvalidName(t *testing.T) {
	env := newDeployEnv(t)
	appID := env.uploaded(t, alice, cleanArchive(t))

	_, err := env.svc.Deploy(context.Background(), alice, DeployRequest{AppID: appID, Subdomain: "Bad_Name"})
	assert.Equal(t, model.KindValidation, model.KindOf(err))
	assert.Equal(t, model.StatusReservingName, env.status(t, appID))
}

func TestDeployment_Deploy_QuotaExceededRollsBack(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()

	first := env.uploaded(t, anon, cleanArchive(t))
	_, err := env.svc.Deploy(ctx, anon, DeployRequest{AppID: first, Subdomain: "anon-one"})
	require.NoError(t, err)

	second := env.uploaded(t, anon, cleanArchive(t))
	_, err = env.svc.Deploy(ctx, anon, DeployRequest{AppID: second, Subdomain: "anon-two"})
	require.Error(t, err)
	assert.Equal(t, model.KindQuotaExceeded, model.KindOf(err))

	app := env.apps.snapshot(second)
	assert.Equal(t, model.StatusReservingName, app.Status)
	assert.Nil(t, app.Subdomain)
	assert.True(t, env.available(t, "anon-two").Available)
	assert.Equal(t, 1, env.quota.get(anon.QuotaKey()))
}

func TestDeployment_Deploy_ForeignSecretRollsBack(t *testing.T) {
	env := newDeployEnv(t)
	appID := env.uploaded(t, alice, cleanArchive(t))

	_, err := env.svc.Deploy(context.Background(), alice, DeployRequest{AppID: appID, Subdomain: "with-secret", SecretRef: "sec_bob"})
	assert.Equal(t, model.KindForbidden, model.KindOf(err))

	assert.Equal(t, model.StatusReservingName, env.status(t, appID))
	assert.True(t, env.available(t, "with-secret").Available)
	assert.Zero(t, env.quota.get(alice.QuotaKey()))
	assert.Empty(t, env.builds.requests)
}

func TestDeployment_Deploy_PassesOnlySecretRef(t *testing.T) {
	env := newDeployEnv(t)
	appID := env.uploaded(t, alice, cleanArchive(t))

	_, err := env.svc.Deploy(context.Background(), alice, DeployRequest{AppID: appID, Subdomain: "with-secret", SecretRef: "sec_alice"})
	require.NoError(t, err)

	require.Len(t, env.builds.requests, 1)
	req := env.builds.requests[0]
	assert.Equal(t, "sec_alice", req.SecretRef)
	assert.Equal(t, "s3://app-sources/sources/"+appID+".zip", req.SourceRef)
	assert.Equal(t, "with-secret", req.Subdomain)
}

func TestDeployment_Deploy_TriggerFailureFailsApp(t *testing.T) {
	env := newDeployEnv(t)
	env.builds.err = errStoreDown
	appID := env.uploaded(t, alice, cleanArchive(t))

	_, err := env.svc.Deploy(context.Background(), alice, DeployRequest{AppID: appID, Subdomain: "no-build"})
	assert.Equal(t, model.KindUpstreamBuild, model.KindOf(err))

	assert.Equal(t, model.StatusFailed, env.status(t, appID))
	assert.True(t, env.available(t, "no-build").Available)
	assert.Zero(t, env.quota.get(alice.QuotaKey()))
}

func TestDeployment_Deploy_QuotaStoreErrorIsInternal(t *testing.T) {
	env := newDeployEnv(t)
	env.quota.err = errStoreDown
	appID := env.uploaded(t, alice, cleanArchive(t))

	_, err := env.svc.Deploy(context.Background(), alice, DeployRequest{AppID: appID, Subdomain: "quota-down"})
	assert.Equal(t, model.KindInternal, model.KindOf(err))
	assert.NotContains(t, err.(*model.Error).Message, "store unavailable")
	assert.Equal(t, model.StatusFailed, env.status(t, appID))
	assert.True(t, env.available(t, "quota-down").Available)
}

func TestDeployment_Deploy_LapsedReservationCancelsBuild(t *testing.T) {
	env := newDeployEnv(t)
	appID := env.uploaded(t, alice, cleanArchive(t))
	env.builds.onTrigger = func(string) { env.advance(testReservationTTL + time.Second) }

	_, err := env.svc.Deploy(context.Background(), alice, DeployRequest{AppID: appID, Subdomain: "slow"})
	assert.Equal(t, model.CodeReservationLost, model.CodeOf(err))

	assert.Len(t, env.builds.cancels(), 1)
	assert.Equal(t, model.StatusReservingName, env.status(t, appID))
	assert.Zero(t, env.quota.get(alice.QuotaKey()))
	assert.True(t, env.available(t, "slow").Available)
}

func TestDeployment_Deploy_TeardownWhileStartingBuild(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()

	kept := env.uploaded(t, alice, cleanArchive(t))
	_, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: kept, Subdomain: "kept"})
	require.NoError(t, err)

	appID := env.uploaded(t, alice, cleanArchive(t))
	var buildID string
	env.builds.onTrigger = func(id string) {
		buildID = id
		require.NoError(t, env.svc.Teardown(ctx, alice, appID))
	}

	_, err = env.svc.Deploy(ctx, alice, DeployRequest{AppID: appID, Subdomain: "gone"})
	require.Error(t, err)

	assert.Nil(t, env.apps.snapshot(appID))
	assert.Contains(t, env.builds.cancels(), buildID)
	assert.True(t, env.available(t, "gone").Available)
	// only the unit of the removed deploy was returned
	assert.Equal(t, 1, env.quota.get(alice.QuotaKey()))
	assert.Equal(t, model.StatusBuilding, env.status(t, kept))
}

func TestDeployment_Deploy_RetryAfterRejection(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()

	taken := env.uploaded(t, bob, cleanArchive(t))
	_, err := env.svc.Deploy(ctx, bob, DeployRequest{AppID: taken, Subdomain: "popular"})
	require.NoError(t, err)

	appID := env.uploaded(t, alice, cleanArchive(t))
	_, err = env.svc.Deploy(ctx, alice, DeployRequest{AppID: appID, Subdomain: "popular"})
	assert.Equal(t, model.CodeNameTaken, model.CodeOf(err))
	assert.Equal(t, model.StatusReservingName, env.status(t, appID))

	_, err = env.svc.Deploy(ctx, alice, DeployRequest{AppID: appID, Subdomain: "less-popular"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusBuilding, env.status(t, appID))
}

// ---------- Build status ----------

func TestDeployment_ReportBuildStatus_FailureReleasesHolds(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()
	appID := env.uploaded(t, alice, cleanArchive(t))
	out, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: appID, Subdomain: "broken"})
	require.NoError(t, err)

	report := model.BuildStatusReport{AppID: appID, BuildID: out.BuildID, Outcome: model.BuildFailed, Message: "npm ci failed"}
	require.NoError(t, env.svc.ReportBuildStatus(ctx, report))

	app := env.apps.snapshot(appID)
	assert.Equal(t, model.StatusFailed, app.Status)
	require.NotNil(t, app.StatusMessage)
	assert.Equal(t, "npm ci failed", *app.StatusMessage)
	assert.True(t, env.available(t, "broken").Available)
	assert.Zero(t, env.quota.get(alice.QuotaKey()))

	// a duplicate delivery changes nothing
	require.NoError(t, env.svc.ReportBuildStatus(ctx, report))
	report.Outcome = model.BuildSucceeded
	require.NoError(t, env.svc.ReportBuildStatus(ctx, report))
	assert.Equal(t, model.StatusFailed, env.status(t, appID))
	assert.Zero(t, env.quota.get(alice.QuotaKey()))
}

func TestDeployment_ReportBuildStatus_BeforeDeployReturns(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()
	appID := env.uploaded(t, alice, cleanArchive(t))

	var early error
	env.builds.onTrigger = func(buildID string) {
		early = env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{
			AppID: appID, BuildID: buildID, Outcome: model.BuildFailed, Message: "builder rejected the request",
		})
	}

	out, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: appID, Subdomain: "fast-fail"})
	require.NoError(t, err)
	assert.Equal(t, []string{out.BuildID}, env.builds.started)

	// the early report is refused rather than dropped, so it is delivered again
	assert.Equal(t, model.KindConflict, model.KindOf(early))
	assert.Equal(t, model.StatusBuilding, env.status(t, appID))

	require.NoError(t, env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{
		AppID: appID, BuildID: out.BuildID, Outcome: model.BuildFailed, Message: "builder rejected the request",
	}))
	assert.Equal(t, model.StatusFailed, env.status(t, appID))
	assert.True(t, env.available(t, "fast-fail").Available)
	assert.Zero(t, env.quota.get(alice.QuotaKey()))
}

func TestDeployment_Deploy_AbortForgetsBuildID(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()
	appID := env.uploaded(t, alice, cleanArchive(t))

	var buildID string
	env.builds.onTrigger = func(id string) {
		buildID = id
		env.advance(testReservationTTL + time.Second)
	}
	_, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: appID, Subdomain: "lapsed"})
	require.Error(t, err)
	assert.Nil(t, env.apps.snapshot(appID).BuildID)

	// the cancelled build reporting afterwards changes nothing
	require.NoError(t, env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{AppID: appID, BuildID: buildID, Outcome: model.BuildFailed}))
	assert.Equal(t, model.StatusReservingName, env.status(t, appID))
}

func TestDeployment_ReportBuildStatus_IgnoresUnknownAndMismatched(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()
	appID := env.uploaded(t, alice, cleanArchive(t))
	out, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: appID, Subdomain: "steady"})
	require.NoError(t, err)

	require.NoError(t, env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{BuildID: "build-unknown", Outcome: model.BuildSucceeded}))
	require.NoError(t, env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{AppID: "other-app", BuildID: out.BuildID, Outcome: model.BuildFailed}))
	assert.Equal(t, model.StatusBuilding, env.status(t, appID))

	err = env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{BuildID: out.BuildID, Outcome: "exploded"})
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

// ---------- Teardown and release ----------

func TestDeployment_Teardown_ByOwner(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()
	appID := env.uploaded(t, alice, cleanArchive(t))
	out, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: appID, Subdomain: "bye"})
	require.NoError(t, err)
	require.NoError(t, env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{BuildID: out.BuildID, Outcome: model.BuildSucceeded}))
	ref := *env.apps.snapshot(appID).SourceRef

	err = env.svc.Teardown(ctx, bob, appID)
	assert.Equal(t, model.KindForbidden, model.KindOf(err))
	assert.Equal(t, model.StatusActive, env.status(t, appID))

	require.NoError(t, env.svc.Teardown(ctx, alice, appID))
	assert.Nil(t, env.apps.snapshot(appID))
	assert.False(t, env.sources.has(ref))
	assert.Zero(t, env.quota.get(alice.QuotaKey()))
	assert.Equal(t, model.Availability{Reason: model.ReasonCoolingDown}, env.available(t, "bye"))

	env.advance(testCooldown)
	assert.True(t, env.available(t, "bye").Available)
}

func TestDeployment_Teardown_CancelsRunningBuild(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()
	appID := env.uploaded(t, alice, cleanArchive(t))
	out, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: appID, Subdomain: "midway"})
	require.NoError(t, err)

	require.NoError(t, env.svc.Teardown(ctx, alice, appID))
	assert.Equal(t, []string{out.BuildID}, env.builds.cancels())
	assert.Zero(t, env.quota.get(alice.QuotaKey()))

	// the build finishing afterwards is ignored
	require.NoError(t, env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{BuildID: out.BuildID, Outcome: model.BuildSucceeded}))
	assert.Nil(t, env.apps.snapshot(appID))
}

func TestDeployment_Teardown_AnonymousApplication(t *testing.T) {
	env := newDeployEnv(t)
	appID := env.uploaded(t, anon, cleanArchive(t))

	err := env.svc.Teardown(context.Background(), anon, appID)
	assert.Equal(t, model.KindForbidden, model.KindOf(err))
	assert.NotNil(t, env.apps.snapshot(appID))
}

func TestDeployment_ReleaseSubdomain(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()
	appID := env.uploaded(t, alice, cleanArchive(t))
	out, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: appID, Subdomain: "mine"})
	require.NoError(t, err)
	require.NoError(t, env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{BuildID: out.BuildID, Outcome: model.BuildSucceeded}))

	err = env.svc.ReleaseSubdomain(ctx, bob, "mine")
	assert.Equal(t, model.KindForbidden, model.KindOf(err))
	slot, err := env.registry.Get(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, model.SlotActive, slot.State)

	require.NoError(t, env.svc.ReleaseSubdomain(ctx, alice, "mine"))
	assert.Nil(t, env.apps.snapshot(appID))
	assert.Zero(t, env.quota.get(alice.QuotaKey()))
	assert.Equal(t, model.Availability{Reason: model.ReasonCoolingDown}, env.available(t, "mine"))

	err = env.svc.ReleaseSubdomain(ctx, alice, "mine")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestDeployment_ReleaseSubdomain_BuildFinishesMeanwhile(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()
	appID := env.uploaded(t, alice, cleanArchive(t))
	out, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: appID, Subdomain: "racing"})
	require.NoError(t, err)

	env.apps.beforeTransition = func() {
		require.NoError(t, env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{BuildID: out.BuildID, Outcome: model.BuildSucceeded}))
	}

	require.NoError(t, env.svc.ReleaseSubdomain(ctx, alice, "racing"))
	assert.Nil(t, env.apps.snapshot(appID))
	assert.Zero(t, env.quota.get(alice.QuotaKey()))
	assert.Equal(t, model.Availability{Reason: model.ReasonCoolingDown}, env.available(t, "racing"))
}

func TestDeployment_Teardown_BuildFailsMeanwhile(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()

	kept := env.uploaded(t, alice, cleanArchive(t))
	_, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: kept, Subdomain: "kept"})
	require.NoError(t, err)

	appID := env.uploaded(t, alice, cleanArchive(t))
	out, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: appID, Subdomain: "flaky"})
	require.NoError(t, err)
	require.Equal(t, 2, env.quota.get(alice.QuotaKey()))

	env.apps.beforeTransition = func() {
		require.NoError(t, env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{BuildID: out.BuildID, Outcome: model.BuildFailed}))
	}

	require.NoError(t, env.svc.Teardown(ctx, alice, appID))
	assert.Nil(t, env.apps.snapshot(appID))
	// the failed build already returned its unit
	assert.Equal(t, 1, env.quota.get(alice.QuotaKey()))
}

// ---------- Get ----------

func TestDeployment_Get_HidesOtherCallersApplications(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()
	appID := env.uploaded(t, anon, cleanArchive(t))

	app, err := env.svc.Get(ctx, anon, appID)
	require.NoError(t, err)
	assert.Equal(t, appID, app.ID)

	other := model.Identity{Tier: model.TierAnonymous, ClientKey: "198.51.100.1"}
	_, err = env.svc.Get(ctx, other, appID)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

// ---------- Reconcile ----------

func TestDeployment_ReconcileStuck(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()

	stuck := env.uploaded(t, alice, cleanArchive(t))
	out, err := env.svc.Deploy(ctx, alice, DeployRequest{AppID: stuck, Subdomain: "stuck"})
	require.NoError(t, err)

	abandoned, err := env.svc.Prepare(ctx, bob, "app.zip")
	require.NoError(t, err)

	env.advance(time.Hour + time.Minute)
	fresh := env.uploaded(t, bob, cleanArchive(t))

	res, err := env.svc.ReconcileStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimedOutBuilds)
	assert.Equal(t, 1, res.AbandonedUploads)
	assert.Zero(t, res.AbandonedDeploys)

	assert.Equal(t, model.StatusFailed, env.status(t, stuck))
	assert.Equal(t, model.StatusFailed, env.status(t, abandoned.AppID))
	assert.Equal(t, model.StatusReservingName, env.status(t, fresh))
	assert.Equal(t, []string{out.BuildID}, env.builds.cancels())
	assert.True(t, env.available(t, "stuck").Available)
	assert.Zero(t, env.quota.get(alice.QuotaKey()))

	// a late success for the timed out build is ignored
	require.NoError(t, env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{BuildID: out.BuildID, Outcome: model.BuildSucceeded}))
	assert.Equal(t, model.StatusFailed, env.status(t, stuck))
}

func TestDeployment_ReconcileStuck_ExpiresAnonymousApplications(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()

	squatted := env.uploaded(t, anon, cleanArchive(t))
	out, err := env.svc.Deploy(ctx, anon, DeployRequest{AppID: squatted, Subdomain: "squatted"})
	require.NoError(t, err)
	require.NoError(t, env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{BuildID: out.BuildID, Outcome: model.BuildSucceeded}))
	ref := *env.apps.snapshot(squatted).SourceRef

	owned := env.uploaded(t, alice, cleanArchive(t))
	out, err = env.svc.Deploy(ctx, alice, DeployRequest{AppID: owned, Subdomain: "owned"})
	require.NoError(t, err)
	require.NoError(t, env.svc.ReportBuildStatus(ctx, model.BuildStatusReport{BuildID: out.BuildID, Outcome: model.BuildSucceeded}))

	env.advance(testAnonymousTTL - time.Minute)
	res, err := env.svc.ReconcileStuck(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.ExpiredAnonymous)
	assert.Equal(t, model.StatusActive, env.status(t, squatted))

	env.advance(2 * time.Minute)
	res, err = env.svc.ReconcileStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiredAnonymous)

	assert.Nil(t, env.apps.snapshot(squatted))
	assert.False(t, env.sources.has(ref))
	assert.Zero(t, env.quota.get(anon.QuotaKey()))
	assert.True(t, env.available(t, "squatted").Available)

	assert.Equal(t, model.StatusActive, env.status(t, owned))
	assert.Equal(t, 1, env.quota.get(alice.QuotaKey()))
}

func TestDeployment_ReconcileStuck_CorrectsDriftedQuota(t *testing.T) {
	env := newDeployEnv(t)
	ctx := context.Background()

	_, _, err := env.quota.CheckAndReserve(ctx, alice.QuotaKey(), 3)
	require.NoError(t, err)

	res, err := env.svc.ReconcileStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.QuotasCorrected)
	assert.Zero(t, env.quota.get(alice.QuotaKey()))
}
