package core

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/backtrue/mitenow-sub001/internal/model"
)

// ---------- Application store ----------

// memApps is an in-memory ApplicationStore with the same compare-and-swap
// semantics as ApplicationService.
type memApps struct {
	mu   sync.Mutex
	apps map[string]*model.Application
	now  func() time.Time
	// beforeTransition runs once, ahead of the next Transition.
	beforeTransition func()
}

func newMemApps(now func() time.Time) *memApps {
	return &memApps{apps: make(map[string]*model.Application), now: now}
}

func (m *memApps) snapshot(id string) *model.Application {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return nil
	}
	cp := *app
	return &cp
}

func (m *memApps) all() []model.Application {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Application
	for _, a := range m.apps {
		out = append(out, *a)
	}
	return out
}

// casLocked applies fn when the record exists and is in one of from.
func (m *memApps) casLocked(id string, from []string, fn func(a *model.Application)) bool {
	app, ok := m.apps[id]
	if !ok || !slices.Contains(from, app.Status) {
		return false
	}
	fn(app)
	app.UpdatedAt = m.now()
	return true
}

func (m *memApps) Create(_ context.Context, app *model.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *app
	m.apps[app.ID] = &cp
	return nil
}

func (m *memApps) Get(_ context.Context, id string) (*model.Application, error) {
	if app := m.snapshot(id); app != nil {
		return app, nil
	}
	return nil, model.NotFoundError("application not found")
}

func (m *memApps) GetByBuildID(_ context.Context, buildID string) (*model.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.apps {
		if a.BuildID != nil && *a.BuildID == buildID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, model.NotFoundError("build not found")
}

func (m *memApps) ListStale(_ context.Context, statuses []string, cutoff time.Time) ([]model.Application, error) {
	var out []model.Application
	for _, a := range m.all() {
		if slices.Contains(statuses, a.Status) && a.UpdatedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memApps) Transition(_ context.Context, id string, from []string, to string, message *string) (bool, error) {
	m.mu.Lock()
	hook := m.beforeTransition
	m.beforeTransition = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casLocked(id, from, func(a *model.Application) {
		a.Status = to
		a.StatusMessage = message
	}), nil
}

func (m *memApps) RecordScan(_ context.Context, id string, summary *model.ScanSummary, sourceRef *string, status string, message *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casLocked(id, []string{model.StatusValidating}, func(a *model.Application) {
		a.Status = status
		a.StatusMessage = message
		a.ScanSummary = summary
		a.SourceRef = sourceRef
	}), nil
}

func (m *memApps) BeginDeploy(_ context.Context, id string, from []string, subdomain, secretRef string, confirmed bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := []string{model.StatusQuotaCheck, model.StatusAwaitingSecret, model.StatusBuilding, model.StatusActive}
	for _, a := range m.apps {
		if a.ID != id && a.Subdomain != nil && *a.Subdomain == subdomain && slices.Contains(live, a.Status) {
			return false, model.ConflictError(model.CodeNameTaken, "subdomain is already taken")
		}
	}
	return m.casLocked(id, from, func(a *model.Application) {
		a.Status = model.StatusQuotaCheck
		a.StatusMessage = nil
		a.Subdomain = &subdomain
		if secretRef != "" {
			a.SecretRef = &secretRef
		}
		a.WarningsConfirmed = a.WarningsConfirmed || confirmed
	}), nil
}

func (m *memApps) ResetForRetry(_ context.Context, id string, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casLocked(id, []string{model.StatusQuotaCheck, model.StatusAwaitingSecret}, func(a *model.Application) {
		a.Status = model.StatusReservingName
		a.StatusMessage = &message
		a.Subdomain = nil
		a.SecretRef = nil
		a.BuildID = nil
	}), nil
}

func (m *memApps) MarkTriggering(_ context.Context, id, buildID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casLocked(id, []string{model.StatusAwaitingSecret}, func(a *model.Application) {
		a.BuildID = &buildID
	}), nil
}

func (m *memApps) MarkBuilding(_ context.Context, id, buildID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casLocked(id, []string{model.StatusAwaitingSecret}, func(a *model.Application) {
		a.Status = model.StatusBuilding
		a.BuildID = &buildID
	}), nil
}

func (m *memApps) FinishBuild(_ context.Context, id, buildID, status string, message *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if app, ok := m.apps[id]; !ok || app.BuildID == nil || *app.BuildID != buildID {
		return false, nil
	}
	return m.casLocked(id, []string{model.StatusBuilding}, func(a *model.Application) {
		a.Status = status
		a.StatusMessage = message
	}), nil
}

func (m *memApps) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.apps, id)
	return nil
}

// ---------- Quota ----------

type memQuota struct {
	mu     sync.Mutex
	counts map[string]int
	apps   *memApps
	err    error
}

func newMemQuota(apps *memApps) *memQuota {
	return &memQuota{counts: make(map[string]int), apps: apps}
}

func (q *memQuota) get(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[key]
}

func (q *memQuota) CheckAndReserve(_ context.Context, key string, limit int) (bool, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, 0, q.err
	}
	if q.counts[key] >= limit {
		return false, 0, nil
	}
	q.counts[key]++
	return true, limit - q.counts[key], nil
}

func (q *memQuota) Release(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.counts[key] > 0 {
		q.counts[key]--
	}
	return nil
}

func (q *memQuota) Reconcile(_ context.Context) (int64, error) {
	want := make(map[string]int)
	for _, a := range q.apps.all() {
		if model.HoldsQuota(a.Status) {
			want[a.QuotaKey]++
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var changed int64
	for key, n := range q.counts {
		if want[key] != n {
			q.counts[key] = want[key]
			changed++
		}
	}
	return changed, nil
}

// ---------- Secrets ----------

type memSecrets struct {
	owners map[string]string
}

func (s *memSecrets) Authorize(_ context.Context, ref, ownerID string) error {
	owner, ok := s.owners[ref]
	if !ok {
		return model.ValidationError(model.CodeSecretNotFound, "secret reference not found")
	}
	if ownerID == "" || owner != ownerID {
		return model.ForbiddenError("secret belongs to another user")
	}
	return nil
}

// ---------- Sources ----------

type memSources struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemSources() *memSources {
	return &memSources{objects: make(map[string][]byte)}
}

func (s *memSources) PutArchive(_ context.Context, appID string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	ref := "s3://app-sources/sources/" + appID + ".zip"
	s.objects[ref] = data
	return ref, nil
}

func (s *memSources) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, ref)
	return nil
}

func (s *memSources) has(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[ref]
	return ok
}

// ---------- Build trigger ----------

type memTrigger struct {
	mu        sync.Mutex
	started   []string
	requests  []model.BuildRequest
	cancelled []string
	err       error
	// onTrigger runs before a successful trigger returns.
	onTrigger func(buildID string)
}

func (b *memTrigger) Trigger(_ context.Context, buildID string, req model.BuildRequest) error {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return model.UpstreamBuildError(b.err)
	}
	b.started = append(b.started, buildID)
	b.requests = append(b.requests, req)
	hook := b.onTrigger
	b.mu.Unlock()

	if hook != nil {
		hook(buildID)
	}
	return nil
}

func (b *memTrigger) Cancel(_ context.Context, buildID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, buildID)
	return nil
}

func (b *memTrigger) cancels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.cancelled)
}

// ---------- Archives ----------

type file struct {
	name, body string
}

func zipArchive(t *testing.T, files ...file) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, f := range files {
		fw, err := w.Create(f.name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

var errStoreDown = errors.New("store unavailable")
