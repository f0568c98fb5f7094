package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/activity"
	"remindbot/internal/broadcast"
	"remindbot/internal/connection"
	"remindbot/internal/eventbus"
	"remindbot/internal/observability"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type fakeJobs struct {
	mu    sync.Mutex
	armed map[string]storage.Template
}

func (j *fakeJobs) Upsert(t storage.Template) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.armed, t.ID)
	if t.Active {
		j.armed[t.ID] = t
	}
	return nil
}

func (j *fakeJobs) Remove(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.armed, id)
}

func (j *fakeJobs) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.armed)
}

func (j *fakeJobs) Jobs() []scheduler.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]scheduler.Job, 0, len(j.armed))
	for id, t := range j.armed {
		out = append(out, scheduler.Job{TemplateID: id, Title: t.Title, Schedule: t.CronTime})
	}
	return out
}

type fakeDispatcher struct {
	mu    sync.Mutex
	sent  []string
	casts []broadcast.Message
	err   error
}

func (d *fakeDispatcher) Broadcast(_ context.Context, msg broadcast.Message) (broadcast.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.casts = append(d.casts, msg)
	return broadcast.Result{Success: 2, StartedAt: time.Now()}, nil
}

func (d *fakeDispatcher) SendOne(_ context.Context, phone, _ string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.sent = append(d.sent, phone)
	return "63" + phone[1:] + "@c.us", nil
}

func (d *fakeDispatcher) Running() []broadcast.Progress { return nil }

type fakeConn struct {
	ready bool
	qr    string
}

func (c *fakeConn) IsReady() bool { return c.ready }
func (c *fakeConn) QR() string    { return c.qr }
func (c *fakeConn) Status() connection.Status {
	st := connection.StateDisconnected
	if c.ready {
		st = connection.StateReady
	}
	return connection.Status{State: st, Account: transport.Account{Phone: "639170000000"}}
}

type harness struct {
	srv   *Server
	store *storage.Store
	jobs  *fakeJobs
	disp  *fakeDispatcher
	conn  *fakeConn
}

func newHarness(t *testing.T, ready bool, opts ...func(*Deps)) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{DSN: "file::memory:", LogLevel: "silent"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store: st,
		jobs:  &fakeJobs{armed: map[string]storage.Template{}},
		disp:  &fakeDispatcher{},
		conn:  &fakeConn{ready: ready},
	}
	deps := Deps{
		Store:      st,
		Jobs:       h.jobs,
		Dispatcher: h.disp,
		Connection: h.conn,
		Metrics:    observability.NewMetrics(),
	}
	for _, o := range opts {
		o(&deps)
	}
	h.srv = New(Config{Metrics: true, Environment: "test"}, deps, logx.Nop())
	return h
}

type envelope struct {
	Status  int             `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Results json.RawMessage `json:"results"`
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &env))
	}
	return resp.StatusCode, env
}

func TestPhonesCRUD(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)

	code, env := h.do(t, http.MethodPost, "/api/phones", map[string]any{"phone": "639171234567"})
	require.Equal(t, http.StatusCreated, code)
	var created storage.Recipient
	require.NoError(t, json.Unmarshal(env.Results, &created))
	assert.Equal(t, "639171234567@c.us", created.Phone)
	assert.Equal(t, storage.DefaultName, created.Name)

	code, env = h.do(t, http.MethodPost, "/api/phones", map[string]any{"phone": "639171234567@c.us"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CONFLICT", env.Code)

	code, _ = h.do(t, http.MethodPost, "/api/phones", map[string]any{"phone": "12"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = h.do(t, http.MethodPut, "/api/phones/"+created.ID, map[string]any{"name": "Ana"})
	require.Equal(t, http.StatusOK, code)
	var updated storage.Recipient
	require.NoError(t, json.Unmarshal(env.Results, &updated))
	assert.Equal(t, "Ana", updated.Name)

	code, _ = h.do(t, http.MethodDelete, "/api/phones/"+created.ID, nil)
	require.Equal(t, http.StatusOK, code)
	code, env = h.do(t, http.MethodGet, "/api/phones", nil)
	require.Equal(t, http.StatusOK, code)
	var listed []storage.Recipient
	require.NoError(t, json.Unmarshal(env.Results, &listed))
	assert.Empty(t, listed)

	code, _ = h.do(t, http.MethodDelete, "/api/phones/"+created.ID+"/hard", nil)
	require.Equal(t, http.StatusOK, code)
	code, env = h.do(t, http.MethodGet, "/api/phones/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestMessagesKeepJobsInSync(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)

	code, env := h.do(t, http.MethodPost, "/api/messages", map[string]any{
		"message": "Standup in 10", "cron_time": "0 9 * * 1-5", "title": "Standup",
	})
	require.Equal(t, http.StatusCreated, code)
	var tpl storage.Template
	require.NoError(t, json.Unmarshal(env.Results, &tpl))
	assert.Equal(t, 1, h.jobs.Count())

	code, _ = h.do(t, http.MethodPut, "/api/messages/"+tpl.ID, map[string]any{"cron_time": "30 9 * * 1-5"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "30 9 * * 1-5", h.jobs.Jobs()[0].Schedule)

	code, _ = h.do(t, http.MethodPut, "/api/messages/"+tpl.ID, map[string]any{"active": false})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, h.jobs.Count())

	code, _ = h.do(t, http.MethodPut, "/api/messages/"+tpl.ID, map[string]any{"active": true})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, h.jobs.Count())

	code, _ = h.do(t, http.MethodDelete, "/api/messages/"+tpl.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, h.jobs.Count())

	code, _ = h.do(t, http.MethodDelete, "/api/messages/"+tpl.ID+"/hard", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodDelete, "/api/messages/"+tpl.ID+"/hard", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMessageValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "missing text", body: map[string]any{"cron_time": "0 9 * * *"}},
		{name: "six fields", body: map[string]any{"message": "x", "cron_time": "0 0 9 * * *"}},
		{name: "garbage schedule", body: map[string]any{"message": "x", "cron_time": "every day"}},
	}
	for _, tt := range tests {
		code, env := h.do(t, http.MethodPost, "/api/messages", tt.body)
		assert.Equal(t, http.StatusBadRequest, code, tt.name)
		assert.Equal(t, "BAD_REQUEST", env.Code, tt.name)
	}
	assert.Equal(t, 0, h.jobs.Count())
}

func TestMessagesNotArmedWhileDisconnected(t *testing.T) {
	t.Parallel()
	reg := scheduler.New(scheduler.Config{Timezone: "UTC"}, &fakeDispatcher{}, logx.Nop())
	t.Cleanup(func() { reg.Stop(context.Background()) })
	h := newHarness(t, false, func(d *Deps) { d.Jobs = reg })

	code, _ := h.do(t, http.MethodPost, "/api/messages", map[string]any{"message": "x", "cron_time": "0 9 * * *"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, 0, reg.Count())
	assert.True(t, reg.Suspended())

	// An invalid schedule is still rejected while arming is held.
	code, _ = h.do(t, http.MethodPost, "/api/messages", map[string]any{"message": "x", "cron_time": "every day"})
	assert.Equal(t, http.StatusBadRequest, code)

	n, err := reg.Resync(context.Background(), h.store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, reg.Count())
}

func TestSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)

	code, env := h.do(t, http.MethodPost, "/api/send", map[string]any{"phone": "09171234567", "message": "hi"})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"to":"639171234567@c.us"}`, string(env.Results))

	code, _ = h.do(t, http.MethodPost, "/api/send", map[string]any{"phone": "09171234567"})
	assert.Equal(t, http.StatusBadRequest, code)

	h.disp.err = broadcast.ErrNotReady
	code, env = h.do(t, http.MethodPost, "/api/send", map[string]any{"phone": "09171234567", "message": "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "NOT_READY", env.Code)

	h.disp.err = broadcast.ErrNotRegistered
	code, _ = h.do(t, http.MethodPost, "/api/send", map[string]any{"phone": "09171234567", "message": "hi"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestBroadcast(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)

	code, env := h.do(t, http.MethodPost, "/api/broadcast", map[string]any{"message": "Fire drill at 3"})
	require.Equal(t, http.StatusOK, code)
	var res broadcast.Result
	require.NoError(t, json.Unmarshal(env.Results, &res))
	assert.Equal(t, 2, res.Success)
	require.Len(t, h.disp.casts, 1)
	assert.Equal(t, storage.DefaultTitle, h.disp.casts[0].Title)
	assert.Equal(t, broadcast.TriggerManual, h.disp.casts[0].Trigger)

	h.conn.ready = false
	code, _ = h.do(t, http.MethodPost, "/api/broadcast", map[string]any{"message": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

type launcher struct {
	mu    sync.Mutex
	names []string
	wg    sync.WaitGroup
}

func (l *launcher) Go(name string, fn func(ctx context.Context)) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn(context.Background())
	}()
}

func TestAsyncBroadcastRunsOnLauncher(t *testing.T) {
	t.Parallel()
	l := &launcher{}
	h := newHarness(t, true, func(d *Deps) { d.Go = l.Go })

	code, _ := h.do(t, http.MethodPost, "/api/broadcast", map[string]any{"message": "later", "async": true})
	require.Equal(t, http.StatusAccepted, code)
	l.wg.Wait()

	assert.Equal(t, []string{"broadcast.manual"}, l.names)
	h.disp.mu.Lock()
	defer h.disp.mu.Unlock()
	require.Len(t, h.disp.casts, 1)
	assert.Equal(t, "later", h.disp.casts[0].Text)
}

type fakeSession struct {
	calls int
	err   error
}

func (s *fakeSession) Logout(context.Context) error {
	s.calls++
	return s.err
}

func TestLogout(t *testing.T) {
	t.Parallel()
	code, env := newHarness(t, true).do(t, http.MethodDelete, "/api/session", nil)
	assert.Equal(t, http.StatusNotImplemented, code)
	assert.Equal(t, "INTERNAL_SERVER_ERROR", env.Code)

	sess := &fakeSession{}
	h := newHarness(t, true, func(d *Deps) { d.Session = sess })
	code, _ = h.do(t, http.MethodDelete, "/api/session", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, sess.calls)

	sess.err = transport.ErrNotConnected
	code, env = h.do(t, http.MethodDelete, "/api/session", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "NOT_READY", env.Code)
}

func TestHealthReportsActivity(t *testing.T) {
	t.Parallel()
	tr := activity.New()
	tr.Observe(eventbus.Event{Type: eventbus.JobsArmed, Data: 2})
	tr.Observe(eventbus.Event{Type: eventbus.DispatchFinished, Data: broadcast.Result{Success: 3, Failed: 1}})
	h := newHarness(t, true, func(d *Deps) { d.Activity = tr })

	code, env := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	var hr healthResults
	require.NoError(t, json.Unmarshal(env.Results, &hr))
	require.NotNil(t, hr.Activity)
	assert.Equal(t, 2, hr.Activity.ArmedJobs)
	require.NotNil(t, hr.Activity.LastDispatch)
	assert.Equal(t, 3, hr.Activity.LastDispatch.Success)
	assert.Equal(t, 1, hr.Activity.Dispatches)
}

func TestHealthAndQR(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.conn.qr = "2@abc,def"

	code, env := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	var hr healthResults
	require.NoError(t, json.Unmarshal(env.Results, &hr))
	assert.Equal(t, "degraded", hr.Status)
	assert.Equal(t, connection.StateDisconnected, hr.State)
	assert.Equal(t, "ok", hr.Storage)
	assert.Equal(t, "test", hr.Environment)

	code, env = h.do(t, http.MethodGet, "/api/qr", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"qr":"2@abc,def"}`, string(env.Results))

	req := httptest.NewRequest(http.MethodGet, "/api/qr?format=text", nil)
	resp, err := h.srv.App().Test(req, -1)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "2@abc,def", string(raw))

	h.conn.ready = true
	code, env = h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Results, &hr))
	assert.Equal(t, "ok", hr.Status)
	assert.Equal(t, "639170000000", hr.Account.Phone)
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	code, env := h.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := h.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
