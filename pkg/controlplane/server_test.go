package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codeharbor/codeharbor/pkg/access"
	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/codeharbor/codeharbor/pkg/github"
	"github.com/codeharbor/codeharbor/pkg/provision"
	"github.com/codeharbor/codeharbor/pkg/session"
	"github.com/codeharbor/codeharbor/pkg/storage"
	"github.com/codeharbor/codeharbor/pkg/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerID    = "11111111-1111-4111-8111-111111111111"
	friendID   = "22222222-2222-4222-8222-222222222222"
	strangerID = "33333333-3333-4333-8333-333333333333"
	wsID       = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	otherWsID  = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
	missingID  = "cccccccc-cccc-4ccc-8ccc-cccccccccccc"
)

type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]container.InspectResponse
	states     map[string]types.ContainerState
	started    []string
	stopped    []string
	removed    []string
	stats      container.StatsResponse
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: map[string]container.InspectResponse{},
		states:     map[string]types.ContainerState{},
	}
}

func (f *fakeEngine) add(id, name, ip string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			Name:  "/" + name,
			State: &container.State{Running: running},
			HostConfig: &container.HostConfig{
				Resources: container.Resources{NanoCPUs: 2e9, Memory: 4 << 30},
			},
		},
		NetworkSettings: &container.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"codeharbor": {IPAddress: ip},
			},
		},
	}
	if running {
		f.states[id] = types.ContainerStateRunning
	} else {
		f.states[id] = types.ContainerStateExited
	}
}

func (f *fakeEngine) Inspect(ctx context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[id]
	if !ok {
		return info, failure.New(failure.ContainerNotFound, errors.New("no such container"))
	}
	return info, nil
}

func (f *fakeEngine) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return failure.New(failure.ContainerNotFound, errors.New("no such container"))
	}
	delete(f.containers, id)
	delete(f.states, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) Stats(ctx context.Context, id string) (container.StatsResponse, error) {
	return f.stats, nil
}

func (f *fakeEngine) ListAll(ctx context.Context) ([]types.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ContainerSummary
	for id, state := range f.states {
		out = append(out, types.ContainerSummary{ID: id, State: state})
	}
	return out, nil
}

type fakeOAuth struct {
	user        *github.User
	exchangeErr error
	userErr     error
}

func (f *fakeOAuth) AuthCodeURL(state string) string {
	return "https://github.com/login/oauth/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeOAuth) Exchange(ctx context.Context, code string) (string, error) {
	if f.exchangeErr != nil {
		return "", f.exchangeErr
	}
	return "gh-token-" + code, nil
}

func (f *fakeOAuth) CurrentUser(ctx context.Context, token string) (*github.User, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	return f.user, nil
}

type fakeProvisioner struct {
	workspaceReq *provision.WorkspaceRequest
	templateReq  *provision.TemplateRequest
	deleted      []string
	err          error
}

func (f *fakeProvisioner) CreateWorkspace(ctx context.Context, req provision.WorkspaceRequest) (*types.Workspace, error) {
	f.workspaceReq = &req
	if f.err != nil {
		return nil, f.err
	}
	return &types.Workspace{ID: "new-ws", OwnerID: req.OwnerID, Name: req.Name}, nil
}

func (f *fakeProvisioner) CreateTemplate(ctx context.Context, req provision.TemplateRequest) (*types.Template, error) {
	f.templateReq = &req
	if f.err != nil {
		return nil, f.err
	}
	return &types.Template{ID: "new-tmpl", OwnerID: req.OwnerID, Name: req.Name}, nil
}

func (f *fakeProvisioner) DeleteTemplate(ctx context.Context, userID, templateID string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, templateID)
	return nil
}

type testEnv struct {
	server      *Server
	store       *storage.BoltStore
	engine      *fakeEngine
	oauth       *fakeOAuth
	provisioner *fakeProvisioner
	sessions    *session.Manager
	now         time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for i, id := range []string{ownerID, friendID, strangerID} {
		_, err := store.UpsertGitHubUser(&types.User{ID: id, GitHubID: int64(i + 1), GitHubLogin: "user" + strconv.Itoa(i)})
		require.NoError(t, err)
	}

	require.NoError(t, store.CreateWorkspace(&types.Workspace{
		ID:            wsID,
		Name:          "main",
		OwnerID:       ownerID,
		ContainerID:   "c1",
		SharedUserIDs: []string{friendID},
	}))

	engine := newFakeEngine()
	engine.add("c1", "codeharbor-"+wsID, "172.18.0.5", true)

	sessions := session.NewManager(store, session.Config{CookieName: "auth-session", Domain: "codeharbor.localhost"})
	env := &testEnv{
		store:       store,
		engine:      engine,
		oauth:       &fakeOAuth{},
		provisioner: &fakeProvisioner{},
		sessions:    sessions,
		now:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	env.server = NewServer(Config{NetworkName: "codeharbor"}, Deps{
		Store:       store,
		Engine:      engine,
		Sessions:    sessions,
		Access:      access.NewResolver(store),
		OAuth:       env.oauth,
		Provisioner: env.provisioner,
	})
	env.server.now = func() time.Time { return env.now }
	return env
}

// login opens a session for userID and returns its cookie value
func (e *testEnv) login(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := e.sessions.Create(context.Background(), userID)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: "auth-session", Value: token})
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func TestUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	paths := []struct{ method, path string }{
		{http.MethodGet, "/api/user/getuuid"},
		{http.MethodGet, "/api/workspace"},
		{http.MethodGet, "/api/workspace/" + wsID + "/hostname"},
		{http.MethodPatch, "/api/workspace/" + wsID + "/last-accessed"},
		{http.MethodPost, "/api/workspace/" + wsID + "/start"},
		{http.MethodGet, "/api/template"},
		{http.MethodGet, "/logout"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			rec := env.do(p.method, p.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Unauthorized", strings.TrimSpace(rec.Body.String()))
		})
	}

	rec := env.do(http.MethodGet, "/api/user/getuuid", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetUUID(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, ownerID)

	rec := env.do(http.MethodGet, "/api/user/getuuid", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ownerID, rec.Body.String())
}

func TestHostname(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, ownerID)
	stranger := env.login(t, strangerID)

	require.NoError(t, env.store.CreateWorkspace(&types.Workspace{ID: otherWsID, OwnerID: ownerID, ContainerID: "c2"}))
	env.engine.add("c2", "codeharbor-"+otherWsID, "", true)

	tests := []struct {
		name       string
		token      string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"ip on network", owner, "/api/workspace/" + wsID + "/hostname", http.StatusOK, "172.18.0.5"},
		{"container name", owner, "/api/workspace/" + wsID + "/hostname?inContainer=true", http.StatusOK, "codeharbor-" + wsID},
		{"bad uuid", owner, "/api/workspace/not-a-uuid/hostname", http.StatusBadRequest, "Invalid workspace UUID format"},
		{"unhyphenated uuid", owner, "/api/workspace/" + strings.ReplaceAll(wsID, "-", "") + "/hostname", http.StatusBadRequest, "Invalid workspace UUID format"},
		{"braced uuid", owner, "/api/workspace/%7B" + wsID + "%7D/hostname", http.StatusBadRequest, "Invalid workspace UUID format"},
		{"urn uuid", owner, "/api/workspace/urn:uuid:" + wsID + "/hostname", http.StatusBadRequest, "Invalid workspace UUID format"},
		{"missing workspace", owner, "/api/workspace/" + missingID + "/hostname", http.StatusNotFound, "Workspace not found"},
		{"no access", stranger, "/api/workspace/" + wsID + "/hostname", http.StatusForbidden, "You do not have access to this workspace"},
		{"no ip", owner, "/api/workspace/" + otherWsID + "/hostname", http.StatusInternalServerError, "Container has no IP address (Is it running?)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodGet, tt.path, tt.token, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, strings.TrimSpace(rec.Body.String()))
		})
	}
}

func TestHostnameNotRunning(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, ownerID)
	env.engine.add("c1", "codeharbor-"+wsID, "172.18.0.5", false)

	rec := env.do(http.MethodGet, "/api/workspace/"+wsID+"/hostname", owner, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Container is not running")
}

func TestHostnameNetworkMissing(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, ownerID)
	env.server.config.NetworkName = "elsewhere"

	rec := env.do(http.MethodGet, "/api/workspace/"+wsID+"/hostname", owner, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Docker network 'elsewhere' not found on container", strings.TrimSpace(rec.Body.String()))
}

func TestHasAccess(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		user       string
		workspace  string
		wantStatus int
		wantBody   string
	}{
		{"owner", ownerID, wsID, http.StatusOK, "true"},
		{"shared user", friendID, wsID, http.StatusOK, "true"},
		{"stranger", strangerID, wsID, http.StatusOK, "false"},
		{"missing", ownerID, missingID, http.StatusNotFound, "Workspace not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodGet, "/api/workspace/"+tt.workspace+"/hasaccess", env.login(t, tt.user), nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, strings.TrimSpace(rec.Body.String()))
		})
	}
}

func TestLastAccessed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPatch, "/api/workspace/"+wsID+"/last-accessed", env.login(t, friendID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strconv.FormatInt(env.now.UnixMilli(), 10), rec.Body.String())

	ws, err := env.store.GetWorkspace(wsID)
	require.NoError(t, err)
	assert.True(t, env.now.Equal(ws.LastAccessedAt))

	rec = env.do(http.MethodPatch, "/api/workspace/"+wsID+"/last-accessed", env.login(t, strangerID), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestShareAndUnshare(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, ownerID)
	accessPath := func(user string) string { return "/api/workspace/" + wsID + "/access/" + user }

	rec := env.do(http.MethodPut, accessPath("nope"), owner, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid user UUID format", strings.TrimSpace(rec.Body.String()))

	rec = env.do(http.MethodPut, accessPath(missingID), owner, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "User not found", strings.TrimSpace(rec.Body.String()))

	rec = env.do(http.MethodPut, accessPath(strangerID), owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	// Sharing again is a no-op
	rec = env.do(http.MethodPut, accessPath(strangerID), owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/workspace/"+wsID+"/hasaccess", env.login(t, strangerID), nil)
	assert.Equal(t, "true", rec.Body.String())

	rec = env.do(http.MethodDelete, accessPath(ownerID), owner, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "cannot remove access from owner", strings.TrimSpace(rec.Body.String()))

	rec = env.do(http.MethodDelete, accessPath(strangerID), owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodDelete, accessPath(strangerID), owner, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ws, err := env.store.GetWorkspace(wsID)
	require.NoError(t, err)
	assert.Equal(t, []string{friendID}, ws.SharedUserIDs)
}

func TestListWorkspacesDropsVanishedContainers(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.CreateWorkspace(&types.Workspace{ID: otherWsID, OwnerID: ownerID, ContainerID: "gone"}))

	rec := env.do(http.MethodGet, "/api/workspace", env.login(t, ownerID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var items []WorkspaceItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)

	item := items[0]
	assert.Equal(t, wsID, item.ID)
	assert.Equal(t, types.ContainerStateRunning, item.State)
	require.Len(t, item.SharedUsers, 1)
	assert.Equal(t, friendID, item.SharedUsers[0].ID)
	assert.Equal(t, "user1", item.SharedUsers[0].GitHubLogin)
	require.NotNil(t, item.UsageLimits)
	assert.InDelta(t, 2.0, *item.UsageLimits.CPUs, 1e-9)
	assert.InDelta(t, 4.0, *item.UsageLimits.MemoryGiB, 1e-9)

	_, err := env.store.GetWorkspace(otherWsID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Shared users see the workspace too; strangers see nothing
	rec = env.do(http.MethodGet, "/api/workspace", env.login(t, friendID), nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 1)

	rec = env.do(http.MethodGet, "/api/workspace", env.login(t, strangerID), nil)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCreateWorkspace(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, ownerID)

	rec := env.do(http.MethodPost, "/api/workspace", owner, strings.NewReader("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", strings.TrimSpace(rec.Body.String()))

	body := `{"name":"scratch","source":{"templateId":"t1"}}`
	rec = env.do(http.MethodPost, "/api/workspace", owner, strings.NewReader(body))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Workspace created successfully", rec.Body.String())
	require.NotNil(t, env.provisioner.workspaceReq)
	assert.Equal(t, ownerID, env.provisioner.workspaceReq.OwnerID)
	assert.Equal(t, "scratch", env.provisioner.workspaceReq.Name)
	assert.Equal(t, "t1", env.provisioner.workspaceReq.Source.TemplateID)

	env.provisioner.err = failure.Newf(failure.Validation, "workspace name required")
	rec = env.do(http.MethodPost, "/api/workspace", owner, strings.NewReader(`{"name":""}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "workspace name required", strings.TrimSpace(rec.Body.String()))

	env.provisioner.err = failure.New(failure.GitClone, errors.New("exit 128: token=secret"))
	rec = env.do(http.MethodPost, "/api/workspace", owner, strings.NewReader(body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Git clone failed", strings.TrimSpace(rec.Body.String()))
}

func TestDeleteWorkspace(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodDelete, "/api/workspace/"+wsID, env.login(t, strangerID), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodDelete, "/api/workspace/"+wsID, env.login(t, ownerID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Workspace deleted", rec.Body.String())
	assert.Equal(t, []string{"c1"}, env.engine.removed)

	_, err := env.store.GetWorkspace(wsID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteWorkspaceWithoutContainer(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.CreateWorkspace(&types.Workspace{ID: otherWsID, OwnerID: ownerID, ContainerID: "gone"}))

	rec := env.do(http.MethodDelete, "/api/workspace/"+otherWsID, env.login(t, ownerID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := env.store.GetWorkspace(otherWsID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)
	friend := env.login(t, friendID)

	rec := env.do(http.MethodPost, "/api/workspace/"+wsID+"/start", friend, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Workspace started", rec.Body.String())
	assert.Equal(t, []string{"c1"}, env.engine.started)

	ws, err := env.store.GetWorkspace(wsID)
	require.NoError(t, err)
	assert.True(t, env.now.Equal(ws.LastAccessedAt), "start refreshes last accessed")

	rec = env.do(http.MethodPost, "/api/workspace/"+wsID+"/stop", friend, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Workspace stopped", rec.Body.String())
	assert.Equal(t, []string{"c1"}, env.engine.stopped)

	rec = env.do(http.MethodPost, "/api/workspace/"+wsID+"/stop", env.login(t, strangerID), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Len(t, env.engine.stopped, 1)
}

func TestUsage(t *testing.T) {
	env := newTestEnv(t)

	var stats container.StatsResponse
	stats.CPUStats.CPUUsage.TotalUsage = 400
	stats.CPUStats.SystemUsage = 2000
	stats.CPUStats.OnlineCPUs = 2
	stats.PreCPUStats.CPUUsage.TotalUsage = 200
	stats.PreCPUStats.SystemUsage = 1000
	stats.MemoryStats.Usage = 600
	stats.MemoryStats.Limit = 1000
	stats.MemoryStats.Stats = map[string]uint64{"inactive_file": 100}
	env.engine.stats = stats

	rec := env.do(http.MethodGet, "/api/workspace/"+wsID+"/usage", env.login(t, ownerID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var usage struct {
		CPU    float64 `json:"cpuUsage"`
		Memory float64 `json:"memoryUsage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.InDelta(t, 0.4, usage.CPU, 1e-9)
	assert.InDelta(t, 0.5, usage.Memory, 1e-9)
}

func TestTemplates(t *testing.T) {
	env := newTestEnv(t)
	owner := env.login(t, ownerID)

	rec := env.do(http.MethodGet, "/api/template", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	require.NoError(t, env.store.CreateTemplate(&types.Template{ID: "t1", Name: "go", OwnerID: ownerID}))
	rec = env.do(http.MethodGet, "/api/template", owner, nil)
	var templates []types.Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &templates))
	require.Len(t, templates, 1)
	assert.Equal(t, "go", templates[0].Name)

	body := `{"name":"node","repoOwner":"octo","repoName":"app"}`
	rec = env.do(http.MethodPost, "/api/template", owner, strings.NewReader(body))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Template created successfully", rec.Body.String())
	require.NotNil(t, env.provisioner.templateReq)
	assert.Equal(t, ownerID, env.provisioner.templateReq.OwnerID)
	assert.Equal(t, "octo", env.provisioner.templateReq.RepoOwner)

	rec = env.do(http.MethodDelete, "/api/template/not-a-uuid", owner, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodDelete, "/api/template/"+otherWsID, owner, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{otherWsID}, env.provisioner.deleted)

	env.provisioner.err = failure.Newf(failure.Forbidden, "not the owner")
	rec = env.do(http.MethodDelete, "/api/template/"+otherWsID, owner, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoginRedirect(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/login/github", "", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	var state *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == StateCookieName {
			state = c
		}
	}
	require.NotNil(t, state)
	assert.NotEmpty(t, state.Value)
	assert.Equal(t, "/", state.Path)
	assert.Equal(t, stateCookieMaxAge, state.MaxAge)
	assert.True(t, state.HttpOnly)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, state.Value, loc.Query().Get("state"))
}

func callback(env *testEnv, code, state, cookie string) *httptest.ResponseRecorder {
	target := "/login/github/callback?" + url.Values{"code": {code}, "state": {state}}.Encode()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: StateCookieName, Value: cookie})
	}
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == "auth-session" && c.Value != "" {
			return c
		}
	}
	return nil
}

func TestCallbackRejectsBadState(t *testing.T) {
	env := newTestEnv(t)
	env.oauth.user = &github.User{ID: 99, Login: "newbie"}

	tests := []struct {
		name               string
		code, state, stash string
	}{
		{"no cookie", "code", "s1", ""},
		{"mismatch", "code", "s1", "s2"},
		{"no code", "", "s1", "s1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := callback(env, tt.code, tt.state, tt.stash)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Nil(t, sessionCookie(rec))
		})
	}
}

func TestCallbackUpstreamFailures(t *testing.T) {
	env := newTestEnv(t)

	env.oauth.exchangeErr = failure.Newf(failure.GitHub, "bad code")
	rec := callback(env, "code", "s", "s")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.oauth.exchangeErr = nil
	env.oauth.userErr = failure.Newf(failure.GitHub, "boom")
	rec = callback(env, "code", "s", "s")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "GitHub API Error", strings.TrimSpace(rec.Body.String()))
}

func TestCallbackBlockedUser(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.BlockUser(99))
	env.oauth.user = &github.User{ID: 99, Login: "spammer"}

	rec := callback(env, "code", "s", "s")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "You are blocked from using this service.", strings.TrimSpace(rec.Body.String()))
	assert.Nil(t, sessionCookie(rec))
}

func TestCallbackNewUser(t *testing.T) {
	env := newTestEnv(t)
	name := "New Bie"
	env.oauth.user = &github.User{ID: 99, Login: "newbie", Name: &name}
	env.server.newID = func() string { return "44444444-4444-4444-8444-444444444444" }

	rec := callback(env, "abc", "s", "s")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/welcome?ghName=New+Bie", rec.Header().Get("Location"))

	cookie := sessionCookie(rec)
	require.NotNil(t, cookie)

	_, user, err := env.sessions.Validate(context.Background(), cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, "44444444-4444-4444-8444-444444444444", user.ID)
	assert.Equal(t, "gh-token-abc", user.GitHubAccessToken)
}

func TestCallbackExistingUser(t *testing.T) {
	env := newTestEnv(t)
	// GitHub id 1 belongs to ownerID
	env.oauth.user = &github.User{ID: 1, Login: "user0"}

	rec := callback(env, "fresh", "s", "s")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	user, err := env.store.GetUser(ownerID)
	require.NoError(t, err)
	assert.Equal(t, "gh-token-fresh", user.GitHubAccessToken)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, ownerID)

	rec := env.do(http.MethodGet, "/logout", token, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	_, _, err := env.sessions.Validate(context.Background(), token)
	assert.ErrorIs(t, err, session.ErrInvalid)

	rec = env.do(http.MethodGet, "/api/user/getuuid", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"alive"`)

	rec = env.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "codeharbor_api_requests_total")

	rec = env.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminBlockUser(t *testing.T) {
	env := newTestEnv(t)
	admin := NewServer(Config{NetworkName: "codeharbor", AdminToken: "s3cret"}, Deps{
		Store:       env.store,
		Engine:      env.engine,
		Sessions:    env.sessions,
		Access:      access.NewResolver(env.store),
		OAuth:       env.oauth,
		Provisioner: env.provisioner,
	})
	adminDo := func(method, target, bearer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, req)
		return rec
	}

	tests := []struct {
		name     string
		method   string
		target   string
		bearer   string
		wantCode int
	}{
		{"no token", http.MethodPut, "/admin/blocked-users/3", "", http.StatusUnauthorized},
		{"wrong token", http.MethodPut, "/admin/blocked-users/3", "guess", http.StatusUnauthorized},
		{"bad id", http.MethodPut, "/admin/blocked-users/octocat", "s3cret", http.StatusBadRequest},
		{"zero id", http.MethodPut, "/admin/blocked-users/0", "s3cret", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, adminDo(tt.method, tt.target, tt.bearer).Code)
		})
	}

	token := env.login(t, strangerID)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/user/getuuid", token, nil).Code)

	// strangerID has GitHub id 3
	rec := adminDo(http.MethodPut, "/admin/blocked-users/3", "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "User blocked", rec.Body.String())

	blocked, err := env.store.IsBlocked(3)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/user/getuuid", token, nil).Code)

	rec = adminDo(http.MethodDelete, "/admin/blocked-users/3", "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	blocked, err = env.store.IsBlocked(3)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPut, "/admin/blocked-users/3", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
