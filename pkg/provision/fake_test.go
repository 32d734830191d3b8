package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/codeharbor/codeharbor/pkg/github"
	"github.com/codeharbor/codeharbor/pkg/storage"
	"github.com/codeharbor/codeharbor/pkg/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/require"
)

type createCall struct {
	id   string
	name string
	cfg  *container.Config
	host *container.HostConfig
}

// fakeEngine records calls and replays scripted results keyed by container
// name prefix
type fakeEngine struct {
	mu sync.Mutex

	created []createCall
	started []string
	removed []string
	built   [][]string
	context []byte

	exitCodes  map[string]int
	exitErrors map[string]string
	startErrs  map[string]error
	labels     map[string]map[string]string
	logs       string
	archive    []byte
	blockWait  bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		exitCodes:  map[string]int{},
		exitErrors: map[string]string{},
		startErrs:  map[string]error{},
		labels:     map[string]map[string]string{},
	}
}

func (f *fakeEngine) nameOf(id string) string {
	for _, c := range f.created {
		if c.id == id {
			return c.name
		}
	}
	return ""
}

func lookup[T any](m map[string]T, name string) (T, bool) {
	for prefix, v := range m {
		if strings.HasPrefix(name, prefix) {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func (f *fakeEngine) Create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("cid-%d", len(f.created)+1)
	f.created = append(f.created, createCall{id: id, name: name, cfg: cfg, host: host})
	return id, nil
}

func (f *fakeEngine) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := lookup(f.startErrs, f.nameOf(id)); ok {
		return failure.New(failure.ContainerStart, err)
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) Inspect(ctx context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := f.nameOf(id)
	code, _ := lookup(f.exitCodes, name)
	msg, _ := lookup(f.exitErrors, name)
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			Name:  "/" + name,
			State: &container.State{ExitCode: code, Error: msg},
		},
	}, nil
}

func (f *fakeEngine) Wait(ctx context.Context, id string) (int64, error) {
	if f.blockWait {
		<-ctx.Done()
		return -1, failure.New(failure.ContainerWait, ctx.Err())
	}
	return 0, nil
}

func (f *fakeEngine) Logs(ctx context.Context, id, tail string) (string, error) {
	return f.logs, nil
}

func (f *fakeEngine) GetArchive(ctx context.Context, id, path string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.archive)), nil
}

func (f *fakeEngine) BuildImage(ctx context.Context, buildContext io.Reader, tags []string, onLine func(string)) error {
	data, err := io.ReadAll(buildContext)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.built = append(f.built, tags)
	f.context = data
	f.mu.Unlock()
	onLine("Step 1/2 : FROM " + tags[0])
	return nil
}

func (f *fakeEngine) ImageLabels(ctx context.Context, ref string) (map[string]string, error) {
	labels, ok := f.labels[ref]
	if !ok {
		return nil, failure.New(failure.ImageInspect, errors.New("no such image"))
	}
	return labels, nil
}

func (f *fakeEngine) createdNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, c := range f.created {
		names = append(names, c.name)
	}
	return names
}

func (f *fakeEngine) call(prefix string) *createCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.created {
		if strings.HasPrefix(f.created[i].name, prefix) {
			return &f.created[i]
		}
	}
	return nil
}

// fakeRepos records the tokens it is asked with. Repositories owned by
// "private" are never readable; those listed in readable only with the
// listed tokens.
type fakeRepos struct {
	mu       sync.Mutex
	tokens   []string
	readable map[string][]string
}

func (r *fakeRepos) Repository(ctx context.Context, token, owner, name string) (*github.Repo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, token)

	full := owner + "/" + name
	denied := owner == "private"
	if allowed, ok := r.readable[full]; ok {
		denied = !slices.Contains(allowed, token)
	}
	if denied {
		return nil, failure.New(failure.GitHub, errors.New("GitHub API returned HTTP 404"))
	}
	return &github.Repo{
		FullName: full,
		CloneURL: "https://github.com/" + full + ".git",
	}, nil
}

func (r *fakeRepos) validatedWith() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.tokens)
}

type fixture struct {
	engine *fakeEngine
	repos  *fakeRepos
	store  *storage.BoltStore
	p      *Provisioner
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.UpsertGitHubUser(&types.User{ID: "owner", GitHubID: 1, GitHubLogin: "octo", GitHubAccessToken: "ghtoken"})
	require.NoError(t, err)
	_, err = store.UpsertGitHubUser(&types.User{ID: "someone-else", GitHubID: 2, GitHubLogin: "mona", GitHubAccessToken: "monatoken"})
	require.NoError(t, err)

	if cfg.EditorMountPath == "" {
		cfg.EditorMountPath = "/srv/openvscode-server"
	}
	engine := newFakeEngine()
	repos := &fakeRepos{readable: map[string][]string{}}
	p := NewProvisioner(engine, repos, store, cfg)
	ids := 0
	p.newID = func() string {
		ids++
		return fmt.Sprintf("00000000-0000-0000-0000-%012d", ids)
	}
	t.Cleanup(p.Drain)
	return &fixture{engine: engine, repos: repos, store: store, p: p}
}
