package provision

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
)

const cloneTarget = "/home/git"

// authenticatedCloneURL embeds token as the userinfo of cloneURL
func authenticatedCloneURL(cloneURL, token string) (string, error) {
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", failure.New(failure.GitHub, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return "", failure.Newf(failure.GitHub, "unexpected clone url scheme %q", u.Scheme)
	}
	u.User = url.User(token)
	return u.String(), nil
}

// cloneIntoVolume clones cloneURL into a named volume using a throwaway git
// container. A non-zero exit is failure.GitClone carrying the engine's
// error string. cloneURL may hold credentials and is never logged.
func (p *Provisioner) cloneIntoVolume(ctx context.Context, cloneURL, volume string) error {
	name := cloneContainerName(volume)
	init := true

	id, err := p.engine.Create(ctx, name,
		&container.Config{
			Image:      p.config.GitImage,
			Entrypoint: []string{"/bin/sh", "-c", `exec /usr/bin/git clone "$0" ` + cloneTarget, cloneURL},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{
				{Type: mount.TypeVolume, Source: volume, Target: cloneTarget},
			},
			Init: &init,
		},
		nil,
	)
	if err != nil {
		return err
	}
	defer p.discard(id, name)

	state, err := p.runToExit(ctx, id)
	if err != nil {
		return err
	}
	if state.ExitCode != 0 {
		return failure.New(failure.GitClone, exitError(state))
	}

	p.logger.Debug().Str("volume", volume).Msg("repository cloned")
	return nil
}

// exitError describes a container that exited unsuccessfully
func exitError(state *container.State) error {
	if state.Error == "" {
		return fmt.Errorf("exit code %d", state.ExitCode)
	}
	return fmt.Errorf("exit code %d: %w", state.ExitCode, errors.New(state.Error))
}
