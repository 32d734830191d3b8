package provision

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/klauspost/compress/gzip"
)

// extensionsStaging is where the throwaway container installs extensions
const extensionsStaging = "/tmp/codeharbor-extensions"

// bakeExtensions installs extensions into a copy of image and rebuilds image
// with them under ExtensionsDir
func (p *Provisioner) bakeExtensions(ctx context.Context, templateID, image string, extensions []string) error {
	installer := extensionsContainerName(templateID)

	script := EditorMountTarget + "/bin/openvscode-server --extensions-dir " + extensionsStaging
	args := []string{}
	for i, ext := range extensions {
		// extension ids are positional parameters, never shell text
		script += fmt.Sprintf(` --install-extension "$%d"`, i+1)
		args = append(args, ext)
	}

	id, err := p.engine.Create(ctx, installer,
		&container.Config{
			Image:      image,
			User:       "root",
			Entrypoint: append([]string{"/bin/sh", "-c", script, "--"}, args...),
		},
		&container.HostConfig{
			Mounts: []mount.Mount{
				{Type: mount.TypeBind, Source: p.config.EditorMountPath, Target: EditorMountTarget, ReadOnly: true},
			},
		},
		nil,
	)
	if err != nil {
		return err
	}
	defer p.discard(id, installer)

	state, err := p.runToExit(ctx, id)
	if err != nil {
		return err
	}
	if state.ExitCode != 0 {
		return failure.New(failure.ExtensionInstall, exitError(state))
	}

	archive, err := p.engine.GetArchive(ctx, id, extensionsStaging)
	if err != nil {
		return err
	}
	defer archive.Close()

	buildContext, err := extensionsBuildContext(archive, image, ExtensionsDir)
	if err != nil {
		return failure.New(failure.ImageBuild, err)
	}

	logger := p.logger.With().Str("image", image).Logger()
	return p.engine.BuildImage(ctx, buildContext, []string{image}, func(line string) {
		logger.Info().Msg(line)
	})
}

// extensionsBuildContext repacks a container archive of the staging
// directory into a gzipped build context:
//
//	Dockerfile        FROM <image>
//	                  COPY extensions <dir>
//	extensions/...    the installed extensions
func extensionsBuildContext(archive io.Reader, image, dir string) (io.Reader, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	dockerfile := []byte(fmt.Sprintf("FROM %s\nCOPY extensions %s\n", image, dir))
	if err := tw.WriteHeader(&tar.Header{
		Name:    "Dockerfile",
		Mode:    0644,
		Size:    int64(len(dockerfile)),
		ModTime: time.Unix(0, 0),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(dockerfile); err != nil {
		return nil, err
	}

	// The engine roots the archive at the basename of the copied path
	root := path.Base(extensionsStaging)
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read extensions archive: %w", err)
		}

		rel, err := rebase(hdr.Name, root)
		if err != nil {
			return nil, err
		}
		hdr.Name = path.Join("extensions", rel)
		if hdr.Typeflag == tar.TypeLink {
			link, err := rebase(hdr.Linkname, root)
			if err != nil {
				return nil, err
			}
			hdr.Linkname = path.Join("extensions", link)
		}
		if hdr.Typeflag == tar.TypeDir {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// rebase strips root from an archive entry name and rejects entries that
// would escape it
func rebase(name, root string) (string, error) {
	rel := strings.TrimPrefix(strings.TrimPrefix(name, root), "/")
	clean := path.Clean("/" + rel)
	if clean != "/"+strings.TrimSuffix(rel, "/") && rel != "" {
		return "", fmt.Errorf("unsafe path in extensions archive: %s", name)
	}
	return strings.TrimPrefix(clean, "/"), nil
}
