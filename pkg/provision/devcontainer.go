package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/tidwall/jsonc"
)

// MetadataLabel is the image label the devcontainer CLI writes its merged
// configuration to
const MetadataLabel = "devcontainer.metadata"

const builderWorkspace = "/workspace"

// stringList accepts either a JSON string or an array of strings
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// buildOutput is the final JSON line printed by `devcontainer build`
type buildOutput struct {
	Outcome   string     `json:"outcome"`
	ImageName stringList `json:"imageName"`
}

// parseBuildOutput validates the last log line of a devcontainer build
// against the requested image tag
func parseBuildOutput(lastLine, image string) error {
	start := strings.Index(lastLine, "{")
	if start < 0 {
		return failure.Newf(failure.DevcontainerCliOutputParse, "no JSON object in %q", strings.TrimSpace(lastLine))
	}

	var out buildOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(lastLine[start:])), &out); err != nil {
		return failure.New(failure.DevcontainerCliOutputParse, err)
	}
	if out.Outcome != "success" {
		return failure.Newf(failure.DevcontainerCli, "build outcome %q", out.Outcome)
	}

	want, err := name.NewTag(image)
	if err != nil {
		return failure.New(failure.DevcontainerCli, err)
	}
	for _, got := range out.ImageName {
		if tag, err := name.NewTag(got); err == nil && tag.Name() == want.Name() {
			return nil
		}
	}
	return failure.Newf(failure.DevcontainerCli, "specified image name %s is not in returned image name(s) %v", image, []string(out.ImageName))
}

// buildDevcontainerImage runs the devcontainer CLI against a cloned volume
// and tags the result as image
func (p *Provisioner) buildDevcontainerImage(ctx context.Context, volume, templateID, image string) error {
	builder := builderContainerName(templateID)

	id, err := p.engine.Create(ctx, builder,
		&container.Config{
			Image: p.config.DevcontainerCLIImage,
			Cmd:   []string{"build", "--workspace-folder", builderWorkspace, "--image-name", image},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{
				{Type: mount.TypeVolume, Source: volume, Target: builderWorkspace},
				{Type: mount.TypeBind, Source: p.config.DockerSocketPath, Target: "/var/run/docker.sock"},
			},
		},
		nil,
	)
	if err != nil {
		return err
	}
	defer p.discard(id, builder)

	state, err := p.runToExit(ctx, id)
	if err != nil {
		return err
	}
	if state.ExitCode != 0 {
		return failure.New(failure.DevcontainerCli, exitError(state))
	}

	logs, err := p.engine.Logs(ctx, id, "1")
	if err != nil {
		return err
	}
	return parseBuildOutput(logs, image)
}

// ImageMetadata is one entry of the devcontainer.metadata label
type ImageMetadata struct {
	ID             string                    `json:"id,omitempty"`
	Entrypoint     string                    `json:"entrypoint,omitempty"`
	ContainerUser  string                    `json:"containerUser,omitempty"`
	RemoteUser     string                    `json:"remoteUser,omitempty"`
	Customizations *Customizations           `json:"customizations,omitempty"`
	PortsAttrs     map[string]PortAttributes `json:"portsAttributes,omitempty"`
}

// Customizations holds tool-specific settings
type Customizations struct {
	VSCode *struct {
		Extensions []string `json:"extensions,omitempty"`
	} `json:"vscode,omitempty"`
}

// PortAttributes describes a forwarded port
type PortAttributes struct {
	Label string `json:"label,omitempty"`
}

// ParseImageMetadata parses the devcontainer.metadata label value. The
// label is normally a JSON array but a single object is accepted too.
func ParseImageMetadata(label string) ([]ImageMetadata, error) {
	data := jsonc.ToJSON([]byte(label))

	var entries []ImageMetadata
	if err := json.Unmarshal(data, &entries); err != nil {
		var single ImageMetadata
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("parsing image metadata: %w", err)
		}
		entries = []ImageMetadata{single}
	}
	return entries, nil
}

// imageSettings is what the workspace container takes from image metadata
type imageSettings struct {
	entrypoints   []string
	containerUser string
	extensions    []string
	ports         map[string]string
}

// settingsFromMetadata merges metadata entries. Entrypoints accumulate in
// order; the first declared containerUser wins; extensions are deduplicated.
func settingsFromMetadata(entries []ImageMetadata) imageSettings {
	s := imageSettings{containerUser: "root"}
	userSet := false
	for _, e := range entries {
		if e.Entrypoint != "" {
			s.entrypoints = append(s.entrypoints, e.Entrypoint)
		}
		if !userSet && e.ContainerUser != "" {
			s.containerUser = e.ContainerUser
			userSet = true
		}
		if e.Customizations != nil && e.Customizations.VSCode != nil {
			for _, ext := range e.Customizations.VSCode.Extensions {
				if !slices.Contains(s.extensions, ext) {
					s.extensions = append(s.extensions, ext)
				}
			}
		}
		for port, attrs := range e.PortsAttrs {
			if s.ports == nil {
				s.ports = map[string]string{}
			}
			s.ports[port] = attrs.Label
		}
	}
	return s
}

// readImageSettings inspects image and parses its devcontainer metadata
func (p *Provisioner) readImageSettings(ctx context.Context, image string) (imageSettings, error) {
	labels, err := p.engine.ImageLabels(ctx, image)
	if err != nil {
		return imageSettings{}, err
	}
	label, ok := labels[MetadataLabel]
	if !ok {
		return imageSettings{}, failure.Newf(failure.ImageDevcontainerMetadataMissing, "image %s", image)
	}
	entries, err := ParseImageMetadata(label)
	if err != nil {
		return imageSettings{}, failure.New(failure.ImageDevcontainerMetadataParse, err)
	}
	return settingsFromMetadata(entries), nil
}
