package provision

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/codeharbor/codeharbor/pkg/github"
	"github.com/codeharbor/codeharbor/pkg/log"
	"github.com/codeharbor/codeharbor/pkg/metrics"
	"github.com/codeharbor/codeharbor/pkg/storage"
	"github.com/codeharbor/codeharbor/pkg/types"
)

const (
	maxTemplateName        = 50
	maxTemplateDescription = 500
)

// TemplateRequest asks for a new template
type TemplateRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	RepoOwner    string `json:"repoOwner"`
	RepoName     string `json:"repoName"`
	Devcontainer bool   `json:"devcontainer"`
	OwnerID      string `json:"-"`
}

// Validate checks field lengths and repository coordinates
func (r TemplateRequest) Validate() error {
	if n := utf8.RuneCountInString(r.Name); n == 0 || n > maxTemplateName {
		return failure.Newf(failure.Validation, "name must be 1-%d characters", maxTemplateName)
	}
	if utf8.RuneCountInString(r.Description) > maxTemplateDescription {
		return failure.Newf(failure.Validation, "description must be at most %d characters", maxTemplateDescription)
	}
	if !github.ValidRepoName(r.RepoOwner) || !github.ValidRepoName(r.RepoName) {
		return failure.Newf(failure.Validation, "invalid repository")
	}
	return nil
}

// CreateTemplate runs the template pipeline. Without a devcontainer the
// template only records the repository. With one, the repository is cloned
// into a template volume, built with the devcontainer CLI and, when the
// image declares editor extensions, rebuilt with them pre-installed.
func (p *Provisioner) CreateTemplate(ctx context.Context, req TemplateRequest) (*types.Template, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	timer := metrics.NewTimer()
	tmpl, err := p.createTemplate(ctx, req)
	err = deadline(ctx, err)
	timer.ObserveDurationVec(metrics.ProvisionDuration, "template", result(err))
	return tmpl, err
}

func (p *Provisioner) createTemplate(ctx context.Context, req TemplateRequest) (*types.Template, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tmpl := &types.Template{
		ID:                p.newID(),
		Name:              req.Name,
		Description:       req.Description,
		OwnerID:           req.OwnerID,
		RepoOwner:         req.RepoOwner,
		RepoName:          req.RepoName,
		SuggestedCPUs:     float64(p.config.NanoCPUs) * 1e-9,
		SuggestedMemoryGB: float64(p.config.MemoryBytes) / gibi,
		CreatedAt:         p.now(),
	}
	logger := log.WithUserID(req.OwnerID).With().
		Str("component", "provision").
		Str("template_id", tmpl.ID).
		Logger()

	cloneURL, err := p.cloneURL(ctx, req.OwnerID, req.OwnerID, req.RepoOwner, req.RepoName)
	if err != nil {
		return nil, err
	}

	if req.Devcontainer {
		tmpl.VolumeName = TemplateVolumeName(tmpl.ID)
		tmpl.Image = TemplateImageName(tmpl.ID)

		if err := p.cloneIntoVolume(ctx, cloneURL, tmpl.VolumeName); err != nil {
			return nil, err
		}

		logger.Info().Str("image", tmpl.Image).Msg("building devcontainer image")
		if err := p.buildDevcontainerImage(ctx, tmpl.VolumeName, tmpl.ID, tmpl.Image); err != nil {
			return nil, err
		}

		settings, err := p.readImageSettings(ctx, tmpl.Image)
		if err != nil {
			return nil, err
		}
		tmpl.Ports = settings.ports

		if len(settings.extensions) > 0 {
			logger.Info().Strs("extensions", settings.extensions).Msg("baking editor extensions")
			if err := p.bakeExtensions(ctx, tmpl.ID, tmpl.Image, settings.extensions); err != nil {
				return nil, err
			}
			tmpl.ExtensionsDir = ExtensionsDir
		}
	}

	if err := p.store.CreateTemplate(tmpl); err != nil {
		return nil, failure.New(failure.Storage, err)
	}

	logger.Info().Msg("template created")
	return tmpl, nil
}

// DeleteTemplate removes a template owned by userID
func (p *Provisioner) DeleteTemplate(ctx context.Context, userID, templateID string) error {
	tmpl, err := p.store.GetTemplate(templateID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failure.New(failure.TemplateNotFound, err)
		}
		return failure.New(failure.Storage, err)
	}
	if tmpl.OwnerID != userID {
		return failure.Newf(failure.Forbidden, "template %s is owned by another user", templateID)
	}
	if err := p.store.DeleteTemplate(templateID); err != nil {
		return failure.New(failure.Storage, err)
	}
	return nil
}
