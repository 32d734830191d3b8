package provision

import "github.com/google/uuid"

func newUUID() string { return uuid.NewString() }

// Engine object names are derived from the owning record's id so that a
// retried or crashed run collides with its leftovers instead of leaking new
// ones.

func WorkspaceVolumeName(workspaceID string) string { return "codeharbor-" + workspaceID }

func WorkspaceContainerName(workspaceID string) string {
	return "codeharbor-code-server-" + workspaceID
}

func TemplateVolumeName(templateID string) string { return "codeharbor-template-" + templateID }

func TemplateImageName(templateID string) string { return "codeharbor-template-" + templateID }

func cloneContainerName(volume string) string { return "codeharbor-git-clone-" + volume }

func builderContainerName(templateID string) string {
	return "codeharbor-template-builder-" + templateID
}

func extensionsContainerName(templateID string) string {
	return "codeharbor-template-extensions-" + templateID
}

func chownContainerName(workspaceID string) string { return "codeharbor-temp-" + workspaceID }
