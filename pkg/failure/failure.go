// Package failure defines the closed set of error kinds that cross package
// boundaries in codeharbor and their mapping onto HTTP responses.
package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure. The set is closed; every Kind has a
// fixed user-facing message and HTTP status.
type Kind int

const (
	Unknown Kind = iota
	Storage
	Docker
	ContainerCreate
	ContainerStart
	ContainerStop
	ContainerRemove
	ContainerInspect
	ContainerStats
	ContainerWait
	ContainersList
	ContainerLogs
	ContainerArchive
	ContainerNotFound
	ContainerNotRunning
	ImageInspect
	ImageBuild
	ImageDevcontainerMetadataMissing
	ImageDevcontainerMetadataParse
	GitHub
	GitClone
	DevcontainerCli
	DevcontainerCliOutputParse
	ExtensionInstall
	Validation
	Unauthorized
	Forbidden
	WorkspaceNotFound
	TemplateNotFound
	Timeout
)

type kindInfo struct {
	name    string
	message string
	status  int
}

var kinds = map[Kind]kindInfo{
	Unknown:                          {"Unknown", "An unknown error occurred", http.StatusInternalServerError},
	Storage:                          {"Storage", "Error contacting database", http.StatusInternalServerError},
	Docker:                           {"Docker", "Error communicating with Docker", http.StatusInternalServerError},
	ContainerCreate:                  {"ContainerCreate", "Failed to create container", http.StatusInternalServerError},
	ContainerStart:                   {"ContainerStart", "Failed to start container", http.StatusInternalServerError},
	ContainerStop:                    {"ContainerStop", "Failed to stop container", http.StatusInternalServerError},
	ContainerRemove:                  {"ContainerRemove", "Failed to remove container", http.StatusInternalServerError},
	ContainerInspect:                 {"ContainerInspect", "Failed to inspect container", http.StatusInternalServerError},
	ContainerStats:                   {"ContainerStats", "Failed to get container stats", http.StatusInternalServerError},
	ContainerWait:                    {"ContainerWait", "Failed to wait for container", http.StatusInternalServerError},
	ContainersList:                   {"ContainersList", "Failed to list containers", http.StatusInternalServerError},
	ContainerLogs:                    {"ContainerLogs", "Failed to get container logs", http.StatusInternalServerError},
	ContainerArchive:                 {"ContainerArchive", "Failed to copy files from container", http.StatusInternalServerError},
	ContainerNotFound:                {"ContainerNotFound", "Container not found", http.StatusNotFound},
	ContainerNotRunning:              {"ContainerNotRunning", "Container is not running", http.StatusInternalServerError},
	ImageInspect:                     {"ImageInspect", "Failed to inspect Docker image", http.StatusInternalServerError},
	ImageBuild:                       {"ImageBuild", "Failed to build Docker image", http.StatusInternalServerError},
	ImageDevcontainerMetadataMissing: {"ImageDevcontainerMetadataMissing", "Docker image is missing devcontainer metadata", http.StatusInternalServerError},
	ImageDevcontainerMetadataParse:   {"ImageDevcontainerMetadataParse", "Failed to parse devcontainer metadata from image", http.StatusInternalServerError},
	GitHub:                           {"GitHub", "Error communicating with GitHub", http.StatusInternalServerError},
	GitClone:                         {"GitClone", "Git clone failed", http.StatusInternalServerError},
	DevcontainerCli:                  {"DevcontainerCli", "Devcontainer CLI command failed", http.StatusInternalServerError},
	DevcontainerCliOutputParse:       {"DevcontainerCliOutputParse", "Failed to parse Devcontainer CLI output", http.StatusInternalServerError},
	ExtensionInstall:                 {"ExtensionInstall", "Failed to install editor extensions", http.StatusInternalServerError},
	Validation:                       {"Validation", "Request validation failed", http.StatusBadRequest},
	Unauthorized:                     {"Unauthorized", "You are not authorized to perform this action", http.StatusUnauthorized},
	Forbidden:                        {"Forbidden", "You do not have access to this workspace", http.StatusForbidden},
	WorkspaceNotFound:                {"WorkspaceNotFound", "Workspace not found", http.StatusNotFound},
	TemplateNotFound:                 {"TemplateNotFound", "Template not found", http.StatusNotFound},
	Timeout:                          {"Timeout", "Operation timed out", http.StatusGatewayTimeout},
}

func (k Kind) info() kindInfo {
	if i, ok := kinds[k]; ok {
		return i
	}
	return kinds[Unknown]
}

// String returns the kind's name.
func (k Kind) String() string { return k.info().name }

// Message returns the fixed, non-sensitive text shown to clients.
func (k Kind) Message() string { return k.info().message }

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int { return k.info().status }

// Error is a classified failure with an optional underlying cause.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

// New returns an *Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Newf returns an *Error with a detail string and no cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.Message()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or Unknown if err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}
