// Package github wraps the GitHub OAuth app used for login and the REST
// calls codeharbor makes with each user's token.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/codeharbor/codeharbor/pkg/failure"
	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"
)

const (
	// DefaultAPIBase is the public GitHub REST endpoint
	DefaultAPIBase = "https://api.github.com"

	requestTimeout = 10 * time.Second
)

// Scopes requested at login. repo lets workspaces clone private repositories.
var Scopes = []string{"repo"}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidRepoName reports whether s is a plausible GitHub owner or repo name
func ValidRepoName(s string) bool {
	return len(s) <= 100 && namePattern.MatchString(s)
}

// User is the authenticated GitHub account
type User struct {
	ID    int64   `json:"id"`
	Login string  `json:"login"`
	Name  *string `json:"name"`
}

// Repo is the subset of a repository the provisioning pipeline uses
type Repo struct {
	FullName      string `json:"full_name"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
}

// Client is a GitHub OAuth app plus REST client
type Client struct {
	oauth   *oauth2.Config
	apiBase string
	base    *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithAPIBase points REST calls at another endpoint
func WithAPIBase(base string) Option {
	return func(c *Client) { c.apiBase = base }
}

// WithHTTPClient sets the transport used for token exchange and REST calls
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.base = hc }
}

// WithEndpoint overrides the OAuth endpoints
func WithEndpoint(ep oauth2.Endpoint) Option {
	return func(c *Client) { c.oauth.Endpoint = ep }
}

// NewClient creates a GitHub client for an OAuth app
func NewClient(clientID, clientSecret, redirectURL string, opts ...Option) *Client {
	c := &Client{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       Scopes,
			Endpoint:     oauthgithub.Endpoint,
		},
		apiBase: DefaultAPIBase,
		base:    &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthCodeURL returns the GitHub authorization URL for state
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for an access token
func (c *Client) Exchange(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return "", failure.New(failure.GitHub, fmt.Errorf("exchange code: %w", err))
	}
	return tok.AccessToken, nil
}

// CurrentUser returns the account that owns accessToken
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if err := c.get(ctx, accessToken, "/user", &user); err != nil {
		return nil, err
	}
	if user.ID == 0 || user.Login == "" {
		return nil, failure.Newf(failure.GitHub, "incomplete user data")
	}
	return &user, nil
}

// Repository fetches owner/name as seen by accessToken. A repository the
// token cannot read is reported by GitHub as 404, which surfaces here as a
// failure.GitHub error like any other API failure.
func (c *Client) Repository(ctx context.Context, accessToken, owner, name string) (*Repo, error) {
	if !ValidRepoName(owner) || !ValidRepoName(name) {
		return nil, failure.Newf(failure.Validation, "invalid repository %q/%q", owner, name)
	}

	var repo Repo
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
	if err := c.get(ctx, accessToken, path, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

func (c *Client) get(ctx context.Context, accessToken, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+path, nil)
	if err != nil {
		return failure.New(failure.GitHub, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := hc.Do(req)
	if err != nil {
		return failure.New(failure.GitHub, fmt.Errorf("GET %s: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return failure.New(failure.GitHub, fmt.Errorf("GET %s: GitHub API returned HTTP %d", path, resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return failure.New(failure.GitHub, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}
