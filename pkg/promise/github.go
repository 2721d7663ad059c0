package promise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const githubDefaultURL = "https://api.github.com"

// ErrNoReleaseNotes is returned when no release matches the version.
var ErrNoReleaseNotes = errors.New("no release notes found")

var errNotFound = errors.New("not found")

// GitHubClient reads releases through the GitHub REST API.
type GitHubClient struct {
	HTTPClient *http.Client
	BaseURL    string
	Token      string
}

// NewGitHubClient returns a client for baseURL, or api.github.com when empty.
func NewGitHubClient(baseURL, token string) *GitHubClient {
	if baseURL == "" {
		baseURL = githubDefaultURL
	}
	return &GitHubClient{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Token:      token,
	}
}

type release struct {
	Name    string `json:"name"`
	TagName string `json:"tag_name"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

func (c *GitHubClient) get(ctx context.Context, token, path string, params url.Values, out any) error {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if token == "" {
		token = c.Token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("GitHub request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GitHub %s returned status %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FindRepo returns the most starred repository whose name matches pkg.
func (c *GitHubClient) FindRepo(ctx context.Context, token, pkg string) (string, error) {
	var result struct {
		Items []struct {
			FullName string `json:"full_name"`
		} `json:"items"`
	}
	params := url.Values{}
	params.Set("q", pkg+" in:name")
	params.Set("sort", "stars")
	params.Set("per_page", "5")
	if err := c.get(ctx, token, "/search/repositories", params, &result); err != nil {
		return "", err
	}
	if len(result.Items) == 0 {
		return "", fmt.Errorf("no GitHub repository found for %q", pkg)
	}
	log.Debugf("GitHub: using repository %s for %s", result.Items[0].FullName, pkg)
	return result.Items[0].FullName, nil
}

// ReleaseNotes returns the body of the release for ver, trying the usual
// tag spellings before scanning the latest releases.
func (c *GitHubClient) ReleaseNotes(ctx context.Context, token, repo, pkg, ver string) (string, error) {
	for _, tag := range []string{"v" + ver, ver, pkg + "-" + ver, "release-" + ver} {
		var r release
		err := c.get(ctx, token, "/repos/"+repo+"/releases/tags/"+url.PathEscape(tag), nil, &r)
		if err == nil {
			log.Debugf("GitHub: found release notes for %s tag %s", repo, tag)
			return r.Body, nil
		}
		if !errors.Is(err, errNotFound) {
			return "", err
		}
	}

	var releases []release
	params := url.Values{}
	params.Set("per_page", "30")
	if err := c.get(ctx, token, "/repos/"+repo+"/releases", params, &releases); err != nil {
		return "", err
	}
	for _, r := range releases {
		if strings.Contains(r.Name, ver) || strings.Contains(r.TagName, ver) {
			log.Debugf("GitHub: found release notes for %s via listing (tag %s)", repo, r.TagName)
			return r.Body, nil
		}
	}
	return "", ErrNoReleaseNotes
}

// Source produces fix promises for an upgrade.
type Source struct {
	GitHub *GitHubClient
}

// NewSource returns a release-notes source backed by client.
func NewSource(client *GitHubClient) *Source {
	return &Source{GitHub: client}
}

// Promises fetches the release notes of newVersion and extracts promises.
// An empty repo triggers a repository search by package name.
func (s *Source) Promises(ctx context.Context, token, repo, pkg, newVersion string) ([]Promise, error) {
	if repo == "" {
		found, err := s.GitHub.FindRepo(ctx, token, pkg)
		if err != nil {
			return nil, err
		}
		repo = found
	}
	notes, err := s.GitHub.ReleaseNotes(ctx, token, repo, pkg, newVersion)
	if err != nil {
		return nil, err
	}
	return Extract(notes), nil
}
