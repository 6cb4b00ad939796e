// Package updater asks GitHub whether a newer chatsync release exists.
package updater

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultEndpoint is the latest-release API of the chatsync repository.
const DefaultEndpoint = "https://api.github.com/repos/HendryAvila/chatsync/releases/latest"

// Release is the subset of a GitHub release we read.
type Release struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Result compares the running version with the latest release.
type Result struct {
	Current         string
	Latest          string
	URL             string
	UpdateAvailable bool
}

// Checker queries a releases endpoint.
type Checker struct {
	Endpoint string
	Client   *http.Client
}

// NewChecker returns a Checker for the public repository.
func NewChecker() *Checker {
	return &Checker{Endpoint: DefaultEndpoint, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Check fetches the latest release. A "dev" build never reports an update.
func (c *Checker) Check(ctx context.Context, current string) (Result, error) {
	res := Result{Current: normalize(current)}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint, nil)
	if err != nil {
		return res, errors.Wrap(err, "updater: build request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "chatsync/"+res.Current)

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return res, errors.Wrap(err, "updater: fetch latest release")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return res, errors.Errorf("updater: releases endpoint returned %d", resp.StatusCode)
	}

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return res, errors.Wrap(err, "updater: decode release")
	}
	res.Latest = normalize(rel.TagName)
	res.URL = rel.HTMLURL
	res.UpdateAvailable = newer(res.Current, res.Latest)
	return res, nil
}

func normalize(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// newer compares major.minor.patch numerically; pre-release suffixes are ignored.
func newer(current, latest string) bool {
	if current == "" || latest == "" || current == "dev" {
		return false
	}
	c, l := parts(current), parts(latest)
	for i := range c {
		if l[i] != c[i] {
			return l[i] > c[i]
		}
	}
	return false
}

func parts(v string) [3]int {
	var out [3]int
	for i, p := range strings.SplitN(v, ".", 3) {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		out[i], _ = strconv.Atoi(p[:end])
	}
	return out
}
