// Package sonar talks to a SonarCloud-compatible analysis service: it runs
// the scanner process and queries the compute-engine and issues web APIs.
package sonar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/7MMA7/VulnDetectGA/pkg/scan"
)

// Sentinel errors.
var (
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")
	ErrMissingToken     = errors.New("missing API token")
)

// Defaults for the web API client.
const (
	DefaultAPIURL      = "https://sonarcloud.io/api"
	DefaultPageSize    = 100
	DefaultMaxPages    = 1
	DefaultHTTPTimeout = 30 * time.Second
)

// DefaultIssueTypes are the finding types retrieved for a job.
var DefaultIssueTypes = []string{"VULNERABILITY", "BUG"}

// Compute-engine task states.
const (
	taskPending    = "PENDING"
	taskInProgress = "IN_PROGRESS"
	taskFailed     = "FAILED"
	taskCanceled   = "CANCELED"
)

const maxErrorBody = 512

// ClientConfig configures a Client.
type ClientConfig struct {
	// APIURL is the web API root, e.g. https://sonarcloud.io/api.
	APIURL string
	// Token authenticates every request.
	Token string
	// ProjectKey is the shared project the job identifiers live under.
	ProjectKey string
	// IssueTypes filters findings; empty means DefaultIssueTypes.
	IssueTypes []string
	// PageSize is the issues page size.
	PageSize int
	// MaxPages bounds issue pagination.
	MaxPages int
}

// Client is a web API client for one project.
type Client struct {
	http *http.Client
	cfg  ClientConfig
}

// NewClient creates a Client. A nil httpClient uses a client with DefaultHTTPTimeout.
func NewClient(cfg ClientConfig, httpClient *http.Client) (*Client, error) {
	if cfg.Token == "" {
		return nil, ErrMissingToken
	}

	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if len(cfg.IssueTypes) == 0 {
		cfg.IssueTypes = DefaultIssueTypes
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	return &Client{http: httpClient, cfg: cfg}, nil
}

type ceTask struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ceComponentResponse struct {
	Current *ceTask  `json:"current"`
	Queue   []ceTask `json:"queue"`
}

// Activity reports queued and running compute-engine work for the job branch.
// A finished current task counts as idle; a failed or canceled one sets Failed.
func (c *Client) Activity(ctx context.Context, jobID string) (scan.Activity, error) {
	query := url.Values{
		"component": {c.cfg.ProjectKey},
		"branch":    {jobID},
	}

	var resp ceComponentResponse

	err := c.get(ctx, "/ce/component", query, &resp)
	if err != nil {
		return scan.Activity{}, err
	}

	var activity scan.Activity

	for _, task := range resp.Queue {
		if task.Status == taskInProgress {
			activity.Running = true

			continue
		}

		activity.Queued++
	}

	if resp.Current != nil {
		switch resp.Current.Status {
		case taskInProgress:
			activity.Running = true
		case taskPending:
			activity.Queued++
		case taskFailed, taskCanceled:
			activity.Failed = true
		}
	}

	return activity, nil
}

type issueJSON struct {
	Line      *int     `json:"line"`
	Rule      string   `json:"rule"`
	Message   string   `json:"message"`
	Severity  string   `json:"severity"`
	Component string   `json:"component"`
	Type      string   `json:"type"`
	Tags      []string `json:"tags"`
}

type issuesSearchResponse struct {
	Issues []issueJSON `json:"issues"`
	Paging struct {
		PageIndex int `json:"pageIndex"`
		PageSize  int `json:"pageSize"`
		Total     int `json:"total"`
	} `json:"paging"`
	Total int `json:"total"`
}

// Findings returns the job's findings, following pagination up to MaxPages.
func (c *Client) Findings(ctx context.Context, jobID string) ([]scan.Finding, error) {
	var findings []scan.Finding

	for page := 1; page <= c.cfg.MaxPages; page++ {
		query := url.Values{
			"componentKeys": {c.cfg.ProjectKey},
			"branch":        {jobID},
			"types":         {strings.Join(c.cfg.IssueTypes, ",")},
			"ps":            {strconv.Itoa(c.cfg.PageSize)},
			"p":             {strconv.Itoa(page)},
		}

		var resp issuesSearchResponse

		err := c.get(ctx, "/issues/search", query, &resp)
		if err != nil {
			return nil, err
		}

		for _, is := range resp.Issues {
			findings = append(findings, scan.Finding{
				Line:      is.Line,
				Rule:      is.Rule,
				Message:   is.Message,
				Severity:  is.Severity,
				Component: is.Component,
				Type:      is.Type,
				Tags:      is.Tags,
			})
		}

		total := resp.Paging.Total
		if total == 0 {
			total = resp.Total
		}

		if len(resp.Issues) == 0 || page*c.cfg.PageSize >= total {
			break
		}
	}

	return findings, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	reqURL := c.cfg.APIURL + endpoint + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request %s: %w", endpoint, err)
	}

	req.SetBasicAuth(c.cfg.Token, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return fmt.Errorf("%w: %s returned %d: %s", ErrUnexpectedStatus, endpoint, resp.StatusCode,
			strings.TrimSpace(string(body)))
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}

	return nil
}
