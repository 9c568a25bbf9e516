package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnavailable is returned for any failure to obtain a usable answer from
// the directory: transport errors, non-200 statuses and undecodable bodies.
var ErrUnavailable = errors.New("employee directory unavailable")

// processID identifies this caller to the directory service.
const processID = "3fa85f64-5717-4562-b3fc-2c963f66afa6"

const maxErrorBody = 512

type Config struct {
	URL        string
	EmployerID int64
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client asks the employee directory how many employees are provisioned
// for a set of sites.
type Client struct {
	url        string
	employerID int64
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("directory: URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("directory: invalid URL %q: %w", cfg.URL, err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		url:        cfg.URL,
		employerID: cfg.EmployerID,
		httpClient: hc,
		logger:     cfg.Logger.With().Str("component", "directory").Logger(),
	}, nil
}

type employerSite struct {
	EmployerID int64 `json:"employerId"`
	SiteID     int64 `json:"siteId"`
}

type manager struct {
	EmployeeID int64 `json:"employeeId"`
}

type employeesRequest struct {
	EmployersSitesList       []employerSite `json:"employersSitesList"`
	LookBackWindowsInMinutes int            `json:"lookBackWindowsInMinutes"`
	ManagerIDList            []manager      `json:"managerIdList"`
	ProcessID                string         `json:"processId"`
}

type employeesResponse struct {
	Data *struct {
		EmployeeList []struct {
			EmployeeID json.RawMessage `json:"employeeId"`
		} `json:"employeeList"`
	} `json:"data"`
}

func (c *Client) buildRequest(siteIDs []int64) employeesRequest {
	sites := make([]employerSite, 0, len(siteIDs))
	for _, id := range siteIDs {
		sites = append(sites, employerSite{EmployerID: c.employerID, SiteID: id})
	}
	return employeesRequest{
		EmployersSitesList:       sites,
		LookBackWindowsInMinutes: -1,
		ManagerIDList:            []manager{{EmployeeID: 0}},
		ProcessID:                processID,
	}
}

// EmployeeIDs returns the raw employee identifiers provisioned for the sites.
func (c *Client) EmployeeIDs(ctx context.Context, siteIDs []int64) ([]string, error) {
	payload, err := json.Marshal(c.buildRequest(siteIDs))
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, bytes.TrimSpace(body))
	}

	var decoded employeesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if decoded.Data == nil {
		return nil, fmt.Errorf("%w: response has no data", ErrUnavailable)
	}

	ids := make([]string, 0, len(decoded.Data.EmployeeList))
	for _, e := range decoded.Data.EmployeeList {
		ids = append(ids, string(e.EmployeeID))
	}
	return ids, nil
}

// UserCount is the number of employees the directory reports for the sites.
func (c *Client) UserCount(ctx context.Context, siteIDs []int64) (int, error) {
	ids, err := c.EmployeeIDs(ctx, siteIDs)
	if err != nil {
		c.logger.Warn().Err(err).Ints64("sites", siteIDs).Msg("directory lookup failed")
		return 0, err
	}
	c.logger.Debug().Ints64("sites", siteIDs).Int("employees", len(ids)).Msg("directory lookup")
	return len(ids), nil
}
