package jobservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	authenticatePath = "/api/account/authenticate"
	startJobsPath    = "/odata/Jobs/UiPath.Server.Configuration.OData.StartJobs"
	queueItemsPath   = "/odata/QueueItems"

	strategySpecific = "Specific"

	defaultTimeout       = 90 * time.Second
	defaultPickupDelay   = 20 * time.Second
	defaultPollDelay     = 3 * time.Second
	defaultInputArgument = "policy_number"

	// The renewal date is read from the second queue item.
	renewalItemIndex = 1
)

// Stage names used in RemoteCallError.
const (
	StageAuthenticate = "authenticate"
	StageStartJob     = "start_job"
	StagePoll         = "poll"
)

// Config holds the static job service settings shared by every pipeline run.
type Config struct {
	BaseURL       string
	ReleaseKey    string
	RobotID       int64
	InputArgument string
	PickupDelay   time.Duration
	PollDelay     time.Duration
	Timeout       time.Duration
}

// CredentialSource loads a JSON-encoded secret by name.
// *paramstore.Client satisfies this interface.
type CredentialSource interface {
	GetJSON(ctx context.Context, name string, v any) error
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("jobservice: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// RemoteCallError reports which pipeline stage failed and why.
type RemoteCallError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *RemoteCallError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("jobservice: %s failed (%s)", e.Stage, e.Reason)
	}
	return fmt.Sprintf("jobservice: %s failed (%s): %v", e.Stage, e.Reason, e.Err)
}

func (e *RemoteCallError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func stageError(stage, reason string, err error) *RemoteCallError {
	return &RemoteCallError{Stage: stage, Reason: reason, Err: err}
}

// Client drives the authenticate, start job and poll sequence against the job service.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	source    CredentialSource
	credsName string

	credsMu       sync.Mutex
	credsResolved bool
	creds         Credentials
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithCredentials uses fixed credentials instead of a CredentialSource.
func WithCredentials(creds Credentials) Option {
	return func(c *Client) {
		c.source = nil
		c.creds = creds
		c.credsResolved = true
	}
}

// WithCredentialSource resolves credentials from src under name on first use.
func WithCredentialSource(src CredentialSource, name string) Option {
	return func(c *Client) {
		c.source = src
		c.credsName = strings.TrimSpace(name)
	}
}

// WithSleep replaces the function used for the fixed pickup and poll delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client. Credentials must be supplied through
// WithCredentials or WithCredentialSource.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("jobservice: base url must not be empty")
	}
	if strings.TrimSpace(cfg.ReleaseKey) == "" {
		return nil, errors.New("jobservice: release key must not be empty")
	}
	if cfg.RobotID <= 0 {
		return nil, errors.New("jobservice: robot id must be positive")
	}
	if cfg.InputArgument == "" {
		cfg.InputArgument = defaultInputArgument
	}
	if cfg.PickupDelay < 0 {
		cfg.PickupDelay = 0
	} else if cfg.PickupDelay == 0 {
		cfg.PickupDelay = defaultPickupDelay
	}
	if cfg.PollDelay < 0 {
		cfg.PollDelay = 0
	} else if cfg.PollDelay == 0 {
		cfg.PollDelay = defaultPollDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.source == nil && c.creds == (Credentials{}) {
		return nil, errors.New("jobservice: credentials or a credential source are required")
	}
	if c.source != nil && c.credsName == "" {
		return nil, errors.New("jobservice: credential parameter name must not be empty")
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// QueueReference returns the queue item reference recorded for a policy number.
func QueueReference(policyNumber string) string {
	return "A" + policyNumber
}

// FetchRenewalDate runs the three stages in order. Each stage starts only
// after the previous one produced its output; the first failure stops the run
// and the partially filled Result is returned with a *RemoteCallError.
func (c *Client) FetchRenewalDate(ctx context.Context, policyNumber string) (Result, error) {
	var res Result

	token, err := c.Authenticate(ctx)
	if err != nil {
		return res, err
	}
	res.Token = token

	jobID, err := c.StartJob(ctx, token, policyNumber)
	if err != nil {
		return res, err
	}
	res.JobID = jobID

	date, err := c.PollRenewalDate(ctx, token, policyNumber)
	if err != nil {
		return res, err
	}
	res.RenewalDate = date
	return res, nil
}

// Authenticate exchanges the configured credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		return "", stageError(StageAuthenticate, "credentials_unavailable", err)
	}

	u := c.cfg.BaseURL + authenticatePath
	raw, err := c.postJSON(ctx, u, "", creds)
	if err != nil {
		return "", stageError(StageAuthenticate, reasonFor(err), err)
	}

	var payload authResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", stageError(StageAuthenticate, "malformed_response", err)
	}
	if payload.Success != nil && !*payload.Success {
		return "", stageError(StageAuthenticate, "rejected", nil)
	}
	token := strings.TrimSpace(payload.Result)
	if token == "" {
		return "", stageError(StageAuthenticate, "empty_token", nil)
	}
	return token, nil
}

// StartJob starts the renewal lookup job on the configured robot and then
// waits the fixed pickup delay before returning the created job id.
func (c *Client) StartJob(ctx context.Context, token, policyNumber string) (JobID, error) {
	args, err := json.Marshal(map[string]string{c.cfg.InputArgument: policyNumber})
	if err != nil {
		return "", stageError(StageStartJob, "marshal_arguments", err)
	}
	body := startJobsRequest{StartInfo: startInfo{
		ReleaseKey:     c.cfg.ReleaseKey,
		RobotIDs:       []int64{c.cfg.RobotID},
		JobsCount:      0,
		Strategy:       strategySpecific,
		InputArguments: string(args),
	}}

	u := c.cfg.BaseURL + startJobsPath
	raw, err := c.postJSON(ctx, u, token, body)
	if err != nil {
		return "", stageError(StageStartJob, reasonFor(err), err)
	}

	if err := c.sleep(ctx, c.cfg.PickupDelay); err != nil {
		return "", stageError(StageStartJob, "canceled", err)
	}

	var payload startJobsResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", stageError(StageStartJob, "malformed_response", err)
	}
	if len(payload.Value) == 0 {
		return "", stageError(StageStartJob, "no_jobs_created", nil)
	}
	if payload.Value[0].ID == "" {
		return "", stageError(StageStartJob, "missing_job_id", nil)
	}
	return payload.Value[0].ID, nil
}

// PollRenewalDate reads the queue items recorded for the policy number and
// returns the output of the second item. The fixed poll delay is applied
// after the call whatever its outcome.
func (c *Client) PollRenewalDate(ctx context.Context, token, policyNumber string) (string, error) {
	u := queueItemsURL(c.cfg.BaseURL, QueueReference(policyNumber))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", stageError(StagePoll, "create_request", err)
	}
	setHeaders(req, token)

	raw, callErr := c.doJSONRequest(req, u)
	if err := c.sleep(ctx, c.cfg.PollDelay); err != nil && callErr == nil {
		return "", stageError(StagePoll, "canceled", err)
	}
	if callErr != nil {
		return "", stageError(StagePoll, reasonFor(callErr), callErr)
	}

	var payload queueItemsResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", stageError(StagePoll, "malformed_response", err)
	}
	if len(payload.Value) <= renewalItemIndex {
		c.logger.Warn("jobservice: fewer queue items than expected",
			"reference", QueueReference(policyNumber),
			"count", len(payload.Value),
			"want_min", renewalItemIndex+1)
		return "", stageError(StagePoll, "insufficient_queue_items", nil)
	}
	// Other items may carry a different content shape; only this one is decoded.
	var item queueItem
	if err := json.Unmarshal(payload.Value[renewalItemIndex], &item); err != nil {
		return "", stageError(StagePoll, "malformed_response", err)
	}
	date := strings.TrimSpace(item.SpecificContent.OutputAPI)
	if date == "" {
		return "", stageError(StagePoll, "missing_output", nil)
	}
	return date, nil
}

// resolveCredentials loads credentials from the source on first use. Only a
// successful load is cached; a failed one is retried on the next call.
func (c *Client) resolveCredentials(ctx context.Context) (Credentials, error) {
	c.credsMu.Lock()
	defer c.credsMu.Unlock()
	if c.credsResolved {
		return c.creds, nil
	}

	var creds Credentials
	if err := c.source.GetJSON(ctx, c.credsName, &creds); err != nil {
		return Credentials{}, fmt.Errorf("jobservice: load credentials: %w", err)
	}
	if creds.Username == "" || creds.Password == "" {
		return Credentials{}, errors.New("jobservice: credentials are incomplete")
	}
	c.creds = creds
	c.credsResolved = true
	return c.creds, nil
}

func queueItemsURL(baseURL, reference string) string {
	filter := fmt.Sprintf("Reference eq '%s'", strings.ReplaceAll(reference, "'", "''"))
	q := url.Values{}
	q.Set("$filter", filter)
	return baseURL + queueItemsPath + "?" + q.Encode()
}

func setHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) postJSON(ctx context.Context, u, token string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setHeaders(req, token)
	return c.doJSONRequest(req, u)
}

func (c *Client) doJSONRequest(req *http.Request, u string) ([]byte, error) {
	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.cfg.Timeout}
	}
	res, doErr := httpClient.Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        u,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func reasonFor(err error) string {
	var statusErr *HTTPStatusError
	switch {
	case errors.As(err, &statusErr):
		return fmt.Sprintf("status_%d", statusErr.StatusCode)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "transport_error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
