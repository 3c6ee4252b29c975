package jobservice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeSource struct {
	val    string
	err    error
	errFor int // fail only the first errFor calls when > 0
	calls  int
	lastNm string
}

func (f *fakeSource) GetJSON(_ context.Context, name string, v any) error {
	f.calls++
	f.lastNm = name
	if f.err != nil && (f.errFor == 0 || f.calls <= f.errFor) {
		return f.err
	}
	return json.Unmarshal([]byte(f.val), v)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

// fakeService is a scripted job service. Handlers left nil answer 404.
type fakeService struct {
	auth  http.HandlerFunc
	start http.HandlerFunc
	queue http.HandlerFunc

	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[r.URL.Path]++
	f.mu.Unlock()

	var h http.HandlerFunc
	switch r.URL.Path {
	case authenticatePath:
		h = f.auth
	case startJobsPath:
		h = f.start
	case queueItemsPath:
		h = f.queue
	}
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeService) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func okAuth(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"result":"`+token+`","success":true}`)
	}
}

func okStart(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusCreated, body)
	}
}

func okQueue(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, body)
	}
}

const twoItemQueue = `{"value":[
	{"Id":1,"Reference":"A12345","SpecificContent":{"output_api":"ignored"}},
	{"Id":2,"Reference":"A12345","SpecificContent":{"output_api":"2025-12-31"}}
]}`

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:    baseURL,
		ReleaseKey: "release-key-1",
		RobotID:    42,
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, rec *sleepRecorder, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithCredentials(Credentials{TenancyName: "acme", Username: "bot@acme.test", Password: "pw"}),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
		WithSleep(rec.sleep),
	}
	c, err := NewClient(testConfig(srv.URL), append(base, opts...)...)
	require.NoError(t, err)
	return c
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_Validation(t *testing.T) {
	creds := WithCredentials(Credentials{Username: "u", Password: "p"})
	cases := []struct {
		name string
		cfg  Config
		opts []Option
		want string
	}{
		{name: "no base url", cfg: Config{ReleaseKey: "k", RobotID: 1}, opts: []Option{creds}, want: "base url"},
		{name: "no release key", cfg: Config{BaseURL: "http://x", RobotID: 1}, opts: []Option{creds}, want: "release key"},
		{name: "no robot", cfg: Config{BaseURL: "http://x", ReleaseKey: "k"}, opts: []Option{creds}, want: "robot id"},
		{name: "no credentials", cfg: Config{BaseURL: "http://x", ReleaseKey: "k", RobotID: 1}, want: "credentials"},
		{name: "source without name", cfg: Config{BaseURL: "http://x", ReleaseKey: "k", RobotID: 1}, opts: []Option{WithCredentialSource(&fakeSource{}, " ")}, want: "parameter name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClient(tc.cfg, tc.opts...)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://svc/", ReleaseKey: "k", RobotID: 7},
		WithCredentials(Credentials{Username: "u", Password: "p"}))
	require.NoError(t, err)
	require.Equal(t, "http://svc", c.cfg.BaseURL)
	require.Equal(t, defaultPickupDelay, c.cfg.PickupDelay)
	require.Equal(t, defaultPollDelay, c.cfg.PollDelay)
	require.Equal(t, defaultTimeout, c.cfg.Timeout)
	require.Equal(t, 90*time.Second, c.httpClient.Timeout)
	require.Equal(t, defaultInputArgument, c.cfg.InputArgument)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func TestQueueReference(t *testing.T) {
	require.Equal(t, "A12345", QueueReference("12345"))
}

func TestQueueItemsURL_EncodesFilter(t *testing.T) {
	u := queueItemsURL("http://svc", "A12'3")
	require.Equal(t, "http://svc/odata/QueueItems?%24filter=Reference+eq+%27A12%27%273%27", u)
}

func TestJobID_UnmarshalNumberAndString(t *testing.T) {
	var payload startJobsResponse
	require.NoError(t, json.Unmarshal([]byte(`{"value":[{"Id":1234},{"Id":"job1"}]}`), &payload))
	require.Equal(t, JobID("1234"), payload.Value[0].ID)
	require.Equal(t, JobID("job1"), payload.Value[1].ID)

	var bad JobID
	require.Error(t, json.Unmarshal([]byte(`true`), &bad))
}

// ---------------------------------------------------------------------------
// credentials
// ---------------------------------------------------------------------------

func TestResolveCredentials_FetchedOnce(t *testing.T) {
	src := &fakeSource{val: `{"tenancyName":"acme","usernameOrEmailAddress":"bot","password":"pw"}`}
	c, err := NewClient(testConfig("http://svc"), WithCredentialSource(src, "/renewal/job-service-credentials"))
	require.NoError(t, err)

	creds, err := c.resolveCredentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, Credentials{TenancyName: "acme", Username: "bot", Password: "pw"}, creds)

	_, _ = c.resolveCredentials(context.Background())
	require.Equal(t, 1, src.calls, "credentials must only be loaded once per process lifetime")
	require.Equal(t, "/renewal/job-service-credentials", src.lastNm)
}

func TestResolveCredentials_Incomplete(t *testing.T) {
	src := &fakeSource{val: `{"tenancyName":"acme"}`}
	c, err := NewClient(testConfig("http://svc"), WithCredentialSource(src, "creds"))
	require.NoError(t, err)

	_, err = c.Authenticate(context.Background())
	var rce *RemoteCallError
	require.ErrorAs(t, err, &rce)
	require.Equal(t, StageAuthenticate, rce.Stage)
	require.Equal(t, "credentials_unavailable", rce.Reason)
}

func TestResolveCredentials_RetriesAfterFailure(t *testing.T) {
	src := &fakeSource{
		val:    `{"tenancyName":"acme","usernameOrEmailAddress":"bot","password":"pw"}`,
		err:    errors.New("ThrottlingException: rate exceeded"),
		errFor: 1,
	}
	c, err := NewClient(testConfig("http://svc"), WithCredentialSource(src, "creds"))
	require.NoError(t, err)

	_, err = c.resolveCredentials(context.Background())
	require.ErrorContains(t, err, "rate exceeded")

	creds, err := c.resolveCredentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, "bot", creds.Username)
	require.Equal(t, 2, src.calls)

	_, err = c.resolveCredentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, src.calls)
}

// ---------------------------------------------------------------------------
// Authenticate
// ---------------------------------------------------------------------------

func TestAuthenticate_SendsCredentials(t *testing.T) {
	svc := &fakeService{auth: func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		require.Empty(t, r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"tenancyName":"acme","usernameOrEmailAddress":"bot@acme.test","password":"pw"}`, string(body))
		writeJSON(w, http.StatusOK, `{"result":"tok1"}`)
	}}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	c := newTestClient(t, srv, &sleepRecorder{})
	token, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok1", token)
}

func TestAuthenticate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		reason string
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"nope"}`, reason: "status_401"},
		{name: "empty token", status: http.StatusOK, body: `{"result":""}`, reason: "empty_token"},
		{name: "rejected", status: http.StatusOK, body: `{"result":"x","success":false}`, reason: "rejected"},
		{name: "malformed", status: http.StatusOK, body: `not-json`, reason: "malformed_response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(&fakeService{auth: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tc.status, tc.body)
			}})
			defer srv.Close()

			c := newTestClient(t, srv, &sleepRecorder{})
			_, err := c.Authenticate(context.Background())
			var rce *RemoteCallError
			require.ErrorAs(t, err, &rce)
			require.Equal(t, StageAuthenticate, rce.Stage)
			require.Equal(t, tc.reason, rce.Reason)
		})
	}
}

// ---------------------------------------------------------------------------
// StartJob
// ---------------------------------------------------------------------------

func TestStartJob_RequestShapeAndPickupDelay(t *testing.T) {
	svc := &fakeService{start: func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok1", r.Header.Get("Authorization"))
		var req startJobsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "release-key-1", req.StartInfo.ReleaseKey)
		require.Equal(t, []int64{42}, req.StartInfo.RobotIDs)
		require.Equal(t, "Specific", req.StartInfo.Strategy)
		require.JSONEq(t, `{"policy_number":"12345"}`, req.StartInfo.InputArguments)
		writeJSON(w, http.StatusCreated, `{"value":[{"Id":"job1","State":"Pending"}]}`)
	}}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	rec := &sleepRecorder{}
	c := newTestClient(t, srv, rec)
	id, err := c.StartJob(context.Background(), "tok1", "12345")
	require.NoError(t, err)
	require.Equal(t, JobID("job1"), id)
	require.Equal(t, []time.Duration{20 * time.Second}, rec.delays)
}

func TestStartJob_NoJobs(t *testing.T) {
	srv := httptest.NewServer(&fakeService{start: okStart(`{"value":[]}`)})
	defer srv.Close()

	c := newTestClient(t, srv, &sleepRecorder{})
	_, err := c.StartJob(context.Background(), "tok1", "12345")
	var rce *RemoteCallError
	require.ErrorAs(t, err, &rce)
	require.Equal(t, StageStartJob, rce.Stage)
	require.Equal(t, "no_jobs_created", rce.Reason)
}

func TestStartJob_ServerErrorSkipsPickupDelay(t *testing.T) {
	srv := httptest.NewServer(&fakeService{start: func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"message":"boom"}`)
	}})
	defer srv.Close()

	rec := &sleepRecorder{}
	c := newTestClient(t, srv, rec)
	_, err := c.StartJob(context.Background(), "tok1", "12345")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.HTTPStatusCode())
	require.Empty(t, rec.delays)
}

// ---------------------------------------------------------------------------
// PollRenewalDate
// ---------------------------------------------------------------------------

func TestPollRenewalDate_ReadsSecondItem(t *testing.T) {
	svc := &fakeService{queue: func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "Bearer tok1", r.Header.Get("Authorization"))
		require.Equal(t, "Reference eq 'A12345'", r.URL.Query().Get("$filter"))
		writeJSON(w, http.StatusOK, twoItemQueue)
	}}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	rec := &sleepRecorder{}
	c := newTestClient(t, srv, rec)
	date, err := c.PollRenewalDate(context.Background(), "tok1", "12345")
	require.NoError(t, err)
	require.Equal(t, "2025-12-31", date)
	require.Equal(t, []time.Duration{3 * time.Second}, rec.delays)
}

func TestPollRenewalDate_IgnoresShapeOfOtherItems(t *testing.T) {
	srv := httptest.NewServer(&fakeService{queue: okQueue(`{"value":[
		{"Id":"not-a-number","SpecificContent":{"output_api":{"nested":true}}},
		{"Id":2,"SpecificContent":{"output_api":"2025-12-31"}}
	]}`)})
	defer srv.Close()

	c := newTestClient(t, srv, &sleepRecorder{})
	date, err := c.PollRenewalDate(context.Background(), "tok1", "12345")
	require.NoError(t, err)
	require.Equal(t, "2025-12-31", date)
}

func TestPollRenewalDate_SingleItem(t *testing.T) {
	srv := httptest.NewServer(&fakeService{queue: okQueue(`{"value":[{"SpecificContent":{"output_api":"2025-01-01"}}]}`)})
	defer srv.Close()

	c := newTestClient(t, srv, &sleepRecorder{})
	date, err := c.PollRenewalDate(context.Background(), "tok1", "12345")
	require.Empty(t, date)
	var rce *RemoteCallError
	require.ErrorAs(t, err, &rce)
	require.Equal(t, "insufficient_queue_items", rce.Reason)
}

func TestPollRenewalDate_ErrorStillWaits(t *testing.T) {
	srv := httptest.NewServer(&fakeService{queue: func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"message":"missing"}`)
	}})
	defer srv.Close()

	rec := &sleepRecorder{}
	c := newTestClient(t, srv, rec)
	_, err := c.PollRenewalDate(context.Background(), "tok1", "12345")
	var rce *RemoteCallError
	require.ErrorAs(t, err, &rce)
	require.Equal(t, "status_404", rce.Reason)
	require.Equal(t, []time.Duration{3 * time.Second}, rec.delays)
}

// ---------------------------------------------------------------------------
// FetchRenewalDate
// ---------------------------------------------------------------------------

func TestFetchRenewalDate_HappyPath(t *testing.T) {
	svc := &fakeService{
		auth:  okAuth("tok1"),
		start: okStart(`{"value":[{"Id":"job1"}]}`),
		queue: okQueue(twoItemQueue),
	}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	rec := &sleepRecorder{}
	c := newTestClient(t, srv, rec)
	res, err := c.FetchRenewalDate(context.Background(), "12345")
	require.NoError(t, err)
	require.Equal(t, Result{Token: "tok1", JobID: "job1", RenewalDate: "2025-12-31"}, res)
	require.Equal(t, []time.Duration{20 * time.Second, 3 * time.Second}, rec.delays)
}

func TestFetchRenewalDate_AuthFailureStopsPipeline(t *testing.T) {
	svc := &fakeService{
		auth: func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusForbidden, `{}`)
		},
		start: okStart(`{"value":[{"Id":"job1"}]}`),
		queue: okQueue(twoItemQueue),
	}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	c := newTestClient(t, srv, &sleepRecorder{})
	res, err := c.FetchRenewalDate(context.Background(), "12345")
	require.Error(t, err)
	require.Empty(t, res.RenewalDate)
	require.Equal(t, 0, svc.count(startJobsPath))
	require.Equal(t, 0, svc.count(queueItemsPath))
}

func TestFetchRenewalDate_NoJobsSkipsPoll(t *testing.T) {
	svc := &fakeService{
		auth:  okAuth("tok1"),
		start: okStart(`{"value":[]}`),
		queue: okQueue(twoItemQueue),
	}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	c := newTestClient(t, srv, &sleepRecorder{})
	res, err := c.FetchRenewalDate(context.Background(), "12345")
	require.Error(t, err)
	require.Equal(t, "tok1", res.Token)
	require.Empty(t, res.RenewalDate)
	require.Equal(t, 0, svc.count(queueItemsPath))
}

func TestFetchRenewalDate_CanceledDuringPickup(t *testing.T) {
	svc := &fakeService{
		auth:  okAuth("tok1"),
		start: okStart(`{"value":[{"Id":"job1"}]}`),
		queue: okQueue(twoItemQueue),
	}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, srv, &sleepRecorder{}, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	_, err := c.FetchRenewalDate(ctx, "12345")
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, 0, svc.count(queueItemsPath))
}

func TestSleepContext_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := sleepContext(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
	require.NoError(t, sleepContext(context.Background(), 0))
}
