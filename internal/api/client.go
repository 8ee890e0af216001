// Package api is the HTTP client for the remote cash-flow API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"caixa/internal/core"
	"caixa/internal/log"
)

// Version is reported in the User-Agent header.
var Version = "dev"

const maxErrorBody = 64 << 10

// Operation names used in RemoteError.Op.
const (
	OpLogin    = "login"
	OpRegister = "register"
	OpList     = "list"
	OpCreate   = "create"
	OpDelete   = "delete"
	OpExport   = "export"
)

// Options configures a Client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	RateBurst int
	Transport http.RoundTripper
	Logger    *log.Logger
}

// Client talks to the remote API. It is safe for concurrent use.
type Client struct {
	base      *url.URL
	http      *http.Client
	transport *tracingTransport
	logger    *log.Logger
}

// Payload is a binary response body with its declared metadata.
type Payload struct {
	Data        []byte
	ContentType string
	Filename    string
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentAPI)

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	tt := newTracingTransport(opts.Transport, limiter, logger, "caixa/"+Version)
	return &Client{
		base:      base,
		transport: tt,
		logger:    logger,
		http: &http.Client{
			Jar:       jar,
			Timeout:   timeout,
			Transport: tt,
		},
	}, nil
}

// Metrics returns a snapshot of request counters.
func (c *Client) Metrics() Metrics {
	return c.transport.snapshot()
}

// Login exchanges credentials for a bearer token. Any failure, including
// transport errors, is reported as core.ErrAuthentication.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	req, err := c.newRequest(ctx, http.MethodPost, "login/", nil, "", strings.NewReader(form.Encode()))
	if err != nil {
		return "", remote(OpLogin, 0, core.ErrAuthentication, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok tokenResponse
	if err := c.doJSON(req, OpLogin, core.ErrAuthentication, &tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", remote(OpLogin, http.StatusOK, core.ErrAuthentication, errors.New("response carried no access_token"))
	}
	return tok.AccessToken, nil
}

// Register creates an account. A 400 or 409 is how the server reports a
// taken username and maps to core.ErrRegistrationConflict; any other
// failure is core.ErrRegistration.
func (c *Client) Register(ctx context.Context, username, password string) (core.User, error) {
	body, err := json.Marshal(credentials{Username: username, Password: password})
	if err != nil {
		return core.User{}, remote(OpRegister, 0, core.ErrRegistration, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "usuarios/", nil, "", bytes.NewReader(body))
	if err != nil {
		return core.User{}, remote(OpRegister, 0, core.ErrRegistration, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var u userDTO
	if err := c.doJSON(req, OpRegister, core.ErrRegistration, &u); err != nil {
		var re *core.RemoteError
		if errors.As(err, &re) && (re.Status == http.StatusBadRequest || re.Status == http.StatusConflict) {
			re.Kind = core.ErrRegistrationConflict
		}
		return core.User{}, err
	}
	if u.Username == "" {
		u.Username = username
	}
	return core.User{ID: u.ID, Username: u.Username}, nil
}

// ListTransactions fetches the records inside r. Unset bounds are omitted
// from the query. token may be empty.
func (c *Client) ListTransactions(ctx context.Context, token string, r core.Range) ([]core.Transaction, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "transacoes/", rangeQuery(r), token, nil)
	if err != nil {
		return nil, remote(OpList, 0, core.ErrFetch, err)
	}

	var dtos []transactionDTO
	if err := c.doJSON(req, OpList, core.ErrFetch, &dtos); err != nil {
		return nil, err
	}
	items := make([]core.Transaction, 0, len(dtos))
	for _, d := range dtos {
		t, err := d.toCore()
		if err != nil {
			return nil, remote(OpList, http.StatusOK, core.ErrFetch, err)
		}
		items = append(items, t)
	}
	return items, nil
}

// CreateTransaction posts a new record and returns the stored version.
func (c *Client) CreateTransaction(ctx context.Context, token string, t core.NewTransaction) (core.Transaction, error) {
	body, err := json.Marshal(encodeNewTransaction(t))
	if err != nil {
		return core.Transaction{}, remote(OpCreate, 0, core.ErrSubmission, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "transacoes/", nil, token, bytes.NewReader(body))
	if err != nil {
		return core.Transaction{}, remote(OpCreate, 0, core.ErrSubmission, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var dto transactionDTO
	if err := c.doJSON(req, OpCreate, core.ErrSubmission, &dto); err != nil {
		return core.Transaction{}, err
	}
	created, err := dto.toCore()
	if err != nil {
		return core.Transaction{}, remote(OpCreate, http.StatusOK, core.ErrSubmission, err)
	}
	return created, nil
}

// DeleteTransaction removes a record. A 403 means the record belongs to
// someone else and is reported as core.ErrAuthorization.
func (c *Client) DeleteTransaction(ctx context.Context, token string, id int64) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "transacoes/"+strconv.FormatInt(id, 10), nil, token, nil)
	if err != nil {
		return remote(OpDelete, 0, core.ErrSubmission, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return remote(OpDelete, 0, core.ErrSubmission, err)
	}
	defer resp.Body.Close()
	if isSuccess(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if resp.StatusCode == http.StatusForbidden {
		return remote(OpDelete, resp.StatusCode, core.ErrAuthorization, readDetail(resp))
	}
	return statusError(OpDelete, core.ErrSubmission, resp)
}

// ExportReport downloads the report for r. 401 and 403 are both reported
// as core.ErrAuthorization in addition to core.ErrExport.
func (c *Client) ExportReport(ctx context.Context, token string, r core.Range) (Payload, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "relatorio/", rangeQuery(r), token, nil)
	if err != nil {
		return Payload{}, remote(OpExport, 0, core.ErrExport, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Payload{}, remote(OpExport, 0, core.ErrExport, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		cause := readDetail(resp)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			cause = errors.Join(core.ErrAuthorization, cause)
		}
		return Payload{}, remote(OpExport, resp.StatusCode, core.ErrExport, cause)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Payload{}, remote(OpExport, resp.StatusCode, core.ErrExport, fmt.Errorf("read body: %w", err))
	}
	return Payload{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Filename:    attachmentName(resp.Header.Get("Content-Disposition")),
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, token string, body io.Reader) (*http.Request, error) {
	u := c.base.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// doJSON sends req and decodes a successful body into out. Failures are
// wrapped in a RemoteError of the given kind; a 401 also matches
// core.ErrUnauthorized.
func (c *Client) doJSON(req *http.Request, op string, kind error, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return remote(op, 0, kind, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return statusError(op, kind, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return remote(op, resp.StatusCode, kind, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func statusError(op string, kind error, resp *http.Response) error {
	cause := readDetail(resp)
	if resp.StatusCode == http.StatusUnauthorized && op != OpLogin {
		cause = errors.Join(core.ErrUnauthorized, cause)
	}
	return remote(op, resp.StatusCode, kind, cause)
}

func remote(op string, status int, kind, cause error) error {
	return &core.RemoteError{Op: op, Status: status, Kind: kind, Err: cause}
}

// readDetail extracts the server's error message, or nil when the body has
// none.
func readDetail(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var body errorBody
	if json.Unmarshal(raw, &body) == nil {
		if msg := body.message(); msg != "" {
			return errors.New(msg)
		}
	}
	return errors.New(strings.TrimSpace(string(raw)))
}

func rangeQuery(r core.Range) url.Values {
	q := url.Values{}
	if !r.Start.IsEmpty() {
		q.Set("data_inicio", r.Start.String())
	}
	if !r.End.IsEmpty() {
		q.Set("data_fim", r.End.String())
	}
	return q
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func attachmentName(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}
