// Package syncclient moves a profile's local memory to and from the sync
// server: account calls, replace-all upload, download with atomic local
// replacement, and a live change feed.
package syncclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/memsync/internal/apperr"
	"github.com/ent0n29/memsync/internal/memory"
	"github.com/ent0n29/memsync/internal/protocol"
)

const (
	DefaultAuthTimeout     = 10 * time.Second
	DefaultTransferTimeout = 15 * time.Second

	maxResponseBytes = 64 << 20
	tlsHint          = "Try checking if the server is running with HTTPS"
)

type Options struct {
	BaseURL            string
	AuthTimeout        time.Duration
	TransferTimeout    time.Duration
	InsecureSkipVerify bool
	CAFile             string
	// HTTPClient overrides the transport built from the TLS options.
	HTTPClient *http.Client
}

type Client struct {
	baseURL         string
	http            *http.Client
	tlsConfig       *tls.Config
	authTimeout     time.Duration
	transferTimeout time.Duration
	session         *Session
	logs            *memory.Logs
}

func New(opts Options, logs *memory.Logs) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("sync client requires a base URL")
	}
	if logs == nil {
		return nil, fmt.Errorf("sync client requires local logs")
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = DefaultTransferTimeout
	}

	tlsCfg, err := buildTLSConfig(opts.InsecureSkipVerify, opts.CAFile)
	if err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				TLSClientConfig:     tlsCfg,
				TLSHandshakeTimeout: opts.AuthTimeout,
				MaxIdleConns:        4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{
		baseURL:         base,
		http:            httpClient,
		tlsConfig:       tlsCfg,
		authTimeout:     opts.AuthTimeout,
		transferTimeout: opts.TransferTimeout,
		session:         &Session{},
		logs:            logs,
	}, nil
}

func buildTLSConfig(insecure bool, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure,
	}
	if strings.TrimSpace(caFile) == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("CA file %s holds no PEM certificates", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func (c *Client) Session() *Session { return c.session }

func (c *Client) Logs() *memory.Logs { return c.logs }

func (c *Client) Register(ctx context.Context, username, password string) (protocol.RegisterResponse, error) {
	var out protocol.RegisterResponse
	err := c.do(ctx, call{
		op:      "register",
		method:  http.MethodPost,
		path:    "/register",
		timeout: c.authTimeout,
		body:    protocol.Credentials{Username: username, Password: password},
		okCodes: []int{http.StatusCreated},
	}, &out)
	return out, err
}

// Login authenticates and stores the returned token in the session.
func (c *Client) Login(ctx context.Context, username, password string) (protocol.LoginResponse, error) {
	var out protocol.LoginResponse
	err := c.do(ctx, call{
		op:      "login",
		method:  http.MethodPost,
		path:    "/login",
		timeout: c.authTimeout,
		body:    protocol.Credentials{Username: username, Password: password},
		okCodes: []int{http.StatusOK},
	}, &out)
	if err != nil {
		return out, err
	}
	if strings.TrimSpace(out.Token) == "" {
		return out, apperr.New(apperr.KindInternal, "login", "server returned no token")
	}
	c.session.Set(out.Token, out.UserID)
	return out, nil
}

func (c *Client) Logout() {
	c.session.Clear()
}

// Upload sends every record present in both local logs to the server, which
// replaces the account's stored records with them.
func (c *Client) Upload(ctx context.Context) (protocol.UploadResponse, error) {
	const op = "upload"
	var out protocol.UploadResponse
	token := c.session.Token()
	if token == "" {
		return out, notAuthenticated(op)
	}

	items, err := c.logs.Pairs()
	if err != nil {
		return out, err
	}
	if len(items) == 0 {
		return out, &apperr.Error{
			Kind:    apperr.KindNoData,
			Op:      op,
			Message: "No conversation data available to upload",
			Details: "No valid summaries found",
		}
	}

	err = c.do(ctx, call{
		op:      op,
		method:  http.MethodPost,
		path:    "/upload",
		timeout: c.transferTimeout,
		token:   token,
		body:    protocol.UploadRequest{Data: items},
		okCodes: []int{http.StatusOK},
	}, &out)
	return out, err
}

// Download fetches every stored record of the account. A 404 reads as an
// empty result.
func (c *Client) Download(ctx context.Context) (protocol.DownloadResponse, error) {
	const op = "download"
	token := c.session.Token()
	if token == "" {
		return protocol.DownloadResponse{}, notAuthenticated(op)
	}

	var body struct {
		Data json.RawMessage `json:"data"`
	}
	err := c.do(ctx, call{
		op:      op,
		method:  http.MethodGet,
		path:    "/download",
		timeout: c.transferTimeout,
		token:   token,
		okCodes: []int{http.StatusOK},
		emptyOn: http.StatusNotFound,
	}, &body)
	if err != nil {
		return protocol.DownloadResponse{}, err
	}
	items, skipped, err := protocol.ParseUploadData(body.Data)
	if err != nil {
		return protocol.DownloadResponse{}, &apperr.Error{Kind: apperr.KindInternal, Op: op, Status: http.StatusOK, Message: "invalid response body", Err: err}
	}
	// Records are keyed by their timestamps; an item without them cannot be
	// joined back.
	out := protocol.DownloadResponse{Data: make([]protocol.Item, 0, len(items)), Skipped: skipped}
	for _, item := range items {
		if item.StartTimestamp == "" || item.EndTimestamp == "" {
			out.Skipped++
			continue
		}
		out.Data = append(out.Data, item)
	}
	out.Count = len(out.Data)
	return out, nil
}

// SaveDownloadedData atomically replaces both local logs with payload. On
// failure the live logs are unchanged.
func (c *Client) SaveDownloadedData(payload protocol.DownloadResponse) error {
	if err := c.logs.Replace(payload.Data); err != nil {
		return &apperr.Error{Kind: apperr.KindPersistence, Op: "save_downloaded_data", Message: "Error saving downloaded data", Err: err}
	}
	return nil
}

// DownloadAndSave downloads and, when the result is non-empty or clearOnEmpty
// is set, replaces the local logs. It reports the record count and whether
// the logs were replaced.
func (c *Client) DownloadAndSave(ctx context.Context, clearOnEmpty bool) (int, bool, error) {
	payload, err := c.Download(ctx)
	if err != nil {
		return 0, false, err
	}
	if len(payload.Data) == 0 && !clearOnEmpty {
		return 0, false, nil
	}
	if err := c.SaveDownloadedData(payload); err != nil {
		return len(payload.Data), false, err
	}
	return len(payload.Data), true, nil
}

func notAuthenticated(op string) error {
	return &apperr.Error{
		Kind:    apperr.KindUnauthenticated,
		Op:      op,
		Message: "Not authenticated",
		Details: "No auth token available",
	}
}

type call struct {
	op      string
	method  string
	path    string
	timeout time.Duration
	token   string
	body    any
	okCodes []int
	// emptyOn is a status treated as success with no body.
	emptyOn int
}

func (c *Client) do(ctx context.Context, cl call, out any) error {
	ctx, cancel := context.WithTimeout(ctx, cl.timeout)
	defer cancel()

	var reader io.Reader
	if cl.body != nil {
		payload, err := json.Marshal(cl.body)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, cl.op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, reader)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, cl.op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return transportError(cl.op, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return transportError(cl.op, err)
	}

	if cl.emptyOn != 0 && res.StatusCode == cl.emptyOn {
		return nil
	}
	if !statusIn(res.StatusCode, cl.okCodes) {
		return serverError(cl.op, res.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &apperr.Error{Kind: apperr.KindInternal, Op: cl.op, Status: res.StatusCode, Message: "invalid response body", Err: err}
	}
	return nil
}

func statusIn(code int, codes []int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// transportError reports a failure that produced no HTTP response. TLS
// failures carry a hint that the server may not be speaking HTTPS.
func transportError(op string, err error) error {
	if isTLSError(err) {
		return &apperr.Error{
			Kind:    apperr.KindNetwork,
			Op:      op,
			Message: fmt.Sprintf("SSL error during %s: %v", op, err),
			Details: tlsHint,
			Err:     err,
		}
	}
	return &apperr.Error{
		Kind:    apperr.KindNetwork,
		Op:      op,
		Message: fmt.Sprintf("Network error during %s", op),
		Details: err.Error(),
		Err:     err,
	}
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	var verifyErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	switch {
	case errors.As(err, &recordErr),
		errors.As(err, &verifyErr),
		errors.As(err, &unknownAuthority),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr):
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:")
}

// serverError reports a non-success HTTP response.
func serverError(op string, status int, body []byte) error {
	var payload protocol.ErrorResponse
	message := strings.TrimSpace(string(body))
	details := message
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		message = payload.Error
		if payload.Details != "" {
			details = payload.Details
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}

	kind := apperr.KindInternal
	switch {
	case status == http.StatusUnauthorized:
		kind = apperr.KindAuth
	case status == http.StatusBadRequest && (payload.Code == "username_taken" || payload.Error == "Username already exists"):
		kind = apperr.KindConflict
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge:
		kind = apperr.KindValidation
	case status >= 500:
		kind = apperr.KindPersistence
	}
	return &apperr.Error{
		Kind:    kind,
		Op:      op,
		Status:  status,
		Message: fmt.Sprintf("%s failed (%d): %s", opTitle(op), status, message),
		Details: details,
	}
}

func opTitle(op string) string {
	if op == "" {
		return op
	}
	return strings.ToUpper(op[:1]) + op[1:]
}
