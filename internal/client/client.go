package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/duckmesh/deltashare/internal/auth"
	"github.com/duckmesh/deltashare/internal/observability"
	"github.com/duckmesh/deltashare/internal/protocol"
)

const (
	tableVersionHeader = "delta-table-version"
	ndjsonContentType  = "application/x-ndjson"
)

type Config struct {
	Endpoint    string
	BearerToken string
	TokenSource oauth2.TokenSource
	Timeout     time.Duration
	UserAgent   string
	Logger      *slog.Logger
	HTTPClient  *http.Client
}

// Client talks to one Delta Sharing server. All calls are plain request/response
// round trips; there is no retry and no caching.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("endpoint scheme must be http or https: %q", endpoint)
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		source := cfg.TokenSource
		if source == nil && strings.TrimSpace(cfg.BearerToken) != "" {
			source = auth.NewTokenSource(cfg.BearerToken, time.Time{})
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: auth.Transport(observability.Transport(nil, logger, cfg.UserAgent), source),
		}
	}

	return &Client{endpoint: endpoint, http: httpClient, logger: logger}, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// PageOptions carries the caller-driven pagination parameters. The client never
// follows nextPageToken on its own.
type PageOptions struct {
	MaxResults int
	PageToken  string
}

func (p PageOptions) values() url.Values {
	values := url.Values{}
	if p.MaxResults > 0 {
		values.Set("maxResults", strconv.Itoa(p.MaxResults))
	}
	if p.PageToken != "" {
		values.Set("pageToken", p.PageToken)
	}
	return values
}

func (c *Client) ListShares(ctx context.Context, page PageOptions) (protocol.Listing[protocol.Share], error) {
	body, _, err := c.do(ctx, http.MethodGet, c.route([]string{"shares"}, page.values()), nil)
	if err != nil {
		return protocol.Listing[protocol.Share]{}, err
	}
	defer func() { _ = body.Close() }()
	return protocol.DecodeShares(body)
}

func (c *Client) GetShare(ctx context.Context, share string) (protocol.Share, error) {
	body, _, err := c.do(ctx, http.MethodGet, c.route([]string{"shares", share}, nil), nil)
	if err != nil {
		return protocol.Share{}, err
	}
	defer func() { _ = body.Close() }()
	return protocol.DecodeShare(body)
}

func (c *Client) ListSchemas(ctx context.Context, share string, page PageOptions) (protocol.Listing[protocol.Schema], error) {
	body, _, err := c.do(ctx, http.MethodGet, c.route([]string{"shares", share, "schemas"}, page.values()), nil)
	if err != nil {
		return protocol.Listing[protocol.Schema]{}, err
	}
	defer func() { _ = body.Close() }()
	return protocol.DecodeSchemas(body)
}

func (c *Client) ListTables(ctx context.Context, share, schema string, page PageOptions) (protocol.Listing[protocol.Table], error) {
	body, _, err := c.do(ctx, http.MethodGet, c.route([]string{"shares", share, "schemas", schema, "tables"}, page.values()), nil)
	if err != nil {
		return protocol.Listing[protocol.Table]{}, err
	}
	defer func() { _ = body.Close() }()
	return protocol.DecodeTables(body)
}

func (c *Client) ListAllTables(ctx context.Context, share string, page PageOptions) (protocol.Listing[protocol.Table], error) {
	body, _, err := c.do(ctx, http.MethodGet, c.route([]string{"shares", share, "all-tables"}, page.values()), nil)
	if err != nil {
		return protocol.Listing[protocol.Table]{}, err
	}
	defer func() { _ = body.Close() }()
	return protocol.DecodeTables(body)
}

// QueryTableMetadata returns the protocol and metadata lines of a table; Files is empty.
func (c *Client) QueryTableMetadata(ctx context.Context, table protocol.Table) (protocol.QueryResult, error) {
	body, header, err := c.do(ctx, http.MethodGet, c.tableRoute(table, "metadata", nil), nil)
	if err != nil {
		return protocol.QueryResult{}, err
	}
	defer func() { _ = body.Close() }()
	result, err := protocol.DecodeQueryResult(body)
	if err != nil {
		return protocol.QueryResult{}, err
	}
	result.TableVersion = parseVersionHeader(header)
	return result, nil
}

// QueryTableVersion returns the current table version, or the first version at or after
// startingTimestamp (RFC 3339) when it is set.
func (c *Client) QueryTableVersion(ctx context.Context, table protocol.Table, startingTimestamp string) (int64, error) {
	values := url.Values{}
	if startingTimestamp != "" {
		values.Set("startingTimestamp", startingTimestamp)
	}
	target := c.tableRoute(table, "version", values)
	body, header, err := c.do(ctx, http.MethodHead, target, nil)
	if err != nil {
		return 0, err
	}
	_ = body.Close()
	version := parseVersionHeader(header)
	if version == nil {
		return 0, &protocol.MalformedResponseError{Err: fmt.Errorf("missing or invalid %s header", tableVersionHeader)}
	}
	return *version, nil
}

type QueryRequest struct {
	PredicateHints []string `json:"predicateHints,omitempty"`
	LimitHint      *int64   `json:"limitHint,omitempty"`
	Version        *int64   `json:"version,omitempty"`
}

func (c *Client) QueryTable(ctx context.Context, table protocol.Table, request QueryRequest) (protocol.QueryResult, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return protocol.QueryResult{}, fmt.Errorf("marshal query request: %w", err)
	}
	body, header, err := c.do(ctx, http.MethodPost, c.tableRoute(table, "query", nil), payload)
	if err != nil {
		return protocol.QueryResult{}, err
	}
	defer func() { _ = body.Close() }()
	result, err := protocol.DecodeQueryResult(body)
	if err != nil {
		return protocol.QueryResult{}, err
	}
	result.TableVersion = parseVersionHeader(header)
	return result, nil
}

type ChangesOptions struct {
	StartingVersion   *int64
	EndingVersion     *int64
	StartingTimestamp string
	EndingTimestamp   string
}

func (o ChangesOptions) values() (url.Values, error) {
	if o.StartingVersion == nil && o.StartingTimestamp == "" {
		return nil, fmt.Errorf("starting version or starting timestamp is required")
	}
	values := url.Values{}
	if o.StartingVersion != nil {
		values.Set("startingVersion", strconv.FormatInt(*o.StartingVersion, 10))
	}
	if o.EndingVersion != nil {
		values.Set("endingVersion", strconv.FormatInt(*o.EndingVersion, 10))
	}
	if o.StartingTimestamp != "" {
		values.Set("startingTimestamp", o.StartingTimestamp)
	}
	if o.EndingTimestamp != "" {
		values.Set("endingTimestamp", o.EndingTimestamp)
	}
	return values, nil
}

func (c *Client) QueryTableChanges(ctx context.Context, table protocol.Table, options ChangesOptions) (protocol.ChangesResult, error) {
	values, err := options.values()
	if err != nil {
		return protocol.ChangesResult{}, err
	}
	body, _, err := c.do(ctx, http.MethodGet, c.tableRoute(table, "changes", values), nil)
	if err != nil {
		return protocol.ChangesResult{}, err
	}
	defer func() { _ = body.Close() }()
	return protocol.DecodeChanges(body)
}

func (c *Client) tableRoute(table protocol.Table, action string, values url.Values) string {
	return c.route([]string{"shares", table.Share, "schemas", table.Schema, "tables", table.Name, action}, values)
}

func (c *Client) route(segments []string, values url.Values) string {
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	target := c.endpoint + strings.Join(escaped, "/")
	if len(values) > 0 {
		target += "?" + values.Encode()
	}
	return target
}

// do sends one request and returns the open body of a 2xx response. Any other status
// is turned into a TransportError carrying the verbatim body.
func (c *Client) do(ctx context.Context, method, target string, payload []byte) (io.ReadCloser, http.Header, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/json, "+ndjsonContentType)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &TransportError{Method: method, URL: target, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		body, readErr := io.ReadAll(resp.Body)
		transportErr := &TransportError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: string(body)}
		if readErr != nil {
			transportErr.Err = readErr
		}
		return nil, nil, transportErr
	}
	return resp.Body, resp.Header, nil
}

func parseVersionHeader(header http.Header) *int64 {
	raw := strings.TrimSpace(header.Get(tableVersionHeader))
	if raw == "" {
		return nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &version
}
