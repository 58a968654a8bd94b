// Package rest is a DataProvider for the simple REST dialect:
//
//	getList     GET    /posts?sort=["title","ASC"]&range=[0,24]&filter={"title":"bar"}
//	getOne      GET    /posts/123
//	getMany     GET    /posts?filter={"id":[123,456,789]}
//	getManyRef  GET    /posts?filter={"author_id":345}
//	create      POST   /posts
//	update      PUT    /posts/123
//	updateMany  PUT    /posts/123, PUT /posts/456, ...
//	delete      DELETE /posts/123
//	deleteMany  DELETE /posts/123, DELETE /posts/456, ...
//
// List answers carry the total in a Content-Range header ("posts 0-24/319").
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	dp "github.com/unkn0wn-root/dataprovider"
)

const defaultTimeout = 30 * time.Second

// Options configure a Client. BaseURL is required.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client // nil => client with a 30s timeout
	Header     http.Header  // added to every request (auth tokens and such)
	// TotalHeader names the header carrying list totals; "" => Content-Range.
	// X-Total-Count is also understood.
	TotalHeader string
	Logger      dp.Logger // nil => NopLogger
}

// Client talks to one REST API. Safe for concurrent use.
type Client struct {
	base        string
	http        *http.Client
	header      http.Header
	totalHeader string
	log         dp.Logger
}

var _ dp.DataProvider = (*Client)(nil)

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("rest: BaseURL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("rest: BaseURL: %w", err)
	}
	c := &Client{
		base:        strings.TrimRight(opts.BaseURL, "/"),
		http:        opts.HTTPClient,
		header:      opts.Header.Clone(),
		totalHeader: opts.TotalHeader,
		log:         opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	if c.totalHeader == "" {
		c.totalHeader = "Content-Range"
	}
	if c.log == nil {
		c.log = dp.NopLogger{}
	}
	return c, nil
}

func (c *Client) resourceURL(resource string) string {
	return c.base + "/" + url.PathEscape(resource)
}

func (c *Client) recordURL(resource string, id dp.Identifier) string {
	return c.resourceURL(resource) + "/" + url.PathEscape(string(id))
}

func jsonParam(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func listQuery(pg dp.Pagination, s dp.Sort, f dp.Filter) url.Values {
	q := url.Values{}
	if s.Field != "" {
		order := s.Order
		if order == "" {
			order = dp.SortAsc
		}
		q.Set("sort", jsonParam([]any{s.Field, order}))
	}
	if pg.PerPage > 0 {
		page := pg.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * pg.PerPage
		q.Set("range", jsonParam([]int{start, start + pg.PerPage - 1}))
	}
	if f == nil {
		f = dp.Filter{}
	}
	q.Set("filter", jsonParam(f))
	return q
}

func (c *Client) list(ctx context.Context, resource string, q url.Values) (*dp.ListResult, error) {
	resp, err := c.FetchJSON(ctx, http.MethodGet, c.resourceURL(resource)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	recs, err := records(resp.JSON)
	if err != nil {
		return nil, err
	}
	total, err := c.total(resp.Header)
	if err != nil {
		return nil, err
	}
	return &dp.ListResult{Data: recs, Total: total}, nil
}

// total parses "posts 0-24/319" or a bare count.
func (c *Client) total(h http.Header) (int, error) {
	v := h.Get(c.totalHeader)
	if v == "" && c.totalHeader == "Content-Range" {
		v = h.Get("X-Total-Count")
	}
	if v == "" {
		return 0, dp.NewTransportError(dp.StatusUnknown, fmt.Sprintf("the %s header is missing in the HTTP response", c.totalHeader), nil)
	}
	if i := strings.LastIndexByte(v, '/'); i >= 0 {
		v = v[i+1:]
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, dp.NewTransportError(dp.StatusUnknown, fmt.Sprintf("bad %s header %q", c.totalHeader, h.Get(c.totalHeader)), nil)
	}
	return n, nil
}

func (c *Client) GetList(ctx context.Context, resource string, params dp.GetListParams) (*dp.ListResult, error) {
	return c.list(ctx, resource, listQuery(params.Pagination, params.Sort, params.Filter))
}

func (c *Client) GetManyReference(ctx context.Context, resource string, params dp.GetManyReferenceParams) (*dp.ListResult, error) {
	f := dp.Filter{}
	for k, v := range params.Filter {
		f[k] = v
	}
	f[params.Target] = params.ID
	return c.list(ctx, resource, listQuery(params.Pagination, params.Sort, f))
}

func (c *Client) GetOne(ctx context.Context, resource string, params dp.GetOneParams) (*dp.RecordResult, error) {
	resp, err := c.FetchJSON(ctx, http.MethodGet, c.recordURL(resource, params.ID), nil)
	if err != nil {
		return nil, err
	}
	return recordResult(resp.JSON)
}

func (c *Client) GetMany(ctx context.Context, resource string, params dp.GetManyParams) (*dp.RecordsResult, error) {
	q := url.Values{}
	q.Set("filter", jsonParam(dp.Filter{"id": params.IDs}))
	resp, err := c.FetchJSON(ctx, http.MethodGet, c.resourceURL(resource)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	recs, err := records(resp.JSON)
	if err != nil {
		return nil, err
	}
	return &dp.RecordsResult{Data: recs}, nil
}

// Create merges the server-assigned id into the submitted data.
func (c *Client) Create(ctx context.Context, resource string, params dp.CreateParams) (*dp.RecordResult, error) {
	resp, err := c.FetchJSON(ctx, http.MethodPost, c.resourceURL(resource), params.Data)
	if err != nil {
		return nil, err
	}
	out := dp.Record{}
	for k, v := range params.Data {
		out[k] = v
	}
	if m, ok := resp.JSON.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	return &dp.RecordResult{Data: out}, nil
}

func (c *Client) Update(ctx context.Context, resource string, params dp.UpdateParams) (*dp.RecordResult, error) {
	resp, err := c.FetchJSON(ctx, http.MethodPut, c.recordURL(resource, params.ID), params.Data)
	if err != nil {
		return nil, err
	}
	return recordResult(resp.JSON)
}

// UpdateMany issues one PUT per id. The first failure aborts the rest.
func (c *Client) UpdateMany(ctx context.Context, resource string, params dp.UpdateManyParams) (*dp.IDsResult, error) {
	done := make([]dp.Identifier, 0, len(params.IDs))
	for _, id := range params.IDs {
		resp, err := c.FetchJSON(ctx, http.MethodPut, c.recordURL(resource, id), params.Data)
		if err != nil {
			return nil, err
		}
		done = append(done, idOf(resp.JSON, id))
	}
	return &dp.IDsResult{Data: done}, nil
}

func (c *Client) Delete(ctx context.Context, resource string, params dp.DeleteParams) (*dp.RecordResult, error) {
	resp, err := c.FetchJSON(ctx, http.MethodDelete, c.recordURL(resource, params.ID), nil)
	if err != nil {
		return nil, err
	}
	if resp.JSON == nil {
		return &dp.RecordResult{Data: dp.Record{"id": string(params.ID)}}, nil
	}
	return recordResult(resp.JSON)
}

// DeleteMany issues one DELETE per id. The first failure aborts the rest.
func (c *Client) DeleteMany(ctx context.Context, resource string, params dp.DeleteManyParams) (*dp.IDsResult, error) {
	done := make([]dp.Identifier, 0, len(params.IDs))
	for _, id := range params.IDs {
		resp, err := c.FetchJSON(ctx, http.MethodDelete, c.recordURL(resource, id), nil)
		if err != nil {
			return nil, err
		}
		done = append(done, idOf(resp.JSON, id))
	}
	return &dp.IDsResult{Data: done}, nil
}

func shapeError(want string, got any) error {
	return dp.NewTransportError(dp.StatusUnknown, fmt.Sprintf("rest: expected %s in response, got %T", want, got), got)
}

func recordResult(v any) (*dp.RecordResult, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, shapeError("an object", v)
	}
	return &dp.RecordResult{Data: dp.Record(m)}, nil
}

func records(v any) ([]dp.Record, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, shapeError("an array", v)
	}
	out := make([]dp.Record, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, shapeError("an array of objects", v)
		}
		out = append(out, dp.Record(m))
	}
	return out, nil
}

func idOf(v any, fallback dp.Identifier) dp.Identifier {
	if m, ok := v.(map[string]any); ok {
		if id := dp.ID(m["id"]); id != "" {
			return id
		}
	}
	return fallback
}
