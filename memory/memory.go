// Package memory is an in-process DataProvider over plain maps. It supports
// the filter, sort and paging conventions of the simple REST dialect and is
// meant for demos, tests and prototyping.
//
// Filters:
//
//	"q"            full-text match on every string field
//	"<f>"          equality; a slice value means "any of"
//	"<f>_neq"      inequality
//	"<f>_gt/_gte"  greater than (or equal)
//	"<f>_lt/_lte"  less than (or equal)
//	"<f>_q"        substring match on one field
package memory

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tiendc/go-deepcopy"

	dp "github.com/unkn0wn-root/dataprovider"
)

// Provider stores records per resource. Every record in and out is a deep
// copy, so callers never share state with it. Safe for concurrent use.
type Provider struct {
	mu     sync.RWMutex
	data   map[string]map[dp.Identifier]dp.Record
	nextID map[string]int
	log    dp.Logger
}

var _ dp.DataProvider = (*Provider)(nil)

// New returns a provider seeded with data (resource -> records). Records
// without an id get one.
func New(data map[string][]dp.Record, logger dp.Logger) (*Provider, error) {
	if logger == nil {
		logger = dp.NopLogger{}
	}
	p := &Provider{
		data:   make(map[string]map[dp.Identifier]dp.Record),
		nextID: make(map[string]int),
		log:    logger,
	}
	for resource, recs := range data {
		for _, r := range recs {
			if _, err := p.insert(resource, r); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func notFound(resource string, id dp.Identifier) error {
	return dp.NewTransportError(http.StatusNotFound, fmt.Sprintf("%s %s not found", resource, id), nil)
}

func clone(r dp.Record) (dp.Record, error) {
	var out dp.Record
	if err := deepcopy.Copy(&out, &r); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Provider) insert(resource string, r dp.Record) (dp.Record, error) {
	rec, err := clone(r)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = dp.Record{}
	}
	recs := p.data[resource]
	if recs == nil {
		recs = make(map[dp.Identifier]dp.Record)
		p.data[resource] = recs
	}
	id := rec.ID()
	if id == "" {
		for {
			p.nextID[resource]++
			id = dp.Identifier(strconv.Itoa(p.nextID[resource]))
			if _, taken := recs[id]; !taken {
				break
			}
		}
		rec["id"] = string(id)
	} else if n, err := strconv.Atoi(string(id)); err == nil && n > p.nextID[resource] {
		p.nextID[resource] = n
	}
	recs[id] = rec
	return rec, nil
}

func (p *Provider) GetList(_ context.Context, resource string, params dp.GetListParams) (*dp.ListResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.query(resource, params.Filter, params.Sort, params.Pagination, nil)
}

func (p *Provider) GetManyReference(_ context.Context, resource string, params dp.GetManyReferenceParams) (*dp.ListResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ref := func(r dp.Record) bool { return matchesValue(r[params.Target], string(params.ID)) }
	return p.query(resource, params.Filter, params.Sort, params.Pagination, ref)
}

func (p *Provider) query(resource string, f dp.Filter, s dp.Sort, pg dp.Pagination, keep func(dp.Record) bool) (*dp.ListResult, error) {
	var matched []dp.Record
	for _, r := range p.data[resource] {
		if keep != nil && !keep(r) {
			continue
		}
		if !matches(r, f) {
			continue
		}
		matched = append(matched, r)
	}
	sortRecords(matched, s)
	total := len(matched)

	if pg.PerPage > 0 {
		page := pg.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * pg.PerPage
		if start > len(matched) {
			start = len(matched)
		}
		end := start + pg.PerPage
		if end > len(matched) {
			end = len(matched)
		}
		matched = matched[start:end]
	}

	out := make([]dp.Record, 0, len(matched))
	for _, r := range matched {
		c, err := clone(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return &dp.ListResult{Data: out, Total: total}, nil
}

func (p *Provider) GetOne(_ context.Context, resource string, params dp.GetOneParams) (*dp.RecordResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.data[resource][params.ID]
	if !ok {
		return nil, notFound(resource, params.ID)
	}
	c, err := clone(r)
	if err != nil {
		return nil, err
	}
	return &dp.RecordResult{Data: c}, nil
}

// GetMany returns the records that exist, in the order of params.IDs.
func (p *Provider) GetMany(_ context.Context, resource string, params dp.GetManyParams) (*dp.RecordsResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]dp.Record, 0, len(params.IDs))
	for _, id := range params.IDs {
		r, ok := p.data[resource][id]
		if !ok {
			continue
		}
		c, err := clone(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return &dp.RecordsResult{Data: out}, nil
}

func (p *Provider) Create(_ context.Context, resource string, params dp.CreateParams) (*dp.RecordResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id := params.Data.ID(); id != "" {
		if _, exists := p.data[resource][id]; exists {
			return nil, dp.NewTransportError(http.StatusConflict, fmt.Sprintf("%s %s already exists", resource, id), nil)
		}
	}
	rec, err := p.insert(resource, params.Data)
	if err != nil {
		return nil, err
	}
	c, err := clone(rec)
	if err != nil {
		return nil, err
	}
	p.log.Debug("record created", dp.Fields{"resource": resource, "id": rec.ID()})
	return &dp.RecordResult{Data: c}, nil
}

func (p *Provider) Update(_ context.Context, resource string, params dp.UpdateParams) (*dp.RecordResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, err := p.merge(resource, params.ID, params.Data)
	if err != nil {
		return nil, err
	}
	return &dp.RecordResult{Data: rec}, nil
}

func (p *Provider) UpdateMany(_ context.Context, resource string, params dp.UpdateManyParams) (*dp.IDsResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	done := make([]dp.Identifier, 0, len(params.IDs))
	for _, id := range params.IDs {
		if _, err := p.merge(resource, id, params.Data); err != nil {
			continue
		}
		done = append(done, id)
	}
	return &dp.IDsResult{Data: done}, nil
}

// merge applies data to the stored record and returns a copy of the result.
func (p *Provider) merge(resource string, id dp.Identifier, data dp.Record) (dp.Record, error) {
	r, ok := p.data[resource][id]
	if !ok {
		return nil, notFound(resource, id)
	}
	patch, err := clone(data)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		r[k] = v
	}
	return clone(r)
}

func (p *Provider) Delete(_ context.Context, resource string, params dp.DeleteParams) (*dp.RecordResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.data[resource][params.ID]
	if !ok {
		return nil, notFound(resource, params.ID)
	}
	delete(p.data[resource], params.ID)
	return &dp.RecordResult{Data: r}, nil
}

func (p *Provider) DeleteMany(_ context.Context, resource string, params dp.DeleteManyParams) (*dp.IDsResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	done := make([]dp.Identifier, 0, len(params.IDs))
	for _, id := range params.IDs {
		if _, ok := p.data[resource][id]; ok {
			delete(p.data[resource], id)
			done = append(done, id)
		}
	}
	return &dp.IDsResult{Data: done}, nil
}

// Len returns how many records resource holds.
func (p *Provider) Len(resource string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.data[resource])
}

func matches(r dp.Record, f dp.Filter) bool {
	for key, want := range f {
		if key == "q" {
			if !fullText(r, fmt.Sprint(want)) {
				return false
			}
			continue
		}
		field, op := splitOp(key)
		got := r[field]
		switch op {
		case "neq":
			if matchesValue(got, fmt.Sprint(want)) {
				return false
			}
		case "gt", "gte", "lt", "lte":
			c, ok := compare(got, want)
			if !ok {
				return false
			}
			if (op == "gt" && c <= 0) || (op == "gte" && c < 0) || (op == "lt" && c >= 0) || (op == "lte" && c > 0) {
				return false
			}
		case "q":
			if !strings.Contains(strings.ToLower(fmt.Sprint(got)), strings.ToLower(fmt.Sprint(want))) {
				return false
			}
		default:
			if !matchesAny(got, want) {
				return false
			}
		}
	}
	return true
}

func splitOp(key string) (field, op string) {
	for _, op := range []string{"neq", "gte", "gt", "lte", "lt", "q"} {
		if strings.HasSuffix(key, "_"+op) {
			return strings.TrimSuffix(key, "_"+op), op
		}
	}
	return key, ""
}

func matchesAny(got, want any) bool {
	switch w := want.(type) {
	case []any:
		for _, v := range w {
			if matchesValue(got, fmt.Sprint(v)) {
				return true
			}
		}
		return false
	case []string:
		for _, v := range w {
			if matchesValue(got, v) {
				return true
			}
		}
		return false
	}
	return matchesValue(got, fmt.Sprint(want))
}

// matchesValue compares after normalization, so 1, 1.0 and "1" are equal. A
// slice field matches if any element does.
func matchesValue(got any, want string) bool {
	if list, ok := got.([]any); ok {
		for _, v := range list {
			if dp.ID(v) == dp.Identifier(want) {
				return true
			}
		}
		return false
	}
	return dp.ID(got) == dp.Identifier(want)
}

func fullText(r dp.Record, q string) bool {
	q = strings.ToLower(q)
	for _, v := range r {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// compare orders numbers numerically and everything else as strings.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

func sortRecords(recs []dp.Record, s dp.Sort) {
	field := s.Field
	if field == "" {
		field = "id"
	}
	desc := strings.EqualFold(string(s.Order), string(dp.SortDesc))
	sort.SliceStable(recs, func(i, j int) bool {
		c, ok := compare(recs[i][field], recs[j][field])
		if !ok {
			// missing values sort last
			return recs[i][field] != nil && recs[j][field] == nil
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}
