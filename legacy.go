package dataprovider

import (
	"context"
	"fmt"
)

// Request types understood by single-entry-point providers.
const (
	GetList          = "GET_LIST"
	GetOne           = "GET_ONE"
	GetMany          = "GET_MANY"
	GetManyReference = "GET_MANY_REFERENCE"
	Create           = "CREATE"
	Update           = "UPDATE"
	UpdateMany       = "UPDATE_MANY"
	Delete           = "DELETE"
	DeleteMany       = "DELETE_MANY"
)

// LegacyTypes maps each method to the request type of the older API.
var LegacyTypes = map[Method]string{
	MethodGetList:          GetList,
	MethodGetOne:           GetOne,
	MethodGetMany:          GetMany,
	MethodGetManyReference: GetManyReference,
	MethodCreate:           Create,
	MethodUpdate:           Update,
	MethodUpdateMany:       UpdateMany,
	MethodDelete:           Delete,
	MethodDeleteMany:       DeleteMany,
}

// LegacyResponse is what a single-entry-point provider returns. Data is a
// record (Record or map[string]any) or a list of records or identifiers.
type LegacyResponse struct {
	Data  any
	Total int
}

// LegacyProvider is the older single-entry-point provider shape. params is one
// of the XxxParams structs of this package, passed by value.
type LegacyProvider func(ctx context.Context, typ, resource string, params any) (*LegacyResponse, error)

// ConvertLegacy adapts a LegacyProvider to DataProvider. No caching or retry
// happens here. Every failure is returned as *TransportError.
func ConvertLegacy(lp LegacyProvider) DataProvider {
	return legacyAdapter{call: lp}
}

type legacyAdapter struct {
	call LegacyProvider
}

func (a legacyAdapter) do(ctx context.Context, m Method, resource string, params any) (*LegacyResponse, error) {
	res, err := a.call(ctx, LegacyTypes[m], resource, params)
	if err != nil {
		return nil, NormalizeError(err)
	}
	if res == nil {
		return nil, shapeError(m, "no response")
	}
	return res, nil
}

func (a legacyAdapter) GetList(ctx context.Context, resource string, params GetListParams) (*ListResult, error) {
	return a.list(ctx, MethodGetList, resource, params)
}

func (a legacyAdapter) GetManyReference(ctx context.Context, resource string, params GetManyReferenceParams) (*ListResult, error) {
	return a.list(ctx, MethodGetManyReference, resource, params)
}

func (a legacyAdapter) list(ctx context.Context, m Method, resource string, params any) (*ListResult, error) {
	res, err := a.do(ctx, m, resource, params)
	if err != nil {
		return nil, err
	}
	recs, err := asRecords(m, res.Data)
	if err != nil {
		return nil, err
	}
	return &ListResult{Data: recs, Total: res.Total}, nil
}

func (a legacyAdapter) GetMany(ctx context.Context, resource string, params GetManyParams) (*RecordsResult, error) {
	res, err := a.do(ctx, MethodGetMany, resource, params)
	if err != nil {
		return nil, err
	}
	recs, err := asRecords(MethodGetMany, res.Data)
	if err != nil {
		return nil, err
	}
	return &RecordsResult{Data: recs}, nil
}

func (a legacyAdapter) GetOne(ctx context.Context, resource string, params GetOneParams) (*RecordResult, error) {
	return a.one(ctx, MethodGetOne, resource, params)
}

func (a legacyAdapter) Create(ctx context.Context, resource string, params CreateParams) (*RecordResult, error) {
	return a.one(ctx, MethodCreate, resource, params)
}

func (a legacyAdapter) Update(ctx context.Context, resource string, params UpdateParams) (*RecordResult, error) {
	return a.one(ctx, MethodUpdate, resource, params)
}

func (a legacyAdapter) Delete(ctx context.Context, resource string, params DeleteParams) (*RecordResult, error) {
	return a.one(ctx, MethodDelete, resource, params)
}

func (a legacyAdapter) one(ctx context.Context, m Method, resource string, params any) (*RecordResult, error) {
	res, err := a.do(ctx, m, resource, params)
	if err != nil {
		return nil, err
	}
	rec, err := asRecord(m, res.Data)
	if err != nil {
		return nil, err
	}
	return &RecordResult{Data: rec}, nil
}

func (a legacyAdapter) UpdateMany(ctx context.Context, resource string, params UpdateManyParams) (*IDsResult, error) {
	return a.ids(ctx, MethodUpdateMany, resource, params)
}

func (a legacyAdapter) DeleteMany(ctx context.Context, resource string, params DeleteManyParams) (*IDsResult, error) {
	return a.ids(ctx, MethodDeleteMany, resource, params)
}

func (a legacyAdapter) ids(ctx context.Context, m Method, resource string, params any) (*IDsResult, error) {
	res, err := a.do(ctx, m, resource, params)
	if err != nil {
		return nil, err
	}
	switch d := res.Data.(type) {
	case nil:
		return &IDsResult{}, nil
	case []Identifier:
		return &IDsResult{Data: d}, nil
	case []any:
		return &IDsResult{Data: IDs(d...)}, nil
	case []string:
		out := make([]Identifier, len(d))
		for i, s := range d {
			out[i] = Identifier(s)
		}
		return &IDsResult{Data: out}, nil
	}
	return nil, shapeError(m, fmt.Sprintf("want a list of ids, got %T", res.Data))
}

func asRecord(m Method, v any) (Record, error) {
	switch d := v.(type) {
	case Record:
		return d, nil
	case map[string]any:
		return Record(d), nil
	}
	return nil, shapeError(m, fmt.Sprintf("want a record, got %T", v))
}

func asRecords(m Method, v any) ([]Record, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case []Record:
		return d, nil
	case []map[string]any:
		out := make([]Record, len(d))
		for i, r := range d {
			out[i] = Record(r)
		}
		return out, nil
	case []any:
		out := make([]Record, len(d))
		for i, r := range d {
			rec, err := asRecord(m, r)
			if err != nil {
				return nil, err
			}
			out[i] = rec
		}
		return out, nil
	}
	return nil, shapeError(m, fmt.Sprintf("want a list of records, got %T", v))
}

func shapeError(m Method, msg string) *TransportError {
	return NewTransportError(StatusUnknown, fmt.Sprintf("legacy %s: %s", LegacyTypes[m], msg), nil)
}
