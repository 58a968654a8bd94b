package dataprovider

import (
	"context"
	"fmt"
	"strconv"
)

// DataProvider is the CRUD contract every backend adapter satisfies.
// Reads must be side-effect free. Every method must return an error (never an
// error-shaped success) on transport failure; adapters should return
// *TransportError so callers can branch on Status.
type DataProvider interface {
	GetList(ctx context.Context, resource string, params GetListParams) (*ListResult, error)
	GetOne(ctx context.Context, resource string, params GetOneParams) (*RecordResult, error)
	GetMany(ctx context.Context, resource string, params GetManyParams) (*RecordsResult, error)
	GetManyReference(ctx context.Context, resource string, params GetManyReferenceParams) (*ListResult, error)

	Create(ctx context.Context, resource string, params CreateParams) (*RecordResult, error)
	Update(ctx context.Context, resource string, params UpdateParams) (*RecordResult, error)
	UpdateMany(ctx context.Context, resource string, params UpdateManyParams) (*IDsResult, error)
	Delete(ctx context.Context, resource string, params DeleteParams) (*RecordResult, error)
	DeleteMany(ctx context.Context, resource string, params DeleteManyParams) (*IDsResult, error)
}

// Method names one capability of the contract.
type Method string

const (
	MethodGetList          Method = "getList"
	MethodGetOne           Method = "getOne"
	MethodGetMany          Method = "getMany"
	MethodGetManyReference Method = "getManyReference"
	MethodCreate           Method = "create"
	MethodUpdate           Method = "update"
	MethodUpdateMany       Method = "updateMany"
	MethodDelete           Method = "delete"
	MethodDeleteMany       Method = "deleteMany"
)

// Methods lists every capability in declaration order.
var Methods = []Method{
	MethodGetList, MethodGetOne, MethodGetMany, MethodGetManyReference,
	MethodCreate, MethodUpdate, MethodUpdateMany, MethodDelete, MethodDeleteMany,
}

// IsWrite reports whether m mutates the backend.
func (m Method) IsWrite() bool {
	switch m {
	case MethodCreate, MethodUpdate, MethodUpdateMany, MethodDelete, MethodDeleteMany:
		return true
	}
	return false
}

// Identifier is a record id in canonical string form.
type Identifier string

// ID normalizes an id value of any scalar type. Codecs decode numbers as
// float64, int64 or uint64 depending on the format, so 1, 1.0 and "1" all map
// to Identifier("1").
func ID(v any) Identifier {
	switch x := v.(type) {
	case nil:
		return ""
	case Identifier:
		return x
	case string:
		return Identifier(x)
	case float64:
		return Identifier(strconv.FormatFloat(x, 'f', -1, 64))
	case float32:
		return Identifier(strconv.FormatFloat(float64(x), 'f', -1, 32))
	case int:
		return Identifier(strconv.Itoa(x))
	case int64:
		return Identifier(strconv.FormatInt(x, 10))
	case uint64:
		return Identifier(strconv.FormatUint(x, 10))
	default:
		return Identifier(fmt.Sprint(x))
	}
}

// IDs normalizes a list of ids.
func IDs(vs ...any) []Identifier {
	out := make([]Identifier, len(vs))
	for i, v := range vs {
		out[i] = ID(v)
	}
	return out
}

// Record is one item of a resource. The "id" field identifies it.
type Record map[string]any

// ID returns the normalized id of r.
func (r Record) ID() Identifier { return ID(r["id"]) }

// SortOrder is ASC or DESC.
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

type Sort struct {
	Field string    `json:"field" cbor:"field"`
	Order SortOrder `json:"order" cbor:"order"`
}

// Pagination is 1-based. PerPage <= 0 means no limit.
type Pagination struct {
	Page    int `json:"page" cbor:"page"`
	PerPage int `json:"perPage" cbor:"perPage"`
}

// Filter is an arbitrary field -> value mapping interpreted by the adapter.
type Filter map[string]any

type GetListParams struct {
	Pagination Pagination     `json:"pagination" cbor:"pagination"`
	Sort       Sort           `json:"sort" cbor:"sort"`
	Filter     Filter         `json:"filter,omitempty" cbor:"filter,omitempty"`
	Meta       map[string]any `json:"meta,omitempty" cbor:"meta,omitempty"`
}

type GetOneParams struct {
	ID   Identifier     `json:"id" cbor:"id"`
	Meta map[string]any `json:"meta,omitempty" cbor:"meta,omitempty"`
}

type GetManyParams struct {
	IDs  []Identifier   `json:"ids" cbor:"ids"`
	Meta map[string]any `json:"meta,omitempty" cbor:"meta,omitempty"`
}

// GetManyReferenceParams selects the records of a resource whose Target field
// equals ID. Source names the referencing field on the caller's side.
type GetManyReferenceParams struct {
	Target     string         `json:"target" cbor:"target"`
	Source     string         `json:"source,omitempty" cbor:"source,omitempty"`
	ID         Identifier     `json:"id" cbor:"id"`
	Pagination Pagination     `json:"pagination" cbor:"pagination"`
	Sort       Sort           `json:"sort" cbor:"sort"`
	Filter     Filter         `json:"filter,omitempty" cbor:"filter,omitempty"`
	Meta       map[string]any `json:"meta,omitempty" cbor:"meta,omitempty"`
}

type CreateParams struct {
	Data Record         `json:"data" cbor:"data"`
	Meta map[string]any `json:"meta,omitempty" cbor:"meta,omitempty"`
}

type UpdateParams struct {
	ID           Identifier     `json:"id" cbor:"id"`
	Data         Record         `json:"data" cbor:"data"`
	PreviousData Record         `json:"previousData,omitempty" cbor:"previousData,omitempty"`
	Meta         map[string]any `json:"meta,omitempty" cbor:"meta,omitempty"`
}

type UpdateManyParams struct {
	IDs  []Identifier   `json:"ids" cbor:"ids"`
	Data Record         `json:"data" cbor:"data"`
	Meta map[string]any `json:"meta,omitempty" cbor:"meta,omitempty"`
}

type DeleteParams struct {
	ID           Identifier     `json:"id" cbor:"id"`
	PreviousData Record         `json:"previousData,omitempty" cbor:"previousData,omitempty"`
	Meta         map[string]any `json:"meta,omitempty" cbor:"meta,omitempty"`
}

type DeleteManyParams struct {
	IDs  []Identifier   `json:"ids" cbor:"ids"`
	Meta map[string]any `json:"meta,omitempty" cbor:"meta,omitempty"`
}

// ListResult is returned by GetList and GetManyReference.
type ListResult struct {
	Data  []Record `json:"data"`
	Total int      `json:"total"`
}

type RecordResult struct {
	Data Record `json:"data"`
}

type RecordsResult struct {
	Data []Record `json:"data"`
}

type IDsResult struct {
	Data []Identifier `json:"data"`
}
