package rest

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"testing"

	"github.com/h2non/gock"

	dp "github.com/unkn0wn-root/dataprovider"
)

const api = "http://api.test"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	hc := &http.Client{}
	gock.InterceptClient(hc)
	t.Cleanup(func() {
		gock.RestoreClient(hc)
		gock.Off()
	})
	c, err := New(Options{
		BaseURL:    api + "/",
		HTTPClient: hc,
		Header:     http.Header{"Authorization": {"Bearer t0ken"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func pendingMocks(t *testing.T) {
	t.Helper()
	if !gock.IsDone() {
		t.Fatalf("unmatched mocks: %d", len(gock.Pending()))
	}
}

func TestGetListEncodesQueryAndReadsTotal(t *testing.T) {
	c := newTestClient(t)
	gock.New(api).
		Get("/posts").
		MatchHeader("Authorization", "Bearer t0ken").
		MatchParam("sort", regexp.QuoteMeta(`["title","DESC"]`)).
		MatchParam("range", regexp.QuoteMeta(`[10,19]`)).
		MatchParam("filter", regexp.QuoteMeta(`{"q":"go"}`)).
		Reply(200).
		SetHeader("Content-Range", "posts 10-11/42").
		JSON([]map[string]any{{"id": 11, "title": "b"}, {"id": 12, "title": "a"}})

	res, err := c.GetList(context.Background(), "posts", dp.GetListParams{
		Pagination: dp.Pagination{Page: 2, PerPage: 10},
		Sort:       dp.Sort{Field: "title", Order: dp.SortDesc},
		Filter:     dp.Filter{"q": "go"},
	})
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if res.Total != 42 || len(res.Data) != 2 || res.Data[0].ID() != "11" {
		t.Fatalf("GetList = %+v", res)
	}
	pendingMocks(t)
}

func TestGetListWithoutTotalFails(t *testing.T) {
	c := newTestClient(t)
	gock.New(api).Get("/posts").Reply(200).JSON([]any{})

	_, err := c.GetList(context.Background(), "posts", dp.GetListParams{})
	var te *dp.TransportError
	if !errors.As(err, &te) || te.Status != 0 {
		t.Fatalf("err = %v, want status 0", err)
	}
}

func TestXTotalCount(t *testing.T) {
	c := newTestClient(t)
	gock.New(api).Get("/comments").Reply(200).SetHeader("X-Total-Count", "7").JSON([]any{})

	res, err := c.GetList(context.Background(), "comments", dp.GetListParams{})
	if err != nil || res.Total != 7 {
		t.Fatalf("GetList = %+v, %v", res, err)
	}
}

func TestGetManyReferenceFiltersOnTarget(t *testing.T) {
	c := newTestClient(t)
	gock.New(api).
		Get("/comments").
		MatchParam("filter", regexp.QuoteMeta(`{"post_id":"5"}`)).
		Reply(200).
		SetHeader("Content-Range", "comments 0-0/1").
		JSON([]map[string]any{{"id": 1, "post_id": 5}})

	res, err := c.GetManyReference(context.Background(), "comments", dp.GetManyReferenceParams{Target: "post_id", ID: "5"})
	if err != nil || res.Total != 1 {
		t.Fatalf("GetManyReference = %+v, %v", res, err)
	}
	pendingMocks(t)
}

func TestGetOneAndMany(t *testing.T) {
	c := newTestClient(t)
	gock.New(api).Get("/posts/7").Reply(200).JSON(map[string]any{"id": 7, "title": "x"})
	gock.New(api).
		Get("/posts").
		MatchParam("filter", regexp.QuoteMeta(`{"id":["7","8"]}`)).
		Reply(200).
		JSON([]map[string]any{{"id": 7}, {"id": 8}})

	one, err := c.GetOne(context.Background(), "posts", dp.GetOneParams{ID: "7"})
	if err != nil || one.Data["title"] != "x" {
		t.Fatalf("GetOne = %+v, %v", one, err)
	}
	many, err := c.GetMany(context.Background(), "posts", dp.GetManyParams{IDs: dp.IDs(7, 8)})
	if err != nil || len(many.Data) != 2 {
		t.Fatalf("GetMany = %+v, %v", many, err)
	}
	pendingMocks(t)
}

func TestWrites(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	gock.New(api).Post("/posts").JSON(map[string]any{"title": "new"}).Reply(201).JSON(map[string]any{"id": 99})
	gock.New(api).Put("/posts/99").Reply(200).JSON(map[string]any{"id": 99, "title": "edited"})
	gock.New(api).Put("/posts/1").Reply(200).JSON(map[string]any{"id": 1})
	gock.New(api).Put("/posts/2").Reply(200).JSON(map[string]any{"id": 2})
	gock.New(api).Delete("/posts/99").Reply(204)
	gock.New(api).Delete("/posts/1").Reply(200).JSON(map[string]any{"id": 1})
	gock.New(api).Delete("/posts/2").Reply(200).JSON(map[string]any{"id": 2})

	created, err := c.Create(ctx, "posts", dp.CreateParams{Data: dp.Record{"title": "new"}})
	if err != nil || created.Data.ID() != "99" || created.Data["title"] != "new" {
		t.Fatalf("Create = %+v, %v", created, err)
	}
	updated, err := c.Update(ctx, "posts", dp.UpdateParams{ID: "99", Data: dp.Record{"title": "edited"}})
	if err != nil || updated.Data["title"] != "edited" {
		t.Fatalf("Update = %+v, %v", updated, err)
	}
	ids, err := c.UpdateMany(ctx, "posts", dp.UpdateManyParams{IDs: dp.IDs(1, 2), Data: dp.Record{"x": 1}})
	if err != nil || len(ids.Data) != 2 || ids.Data[1] != "2" {
		t.Fatalf("UpdateMany = %+v, %v", ids, err)
	}
	deleted, err := c.Delete(ctx, "posts", dp.DeleteParams{ID: "99"})
	if err != nil || deleted.Data.ID() != "99" {
		t.Fatalf("Delete = %+v, %v", deleted, err)
	}
	ids, err = c.DeleteMany(ctx, "posts", dp.DeleteManyParams{IDs: dp.IDs(1, 2)})
	if err != nil || len(ids.Data) != 2 {
		t.Fatalf("DeleteMany = %+v, %v", ids, err)
	}
	pendingMocks(t)
}

// ==============================
// Errors
// ==============================

func TestHTTPErrorCarriesStatusAndBody(t *testing.T) {
	c := newTestClient(t)
	gock.New(api).Put("/posts/1").Reply(400).JSON(map[string]any{
		"message": "invalid post",
		"errors":  map[string]any{"title": "required"},
	})

	_, err := c.Update(context.Background(), "posts", dp.UpdateParams{ID: "1", Data: dp.Record{}})
	var te *dp.TransportError
	if !errors.As(err, &te) || te.Status != 400 || te.Message != "invalid post" {
		t.Fatalf("err = %#v", err)
	}
	if v := dp.ValidationErrors(err); v["title"] != "required" {
		t.Fatalf("ValidationErrors = %v", v)
	}
}

func TestHTTPErrorWithoutJSON(t *testing.T) {
	c := newTestClient(t)
	gock.New(api).Get("/posts/1").Reply(500).BodyString("boom")

	_, err := c.GetOne(context.Background(), "posts", dp.GetOneParams{ID: "1"})
	var te *dp.TransportError
	if !errors.As(err, &te) || te.Status != 500 || te.Message != "Internal Server Error" || te.Body != "boom" {
		t.Fatalf("err = %#v", err)
	}
}

func TestNetworkErrorIsStatusZero(t *testing.T) {
	c := newTestClient(t)
	// no mock registered: the intercepting transport refuses the request
	_, err := c.GetOne(context.Background(), "posts", dp.GetOneParams{ID: "1"})
	var te *dp.TransportError
	if !errors.As(err, &te) || te.Status != 0 {
		t.Fatalf("err = %#v, want status 0", err)
	}
}

func TestShapeMismatch(t *testing.T) {
	c := newTestClient(t)
	gock.New(api).Get("/posts/1").Reply(200).JSON([]any{1, 2})

	_, err := c.GetOne(context.Background(), "posts", dp.GetOneParams{ID: "1"})
	if !dp.IsStatus(err, 0) {
		t.Fatalf("err = %v, want status 0", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("New without BaseURL succeeded")
	}
}
