package bookingapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/httpclient"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/protocol"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
)

func testCodec(t *testing.T) *protocol.Codec {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	codec, err := protocol.NewCodec(string(pemKey))
	if err != nil {
		t.Fatal(err)
	}
	return codec
}

func testAPI(t *testing.T, srv *httptest.Server) *API {
	t.Helper()
	client, err := httpclient.New(httpclient.Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	return New(Options{
		Client: client,
		Endpoints: Endpoints{
			CurrentUser: "/system/user/currentUser",
			VenueList:   "/venue/venuelist",
			VenueDetail: "/venue/queryVenueById",
			OpenDates:   "/venue/queryServiceTime",
			SlotQuery:   "/venue/personal/getOrderField",
			Order:       "/venue/personal/orderImmediately",
		},
		Codec: testCodec(t),
		Classifier: Classifier{
			FailureKeywords:   []string{"失败", "已满"},
			RateLimitKeywords: []string{"请求过于频繁"},
		},
	})
}

func TestFirstListKeyOrder(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"data", `{"data":[1,2]}`, 2},
		{"rows", `{"rows":[1]}`, 1},
		{"nested", `{"data":{"records":[1,2,3]}}`, 3},
		{"records", `{"total":5,"records":[1,2]}`, 2},
		{"none", `{"other":[1]}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m map[string]any
			if err := json.Unmarshal([]byte(tt.body), &m); err != nil {
				t.Fatal(err)
			}
			items, _ := firstList(m)
			if len(items) != tt.want {
				t.Fatalf("got %d items, want %d", len(items), tt.want)
			}
		})
	}
}

func TestQuerySlotsPriceListSchema(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[
			{"fieldName":"羽毛球1号","subSiteId":"77","priceList":[
				{"id":"s1","startTime":"18:00","endTime":"19:00","price":30,"count":2,"sign":"abc"},
				{"id":"s2","startTime":"19:00","endTime":"20:00","price":30,"count":0,"status":"2"}
			]},
			{"fieldName":"羽毛球2号","subSiteId":"78","priceList":[]}
		]}`))
	}))
	defer srv.Close()

	api := testAPI(t, srv)
	slots, err := api.QuerySlots(context.Background(), SlotQuery{VenueID: "1", FieldTypeID: "9", Date: "2026-09-01"})
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != 2 {
		t.Fatalf("got %d slots, want 2", len(slots))
	}
	if !slots[0].Available || slots[0].FieldName != "羽毛球1号" || slots[0].Remain != 2 {
		t.Fatalf("first slot parsed wrong: %+v", slots[0])
	}
	if slots[1].Available {
		t.Fatalf("sold-out slot should be unavailable: %+v", slots[1])
	}
}

func TestQuerySlotsFlatSchema(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"list":[{"slotId":"f1","start":"08:00","end":"09:00","remain":1,"fieldName":"场地A"}]}`))
	}))
	defer srv.Close()

	api := testAPI(t, srv)
	slots, err := api.QuerySlots(context.Background(), SlotQuery{VenueID: "1", FieldTypeID: "9", Date: "2026-09-01"})
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != 1 || slots[0].ID != "f1" || !slots[0].Available {
		t.Fatalf("flat schema parsed wrong: %+v", slots)
	}
}

func TestCheckLogin(t *testing.T) {
	authed := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authed {
			w.Write([]byte(`{"data":{"username":"stu001","nickname":"张三"}}`))
			return
		}
		w.Write([]byte(`{"code":401,"msg":"未登录"}`))
	}))
	defer srv.Close()

	api := testAPI(t, srv)
	user, ok, err := api.CheckLogin(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected authenticated, got ok=%v err=%v", ok, err)
	}
	if user["username"] != "stu001" {
		t.Fatalf("user payload not flattened: %v", user)
	}

	authed = false
	_, ok, err = api.CheckLogin(context.Background())
	if err != nil || ok {
		t.Fatalf("expected unauthenticated, got ok=%v err=%v", ok, err)
	}
}

func TestCheckLogin401IsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":401,"msg":"未登录"}`))
	}))
	defer srv.Close()

	api := testAPI(t, srv)
	_, ok, err := api.CheckLogin(context.Background())
	if err != nil {
		t.Fatalf("401 should report a dead session, not an error: %v", err)
	}
	if ok {
		t.Fatal("401 reported as authenticated")
	}
}

func intent() models.OrderIntent {
	return models.OrderIntent{
		VenueID:     "1",
		FieldTypeID: "9",
		Date:        "2026-09-01",
		SlotID:      "s1",
		Start:       "18:00",
		End:         "19:00",
		Price:       30,
		Sign:        "stale-sign",
	}
}

func TestSubmitOrderSuccess(t *testing.T) {
	var gotSid, gotTim string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSid = r.Header.Get("sid")
		gotTim = r.Header.Get("tim")
		w.Write([]byte(`{"code":0,"data":{"orderId":"ORD123"}}`))
	}))
	defer srv.Close()

	api := testAPI(t, srv)
	res, err := api.SubmitOrder(context.Background(), intent(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.OrderID != "ORD123" || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotSid == "" || gotTim == "" {
		t.Fatal("sid/tim headers missing on order request")
	}
}

func TestSubmitOrderNoOrderIDIsFailure(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"code":0,"msg":"ok"}`))
	}))
	defer srv.Close()

	api := testAPI(t, srv)
	_, err := api.SubmitOrder(context.Background(), intent(), nil)
	if err == nil || !apperrors.Is(err, apperrors.ErrBusiness) {
		t.Fatalf("want BusinessError when no order id comes back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("id-less response retried %d times", calls)
	}
}

func TestSubmitOrderNonZeroCodeIsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":200,"msg":"操作成功","orderId":"ORD1"}`))
	}))
	defer srv.Close()

	api := testAPI(t, srv)
	_, err := api.SubmitOrder(context.Background(), intent(), nil)
	if err == nil || !apperrors.Is(err, apperrors.ErrBusiness) {
		t.Fatalf("code 200 must not count as success, got %v", err)
	}
}

func TestSubmitOrderRetriesWithFreshSign(t *testing.T) {
	var calls int
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var buf [4096]byte
		n, _ := r.Body.Read(buf[:])
		lastBody = append([]byte(nil), buf[:n]...)
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"code":"0","orderId":"ORD9"}`))
	}))
	defer srv.Close()

	api := testAPI(t, srv)
	refreshed := 0
	res, err := api.SubmitOrder(context.Background(), intent(), func(ctx context.Context) (string, error) {
		refreshed++
		return "fresh-sign", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 2 || res.OrderID != "ORD9" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if refreshed != 1 {
		t.Fatalf("refresher called %d times, want 1", refreshed)
	}
	if len(lastBody) == 0 {
		t.Fatal("order body was empty")
	}
}

func TestSubmitOrderBusinessFailureNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"code":500,"msg":"该场地已满"}`))
	}))
	defer srv.Close()

	api := testAPI(t, srv)
	_, err := api.SubmitOrder(context.Background(), intent(), nil)
	if err == nil || !apperrors.Is(err, apperrors.ErrBusiness) {
		t.Fatalf("want BusinessError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("business failure retried %d times", calls)
	}
}

func TestSubmitOrderRateLimitClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":429,"msg":"请求过于频繁，请稍后再试"}`))
	}))
	defer srv.Close()

	api := testAPI(t, srv)
	_, err := api.SubmitOrder(context.Background(), intent(), nil)
	if err == nil {
		t.Fatal("want error")
	}
	// rate limits are retriable; after exhausting retries the final error
	// still reports the rate-limit category through the wrapped message
	if !apperrors.Is(err, apperrors.ErrBusiness) {
		t.Fatalf("want business-kind error, got %v", err)
	}
}

func TestListVenuesTolerantKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.PostFormValue("flag") != "0" {
			t.Errorf("flag param missing")
		}
		w.Write([]byte(`{"rows":[{"venueId":101,"venueName":"霍英东体育中心"},{"name":"子衿街活动中心"}]}`))
	}))
	defer srv.Close()

	api := testAPI(t, srv)
	venues, err := api.ListVenues(context.Background(), "体育", 1, 50)
	if err != nil {
		t.Fatal(err)
	}
	// the second row has no id and is dropped
	if len(venues) != 1 || venues[0].ID != "101" || venues[0].Name != "霍英东体育中心" {
		t.Fatalf("unexpected venues: %+v", venues)
	}
}

func TestListFieldTypes(t *testing.T) {
	detail := map[string]any{
		"fieldTypeList": []any{
			map[string]any{"id": float64(9), "name": "羽毛球", "code": "YMQ"},
			map[string]any{"name": "missing id"},
		},
	}
	api := &API{}
	fts := api.ListFieldTypes(detail)
	if len(fts) != 1 || fts[0].ID != "9" || fts[0].Code != "YMQ" {
		t.Fatalf("unexpected field types: %+v", fts)
	}
}
