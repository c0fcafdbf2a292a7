package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"landlot/api"
	"landlot/auction"
	"landlot/store/memstore"
	"landlot/store/storetest"

	"github.com/go-kit/log"
	"github.com/gofrs/uuid"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	var (
		testStore = memstore.NewStore()
		logger    = log.NewNopLogger()
		service   = auction.NewCoreService(testStore, logger)
		handler   = api.NewHandler(service, logger)
	)

	server := httptest.NewServer(handler)
	t.Cleanup(func() { server.Close() })

	return server
}

func doJSON(t *testing.T, method, url string, caller uuid.UUID, body string, out any) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("content-type", "application/json")
	if caller != uuid.Nil {
		req.Header.Set(api.UserIDHeaderKey, caller.String())
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}

	return resp
}

func TestHandlerAuctionLifecycle(t *testing.T) {
	server := newTestServer(t)

	var (
		owner   = storetest.NewID(t)
		bidderB = storetest.NewID(t)
		bidderC = storetest.NewID(t)
	)

	var region struct {
		ID uuid.UUID `json:"id"`
	}
	resp := doJSON(t, "POST", server.URL+"/v0/regions", owner, `{"name": "leningrad oblast"}`, &region)
	if want, have := http.StatusCreated, resp.StatusCode; want != have {
		t.Fatalf("create region: want %d, have %d", want, have)
	}

	var lot struct {
		ID           uuid.UUID `json:"id"`
		OwnerID      uuid.UUID `json:"owner_id"`
		CurrentPrice float64   `json:"current_price"`
	}
	body := fmt.Sprintf(`{"cad_number": %q, "size": 2.5, "region_id": %q, "duration_hours": 24}`, storetest.CadNumber, region.ID)
	resp = doJSON(t, "POST", server.URL+"/v0/auctions", owner, body, &lot)
	if want, have := http.StatusCreated, resp.StatusCode; want != have {
		t.Fatalf("create auction: want %d, have %d", want, have)
	}
	if want, have := owner, lot.OwnerID; want != have {
		t.Fatalf("owner: want %s, have %s", want, have)
	}

	t.Run("owner bid forbidden", func(t *testing.T) {
		body := fmt.Sprintf(`{"auction_id": %q, "price": 100}`, lot.ID)
		resp := doJSON(t, "POST", server.URL+"/v0/bids", owner, body, nil)
		if want, have := http.StatusForbidden, resp.StatusCode; want != have {
			t.Fatalf("want %d, have %d", want, have)
		}
	})

	var bidB struct {
		ID uuid.UUID `json:"id"`
	}

	t.Run("bid accepted", func(t *testing.T) {
		body := fmt.Sprintf(`{"auction_id": %q, "price": 100}`, lot.ID)
		resp := doJSON(t, "POST", server.URL+"/v0/bids", bidderB, body, &bidB)
		if want, have := http.StatusCreated, resp.StatusCode; want != have {
			t.Fatalf("want %d, have %d", want, have)
		}
	})

	t.Run("consecutive bid rejected", func(t *testing.T) {
		body := fmt.Sprintf(`{"auction_id": %q, "price": 120}`, lot.ID)
		resp := doJSON(t, "POST", server.URL+"/v0/bids", bidderB, body, nil)
		if want, have := http.StatusBadRequest, resp.StatusCode; want != have {
			t.Fatalf("want %d, have %d", want, have)
		}
	})

	t.Run("outbid and current price", func(t *testing.T) {
		body := fmt.Sprintf(`{"auction_id": %q, "price": 150}`, lot.ID)
		resp := doJSON(t, "POST", server.URL+"/v0/bids", bidderC, body, nil)
		if want, have := http.StatusCreated, resp.StatusCode; want != have {
			t.Fatalf("want %d, have %d", want, have)
		}

		var a struct {
			CurrentPrice float64 `json:"current_price"`
		}
		doJSON(t, "GET", server.URL+"/v0/auctions/"+lot.ID.String(), uuid.Nil, "", &a)
		if want, have := 150.0, a.CurrentPrice; want != have {
			t.Fatalf("current price: want %v, have %v", want, have)
		}
	})

	t.Run("withdraw by stranger forbidden", func(t *testing.T) {
		resp := doJSON(t, "DELETE", server.URL+"/v0/bids/"+bidB.ID.String(), bidderC, "", nil)
		if want, have := http.StatusForbidden, resp.StatusCode; want != have {
			t.Fatalf("want %d, have %d", want, have)
		}
	})

	t.Run("withdraw by author", func(t *testing.T) {
		resp := doJSON(t, "DELETE", server.URL+"/v0/bids/"+bidB.ID.String(), bidderB, "", nil)
		if want, have := http.StatusOK, resp.StatusCode; want != have {
			t.Fatalf("want %d, have %d", want, have)
		}

		var bids []struct {
			ID            uuid.UUID     `json:"id"`
			PreviousBidID uuid.NullUUID `json:"previous_bid_id"`
		}
		doJSON(t, "GET", server.URL+"/v0/bids?auction_id="+lot.ID.String(), uuid.Nil, "", &bids)
		if want, have := 1, len(bids); want != have {
			t.Fatalf("surviving bids: want %d, have %d", want, have)
		}
		if bids[0].PreviousBidID.Valid {
			t.Fatalf("survivor should open the chain, has predecessor %s", bids[0].PreviousBidID.UUID)
		}
	})

	t.Run("patch by non-owner forbidden", func(t *testing.T) {
		resp := doJSON(t, "PATCH", server.URL+"/v0/auctions/"+lot.ID.String(), bidderB, `{"size": 3}`, nil)
		if want, have := http.StatusForbidden, resp.StatusCode; want != have {
			t.Fatalf("want %d, have %d", want, have)
		}
	})

	t.Run("patch by owner", func(t *testing.T) {
		var patched struct {
			Size float64 `json:"size"`
		}
		resp := doJSON(t, "PATCH", server.URL+"/v0/auctions/"+lot.ID.String(), owner, `{"size": 3}`, &patched)
		if want, have := http.StatusOK, resp.StatusCode; want != have {
			t.Fatalf("want %d, have %d", want, have)
		}
		if want, have := 3.0, patched.Size; want != have {
			t.Fatalf("size: want %v, have %v", want, have)
		}
	})

	t.Run("statistics", func(t *testing.T) {
		var stats struct {
			TotalLots      int `json:"total_lots"`
			ActiveLots     int `json:"active_lots"`
			AvgClosedPrice any `json:"avg_closed_price"`
		}
		resp := doJSON(t, "GET", server.URL+"/v0/statistics", uuid.Nil, "", &stats)
		if want, have := http.StatusOK, resp.StatusCode; want != have {
			t.Fatalf("want %d, have %d", want, have)
		}
		if want, have := 1, stats.TotalLots; want != have {
			t.Fatalf("total lots: want %d, have %d", want, have)
		}
		if stats.AvgClosedPrice != nil {
			t.Fatalf("avg closed price: want null, have %v", stats.AvgClosedPrice)
		}
	})

	t.Run("sweep", func(t *testing.T) {
		var swept struct {
			ClosedCount int64 `json:"closed_count"`
		}
		resp := doJSON(t, "POST", server.URL+"/v0/sweep", uuid.Nil, "", &swept)
		if want, have := http.StatusOK, resp.StatusCode; want != have {
			t.Fatalf("want %d, have %d", want, have)
		}
		if want, have := int64(0), swept.ClosedCount; want != have {
			t.Fatalf("closed count: want %d, have %d", want, have)
		}
	})

	t.Run("missing identity", func(t *testing.T) {
		body := fmt.Sprintf(`{"auction_id": %q, "price": 100}`, lot.ID)
		resp := doJSON(t, "POST", server.URL+"/v0/bids", uuid.Nil, body, nil)
		if want, have := http.StatusBadRequest, resp.StatusCode; want != have {
			t.Fatalf("want %d, have %d", want, have)
		}
	})

	t.Run("bogus auction", func(t *testing.T) {
		resp := doJSON(t, "GET", server.URL+"/v0/auctions/"+storetest.NewID(t).String(), uuid.Nil, "", nil)
		if want, have := http.StatusNotFound, resp.StatusCode; want != have {
			t.Fatalf("want %d, have %d", want, have)
		}
	})
}

func TestHandlerServiceError(t *testing.T) {
	var (
		myErr   = errors.New("sigil error from service layer")
		service = auction.NewMockServiceErr(myErr)
		logger  = log.NewNopLogger()
		handler = api.NewHandler(service, logger)
	)

	server := httptest.NewServer(handler)
	t.Cleanup(func() { server.Close() })

	var body struct {
		Error      string `json:"error"`
		StatusCode int    `json:"status_code"`
	}
	resp := doJSON(t, "GET", server.URL+"/v0/statistics", uuid.Nil, "", &body)
	if want, have := http.StatusInternalServerError, resp.StatusCode; want != have {
		t.Fatalf("want %d, have %d", want, have)
	}
	if !strings.Contains(body.Error, myErr.Error()) {
		t.Fatalf("error body %q doesn't mention %q", body.Error, myErr)
	}
}
