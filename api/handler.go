package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"landlot/auction"
	"landlot/debug"

	"github.com/go-kit/log"
	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
)

// UserIDHeaderKey carries the authenticated caller identity, as set by
// the auth proxy in front of this service.
const UserIDHeaderKey = "X-User-ID"

var (
	ErrNoUserID     = errors.New("no user ID")
	ErrNoCadNumber  = errors.New("no cadastral number")
	ErrNoRegionID   = errors.New("no region ID")
	ErrNoAuctionID  = errors.New("no auction ID")
	ErrNoRegionName = errors.New("no region name")
)

type Handler struct {
	router  *mux.Router
	logger  log.Logger
	service auction.Service
	policy  *policy
}

func NewHandler(service auction.Service, logger log.Logger) *Handler {
	h := &Handler{
		router:  mux.NewRouter(),
		logger:  logger,
		service: service,
		policy:  &policy{now: time.Now},
	}

	h.router.Methods("GET").Path("/-/ping").HandlerFunc(h.handleGetPing)
	h.router.Methods("GET").Path("/-/panic").HandlerFunc(h.handleGetPanic)

	h.router.Methods("POST").Path("/v0/auctions").HandlerFunc(h.handlePostAuction)
	h.router.Methods("GET").Path("/v0/auctions").HandlerFunc(h.handleGetAuctions)
	h.router.Methods("GET").Path("/v0/auctions/{id}").HandlerFunc(h.handleGetAuction)
	h.router.Methods("PATCH").Path("/v0/auctions/{id}").HandlerFunc(h.handlePatchAuction)
	h.router.Methods("DELETE").Path("/v0/auctions/{id}").HandlerFunc(h.handleDeleteAuction)

	h.router.Methods("POST").Path("/v0/bids").HandlerFunc(h.handlePostBid)
	h.router.Methods("GET").Path("/v0/bids").HandlerFunc(h.handleGetBids)
	h.router.Methods("GET").Path("/v0/bids/{id}").HandlerFunc(h.handleGetBid)
	h.router.Methods("DELETE").Path("/v0/bids/{id}").HandlerFunc(h.handleDeleteBid)

	h.router.Methods("POST").Path("/v0/sweep").HandlerFunc(h.handlePostSweep)
	h.router.Methods("GET").Path("/v0/statistics").HandlerFunc(h.handleGetStatistics)

	h.router.Methods("POST").Path("/v0/regions").HandlerFunc(h.handlePostRegion)
	h.router.Methods("GET").Path("/v0/regions").HandlerFunc(h.handleGetRegions)
	h.router.Methods("GET").Path("/v0/regions/{id}").HandlerFunc(h.handleGetRegion)
	h.router.Methods("PUT").Path("/v0/regions/{id}").HandlerFunc(h.handlePutRegion)

	h.router.Use(
		corsHeadersMiddleware,
		debug.MetricsMiddleware,
		panicRecoveryMiddleware(h.logger), // should be after observability middlewares
		// the handler executes here
	)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func callerID(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(UserIDHeaderKey)
	if raw == "" {
		return uuid.Nil, ErrNoUserID
	}

	id, err := uuid.FromString(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", UserIDHeaderKey, err)
	}

	return id, nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	raw := mux.Vars(r)["id"]

	id, err := uuid.FromString(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse path ID %q: %w", raw, err)
	}

	return id, nil
}

//
//
//

func (h *Handler) handleGetPing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.service.Ping(ctx); err != nil {
		respondError(w, r, fmt.Errorf("ping: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	respondOK(w, r, struct{}{}, h.logger)
}

func (h *Handler) handleGetPanic(w http.ResponseWriter, r *http.Request) {
	panic("requested panic")
}

//
//
//

type auctionRequest struct {
	CadNumber     string     `json:"cad_number"`
	Size          float64    `json:"size"`
	RegionID      uuid.UUID  `json:"region_id"`
	StartDate     *time.Time `json:"start_date,omitempty"`
	DurationHours int        `json:"duration_hours"`
}

func (req *auctionRequest) validate() error {
	var merr multiError
	merr.addIf(req.CadNumber == "", ErrNoCadNumber)
	merr.addIf(req.RegionID == uuid.Nil, ErrNoRegionID)
	return merr.yield()
}

type auctionResponse struct {
	ID            uuid.UUID    `json:"id"`
	CadNumber     string       `json:"cad_number"`
	Size          float64      `json:"size"`
	RegionID      uuid.UUID    `json:"region_id"`
	OwnerID       uuid.UUID    `json:"owner_id"`
	StartDate     time.Time    `json:"start_date"`
	DurationHours int          `json:"duration_hours"`
	Closed        bool         `json:"closed"`
	CurrentPrice  float64      `json:"current_price"`
	LastBid       *bidResponse `json:"last_bid,omitempty"`
}

func makeAuctionResponse(a *auction.Auction, tail *auction.Bid) auctionResponse {
	resp := auctionResponse{
		ID:            a.ID,
		CadNumber:     a.CadNumber,
		Size:          a.Size,
		RegionID:      a.RegionID,
		OwnerID:       a.OwnerID,
		StartDate:     a.StartDate,
		DurationHours: a.DurationHours,
		Closed:        a.Closed,
	}

	if tail != nil {
		resp.CurrentPrice = tail.Price
		b := makeBidResponse(tail)
		resp.LastBid = &b
	}

	return resp
}

func (h *Handler) handlePostAuction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, err := callerID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest, h.logger)
		return
	}

	var req auctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, fmt.Errorf("decode auction request: %w", err), http.StatusBadRequest, h.logger)
		return
	}

	if err := req.validate(); err != nil {
		respondError(w, r, fmt.Errorf("request invalid: %w", err), http.StatusBadRequest, h.logger)
		return
	}

	a := &auction.Auction{
		CadNumber:     req.CadNumber,
		Size:          req.Size,
		RegionID:      req.RegionID,
		OwnerID:       owner,
		DurationHours: req.DurationHours,
	}
	if req.StartDate != nil {
		a.StartDate = *req.StartDate
	}

	created, err := h.service.CreateAuction(ctx, a)
	if err != nil {
		respondError(w, r, fmt.Errorf("create auction: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	respondCreated(w, r, makeAuctionResponse(created, nil), h.logger)
}

func parseAuctionFilter(r *http.Request) (auction.Filter, error) {
	var f auction.Filter

	values := r.URL.Query()

	if raw := values.Get("region_id"); raw != "" {
		id, err := uuid.FromString(raw)
		if err != nil {
			return f, fmt.Errorf("parse region_id %q: %w", raw, err)
		}
		f.RegionID = uuid.NullUUID{UUID: id, Valid: true}
	}

	if raw := values.Get("min_size"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return f, fmt.Errorf("parse min_size %q: %w", raw, err)
		}
		f.MinSize = &v
	}

	if raw := values.Get("max_size"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return f, fmt.Errorf("parse max_size %q: %w", raw, err)
		}
		f.MaxSize = &v
	}

	return f, nil
}

func (h *Handler) handleGetAuctions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, err := parseAuctionFilter(r)
	if err != nil {
		respondError(w, r, fmt.Errorf("request invalid: %w", err), http.StatusBadRequest, h.logger)
		return
	}

	auctions, err := h.service.ListAuctions(ctx, f)
	if err != nil {
		respondError(w, r, fmt.Errorf("list auctions: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	resp := make([]auctionResponse, 0, len(auctions))
	for _, a := range auctions {
		tail, err := h.service.LastBid(ctx, a.ID)
		if err != nil {
			respondError(w, r, fmt.Errorf("last bid for %s: %w", a.ID, err), http.StatusInternalServerError, h.logger)
			return
		}
		resp = append(resp, makeAuctionResponse(a, tail))
	}

	respondOK(w, r, resp, h.logger)
}

func (h *Handler) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := pathID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest, h.logger)
		return
	}

	a, err := h.service.Auction(ctx, id)
	if err != nil {
		respondError(w, r, fmt.Errorf("get auction: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	tail, err := h.service.LastBid(ctx, id)
	if err != nil {
		respondError(w, r, fmt.Errorf("last bid: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	respondOK(w, r, makeAuctionResponse(a, tail), h.logger)
}

type auctionPatchRequest struct {
	CadNumber     *string    `json:"cad_number,omitempty"`
	Size          *float64   `json:"size,omitempty"`
	RegionID      *uuid.UUID `json:"region_id,omitempty"`
	StartDate     *time.Time `json:"start_date,omitempty"`
	DurationHours *int       `json:"duration_hours,omitempty"`
}

func (h *Handler) handlePatchAuction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller, err := callerID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest, h.logger)
		return
	}

	id, err := pathID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest, h.logger)
		return
	}

	var req auctionPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, fmt.Errorf("decode auction patch: %w", err), http.StatusBadRequest, h.logger)
		return
	}

	a, err := h.service.Auction(ctx, id)
	if err != nil {
		respondError(w, r, fmt.Errorf("get auction: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	if err := h.policy.canModifyAuction(caller, a); err != nil {
		respondError(w, r, err, http.StatusForbidden, h.logger)
		return
	}

	updated, err := h.service.UpdateAuction(ctx, id, auction.LotUpdate{
		CadNumber:     req.CadNumber,
		Size:          req.Size,
		RegionID:      req.RegionID,
		StartDate:     req.StartDate,
		DurationHours: req.DurationHours,
	})
	if err != nil {
		respondError(w, r, fmt.Errorf("update auction: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	tail, err := h.service.LastBid(ctx, id)
	if err != nil {
		respondError(w, r, fmt.Errorf("last bid: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	respondOK(w, r, makeAuctionResponse(updated, tail), h.logger)
}

func (h *Handler) handleDeleteAuction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller, err := callerID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest, h.logger)
		return
	}

	id, err := pathID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest, h.logger)
		return
	}

	a, err := h.service.Auction(ctx, id)
	if err != nil {
		respondError(w, r, fmt.Errorf("get auction: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	if err := h.policy.canModifyAuction(caller, a); err != nil {
		respondError(w, r, err, http.StatusForbidden, h.logger)
		return
	}

	if err := h.service.DeleteAuction(ctx, id); err != nil {
		respondError(w, r, fmt.Errorf("delete auction: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	respondOK(w, r, struct{}{}, h.logger)
}

//
//
//

type bidRequest struct {
	AuctionID uuid.UUID `json:"auction_id"`
	Price     float64   `json:"price"`
}

func (req *bidRequest) validate() error {
	var merr multiError
	merr.addIf(req.AuctionID == uuid.Nil, ErrNoAuctionID)
	return merr.yield()
}

type bidResponse struct {
	ID            uuid.UUID     `json:"id"`
	AuctionID     uuid.UUID     `json:"auction_id"`
	BidderID      uuid.UUID     `json:"bidder_id"`
	Price         float64       `json:"price"`
	PreviousBidID uuid.NullUUID `json:"previous_bid_id"`
	BidTime       time.Time     `json:"bid_time"`
}

func makeBidResponse(b *auction.Bid) bidResponse {
	return bidResponse{
		ID:            b.ID,
		AuctionID:     b.AuctionID,
		BidderID:      b.BidderID,
		Price:         b.Price,
		PreviousBidID: b.PreviousBidID,
		BidTime:       b.BidTime,
	}
}

func (h *Handler) handlePostBid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	bidder, err := callerID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest, h.logger)
		return
	}

	var req bidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, fmt.Errorf("decode bid request: %w", err), http.StatusBadRequest, h.logger)
		return
	}

	if err := req.validate(); err != nil {
		respondError(w, r, fmt.Errorf("request invalid: %w", err), http.StatusBadRequest, h.logger)
		return
	}

	bid, err := h.service.PlaceBid(ctx, req.AuctionID, bidder, req.Price)
	if err != nil {
		respondError(w, r, fmt.Errorf("place bid on %s: %w", req.AuctionID, err), http.StatusInternalServerError, h.logger)
		return
	}

	respondCreated(w, r, makeBidResponse(bid), h.logger)
}

func (h *Handler) handleGetBids(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw := r.URL.Query().Get("auction_id")
	if raw == "" {
		respondError(w, r, fmt.Errorf("request invalid: %w", ErrNoAuctionID), http.StatusBadRequest, h.logger)
		return
	}

	auctionID, err := uuid.FromString(raw)
	if err != nil {
		respondError(w, r, fmt.Errorf("parse auction_id %q: %w", raw, err), http.StatusBadRequest, h.logger)
		return
	}

	bids, err := h.service.ListBids(ctx, auctionID)
	if err != nil {
		respondError(w, r, fmt.Errorf("list bids: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	resp := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		resp = append(resp, makeBidResponse(b))
	}

	respondOK(w, r, resp, h.logger)
}

func (h *Handler) handleGetBid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := pathID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest, h.logger)
		return
	}

	b, err := h.service.Bid(ctx, id)
	if err != nil {
		respondError(w, r, fmt.Errorf("get bid: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	respondOK(w, r, makeBidResponse(b), h.logger)
}

func (h *Handler) handleDeleteBid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller, err := callerID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest, h.logger)
		return
	}

	id, err := pathID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest, h.logger)
		return
	}

	b, err := h.service.Bid(ctx, id)
	if err != nil {
		respondError(w, r, fmt.Errorf("get bid: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	if err := h.policy.canWithdrawBid(caller, b); err != nil {
		respondError(w, r, err, http.StatusForbidden, h.logger)
		return
	}

	if err := h.service.WithdrawBid(ctx, id); err != nil {
		respondError(w, r, fmt.Errorf("withdraw bid: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	respondOK(w, r, struct{}{}, h.logger)
}

//
//
//

type sweepResponse struct {
	ClosedCount int64 `json:"closed_count"`
}

func (h *Handler) handlePostSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	n, err := h.service.CloseExpired(ctx)
	if err != nil {
		respondError(w, r, fmt.Errorf("close expired: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	respondOK(w, r, sweepResponse{ClosedCount: n}, h.logger)
}

func (h *Handler) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.service.Statistics(ctx)
	if err != nil {
		respondError(w, r, fmt.Errorf("statistics: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	respondOK(w, r, stats, h.logger)
}

//
//
//

type regionRequest struct {
	Name string `json:"name"`
}

func (req *regionRequest) validate() error {
	var merr multiError
	merr.addIf(req.Name == "", ErrNoRegionName)
	return merr.yield()
}

type regionResponse struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

func makeRegionResponse(r *auction.Region) regionResponse {
	return regionResponse{ID: r.ID, Name: r.Name}
}

func (h *Handler) handlePostRegion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req regionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, fmt.Errorf("decode region request: %w", err), http.StatusBadRequest, h.logger)
		return
	}

	if err := req.validate(); err != nil {
		respondError(w, r, fmt.Errorf("request invalid: %w", err), http.StatusBadRequest, h.logger)
		return
	}

	region, err := h.service.UpsertRegion(ctx, &auction.Region{Name: req.Name})
	if err != nil {
		respondError(w, r, fmt.Errorf("create region: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	respondCreated(w, r, makeRegionResponse(region), h.logger)
}

func (h *Handler) handleGetRegions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	regions, err := h.service.ListRegions(ctx)
	if err != nil {
		respondError(w, r, fmt.Errorf("list regions: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	resp := make([]regionResponse, 0, len(regions))
	for _, region := range regions {
		resp = append(resp, makeRegionResponse(region))
	}

	respondOK(w, r, resp, h.logger)
}

func (h *Handler) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := pathID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest, h.logger)
		return
	}

	region, err := h.service.Region(ctx, id)
	if err != nil {
		respondError(w, r, fmt.Errorf("get region: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	respondOK(w, r, makeRegionResponse(region), h.logger)
}

func (h *Handler) handlePutRegion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := pathID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest, h.logger)
		return
	}

	var req regionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, fmt.Errorf("decode region request: %w", err), http.StatusBadRequest, h.logger)
		return
	}

	if err := req.validate(); err != nil {
		respondError(w, r, fmt.Errorf("request invalid: %w", err), http.StatusBadRequest, h.logger)
		return
	}

	region, err := h.service.UpsertRegion(ctx, &auction.Region{ID: id, Name: req.Name})
	if err != nil {
		respondError(w, r, fmt.Errorf("update region: %w", err), http.StatusInternalServerError, h.logger)
		return
	}

	respondOK(w, r, makeRegionResponse(region), h.logger)
}

//
//
//

type multiError struct {
	merr *multierror.Error
}

func (m *multiError) addIf(b bool, err error) {
	if !b {
		return
	}

	if m.merr == nil {
		m.merr = &multierror.Error{ErrorFormat: joinErrorStrings}
	}

	m.merr = multierror.Append(m.merr, err)
}

func (m *multiError) yield() error {
	if m.merr == nil {
		return nil
	}

	return m.merr.ErrorOrNil()
}

func joinErrorStrings(errs []error) string {
	strs := make([]string, len(errs))
	for i := range errs {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "; ")
}
