package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"landlot/store"

	"github.com/gofrs/uuid"
)

// Store is an in-memory store.Store for tests and local development. A
// single mutex guards all data, and Transact holds it for the duration
// of the callback, so transactions are serialized rather than
// concurrent. There is no rollback: a callback that fails midway leaves
// its earlier writes in place.
type Store struct {
	mu   sync.Mutex
	data *data
}

type data struct {
	auctions map[uuid.UUID]*store.Auction
	bids     map[uuid.UUID]*store.Bid
	chain    map[chainKey]uuid.UUID
	regions  map[uuid.UUID]*store.Region
}

// chainKey indexes bids by their predecessor pointer. A zero previous
// stands for a chain-opening bid, so at most one bid per auction can
// open the chain and at most one can follow any given bid.
type chainKey struct {
	auctionID uuid.UUID
	previous  uuid.UUID
}

func keyFor(b *store.Bid) chainKey {
	k := chainKey{auctionID: b.AuctionID}
	if b.PreviousBidID.Valid {
		k.previous = b.PreviousBidID.UUID
	}
	return k
}

var _ store.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		data: &data{
			auctions: map[uuid.UUID]*store.Auction{},
			bids:     map[uuid.UUID]*store.Bid{},
			chain:    map[chainKey]uuid.UUID{},
			regions:  map[uuid.UUID]*store.Region{},
		},
	}
}

func (s *Store) Transact(ctx context.Context, f func(store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return f(&txStore{data: s.data})
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) InsertAuction(ctx context.Context, a *store.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.insertAuction(a)
}

func (s *Store) SelectAuction(ctx context.Context, id uuid.UUID) (*store.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.selectAuction(id)
}

func (s *Store) UpdateAuction(ctx context.Context, a *store.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateAuction(a)
}

func (s *Store) DeleteAuction(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.deleteAuction(id)
}

func (s *Store) ListAuctions(ctx context.Context, f store.AuctionFilter) ([]*store.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listAuctions(f)
}

func (s *Store) CloseAuctions(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.closeAuctions(now)
}

func (s *Store) InsertBid(ctx context.Context, b *store.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.insertBid(b)
}

func (s *Store) SelectBid(ctx context.Context, id uuid.UUID) (*store.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.selectBid(id)
}

func (s *Store) DeleteBid(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.deleteBid(id)
}

func (s *Store) UpdateBids(ctx context.Context, bids ...*store.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateBids(bids...)
}

func (s *Store) ListBids(ctx context.Context, auctionID uuid.UUID) ([]*store.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listBids(auctionID)
}

func (s *Store) TailBid(ctx context.Context, auctionID uuid.UUID) (*store.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.tailBid(auctionID)
}

func (s *Store) UpsertRegion(ctx context.Context, r *store.Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.upsertRegion(r)
}

func (s *Store) SelectRegion(ctx context.Context, id uuid.UUID) (*store.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.selectRegion(id)
}

func (s *Store) ListRegions(ctx context.Context) ([]*store.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listRegions()
}

// txStore is the view handed to Transact callbacks. The outer Store
// already holds the mutex, so methods operate on the data directly.
type txStore struct {
	data *data
}

var _ store.Store = (*txStore)(nil)

func (s *txStore) Transact(ctx context.Context, f func(store.Store) error) error {
	return f(s)
}

func (s *txStore) Ping(ctx context.Context) error { return nil }

func (s *txStore) InsertAuction(ctx context.Context, a *store.Auction) error {
	return s.data.insertAuction(a)
}

func (s *txStore) SelectAuction(ctx context.Context, id uuid.UUID) (*store.Auction, error) {
	return s.data.selectAuction(id)
}

func (s *txStore) UpdateAuction(ctx context.Context, a *store.Auction) error {
	return s.data.updateAuction(a)
}

func (s *txStore) DeleteAuction(ctx context.Context, id uuid.UUID) error {
	return s.data.deleteAuction(id)
}

func (s *txStore) ListAuctions(ctx context.Context, f store.AuctionFilter) ([]*store.Auction, error) {
	return s.data.listAuctions(f)
}

func (s *txStore) CloseAuctions(ctx context.Context, now time.Time) (int64, error) {
	return s.data.closeAuctions(now)
}

func (s *txStore) InsertBid(ctx context.Context, b *store.Bid) error {
	return s.data.insertBid(b)
}

func (s *txStore) SelectBid(ctx context.Context, id uuid.UUID) (*store.Bid, error) {
	return s.data.selectBid(id)
}

func (s *txStore) DeleteBid(ctx context.Context, id uuid.UUID) error {
	return s.data.deleteBid(id)
}

func (s *txStore) UpdateBids(ctx context.Context, bids ...*store.Bid) error {
	return s.data.updateBids(bids...)
}

func (s *txStore) ListBids(ctx context.Context, auctionID uuid.UUID) ([]*store.Bid, error) {
	return s.data.listBids(auctionID)
}

func (s *txStore) TailBid(ctx context.Context, auctionID uuid.UUID) (*store.Bid, error) {
	return s.data.tailBid(auctionID)
}

func (s *txStore) UpsertRegion(ctx context.Context, r *store.Region) error {
	return s.data.upsertRegion(r)
}

func (s *txStore) SelectRegion(ctx context.Context, id uuid.UUID) (*store.Region, error) {
	return s.data.selectRegion(id)
}

func (s *txStore) ListRegions(ctx context.Context) ([]*store.Region, error) {
	return s.data.listRegions()
}

//
//
//

func (d *data) insertAuction(a *store.Auction) error {
	if a.ID.IsNil() {
		var err error
		if a.ID, err = uuid.NewV4(); err != nil {
			return fmt.Errorf("generate auction ID: %w", err)
		}
	}

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	newAuction := *a
	d.auctions[a.ID] = &newAuction

	return nil
}

func (d *data) selectAuction(id uuid.UUID) (*store.Auction, error) {
	a, ok := d.auctions[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	aa := *a
	return &aa, nil
}

func (d *data) updateAuction(a *store.Auction) error {
	existing, ok := d.auctions[a.ID]
	if !ok {
		return store.ErrNotFound
	}

	existing.CadNumber = a.CadNumber
	existing.Size = a.Size
	existing.RegionID = a.RegionID
	existing.StartDate = a.StartDate
	existing.DurationHours = a.DurationHours
	existing.Closed = a.Closed
	existing.UpdatedAt = time.Now().UTC()

	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = existing.UpdatedAt

	return nil
}

func (d *data) deleteAuction(id uuid.UUID) error {
	if _, ok := d.auctions[id]; !ok {
		return store.ErrNotFound
	}

	delete(d.auctions, id)

	for bidID, b := range d.bids {
		if b.AuctionID == id {
			delete(d.chain, keyFor(b))
			delete(d.bids, bidID)
		}
	}

	return nil
}

func (d *data) listAuctions(f store.AuctionFilter) ([]*store.Auction, error) {
	var as []*store.Auction
	for _, a := range d.auctions {
		if f.RegionID.Valid && a.RegionID != f.RegionID.UUID {
			continue
		}
		if f.MinSize != nil && a.Size < *f.MinSize {
			continue
		}
		if f.MaxSize != nil && a.Size > *f.MaxSize {
			continue
		}
		aa := *a
		as = append(as, &aa)
	}

	sort.SliceStable(as, func(i, j int) bool {
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.Before(as[j].CreatedAt)
		}
		return as[i].ID.String() < as[j].ID.String()
	})

	return as, nil
}

func (d *data) closeAuctions(now time.Time) (int64, error) {
	var n int64
	for _, a := range d.auctions {
		if a.Closed || !a.Deadline().Before(now) {
			continue
		}
		a.Closed = true
		a.UpdatedAt = now.UTC()
		n++
	}
	return n, nil
}

func (d *data) insertBid(b *store.Bid) error {
	if b.ID.IsNil() {
		var err error
		if b.ID, err = uuid.NewV4(); err != nil {
			return fmt.Errorf("generate bid ID: %w", err)
		}
	}

	key := keyFor(b)
	if _, taken := d.chain[key]; taken {
		return store.ErrChainConflict
	}

	b.CreatedAt = time.Now().UTC()

	newBid := *b
	d.bids[b.ID] = &newBid
	d.chain[key] = b.ID

	return nil
}

func (d *data) selectBid(id uuid.UUID) (*store.Bid, error) {
	b, ok := d.bids[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	bb := *b
	return &bb, nil
}

func (d *data) deleteBid(id uuid.UUID) error {
	b, ok := d.bids[id]
	if !ok {
		return store.ErrNotFound
	}

	delete(d.chain, keyFor(b))
	delete(d.bids, id)

	return nil
}

func (d *data) updateBids(bids ...*store.Bid) error {
	for _, b := range bids {
		existing, ok := d.bids[b.ID]
		if !ok {
			return store.ErrNotFound
		}

		if existing.PreviousBidID == b.PreviousBidID {
			continue
		}

		key := keyFor(b)
		if holder, taken := d.chain[key]; taken && holder != b.ID {
			return store.ErrChainConflict
		}

		delete(d.chain, keyFor(existing))
		existing.PreviousBidID = b.PreviousBidID
		d.chain[key] = b.ID
	}

	return nil
}

func (d *data) listBids(auctionID uuid.UUID) ([]*store.Bid, error) {
	var bs []*store.Bid
	for _, b := range d.bids {
		if b.AuctionID == auctionID {
			bb := *b
			bs = append(bs, &bb)
		}
	}

	sort.SliceStable(bs, func(i, j int) bool {
		if !bs[i].BidTime.Equal(bs[j].BidTime) {
			return bs[i].BidTime.Before(bs[j].BidTime)
		}
		return bs[i].CreatedAt.Before(bs[j].CreatedAt)
	})

	return bs, nil
}

func (d *data) tailBid(auctionID uuid.UUID) (*store.Bid, error) {
	bs, err := d.listBids(auctionID)
	if err != nil {
		return nil, err
	}
	if len(bs) == 0 {
		return nil, store.ErrNotFound
	}
	return bs[len(bs)-1], nil
}

func (d *data) upsertRegion(r *store.Region) error {
	now := time.Now().UTC()

	if r.ID.IsNil() {
		var err error
		if r.ID, err = uuid.NewV4(); err != nil {
			return fmt.Errorf("generate region ID: %w", err)
		}
	}

	if existing, ok := d.regions[r.ID]; ok {
		existing.Name = r.Name
		existing.UpdatedAt = now
		r.CreatedAt = existing.CreatedAt
		r.UpdatedAt = existing.UpdatedAt
		return nil
	}

	r.CreatedAt = now
	r.UpdatedAt = now
	newRegion := *r
	d.regions[r.ID] = &newRegion

	return nil
}

func (d *data) selectRegion(id uuid.UUID) (*store.Region, error) {
	r, ok := d.regions[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	rr := *r
	return &rr, nil
}

func (d *data) listRegions() ([]*store.Region, error) {
	rs := make([]*store.Region, 0, len(d.regions))
	for _, r := range d.regions {
		rr := *r
		rs = append(rs, &rr)
	}

	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Name != rs[j].Name {
			return rs[i].Name < rs[j].Name
		}
		return rs[i].ID.String() < rs[j].ID.String()
	})

	return rs, nil
}
