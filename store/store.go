package store

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
)

type Store interface {
	Transact(context.Context, func(Store) error) error

	Ping(ctx context.Context) error

	InsertAuction(ctx context.Context, a *Auction) error
	SelectAuction(ctx context.Context, id uuid.UUID) (*Auction, error)
	UpdateAuction(ctx context.Context, a *Auction) error
	DeleteAuction(ctx context.Context, id uuid.UUID) error
	ListAuctions(ctx context.Context, f AuctionFilter) ([]*Auction, error)
	CloseAuctions(ctx context.Context, now time.Time) (int64, error)

	InsertBid(ctx context.Context, b *Bid) error
	SelectBid(ctx context.Context, id uuid.UUID) (*Bid, error)
	DeleteBid(ctx context.Context, id uuid.UUID) error
	UpdateBids(ctx context.Context, bids ...*Bid) error
	ListBids(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error)
	TailBid(ctx context.Context, auctionID uuid.UUID) (*Bid, error)

	UpsertRegion(ctx context.Context, r *Region) error
	SelectRegion(ctx context.Context, id uuid.UUID) (*Region, error)
	ListRegions(ctx context.Context) ([]*Region, error)
}
