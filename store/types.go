package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid"
)

type Region struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Auction struct {
	ID            uuid.UUID
	CadNumber     string  // cadastral number, 0000000000:00:000:0000
	Size          float64 // hectares
	RegionID      uuid.UUID
	OwnerID       uuid.UUID
	StartDate     time.Time
	DurationHours int
	Closed        bool // the only field the lifecycle sweep may modify after creation
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Deadline is the instant the auction's bidding window ends.
func (a *Auction) Deadline() time.Time {
	return a.StartDate.Add(time.Duration(a.DurationHours) * time.Hour)
}

type Bid struct {
	ID        uuid.UUID
	AuctionID uuid.UUID
	BidderID  uuid.UUID
	Price     float64

	// PreviousBidID links the bid to its predecessor in the auction's
	// chain. Invalid (null) means the bid opened the chain. At most one
	// bid per auction may hold a given predecessor; the ledger is the
	// only writer of this field after creation.
	PreviousBidID uuid.NullUUID

	BidTime   time.Time
	CreatedAt time.Time
}

type AuctionFilter struct {
	RegionID uuid.NullUUID
	MinSize  *float64
	MaxSize  *float64
}

var (
	ErrNotFound = errors.New("not found")

	// ErrChainConflict reports that a bid insert lost the race for the
	// chain tail: another bid in the same auction already holds the
	// candidate's previous-bid pointer. Callers re-read the tail and
	// retry.
	ErrChainConflict = errors.New("bid chain conflict")
)
