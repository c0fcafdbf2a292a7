package store

import (
	"context"
	"errors"
	"fmt"

	"landlot/metrics"
)

func UpdateMetrics(ctx context.Context, s Store) error {
	auctions, err := s.ListAuctions(ctx, AuctionFilter{})
	if err != nil {
		return fmt.Errorf("list auctions: %w", err)
	}

	var (
		open    int
		noBids  int
		sizeSum float64
	)

	for _, a := range auctions {
		sizeSum += a.Size
		if !a.Closed {
			open++
		}

		if _, err := s.TailBid(ctx, a.ID); errors.Is(err, ErrNotFound) {
			noBids++
		} else if err != nil {
			return fmt.Errorf("tail bid for %s: %w", a.ID, err)
		}
	}

	metrics.LotsTotal.Set(float64(len(auctions)))
	metrics.LotsOpen.Set(float64(open))
	metrics.LotsWithoutBids.Set(float64(noBids))
	metrics.LotSizeTotal.Set(sizeSum)

	return nil
}
