package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"landlot/metrics"
	"landlot/store"
	"landlot/store/pgstore/migrations"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gofrs/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	pgx "github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jackc/tern/migrate"
	"github.com/prometheus/client_golang/prometheus"
)

type Store struct {
	db     connOrTx
	logger log.Logger
}

var _ store.Store = (*Store)(nil)

type connOrTx interface {
	Query(ctx context.Context, q string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, q string, args ...any) pgx.Row
	Exec(ctx context.Context, q string, args ...any) (pgconn.CommandTag, error)
}

func NewStore(ctx context.Context, connStr string, logger log.Logger) (_ *Store, err error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if config.MaxConnIdleTime == 0 {
		config.MaxConnIdleTime = 5 * time.Minute
	}

	if config.MaxConns == 0 {
		config.MaxConns = 4
	}

	if config.MinConns == 0 {
		config.MinConns = 1
	}

	if config.ConnConfig.ConnectTimeout == 0 {
		config.ConnConfig.ConnectTimeout = 5 * time.Second
	}

	config.ConnConfig.Logger = &pgDebugLogAdapter{
		Logger: log.With(logger, "submodule", "postgres"),
	}

	config.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
		level.Debug(logger).Log("event", "new db connection")

		for _, q := range []string{
			`set timezone='UTC'`,
			`set lock_timeout='5s'`,
			`set statement_timeout='5s'`,
		} {
			if _, err := c.Exec(ctx, q); err != nil {
				return fmt.Errorf("db connection setup query %q: %w", q, err)
			}
		}

		return nil
	}

	level.Debug(logger).Log("msg", "connecting")

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	{
		var (
			user = config.ConnConfig.User
			host = config.ConnConfig.Host
			name = config.ConnConfig.Database
			fn   = func() stat { return pool.Stat() }
			pc   = newPoolCollector(user, host, name, fn)
		)
		if err := prometheus.Register(pc); err != nil {
			return nil, fmt.Errorf("metrics registration failed: %w", err)
		}
	}

	defer func() {
		if err != nil {
			pool.Close()
		}
	}()

	if err = pool.AcquireFunc(ctx, func(c *pgxpool.Conn) error {
		return migrateDB(ctx, c.Conn(), logger)
	}); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return &Store{db: pool, logger: logger}, nil
}

func (s *Store) Close() error {
	switch x := s.db.(type) {
	case *pgx.Conn:
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return x.Close(ctx)
	case *pgxpool.Pool:
		x.Close()
		return nil
	case pgx.Tx:
		return nil
	default:
		return fmt.Errorf("close with unknown DB type %T", s.db)
	}
}

func migrateDB(ctx context.Context, conn *pgx.Conn, logger log.Logger) error {
	m, err := migrate.NewMigratorEx(ctx, conn, "public.schema_version", &migrate.MigratorOptions{
		MigratorFS: migrations.FS,
	})
	if err != nil {
		return fmt.Errorf("new migrator: %w", err)
	}

	if err = m.LoadMigrations("."); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	if err = m.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	level.Debug(logger).Log("msg", "migrations done")

	return nil
}

func (s *Store) Transact(ctx context.Context, f func(store.Store) error) error {
	retryable := func(err error) bool {
		if pgerr := &(pgconn.PgError{}); errors.As(err, &pgerr) {
			if pgerr.Code == "40001" { // concurrent updates
				return true
			}
		}
		return false
	}

	var err error
	for try, max := 1, 3; try <= max; try++ {
		err = s.transactDirect(ctx, f)
		switch {
		case err == nil:
			return nil
		case retryable(err):
			level.Debug(s.logger).Log("msg", "retrying serialization failure", "attempt", try, "max", max, "err", err)
		default:
			return err
		}
	}

	return err
}

func (s *Store) transactDirect(ctx context.Context, f func(store.Store) error) error {
	var entered time.Time
	defer func(begin time.Time) {
		if !entered.IsZero() {
			metrics.OpWait("pgstore_transactdirect", entered.Sub(begin))
		}
	}(time.Now())

	switch x := s.db.(type) {
	case *pgx.Conn:
		return x.BeginTxFunc(ctx, pgx.TxOptions{
			IsoLevel: pgx.Serializable,
		}, func(tx pgx.Tx) error {
			entered = time.Now()
			return f(&Store{
				db:     tx,
				logger: s.logger,
			})
		})

	case *pgxpool.Pool:
		return x.BeginTxFunc(ctx, pgx.TxOptions{
			IsoLevel: pgx.Serializable,
		}, func(tx pgx.Tx) error {
			entered = time.Now()
			return f(&Store{
				db:     tx,
				logger: s.logger,
			})
		})

	case pgx.Tx:
		return x.BeginFunc(ctx, func(tx pgx.Tx) error {
			entered = time.Now()
			return f(&Store{
				db:     tx,
				logger: s.logger,
			})
		})

	default:
		return fmt.Errorf("unknown DB type %T", s.db)
	}
}

func (s *Store) Ping(ctx context.Context) error {
	var n int
	return s.db.QueryRow(ctx, `select 1`).Scan(&n)
}

//
// auctions
//

const insertAuctionQuery = `
insert into auctions
(
	id,
	cad_number,
	size,
	region_id,
	owner_id,
	start_date,
	duration_hours,
	closed
)
values ($1, $2, $3, $4, $5, $6, $7, $8)
returning
	created_at,
	updated_at
`

func (s *Store) InsertAuction(ctx context.Context, a *store.Auction) error {
	if a.ID.IsNil() {
		var err error
		if a.ID, err = uuid.NewV4(); err != nil {
			return fmt.Errorf("generate auction ID: %w", err)
		}
	}

	err := s.db.QueryRow(ctx, insertAuctionQuery,
		a.ID,
		a.CadNumber,
		a.Size,
		a.RegionID,
		a.OwnerID,
		a.StartDate,
		a.DurationHours,
		a.Closed,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return convertError(err)
	}

	return nil
}

const selectAuctionQuery = `
select
	id,
	cad_number,
	size,
	region_id,
	owner_id,
	start_date,
	duration_hours,
	closed,
	created_at,
	updated_at
from
	auctions
where
	id = $1
`

func (s *Store) SelectAuction(ctx context.Context, id uuid.UUID) (*store.Auction, error) {
	var a store.Auction
	err := s.db.QueryRow(ctx, selectAuctionQuery, id).Scan(
		&a.ID,
		&a.CadNumber,
		&a.Size,
		&a.RegionID,
		&a.OwnerID,
		&a.StartDate,
		&a.DurationHours,
		&a.Closed,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, convertError(err)
	}
	return &a, nil
}

const updateAuctionQuery = `
update auctions
set
	cad_number     = $2,
	size           = $3,
	region_id      = $4,
	start_date     = $5,
	duration_hours = $6,
	closed         = $7,
	updated_at     = now()
where
	id = $1
returning
	created_at,
	updated_at
`

func (s *Store) UpdateAuction(ctx context.Context, a *store.Auction) error {
	err := s.db.QueryRow(ctx, updateAuctionQuery,
		a.ID,
		a.CadNumber,
		a.Size,
		a.RegionID,
		a.StartDate,
		a.DurationHours,
		a.Closed,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return convertError(err)
	}
	return nil
}

const deleteAuctionQuery = `delete from auctions where id = $1`

func (s *Store) DeleteAuction(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.Exec(ctx, deleteAuctionQuery, id)
	if err != nil {
		return fmt.Errorf("execute delete: %w", err)
	}

	if result.RowsAffected() != 1 {
		return store.ErrNotFound
	}

	return nil
}

const listAuctionsQuery = `
select
	id,
	cad_number,
	size,
	region_id,
	owner_id,
	start_date,
	duration_hours,
	closed,
	created_at,
	updated_at
from
	auctions
where
	($1::uuid is null or region_id = $1)
	and ($2::float8 is null or size >= $2)
	and ($3::float8 is null or size <= $3)
order by
	created_at asc, id asc
`

func (s *Store) ListAuctions(ctx context.Context, f store.AuctionFilter) ([]*store.Auction, error) {
	var regionID *uuid.UUID
	if f.RegionID.Valid {
		regionID = &f.RegionID.UUID
	}

	rows, err := s.db.Query(ctx, listAuctionsQuery, regionID, f.MinSize, f.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var as []*store.Auction
	for rows.Next() {
		var a store.Auction
		if err = rows.Scan(
			&a.ID,
			&a.CadNumber,
			&a.Size,
			&a.RegionID,
			&a.OwnerID,
			&a.StartDate,
			&a.DurationHours,
			&a.Closed,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		as = append(as, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan err: %w", err)
	}

	return as, nil
}

const closeAuctionsQuery = `
update auctions
set
	closed     = true,
	updated_at = $1
where
	not closed
	and (start_date + (duration_hours * interval '1 hour')) < $1
`

func (s *Store) CloseAuctions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.Exec(ctx, closeAuctionsQuery, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("close auctions: %w", err)
	}

	return result.RowsAffected(), nil
}

//
// bids
//

// insertBidQuery commits the bid only if its previous-bid slot in the
// auction's chain is still free. Zero rows back means the slot was
// taken between tail read and commit.
const insertBidQuery = `
insert into bids
(
	id,
	auction_id,
	bidder_id,
	price,
	previous_bid_id,
	bid_time
)
select $1, $2, $3, $4, $5, $6
where not exists (
	select 1 from bids
	where auction_id = $2 and previous_bid_id is not distinct from $5::uuid
)
returning
	created_at
`

func (s *Store) InsertBid(ctx context.Context, b *store.Bid) error {
	if b.ID.IsNil() {
		var err error
		if b.ID, err = uuid.NewV4(); err != nil {
			return fmt.Errorf("generate bid ID: %w", err)
		}
	}

	err := s.db.QueryRow(ctx, insertBidQuery,
		b.ID,
		b.AuctionID,
		b.BidderID,
		b.Price,
		nullUUID(b.PreviousBidID),
		b.BidTime.UTC(),
	).Scan(&b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrChainConflict
		}
		return convertError(err)
	}

	return nil
}

const selectBidQuery = `
select
	id,
	auction_id,
	bidder_id,
	price,
	previous_bid_id,
	bid_time,
	created_at
from
	bids
where
	id = $1
`

func (s *Store) SelectBid(ctx context.Context, id uuid.UUID) (*store.Bid, error) {
	b, err := scanBid(s.db.QueryRow(ctx, selectBidQuery, id))
	if err != nil {
		return nil, convertError(err)
	}
	return b, nil
}

const deleteBidQuery = `delete from bids where id = $1`

func (s *Store) DeleteBid(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.Exec(ctx, deleteBidQuery, id)
	if err != nil {
		return fmt.Errorf("execute delete: %w", err)
	}

	if result.RowsAffected() != 1 {
		return store.ErrNotFound
	}

	return nil
}

const updateBidsQuery = `
update bids
set
	previous_bid_id = updates.previous_bid_id
from
	jsonb_to_recordset($1::jsonb)
	as updates(id uuid, previous_bid_id uuid)
where
	bids.id = updates.id
	and bids.previous_bid_id is distinct from updates.previous_bid_id
`

func (s *Store) UpdateBids(ctx context.Context, bids ...*store.Bid) error {
	type update struct {
		ID            uuid.UUID  `json:"id"`
		PreviousBidID *uuid.UUID `json:"previous_bid_id"`
	}

	updates := make([]update, len(bids))
	for i, b := range bids {
		updates[i] = update{b.ID, nullUUID(b.PreviousBidID)}
	}

	encoded, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("encode updates: %w", err)
	}

	if _, err := s.db.Exec(ctx, updateBidsQuery, encoded); err != nil {
		return convertError(fmt.Errorf("update bids: %w", err))
	}

	return nil
}

const listBidsQuery = `
select
	id,
	auction_id,
	bidder_id,
	price,
	previous_bid_id,
	bid_time,
	created_at
from
	bids
where
	auction_id = $1
order by
	bid_time asc, created_at asc
`

func (s *Store) ListBids(ctx context.Context, auctionID uuid.UUID) ([]*store.Bid, error) {
	rows, err := s.db.Query(ctx, listBidsQuery, auctionID)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var bids []*store.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		bids = append(bids, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan err: %w", err)
	}

	return bids, nil
}

const tailBidQuery = `
select
	id,
	auction_id,
	bidder_id,
	price,
	previous_bid_id,
	bid_time,
	created_at
from
	bids
where
	auction_id = $1
order by
	bid_time desc, created_at desc
limit 1
`

func (s *Store) TailBid(ctx context.Context, auctionID uuid.UUID) (*store.Bid, error) {
	b, err := scanBid(s.db.QueryRow(ctx, tailBidQuery, auctionID))
	if err != nil {
		return nil, convertError(err)
	}
	return b, nil
}

func scanBid(row pgx.Row) (*store.Bid, error) {
	var (
		b    store.Bid
		prev pgtype.UUID
	)

	if err := row.Scan(
		&b.ID,
		&b.AuctionID,
		&b.BidderID,
		&b.Price,
		&prev,
		&b.BidTime,
		&b.CreatedAt,
	); err != nil {
		return nil, err
	}

	if prev.Status == pgtype.Present {
		b.PreviousBidID = uuid.NullUUID{UUID: uuid.UUID(prev.Bytes), Valid: true}
	}

	return &b, nil
}

//
// regions
//

const upsertRegionQuery = `
insert into regions
(
	id,
	name
)
values ($1, $2)
on conflict (id) do update
set
	name       = excluded.name,
	updated_at = now()
returning
	created_at,
	updated_at
`

func (s *Store) UpsertRegion(ctx context.Context, r *store.Region) error {
	if r.ID.IsNil() {
		var err error
		if r.ID, err = uuid.NewV4(); err != nil {
			return fmt.Errorf("generate region ID: %w", err)
		}
	}

	return s.db.QueryRow(ctx, upsertRegionQuery,
		r.ID,
		r.Name,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
}

const selectRegionQuery = `
select
	id,
	name,
	created_at,
	updated_at
from
	regions
where
	id = $1
`

func (s *Store) SelectRegion(ctx context.Context, id uuid.UUID) (*store.Region, error) {
	var r store.Region
	err := s.db.QueryRow(ctx, selectRegionQuery, id).Scan(
		&r.ID,
		&r.Name,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, convertError(err)
	}
	return &r, nil
}

const listRegionsQuery = `
select
	id,
	name,
	created_at,
	updated_at
from
	regions
order by
	name asc, id asc
`

func (s *Store) ListRegions(ctx context.Context) ([]*store.Region, error) {
	rows, err := s.db.Query(ctx, listRegionsQuery)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var rs []*store.Region
	for rows.Next() {
		var r store.Region
		if err = rows.Scan(
			&r.ID,
			&r.Name,
			&r.CreatedAt,
			&r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		rs = append(rs, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan err: %w", err)
	}

	return rs, nil
}

//
//
//

func nullUUID(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	return &id.UUID
}

func convertError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if pgerr := &(pgconn.PgError{}); errors.As(err, &pgerr) {
		if pgerr.Code == "23505" && strings.HasPrefix(pgerr.ConstraintName, "bids_chain") {
			return store.ErrChainConflict
		}
	}
	return err
}

//
//
//

type pgDebugLogAdapter struct{ log.Logger }

func (a *pgDebugLogAdapter) Log(ctx context.Context, pgxlevel pgx.LogLevel, msg string, data map[string]interface{}) {
	keyvals := []interface{}{
		"pgxlevel", pgxlevel.String(),
		"msg", msg,
	}
	for k, v := range data {
		keyvals = append(keyvals, k, fmt.Sprintf("%v", v))
	}
	level.Debug(a.Logger).Log(keyvals...)
}
