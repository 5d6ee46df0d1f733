// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Arteon-Labs/vault_layer/internal/app/domain/buyout"
	"github.com/Arteon-Labs/vault_layer/internal/app/domain/content"
	"github.com/Arteon-Labs/vault_layer/internal/app/domain/vault"
	"github.com/Arteon-Labs/vault_layer/internal/app/storage"
	"github.com/Arteon-Labs/vault_layer/internal/apperr"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.OfferStore = (*Store)(nil)
var _ storage.FractionalizationStore = (*Store)(nil)
var _ storage.ContentStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables and indexes when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS buyout_offers (
			id UUID PRIMARY KEY,
			vault_address TEXT NOT NULL,
			buyer_public_key TEXT NOT NULL,
			offer_address TEXT NOT NULL UNIQUE,
			offer_lamports BIGINT NOT NULL,
			offer_sol DOUBLE PRECISION NOT NULL,
			transaction_signature TEXT NOT NULL,
			network TEXT NOT NULL DEFAULT 'localhost',
			status TEXT NOT NULL DEFAULT 'pending',
			buyer_note TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			vault_authority TEXT NOT NULL DEFAULT '',
			vault_metadata_uri TEXT NOT NULL DEFAULT '',
			vault_total_supply BIGINT NOT NULL DEFAULT 0,
			vault_token_mint TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			responded_at TIMESTAMPTZ,
			responded_by TEXT NOT NULL DEFAULT '',
			response_transaction_signature TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_buyout_offers_vault_status ON buyout_offers (vault_address, status)`,
		`CREATE INDEX IF NOT EXISTS idx_buyout_offers_buyer ON buyout_offers (buyer_public_key)`,
		`CREATE INDEX IF NOT EXISTS idx_buyout_offers_status_created ON buyout_offers (status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_buyout_offers_amount ON buyout_offers (offer_sol DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_buyout_offers_expiry ON buyout_offers (expires_at)`,
		`CREATE TABLE IF NOT EXISTS fractionalization_records (
			id UUID PRIMARY KEY,
			vault_address TEXT NOT NULL UNIQUE,
			content_id TEXT NOT NULL DEFAULT '',
			token_mint TEXT NOT NULL,
			authority_address TEXT NOT NULL,
			authority_token_account TEXT NOT NULL,
			total_supply BIGINT NOT NULL,
			token_balance BIGINT NOT NULL,
			transaction_signature TEXT NOT NULL,
			metadata_uri TEXT NOT NULL DEFAULT '',
			network TEXT NOT NULL DEFAULT 'localhost',
			status TEXT NOT NULL DEFAULT 'active',
			fractionalized_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fractionalization_content ON fractionalization_records (content_id)`,
		`CREATE INDEX IF NOT EXISTS idx_fractionalization_mint ON fractionalization_records (token_mint)`,
		`CREATE TABLE IF NOT EXISTS content_items (
			id TEXT PRIMARY KEY,
			vault_address TEXT NOT NULL UNIQUE,
			frac_is_fractionalized BOOLEAN NOT NULL DEFAULT FALSE,
			frac_token_mint TEXT NOT NULL DEFAULT '',
			frac_total_supply BIGINT NOT NULL DEFAULT 0,
			frac_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint rejection.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// effectiveStatusExpr projects stored status at read time; $n is a
// now-timestamp placeholder.
func effectiveStatusExpr(nowPlaceholder string) string {
	return fmt.Sprintf(
		"CASE WHEN status = 'pending' AND expires_at <= %s THEN 'expired' ELSE status END",
		nowPlaceholder)
}

const offerColumns = `id, vault_address, buyer_public_key, offer_address, offer_lamports, offer_sol,
	transaction_signature, network, status, buyer_note, notes,
	vault_authority, vault_metadata_uri, vault_total_supply, vault_token_mint,
	created_at, updated_at, expires_at, responded_at, responded_by, response_transaction_signature`

func scanOffer(row interface{ Scan(...interface{}) error }) (buyout.Offer, error) {
	var o buyout.Offer
	var respondedAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.VaultAddress, &o.BuyerPublicKey, &o.OfferAddress, &o.OfferLamports, &o.OfferSOL,
		&o.TransactionSignature, &o.Network, &o.Status, &o.BuyerNote, &o.Notes,
		&o.Vault.Authority, &o.Vault.MetadataURI, &o.Vault.TotalSupply, &o.Vault.TokenMint,
		&o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt, &respondedAt, &o.RespondedBy, &o.ResponseTransactionSignature,
	)
	if err != nil {
		return buyout.Offer{}, err
	}
	if respondedAt.Valid {
		at := respondedAt.Time
		o.RespondedAt = &at
	}
	return o, nil
}

// OfferStore implementation --------------------------------------------------

func (s *Store) CreateOffer(ctx context.Context, offer buyout.Offer) (buyout.Offer, error) {
	if offer.ID == "" {
		offer.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = now
	}
	offer.UpdatedAt = now
	if offer.ExpiresAt.IsZero() {
		offer.ExpiresAt = offer.CreatedAt.Add(buyout.DefaultTTL)
	}
	if offer.Status == "" {
		offer.Status = buyout.StatusPending
	}
	if offer.Network == "" {
		offer.Network = "localhost"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buyout_offers (
			id, vault_address, buyer_public_key, offer_address, offer_lamports, offer_sol,
			transaction_signature, network, status, buyer_note, notes,
			vault_authority, vault_metadata_uri, vault_total_supply, vault_token_mint,
			created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, offer.ID, offer.VaultAddress, offer.BuyerPublicKey, offer.OfferAddress, offer.OfferLamports, offer.OfferSOL,
		offer.TransactionSignature, offer.Network, offer.Status, offer.BuyerNote, offer.Notes,
		offer.Vault.Authority, offer.Vault.MetadataURI, offer.Vault.TotalSupply, offer.Vault.TokenMint,
		offer.CreatedAt, offer.UpdatedAt, offer.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return buyout.Offer{}, apperr.Wrap(err, apperr.CodeConflict, "offer %s already recorded", offer.OfferAddress)
		}
		return buyout.Offer{}, fmt.Errorf("insert offer: %w", err)
	}
	return offer, nil
}

func (s *Store) GetOffer(ctx context.Context, offerAddress string) (buyout.Offer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM buyout_offers WHERE offer_address = $1`, offerAddress)
	offer, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return buyout.Offer{}, apperr.New(apperr.CodeNotFound, "offer %s not found", offerAddress)
	}
	if err != nil {
		return buyout.Offer{}, fmt.Errorf("select offer: %w", err)
	}
	return offer.Projected(time.Now().UTC()), nil
}

func sortClause(by buyout.Sort) string {
	dir := "ASC"
	if by.Descending {
		dir = "DESC"
	}
	switch by.Field {
	case buyout.SortByAmount:
		return fmt.Sprintf("offer_sol %s, created_at DESC", dir)
	case buyout.SortByExpiresAt:
		return fmt.Sprintf("expires_at %s", dir)
	default:
		return fmt.Sprintf("created_at %s", dir)
	}
}

func (s *Store) ListOffers(ctx context.Context, filter buyout.Filter, by buyout.Sort, page buyout.Page) ([]buyout.Offer, buyout.PageInfo, error) {
	now := time.Now().UTC()
	page = page.Normalize()

	conds := []string{"TRUE"}
	args := []interface{}{now}
	next := 2

	add := func(cond string, val interface{}) {
		conds = append(conds, fmt.Sprintf(cond, next))
		args = append(args, val)
		next++
	}
	if filter.VaultAddress != "" {
		add("vault_address = $%d", filter.VaultAddress)
	}
	if filter.BuyerPublicKey != "" {
		add("buyer_public_key = $%d", filter.BuyerPublicKey)
	}
	if filter.Status != "" {
		add(effectiveStatusExpr("$1")+" = $%d", string(filter.Status))
	}
	if filter.MinOfferSOL != nil {
		add("offer_sol >= $%d", *filter.MinOfferSOL)
	}
	if filter.MaxOfferSOL != nil {
		add("offer_sol <= $%d", *filter.MaxOfferSOL)
	}
	where := strings.Join(conds, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM buyout_offers WHERE ` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, buyout.PageInfo{}, fmt.Errorf("count offers: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM buyout_offers WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		offerColumns, where, sortClause(by), next, next+1)
	rows, err := s.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset())...)
	if err != nil {
		return nil, buyout.PageInfo{}, fmt.Errorf("select offers: %w", err)
	}
	defer rows.Close()

	offers := []buyout.Offer{}
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, buyout.PageInfo{}, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, offer.Projected(now))
	}
	if err := rows.Err(); err != nil {
		return nil, buyout.PageInfo{}, fmt.Errorf("iterate offers: %w", err)
	}
	return offers, buyout.NewPageInfo(page, total), nil
}

func (s *Store) TopOffers(ctx context.Context, limit int) ([]buyout.Offer, error) {
	if limit < 1 {
		limit = 10
	}
	now := time.Now().UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM buyout_offers
		WHERE status = 'pending' AND expires_at > $1
		ORDER BY offer_sol DESC, created_at DESC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select top offers: %w", err)
	}
	defer rows.Close()

	offers := []buyout.Offer{}
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}

func (s *Store) OfferStatistics(ctx context.Context) (buyout.Statistics, error) {
	now := time.Now().UTC()
	var stats buyout.Statistics
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending' AND expires_at > $1),
			COUNT(*) FILTER (WHERE status = 'accepted'),
			COUNT(*) FILTER (WHERE status = 'rejected'),
			COUNT(*) FILTER (WHERE status = 'expired' OR (status = 'pending' AND expires_at <= $1)),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COALESCE(MIN(offer_sol) FILTER (WHERE status = 'pending' AND expires_at > $1), 0),
			COALESCE(MAX(offer_sol) FILTER (WHERE status = 'pending' AND expires_at > $1), 0),
			COALESCE(AVG(offer_sol) FILTER (WHERE status = 'pending' AND expires_at > $1), 0),
			COALESCE(SUM(offer_sol) FILTER (WHERE status = 'pending' AND expires_at > $1), 0)
		FROM buyout_offers
	`, now).Scan(
		&stats.TotalOffers, &stats.Pending, &stats.Accepted, &stats.Rejected, &stats.Expired, &stats.Cancelled,
		&stats.MinOfferSOL, &stats.MaxOfferSOL, &stats.AverageOfferSOL, &stats.TotalValueSOL,
	)
	if err != nil {
		return buyout.Statistics{}, fmt.Errorf("offer statistics: %w", err)
	}
	return stats, nil
}

func (s *Store) TransitionOffer(ctx context.Context, offerAddress string, req storage.TransitionRequest) (buyout.Offer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return buyout.Offer{}, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM buyout_offers WHERE offer_address = $1 FOR UPDATE`, offerAddress)
	offer, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return buyout.Offer{}, apperr.New(apperr.CodeNotFound, "offer %s not found", offerAddress)
	}
	if err != nil {
		return buyout.Offer{}, fmt.Errorf("select offer for transition: %w", err)
	}

	now := time.Now().UTC()
	from := offer.EffectiveStatus(now)
	switch {
	case from == buyout.StatusExpired && req.To == buyout.StatusExpired && offer.Status == buyout.StatusPending:
		// Persisting a projection the readers already see.
	case !buyout.CanTransition(from, req.To):
		return buyout.Offer{}, apperr.New(apperr.CodeIllegalTransition, "cannot transition offer %s from %s to %s",
			offerAddress, from, req.To)
	}

	offer.Status = req.To
	offer.UpdatedAt = now
	if req.To != buyout.StatusExpired || req.RespondedBy != "" {
		offer.RespondedAt = &now
		offer.RespondedBy = req.RespondedBy
		offer.ResponseTransactionSignature = req.ResponseTransaction
	}
	if req.Notes != "" {
		offer.Notes = req.Notes
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE buyout_offers
		SET status = $2, updated_at = $3, responded_at = $4, responded_by = $5,
			response_transaction_signature = $6, notes = $7
		WHERE offer_address = $1
	`, offerAddress, offer.Status, offer.UpdatedAt, offer.RespondedAt, offer.RespondedBy,
		offer.ResponseTransactionSignature, offer.Notes)
	if err != nil {
		return buyout.Offer{}, fmt.Errorf("update offer status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return buyout.Offer{}, fmt.Errorf("commit transition: %w", err)
	}
	return offer, nil
}

func (s *Store) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE buyout_offers
		SET status = 'expired', updated_at = $1
		WHERE status = 'pending' AND expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark expired: %w", err)
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// FractionalizationStore implementation --------------------------------------

func (s *Store) CreateRecord(ctx context.Context, rec vault.Record) (vault.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.FractionalizedAt.IsZero() {
		rec.FractionalizedAt = now
	}
	if rec.Status == "" {
		rec.Status = vault.RecordActive
	}
	if rec.Network == "" {
		rec.Network = "localhost"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fractionalization_records (
			id, vault_address, content_id, token_mint, authority_address, authority_token_account,
			total_supply, token_balance, transaction_signature, metadata_uri, network, status,
			fractionalized_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, rec.ID, rec.VaultAddress, rec.ContentID, rec.TokenMint, rec.AuthorityAddress, rec.AuthorityTokenAccount,
		rec.TotalSupply, rec.TokenBalance, rec.TransactionSignature, rec.MetadataURI, rec.Network, rec.Status,
		rec.FractionalizedAt, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return vault.Record{}, apperr.Wrap(err, apperr.CodeConflict, "vault %s already has a fractionalization record", rec.VaultAddress)
		}
		return vault.Record{}, fmt.Errorf("insert fractionalization record: %w", err)
	}
	return rec, nil
}

const recordColumns = `id, vault_address, content_id, token_mint, authority_address, authority_token_account,
	total_supply, token_balance, transaction_signature, metadata_uri, network, status,
	fractionalized_at, created_at, updated_at`

func scanRecord(row interface{ Scan(...interface{}) error }) (vault.Record, error) {
	var rec vault.Record
	err := row.Scan(
		&rec.ID, &rec.VaultAddress, &rec.ContentID, &rec.TokenMint, &rec.AuthorityAddress, &rec.AuthorityTokenAccount,
		&rec.TotalSupply, &rec.TokenBalance, &rec.TransactionSignature, &rec.MetadataURI, &rec.Network, &rec.Status,
		&rec.FractionalizedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	return rec, err
}

func (s *Store) GetRecordByVault(ctx context.Context, vaultAddress string) (vault.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM fractionalization_records WHERE vault_address = $1`, vaultAddress)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.Record{}, apperr.New(apperr.CodeNotFound, "no fractionalization record for vault %s", vaultAddress)
	}
	if err != nil {
		return vault.Record{}, fmt.Errorf("select fractionalization record: %w", err)
	}
	return rec, nil
}

func (s *Store) ListRecords(ctx context.Context) ([]vault.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM fractionalization_records ORDER BY fractionalized_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("select fractionalization records: %w", err)
	}
	defer rows.Close()

	records := []vault.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fractionalization record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ContentStore implementation ------------------------------------------------

func (s *Store) GetContentByVault(ctx context.Context, vaultAddress string) (content.Item, error) {
	var item content.Item
	var isFrac bool
	var mint string
	var supply uint64
	var fracAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, vault_address, frac_is_fractionalized, frac_token_mint, frac_total_supply, frac_at,
			created_at, updated_at
		FROM content_items WHERE vault_address = $1
	`, vaultAddress).Scan(&item.ID, &item.VaultAddress, &isFrac, &mint, &supply, &fracAt,
		&item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return content.Item{}, apperr.New(apperr.CodeNotFound, "no content record for vault %s", vaultAddress)
	}
	if err != nil {
		return content.Item{}, fmt.Errorf("select content record: %w", err)
	}
	if isFrac {
		item.Fractionalization = &content.FractionalizationSnapshot{
			IsFractionalized: true,
			TokenMint:        mint,
			TotalSupply:      supply,
			FractionalizedAt: fracAt.Time,
		}
	}
	return item, nil
}

func (s *Store) UpdateFractionalizationSnapshot(ctx context.Context, contentID string, snap content.FractionalizationSnapshot) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE content_items
		SET frac_is_fractionalized = $2, frac_token_mint = $3, frac_total_supply = $4, frac_at = $5,
			updated_at = $6
		WHERE id = $1
	`, contentID, snap.IsFractionalized, snap.TokenMint, snap.TotalSupply, snap.FractionalizedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update content snapshot: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.New(apperr.CodeNotFound, "content %s not found", contentID)
	}
	return nil
}
