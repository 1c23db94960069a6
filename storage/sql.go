package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLStore backs the Store contract with a relational database through gorm.
// Postgres DSNs get row-level FOR UPDATE locking; sqlite DSNs (file paths or
// file: URIs) rely on the database-level writer lock, which provides the same
// conditional-update atomicity.
type SQLStore struct {
	db       *gorm.DB
	postgres bool
}

// OpenSQL connects to the database identified by the DSN and returns the
// store. Call Migrate before first use.
func OpenSQL(dsn string) (*SQLStore, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("database DSN must be configured")
	}
	isPostgres := strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://")
	var dialector gorm.Dialector
	if isPostgres {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if !isPostgres {
		// sqlite has a single writer; a one-connection pool avoids busy
		// errors under concurrent conditional updates.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return &SQLStore{db: db, postgres: isPostgres}, nil
}

// Migrate creates or updates the five coordination tables and their indexes.
func (s *SQLStore) Migrate() error {
	return s.db.AutoMigrate(&Peer{}, &Intent{}, &Offer{}, &Deal{}, &ProcessedMessage{})
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) locked(tx *gorm.DB) *gorm.DB {
	if s.postgres {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// UpsertPeer inserts or refreshes a peer, preserving createdAt.
func (s *SQLStore) UpsertPeer(ctx context.Context, peer Peer) (Peer, error) {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"skills", "min_fee", "response_time", "reputation", "stake",
			"stake_age_seconds", "reply_chat", "last_seen", "updated_at",
		}),
	}).Create(&peer).Error
	if err != nil {
		return Peer{}, fmt.Errorf("upsert peer: %w", err)
	}
	return s.GetPeer(ctx, peer.Address)
}

// GetPeer looks up a peer by address.
func (s *SQLStore) GetPeer(ctx context.Context, address string) (Peer, error) {
	var peer Peer
	if err := s.db.WithContext(ctx).First(&peer, "address = ?", address).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Peer{}, ErrPeerNotFound
		}
		return Peer{}, fmt.Errorf("get peer: %w", err)
	}
	return peer, nil
}

// ListPeers returns all peers ordered by lastSeen descending.
func (s *SQLStore) ListPeers(ctx context.Context) ([]Peer, error) {
	var peers []Peer
	if err := s.db.WithContext(ctx).Order("last_seen DESC, address ASC").Find(&peers).Error; err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return peers, nil
}

// SaveIntent inserts or updates an intent, preserving createdAt.
func (s *SQLStore) SaveIntent(ctx context.Context, intent Intent) (Intent, error) {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"from_address", "skill", "payload", "budget", "deadline",
			"min_reputation", "status", "updated_at",
		}),
	}).Create(&intent).Error
	if err != nil {
		return Intent{}, fmt.Errorf("save intent: %w", err)
	}
	return s.GetIntent(ctx, intent.ID)
}

// GetIntent looks up an intent by id.
func (s *SQLStore) GetIntent(ctx context.Context, id string) (Intent, error) {
	var intent Intent
	if err := s.db.WithContext(ctx).First(&intent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Intent{}, ErrIntentNotFound
		}
		return Intent{}, fmt.Errorf("get intent: %w", err)
	}
	return intent, nil
}

// ListIntents returns intents filtered by status when non-empty, newest
// first.
func (s *SQLStore) ListIntents(ctx context.Context, status IntentStatus) ([]Intent, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC, id ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var intents []Intent
	if err := query.Find(&intents).Error; err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	return intents, nil
}

// UpdateIntentStatus applies a guarded status transition inside a
// transaction.
func (s *SQLStore) UpdateIntentStatus(ctx context.Context, id string, status IntentStatus, update IntentUpdate) (Intent, error) {
	var out Intent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var intent Intent
		if err := s.locked(tx).First(&intent, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrIntentNotFound
			}
			return err
		}
		if err := checkTransition(intent.Status, status); err != nil {
			return err
		}
		assignments := map[string]any{"status": status}
		if update.AcceptedOfferID != "" {
			assignments["accepted_offer_id"] = update.AcceptedOfferID
		}
		if update.SelectedExecutor != "" {
			assignments["selected_executor"] = update.SelectedExecutor
		}
		if update.UpdatedAt != 0 {
			assignments["updated_at"] = update.UpdatedAt
		}
		if err := tx.Model(&Intent{}).Where("id = ?", id).Updates(assignments).Error; err != nil {
			return err
		}
		return tx.First(&out, "id = ?", id).Error
	})
	if err != nil {
		return Intent{}, err
	}
	return out, nil
}

// AcceptIntentOffer performs the conditional pending -> accepted write. The
// WHERE clause carries the status guard, so exactly one concurrent caller
// observes a row update.
func (s *SQLStore) AcceptIntentOffer(ctx context.Context, intentID, offerID, executor string, now int64) (Intent, error) {
	var out Intent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var intent Intent
		if err := s.locked(tx).First(&intent, "id = ?", intentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrIntentNotFound
			}
			return err
		}
		res := tx.Model(&Intent{}).
			Where("id = ? AND status = ?", intentID, IntentStatusPending).
			Updates(map[string]any{
				"status":            IntentStatusAccepted,
				"accepted_offer_id": offerID,
				"selected_executor": executor,
				"updated_at":        now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrIntentNotPending
		}
		return tx.First(&out, "id = ?", intentID).Error
	})
	if err != nil {
		return Intent{}, err
	}
	return out, nil
}

// RecordOffer persists an offer keyed by its derived id.
func (s *SQLStore) RecordOffer(ctx context.Context, offer Offer) (Offer, error) {
	if offer.ID == "" {
		offer.ID = OfferID(offer.IntentID, offer.FromAddress, offer.CreatedAt)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&offer).Error
	if err != nil {
		return Offer{}, fmt.Errorf("record offer: %w", err)
	}
	return offer, nil
}

// ListOffersForIntent returns offers ordered by createdAt ascending.
func (s *SQLStore) ListOffersForIntent(ctx context.Context, intentID string) ([]Offer, error) {
	var offers []Offer
	err := s.db.WithContext(ctx).
		Where("intent_id = ?", intentID).
		Order("created_at ASC, id ASC").
		Find(&offers).Error
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return offers, nil
}

// SeedDeal creates the deal row at accept time without clobbering a settled
// row.
func (s *SQLStore) SeedDeal(ctx context.Context, deal Deal) (Deal, error) {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "intent_id"}},
		DoNothing: true,
	}).Create(&deal).Error
	if err != nil {
		return Deal{}, fmt.Errorf("seed deal: %w", err)
	}
	return s.GetDeal(ctx, deal.IntentID)
}

// SettleDeal finalizes the deal row, keeping the seeded executor and fee when
// the settle payload omits them.
func (s *SQLStore) SettleDeal(ctx context.Context, deal Deal) (Deal, error) {
	var out Deal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Deal
		err := s.locked(tx).First(&existing, "intent_id = ?", deal.IntentID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			if deal.ExecutorAddress == "" {
				deal.ExecutorAddress = existing.ExecutorAddress
			}
			if deal.Fee == "" {
				deal.Fee = existing.Fee
			}
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "intent_id"}},
			UpdateAll: true,
		}).Create(&deal).Error; err != nil {
			return err
		}
		out = deal
		return nil
	})
	if err != nil {
		return Deal{}, fmt.Errorf("settle deal: %w", err)
	}
	return out, nil
}

// GetDeal looks up the deal for an intent.
func (s *SQLStore) GetDeal(ctx context.Context, intentID string) (Deal, error) {
	var deal Deal
	if err := s.db.WithContext(ctx).First(&deal, "intent_id = ?", intentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Deal{}, ErrDealNotFound
		}
		return Deal{}, fmt.Errorf("get deal: %w", err)
	}
	return deal, nil
}

// ListDeals returns deals ordered by settledAt descending.
func (s *SQLStore) ListDeals(ctx context.Context) ([]Deal, error) {
	var deals []Deal
	if err := s.db.WithContext(ctx).Order("settled_at DESC, intent_id ASC").Find(&deals).Error; err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	return deals, nil
}

// ExpireIntents sweeps pending intents past their deadline and returns the
// updated rows.
func (s *SQLStore) ExpireIntents(ctx context.Context, now int64) ([]Intent, error) {
	var expired []Intent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []Intent
		if err := s.locked(tx).
			Where("status = ? AND deadline < ?", IntentStatusPending, now).
			Find(&due).Error; err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		ids := make([]string, 0, len(due))
		for _, intent := range due {
			ids = append(ids, intent.ID)
		}
		res := tx.Model(&Intent{}).
			Where("id IN ? AND status = ?", ids, IntentStatusPending).
			Updates(map[string]any{"status": IntentStatusExpired, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		return tx.Where("id IN ?", ids).Order("id ASC").Find(&expired).Error
	})
	if err != nil {
		return nil, fmt.Errorf("expire intents: %w", err)
	}
	return expired, nil
}

// MarkProcessedMessage inserts the dedup row with ignore-on-conflict
// semantics; RowsAffected carries the inserted verdict.
func (s *SQLStore) MarkProcessedMessage(ctx context.Context, msg ProcessedMessage) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}).Create(&msg)
	if res.Error != nil {
		return false, fmt.Errorf("mark processed message: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
