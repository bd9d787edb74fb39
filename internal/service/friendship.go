package service

import (
	"context"
	"errors"
	"time"

	"ciphertalk/backend/internal/models"
	"ciphertalk/backend/pkg/apperr"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// FriendshipService owns the friend-request state machine and the block
// registry. Accepting a request materializes the pair's direct conversation
// inside the same transaction.
type FriendshipService struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewFriendshipService(db *gorm.DB, log zerolog.Logger) *FriendshipService {
	return &FriendshipService{db: db, log: log.With().Str("component", "friendship").Logger()}
}

// AcceptResult carries everything a caller needs to notify both users.
type AcceptResult struct {
	Friendship   *models.Friendship
	Conversation *models.Conversation
}

// pairQuery matches the single friendship row for an unordered user pair.
func pairQuery(db *gorm.DB, a, b string) *gorm.DB {
	return db.Where(
		"(requester_id = ? AND addressee_id = ?) OR (requester_id = ? AND addressee_id = ?)",
		a, b, b, a,
	)
}

// IsBlocked reports whether a BLOCKED relationship exists between the two
// users, in either direction.
func (s *FriendshipService) IsBlocked(ctx context.Context, userA, userB string) (bool, error) {
	if userA == "" || userB == "" {
		return false, apperr.InvalidArg("both user ids are required")
	}

	var count int64
	err := pairQuery(s.db.WithContext(ctx).Model(&models.Friendship{}), userA, userB).
		Where("status = ?", models.FriendshipBlocked).
		Count(&count).Error
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "failed to check block state", err)
	}
	return count > 0, nil
}

// AddFriend resolves the target by friend code and creates a PENDING request.
// A pending request in the opposite direction collapses to an acceptance. A
// concurrent duplicate create is resolved by re-query, never surfaced.
func (s *FriendshipService) AddFriend(ctx context.Context, requesterID, friendCode string) (*models.Friendship, *models.Conversation, error) {
	if friendCode == "" {
		return nil, nil, apperr.InvalidArg("friend code is required")
	}

	var target models.User
	if err := s.db.WithContext(ctx).Where("friend_code = ?", friendCode).First(&target).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperr.NotFound("no user with that friend code")
		}
		return nil, nil, apperr.Wrap(apperr.KindInternal, "failed to resolve friend code", err)
	}

	if target.ID == requesterID {
		return nil, nil, apperr.InvalidArg("cannot add yourself")
	}

	var existing models.Friendship
	err := pairQuery(s.db.WithContext(ctx), requesterID, target.ID).First(&existing).Error
	switch {
	case err == nil:
		return s.resolveExisting(ctx, &existing, requesterID, target.ID)
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to create
	default:
		return nil, nil, apperr.Wrap(apperr.KindInternal, "failed to look up relationship", err)
	}

	friendship := models.Friendship{
		RequesterID: requesterID,
		AddresseeID: target.ID,
		Status:      models.FriendshipPending,
	}
	if err := s.db.WithContext(ctx).Create(&friendship).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Two add requests crossed. Re-query and resolve against whichever
			// row the concurrent transaction created.
			var raced models.Friendship
			if err := pairQuery(s.db.WithContext(ctx), requesterID, target.ID).First(&raced).Error; err != nil {
				return nil, nil, apperr.Wrap(apperr.KindInternal, "failed to re-query after duplicate create", err)
			}
			return s.resolveExisting(ctx, &raced, requesterID, target.ID)
		}
		return nil, nil, apperr.Wrap(apperr.KindInternal, "failed to create friend request", err)
	}

	return &friendship, nil, nil
}

// resolveExisting maps an existing relationship row to the outcome of an
// add-friend call: collapse to acceptance when the caller is the addressee of
// a pending request, conflict on duplicates, revive declined/cancelled rows.
func (s *FriendshipService) resolveExisting(ctx context.Context, existing *models.Friendship, requesterID, targetID string) (*models.Friendship, *models.Conversation, error) {
	switch existing.Status {
	case models.FriendshipPending:
		if existing.AddresseeID == requesterID {
			res, err := s.Accept(ctx, existing.ID, requesterID)
			if err != nil {
				return nil, nil, err
			}
			return res.Friendship, res.Conversation, nil
		}
		return nil, nil, apperr.Conflict("friend request already sent")

	case models.FriendshipAccepted:
		return nil, nil, apperr.Conflict("already friends")

	case models.FriendshipBlocked:
		return nil, nil, apperr.Forbidden("relationship is blocked")

	case models.FriendshipDeclined, models.FriendshipCancelled:
		// Relationship rows are never deleted; a new request reuses the row.
		updates := map[string]interface{}{
			"requester_id": requesterID,
			"addressee_id": targetID,
			"status":       models.FriendshipPending,
			"accepted_at":  nil,
		}
		if err := s.db.WithContext(ctx).Model(existing).Updates(updates).Error; err != nil {
			return nil, nil, apperr.Wrap(apperr.KindInternal, "failed to renew friend request", err)
		}
		existing.RequesterID = requesterID
		existing.AddresseeID = targetID
		existing.Status = models.FriendshipPending
		existing.AcceptedAt = nil
		return existing, nil, nil
	}

	return nil, nil, apperr.Conflict("relationship already exists")
}

// Accept transitions a PENDING request to ACCEPTED and atomically ensures the
// pair's direct conversation and both participant rows exist. A concurrent
// accept of the same request is absorbed: both callers succeed with the same
// conversation.
func (s *FriendshipService) Accept(ctx context.Context, friendshipID, userID string) (*AcceptResult, error) {
	var result AcceptResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var f models.Friendship
		if err := tx.First(&f, "id = ?", friendshipID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("friend request not found")
			}
			return apperr.Wrap(apperr.KindInternal, "failed to load friend request", err)
		}

		if f.AddresseeID != userID && f.RequesterID != userID {
			return apperr.Forbidden("not part of this friend request")
		}

		switch f.Status {
		case models.FriendshipPending:
			if f.AddresseeID != userID {
				return apperr.Forbidden("only the addressee can accept")
			}
			now := time.Now()
			if err := tx.Model(&f).Updates(map[string]interface{}{
				"status":      models.FriendshipAccepted,
				"accepted_at": now,
			}).Error; err != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to accept friend request", err)
			}
			f.Status = models.FriendshipAccepted
			f.AcceptedAt = &now
		case models.FriendshipAccepted:
			// Already accepted by a concurrent call: idempotent success.
		default:
			return apperr.Conflict("friend request is no longer pending")
		}

		conv, _, err := getOrCreateDirectTx(tx, f.RequesterID, f.AddresseeID)
		if err != nil {
			return err
		}

		result.Friendship = &f
		result.Conversation = conv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("friendship", friendshipID).Str("conversation", result.Conversation.ID).Msg("friend request accepted")
	return &result, nil
}

// Decline rejects a pending request. Addressee only.
func (s *FriendshipService) Decline(ctx context.Context, friendshipID, userID string) error {
	return s.transition(ctx, friendshipID, userID, false, models.FriendshipDeclined)
}

// Cancel withdraws a pending request. Requester only.
func (s *FriendshipService) Cancel(ctx context.Context, friendshipID, userID string) error {
	return s.transition(ctx, friendshipID, userID, true, models.FriendshipCancelled)
}

func (s *FriendshipService) transition(ctx context.Context, friendshipID, userID string, byRequester bool, to models.FriendshipStatus) error {
	var f models.Friendship
	if err := s.db.WithContext(ctx).First(&f, "id = ?", friendshipID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("friend request not found")
		}
		return apperr.Wrap(apperr.KindInternal, "failed to load friend request", err)
	}

	if byRequester && f.RequesterID != userID {
		return apperr.Forbidden("only the requester can cancel")
	}
	if !byRequester && f.AddresseeID != userID {
		return apperr.Forbidden("only the addressee can decline")
	}
	if f.Status != models.FriendshipPending {
		return apperr.Conflict("friend request is no longer pending")
	}

	if err := s.db.WithContext(ctx).Model(&f).Update("status", to).Error; err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to update friend request", err)
	}
	return nil
}

// Block upserts the relationship to BLOCKED regardless of its current state.
// The row is reoriented so the requester records who imposed the block.
func (s *FriendshipService) Block(ctx context.Context, meID, targetID string) error {
	if meID == targetID {
		return apperr.InvalidArg("cannot block yourself")
	}
	if targetID == "" {
		return apperr.InvalidArg("target user id is required")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Friendship
		err := pairQuery(tx, meID, targetID).First(&existing).Error
		switch {
		case err == nil:
			if existing.Status == models.FriendshipBlocked {
				// Idempotent; an existing block (from either side) stands.
				return nil
			}
			return tx.Model(&existing).Updates(map[string]interface{}{
				"requester_id": meID,
				"addressee_id": targetID,
				"status":       models.FriendshipBlocked,
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			f := models.Friendship{RequesterID: meID, AddresseeID: targetID, Status: models.FriendshipBlocked}
			if err := tx.Create(&f).Error; err != nil {
				if !errors.Is(err, gorm.ErrDuplicatedKey) {
					return apperr.Wrap(apperr.KindInternal, "failed to create block", err)
				}
				// A crossing request landed first. The winner could be in any
				// state, so re-resolve and force it to BLOCKED like the
				// found path above.
				var winner models.Friendship
				if err := pairQuery(tx, meID, targetID).First(&winner).Error; err != nil {
					return apperr.Wrap(apperr.KindInternal, "failed to re-read relationship", err)
				}
				if winner.Status == models.FriendshipBlocked {
					return nil
				}
				return tx.Model(&winner).Updates(map[string]interface{}{
					"requester_id": meID,
					"addressee_id": targetID,
					"status":       models.FriendshipBlocked,
				}).Error
			}
			return nil
		default:
			return apperr.Wrap(apperr.KindInternal, "failed to look up relationship", err)
		}
	})
}

// Unblock lifts a block the caller imposed, restoring the pair to ACCEPTED.
// The blocked party can never lift it.
func (s *FriendshipService) Unblock(ctx context.Context, meID, targetID string) error {
	var f models.Friendship
	err := pairQuery(s.db.WithContext(ctx), meID, targetID).
		Where("status = ?", models.FriendshipBlocked).
		First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("no block to lift")
		}
		return apperr.Wrap(apperr.KindInternal, "failed to look up block", err)
	}

	if f.RequesterID != meID {
		return apperr.Forbidden("only the user who imposed the block can lift it")
	}

	if err := s.db.WithContext(ctx).Model(&f).Update("status", models.FriendshipAccepted).Error; err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to lift block", err)
	}
	return nil
}

// FriendIDs returns the ids of every user the given user has an ACCEPTED
// relationship with. Used by the gateway for presence fan-out.
func (s *FriendshipService) FriendIDs(ctx context.Context, userID string) ([]string, error) {
	var rows []models.Friendship
	err := s.db.WithContext(ctx).
		Where("(requester_id = ? OR addressee_id = ?) AND status = ?", userID, userID, models.FriendshipAccepted).
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list friends", err)
	}

	ids := make([]string, 0, len(rows))
	for _, f := range rows {
		if f.RequesterID == userID {
			ids = append(ids, f.AddresseeID)
		} else {
			ids = append(ids, f.RequesterID)
		}
	}
	return ids, nil
}

// ListRelations returns the user's relationship rows filtered by status, with
// both user projections preloaded.
func (s *FriendshipService) ListRelations(ctx context.Context, userID string, status models.FriendshipStatus) ([]models.Friendship, error) {
	query := s.db.WithContext(ctx).
		Where("requester_id = ? OR addressee_id = ?", userID, userID).
		Preload("Requester").Preload("Addressee")
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var rows []models.Friendship
	if err := query.Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list relations", err)
	}
	return rows, nil
}
