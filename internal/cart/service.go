package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymarket-backend/pkg/db"
	"github.com/angelmondragon/keymarket-backend/pkg/db/models"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymarket-backend/pkg/errors"
)

const maxLineQuantity = 100

type variantLoader interface {
	FindVariant(ctx context.Context, id uuid.UUID) (*models.ProductVariant, error)
}

// View is a cart with its live items. Cart is nil when the owner has no open cart.
type View struct {
	Cart  *models.Cart
	Items []models.CartItem
}

// Service exposes the cart mutations used by the storefront.
type Service interface {
	Get(ctx context.Context, owner Owner) (*View, error)
	SetItem(ctx context.Context, owner Owner, variantID uuid.UUID, qty int) (*View, error)
	Clear(ctx context.Context, owner Owner) (*View, error)
}

type service struct {
	repo     CartRepository
	tx       txRunner
	machine  *StateMachine
	variants variantLoader
	now      func() time.Time
}

// NewService builds a cart service backed by the provided stack.
func NewService(repo CartRepository, tx txRunner, machine *StateMachine, variants variantLoader) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if machine == nil {
		return nil, fmt.Errorf("cart state machine required")
	}
	if variants == nil {
		return nil, fmt.Errorf("variant loader required")
	}
	return &service{
		repo:     repo,
		tx:       tx,
		machine:  machine,
		variants: variants,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Get(ctx context.Context, owner Owner) (*View, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	record, err := s.loadOpen(ctx, owner)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return &View{}, nil
	}
	return s.view(ctx, s.repo, record)
}

func (s *service) SetItem(ctx context.Context, owner Owner, variantID uuid.UUID, qty int) (*View, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if variantID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "variant id required")
	}
	if qty < 0 || qty > maxLineQuantity {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "quantity must be between 0 and %d", maxLineQuantity)
	}
	if qty > 0 {
		variant, err := s.variants.FindVariant(ctx, variantID)
		if err != nil {
			if db.IsNotFound(err) {
				return nil, pkgerrors.New(pkgerrors.CodeNotFound, "variant not found")
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load variant")
		}
		if !sellable(variant) {
			return nil, pkgerrors.New(pkgerrors.CodeBusinessRule, "variant is not available for sale").
				WithDetails(map[string]any{"variantId": variantID})
		}
	}

	current, err := s.loadOpen(ctx, owner)
	if err != nil {
		return nil, err
	}
	var out *View
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		record, err := s.openForWrite(ctx, repo, owner, current)
		if err != nil {
			return err
		}
		if qty == 0 {
			err = repo.DeleteItem(ctx, record.ID, variantID)
		} else {
			err = repo.UpsertItem(ctx, record.ID, variantID, qty)
		}
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "write cart item")
		}
		if err := s.touch(ctx, repo, record); err != nil {
			return err
		}
		out, err = s.view(ctx, repo, record)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *service) Clear(ctx context.Context, owner Owner) (*View, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	record, err := s.loadOpen(ctx, owner)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return &View{}, nil
	}
	if record.Status != enums.CartStatusActive {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "cart is being checked out")
	}
	var out *View
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.ClearItems(ctx, record.ID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "clear cart")
		}
		if err := s.touch(ctx, repo, record); err != nil {
			return err
		}
		out = &View{Cart: record}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// loadOpen returns the owner's open cart after lazy recovery and expiry, or
// nil when none is left.
func (s *service) loadOpen(ctx context.Context, owner Owner) (*models.Cart, error) {
	record, err := s.repo.FindOpen(ctx, owner)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load cart")
	}
	if record.Status == enums.CartStatusConverting {
		if _, err := s.machine.RecoverStale(ctx, record, "cart_read"); err != nil {
			return nil, err
		}
	}
	expired, err := s.machine.ExpireIfIdle(ctx, record)
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, nil
	}
	return record, nil
}

// openForWrite returns record when it can take mutations, or creates the
// owner's cart when record is nil.
func (s *service) openForWrite(ctx context.Context, repo CartRepository, owner Owner, record *models.Cart) (*models.Cart, error) {
	if record != nil {
		if record.Status != enums.CartStatusActive {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "cart is being checked out")
		}
		return record, nil
	}
	now := s.now()
	fresh := &models.Cart{
		OwnerUserID: owner.UserID,
		SessionID:   owner.SessionID,
		Status:      enums.CartStatusActive,
	}
	fresh.ExpiresAt = now.Add(s.machine.Policy().TTL(*fresh))
	created, err := repo.Create(ctx, fresh)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "cart was created concurrently, retry")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create cart")
	}
	return created, nil
}

func (s *service) touch(ctx context.Context, repo CartRepository, record *models.Cart) error {
	now := s.now()
	expiresAt := now.Add(s.machine.Policy().TTL(*record))
	ok, err := repo.Touch(ctx, record.ID, now, expiresAt)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "refresh cart")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeConflict, "cart is being checked out")
	}
	record.UpdatedAt = now
	record.ExpiresAt = expiresAt
	return nil
}

func (s *service) view(ctx context.Context, repo CartRepository, record *models.Cart) (*View, error) {
	items, err := repo.ListItems(ctx, record.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list cart items")
	}
	return &View{Cart: record, Items: items}, nil
}

func sellable(v *models.ProductVariant) bool {
	if v == nil || v.Status != enums.VariantStatusActive {
		return false
	}
	return v.Product == nil || v.Product.Status == enums.ProductStatusActive
}
