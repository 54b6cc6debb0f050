package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/coachbilling/pkg/logger"
)

// CustomerResolver finds or creates the gateway customer for a user so that
// repeated checkouts reuse a single customer.
type CustomerResolver struct {
	gateway PaymentGateway
	store   Store
	log     *slog.Logger
}

func NewCustomerResolver(gateway PaymentGateway, store Store, log *slog.Logger) *CustomerResolver {
	return &CustomerResolver{gateway: gateway, store: store, log: log.With(logger.Component("customer_resolver"))}
}

// Resolve returns a live gateway customer id for userID. knownID, or the id
// stored on the profile, is reused when the gateway still has it; otherwise
// a customer with the profile email is reused or created. The result is
// stored on the profile.
func (r *CustomerResolver) Resolve(ctx context.Context, userID uuid.UUID, knownID string) (string, error) {
	profile, err := r.store.Profile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return "", storeError("load profile", err)
	}
	if knownID == "" {
		knownID = profile.GatewayCustomerID
	}

	if knownID != "" {
		c, err := r.gateway.GetCustomer(ctx, knownID)
		if err != nil {
			return "", err
		}
		if !c.Deleted {
			return r.remember(ctx, userID, profile, c.ID)
		}
		r.log.InfoContext(ctx, "stored customer was deleted, resolving again",
			logger.UserID(userID), logger.CustomerID(knownID))
	}

	if profile.Email != "" {
		matches, err := r.gateway.FindCustomersByEmail(ctx, profile.Email)
		if err != nil {
			return "", err
		}
		for _, c := range matches {
			if !c.Deleted {
				return r.remember(ctx, userID, profile, c.ID)
			}
		}
	}

	c, err := r.gateway.CreateCustomer(ctx, CustomerParams{
		Email:    profile.Email,
		Name:     profile.FullName,
		Metadata: map[string]string{"user_id": userID.String()},
	})
	if err != nil {
		return "", err
	}
	r.log.InfoContext(ctx, "gateway customer created", logger.UserID(userID), logger.CustomerID(c.ID))
	return r.remember(ctx, userID, profile, c.ID)
}

func (r *CustomerResolver) remember(ctx context.Context, userID uuid.UUID, profile *Profile, customerID string) (string, error) {
	if profile.GatewayCustomerID == customerID {
		return customerID, nil
	}
	if err := r.store.SetProfileCustomerID(ctx, userID, customerID); err != nil {
		return "", storeError("save customer id", err)
	}
	return customerID, nil
}
