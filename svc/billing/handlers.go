package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrymomot/coachbilling/pkg/logger"
	"github.com/dmitrymomot/coachbilling/pkg/subscription"
	"github.com/dmitrymomot/coachbilling/pkg/validator"
)

const (
	maxBodyBytes    = 64 << 10
	maxWebhookBytes = 1 << 20
)

type handlers struct {
	svc subscription.Service
	log *slog.Logger
}

type planResponse struct {
	ID            subscription.PlanID `json:"id"`
	Name          string              `json:"name"`
	MonthlyPrice  float64             `json:"monthlyPrice"`
	SixMonthPrice float64             `json:"sixMonthPrice"`
	AnnualPrice   float64             `json:"annualPrice"`
	TrialDays     int                 `json:"trialDays"`
}

func (h *handlers) plans(w http.ResponseWriter, r *http.Request) {
	plans := h.svc.Plans()
	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, planResponse{
			ID:            p.ID,
			Name:          p.Name,
			MonthlyPrice:  p.MonthlyPrice,
			SixMonthPrice: p.SixMonthPrice,
			AnnualPrice:   p.AnnualPrice,
			TrialDays:     p.TrialDays,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": out})
}

type sessionResponse struct {
	SessionID  string `json:"sessionId"`
	SessionURL string `json:"sessionUrl"`
}

type subscriptionCheckoutBody struct {
	PlanID        string `json:"planId"`
	BillingPeriod string `json:"billingPeriod"`
	UserID        string `json:"userId"`
	SuccessURL    string `json:"successUrl"`
	CancelURL     string `json:"cancelUrl"`
}

func (h *handlers) subscriptionCheckout(w http.ResponseWriter, r *http.Request) {
	var body subscriptionCheckoutBody
	if !h.decode(w, r, &body) {
		return
	}
	userID, ok := h.userID(w, r, body.UserID, true)
	if !ok {
		return
	}

	sess, err := h.svc.SubscriptionCheckout(r.Context(), subscription.SubscriptionCheckoutRequest{
		UserID:        userID,
		PlanID:        subscription.PlanID(body.PlanID),
		BillingPeriod: subscription.BillingPeriod(body.BillingPeriod),
		SuccessURL:    body.SuccessURL,
		CancelURL:     body.CancelURL,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: sess.ID, SessionURL: sess.URL})
}

type cartItemBody struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Quantity    int64   `json:"quantity"`
	Physical    bool    `json:"isPhysical"`
}

type shippingBody struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type cartCheckoutBody struct {
	UserID      string         `json:"userId"`
	Email       string         `json:"email"`
	Items       []cartItemBody `json:"items"`
	Shipping    *shippingBody  `json:"shipping"`
	BonusItemID string         `json:"bonusItemId"`
	SuccessURL  string         `json:"successUrl"`
	CancelURL   string         `json:"cancelUrl"`
}

func (h *handlers) cartCheckout(w http.ResponseWriter, r *http.Request) {
	var body cartCheckoutBody
	if !h.decode(w, r, &body) {
		return
	}
	userID, ok := h.userID(w, r, body.UserID, false)
	if !ok {
		return
	}

	req := subscription.CartCheckoutRequest{
		UserID:      userID,
		Email:       body.Email,
		Items:       make([]subscription.CartItem, 0, len(body.Items)),
		BonusItemID: body.BonusItemID,
		SuccessURL:  body.SuccessURL,
		CancelURL:   body.CancelURL,
	}
	for _, it := range body.Items {
		req.Items = append(req.Items, subscription.CartItem(it))
	}
	if body.Shipping != nil {
		addr := subscription.ShippingAddress(*body.Shipping)
		req.Shipping = &addr
	}

	sess, err := h.svc.CartCheckout(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: sess.ID, SessionURL: sess.URL})
}

type upgradeBody struct {
	NewPlanID string `json:"newPlanId"`
	UserID    string `json:"userId"`
}

type upgradeResponse struct {
	sessionResponse
	ProratedAmount float64 `json:"proratedAmount"`
	RemainingDays  int     `json:"remainingDays"`
	CurrentPlan    string  `json:"currentPlan"`
	NewPlan        string  `json:"newPlan"`
}

func (h *handlers) upgrade(w http.ResponseWriter, r *http.Request) {
	var body upgradeBody
	if !h.decode(w, r, &body) {
		return
	}
	userID, ok := h.userID(w, r, body.UserID, true)
	if !ok {
		return
	}

	res, err := h.svc.Upgrade(r.Context(), subscription.UpgradeRequest{
		UserID:    userID,
		NewPlanID: subscription.PlanID(body.NewPlanID),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, upgradeResponse{
		sessionResponse: sessionResponse{SessionID: res.Session.ID, SessionURL: res.Session.URL},
		ProratedAmount:  res.Quote.ProratedAmount,
		RemainingDays:   res.Quote.RemainingDays,
		CurrentPlan:     res.CurrentPlan.Name,
		NewPlan:         res.NewPlan.Name,
	})
}

// webhook acknowledges processed, duplicate and malformed events. Only a
// retryable failure answers 5xx so the gateway redelivers.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: "unreadable request body"})
		return
	}

	err = h.svc.HandleWebhook(r.Context(), payload, r.Header.Get(SignatureHeader))
	switch {
	case err == nil, errors.Is(err, subscription.ErrMalformedEvent):
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, subscription.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid signature"})
	default:
		writeError(w, http.StatusInternalServerError, errorBody{Error: "webhook processing failed"})
	}
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.log.DebugContext(r.Context(), "failed to decode request body", logger.Error(err))
		writeError(w, http.StatusBadRequest, errorBody{Error: ErrInvalidInput.Error()})
		return false
	}
	return true
}

// userID parses raw. An empty optional id yields uuid.Nil.
func (h *handlers) userID(w http.ResponseWriter, r *http.Request, raw string, required bool) (uuid.UUID, bool) {
	if raw == "" && !required {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		writeError(w, http.StatusBadRequest, errorBody{
			Error:   subscription.ErrValidation.Error(),
			Details: map[string][]string{"userId": {"must be a valid user id"}},
		})
		return uuid.Nil, false
	}
	return id, true
}

type errorBody struct {
	Error                   string              `json:"error"`
	Details                 map[string][]string `json:"details,omitempty"`
	RequiresNewSubscription bool                `json:"requiresNewSubscription,omitempty"`
	CurrentStatus           string              `json:"currentStatus,omitempty"`
}

// fail maps the billing error taxonomy onto HTTP statuses. Gateway and
// store failures are logged and answered with a generic message.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	var statusErr *subscription.StatusError
	switch {
	case errors.As(err, &statusErr):
		writeError(w, http.StatusBadRequest, errorBody{
			Error:                   statusErr.Err.Error(),
			RequiresNewSubscription: statusErr.RequiresNewSubscription(),
			CurrentStatus:           string(statusErr.Status),
		})
	case errors.Is(err, subscription.ErrValidation):
		body := errorBody{Error: subscription.ErrValidation.Error(), Details: validator.ExtractValidationErrors(err).Map()}
		if errors.Is(err, subscription.ErrInvalidRedirectURL) {
			body.Error = subscription.ErrInvalidRedirectURL.Error()
		}
		writeError(w, http.StatusBadRequest, body)
	case errors.Is(err, subscription.ErrNoSubscription):
		writeError(w, http.StatusNotFound, errorBody{Error: subscription.ErrNoSubscription.Error()})
	case errors.Is(err, subscription.ErrPlanNotFound):
		writeError(w, http.StatusBadRequest, errorBody{Error: subscription.ErrPlanNotFound.Error()})
	case errors.Is(err, subscription.ErrUserNotFound):
		writeError(w, http.StatusBadRequest, errorBody{Error: subscription.ErrUserNotFound.Error()})
	default:
		h.log.ErrorContext(r.Context(), "billing request failed",
			slog.String("path", r.URL.Path), logger.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}
