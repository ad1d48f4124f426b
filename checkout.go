package main

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	checkoutPhonePattern = regexp.MustCompile(`^\+?[0-9]{9,15}$`)
	registerPhonePattern = regexp.MustCompile(`^[0-9]{7,15}$`)
)

type CheckoutResult struct {
	OrderID int             `json:"orderId"`
	Total   decimal.Decimal `json:"total"`
	Payment *PaymentIntent  `json:"payment,omitempty"`
}

// Checkout turns the cart of a signed-in session into an order.
type Checkout struct {
	store    Storage
	payments Payments
	logger   *slog.Logger
}

func NewCheckout(store Storage, payments Payments, logger *slog.Logger) *Checkout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkout{store: store, payments: payments, logger: logger.With("component", "checkout")}
}

// Place validates the request, stores the order with its lines and empties the
// cart. A failing payment intent is logged and leaves the order pending.
func (c *Checkout) Place(ctx context.Context, sess *Session, address, phone string) (*CheckoutResult, error) {
	result, err := c.placeOrder(ctx, sess, address, phone)
	if err != nil || c.payments == nil {
		return result, err
	}
	// The session is unlocked here so a slow payment provider holds up
	// nobody but this caller.
	intent, err := c.payments.CreateIntent(ctx, result.OrderID, result.Total)
	if err != nil {
		c.logger.Warn("payment intent failed", "order_id", result.OrderID, "err", err)
		return result, nil
	}
	result.Payment = intent
	return result, nil
}

// placeOrder keeps the session locked from pricing to clearing so the cart
// cannot change in between.
func (c *Checkout) placeOrder(ctx context.Context, sess *Session, address, phone string) (*CheckoutResult, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.identity == nil {
		return nil, ErrNotAuthenticated
	}
	if sess.cart.Len() == 0 {
		return nil, ErrEmptyCart
	}
	address = strings.TrimSpace(address)
	phone = strings.TrimSpace(phone)
	if address == "" {
		return nil, fmt.Errorf("address is required: %w", ErrInvalidInput)
	}
	if !checkoutPhonePattern.MatchString(phone) {
		return nil, fmt.Errorf("phone %q: %w", phone, ErrInvalidInput)
	}

	userID := sess.identity.UserID
	lines := sess.cart.Lines()
	total := sess.cart.Total()
	orderID, err := c.store.CreateOrder(ctx, userID, lines, total.InexactFloat64(), address, phone)
	if err != nil {
		return nil, err
	}
	c.logger.Info("order placed", "order_id", orderID, "user_id", userID, "total", total.String(), "items", len(lines))
	sess.cart.Clear()
	return &CheckoutResult{OrderID: orderID, Total: total}, nil
}
