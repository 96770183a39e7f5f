package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"algotrade/internal/domain"
	"algotrade/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// alpacaClient is the subset of *alpaca.Client used by AlpacaBroker.
type alpacaClient interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	GetPositions() ([]alpaca.Position, error)
	GetAccount() (*alpaca.Account, error)
}

const (
	submitAttempts  = 3
	submitBaseDelay = 500 * time.Millisecond
)

// AlpacaBroker implements the Broker interface using the Alpaca brokerage
// API. Orders are market orders for the configured symbol; PlaceOrder blocks
// until the order is filled, rejected, or ctx is done.
type AlpacaBroker struct {
	client       alpacaClient
	symbol       string
	pollInterval time.Duration
	log          *slog.Logger
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL, symbol string, log *slog.Logger) *AlpacaBroker {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return newAlpacaBroker(client, symbol, log)
}

func newAlpacaBroker(client alpacaClient, symbol string, log *slog.Logger) *AlpacaBroker {
	if log == nil {
		log = slog.Default()
	}
	return &AlpacaBroker{
		client:       client,
		symbol:       symbol,
		pollInterval: time.Second,
		log:          log.With("component", "alpaca-broker"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// PlaceOrder submits a market order for d and waits for its fill.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, d domain.Decision) (domain.Fill, error) {
	if err := validate(d); err != nil {
		return domain.Fill{}, err
	}

	qty := decimal.NewFromInt(d.Qty)
	side := alpaca.Buy
	if d.Side == domain.SideSell {
		side = alpaca.Sell
	}
	req := alpaca.PlaceOrderRequest{
		Symbol:        b.symbol,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: uuid.NewString(),
	}

	var order *alpaca.Order
	err := util.Retry(ctx, submitAttempts, submitBaseDelay, func() error {
		var err error
		order, err = b.client.PlaceOrder(req)
		return err
	})
	if err != nil {
		return domain.Fill{}, fmt.Errorf("submitting %s %d %s: %w", d.Side, d.Qty, b.symbol, err)
	}
	b.log.Info("order submitted", "id", order.ID, "client_order_id", req.ClientOrderID, "tag", d.Tag)

	return b.awaitFill(ctx, order.ID, d)
}

func (b *AlpacaBroker) awaitFill(ctx context.Context, id string, d domain.Decision) (domain.Fill, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		order, err := b.client.GetOrder(id)
		if err != nil {
			return domain.Fill{}, fmt.Errorf("getting order %s: %w", id, err)
		}
		switch order.Status {
		case "filled":
			return toFill(order, d)
		case "canceled", "expired", "rejected", "done_for_day":
			return domain.Fill{}, fmt.Errorf("order %s %s: %w", id, order.Status, ErrNotFilled)
		}

		select {
		case <-ctx.Done():
			return domain.Fill{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func toFill(order *alpaca.Order, d domain.Decision) (domain.Fill, error) {
	if order.FilledAvgPrice == nil {
		return domain.Fill{}, fmt.Errorf("order %s filled without a price: %w", order.ID, ErrNotFilled)
	}
	at := time.Now()
	if order.FilledAt != nil {
		at = *order.FilledAt
	}
	return domain.Fill{
		Time:  at,
		Side:  d.Side,
		Qty:   order.FilledQty.IntPart(),
		Price: *order.FilledAvgPrice,
		Tag:   d.Tag,
	}, nil
}

// Position returns the open position in the configured symbol.
func (b *AlpacaBroker) Position(_ context.Context) (domain.Position, error) {
	positions, err := b.client.GetPositions()
	if err != nil {
		return domain.Position{}, fmt.Errorf("getting positions: %w", err)
	}
	for _, p := range positions {
		if p.Symbol != b.symbol {
			continue
		}
		return domain.Position{
			Inventory:       p.Qty.IntPart(),
			AvgPrice:        p.AvgEntryPrice,
			FirstEntryPrice: p.AvgEntryPrice,
		}, nil
	}
	return domain.Position{}, nil
}

// Account returns the current account balances.
func (b *AlpacaBroker) Account(_ context.Context) (*AccountInfo, error) {
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("getting account: %w", err)
	}
	return &AccountInfo{
		Equity:      acct.Equity,
		Cash:        acct.Cash,
		BuyingPower: acct.BuyingPower,
	}, nil
}
