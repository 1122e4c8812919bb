package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lookoupai/chainmakes-go/internal/apperr"
	"github.com/lookoupai/chainmakes-go/internal/spread"
)

// Binance adapts github.com/adshao/go-binance/v2's futures client to
// the Exchange Port. Mirrors the real venue's side/position-mode
// conventions (BUY/SELL, LONG/SHORT) into the common vocabulary.
type Binance struct {
	client *futures.Client
}

// NewBinance builds a USDⓈ-M futures client. isTestnet must be supplied
// explicitly by the caller; this adapter never silently defaults to
// production.
func NewBinance(apiKey, apiSecret string, isTestnet bool) *Binance {
	futures.UseTestnet = isTestnet
	return &Binance{client: futures.NewClient(apiKey, apiSecret)}
}

func (b *Binance) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "signature"), strings.Contains(msg, "api-key"), strings.Contains(msg, "invalid api"), strings.Contains(msg, "unauthorized"):
		return apperr.Auth(op, err)
	case strings.Contains(msg, "invalid symbol"), strings.Contains(msg, "unknown symbol"):
		return apperr.Invariant(op, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"), strings.Contains(msg, "reset"),
		strings.Contains(msg, "too many requests"), strings.Contains(msg, "-1003"), strings.Contains(msg, "503"), strings.Contains(msg, "502"):
		return apperr.Transient(op, err)
	default:
		return apperr.Transient(op, err)
	}
}

func (b *Binance) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return Ticker{}, b.classify("GetTicker", err)
	}
	if len(prices) == 0 {
		return Ticker{}, apperr.Invariant("GetTicker", fmt.Errorf("no price for %s", symbol))
	}
	last, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return Ticker{}, apperr.Transient("GetTicker", err)
	}

	book, err := b.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	bid, ask := last, last
	if err == nil && len(book) > 0 {
		if v, e := decimal.NewFromString(book[0].BidPrice); e == nil {
			bid = v
		}
		if v, e := decimal.NewFromString(book[0].AskPrice); e == nil {
			ask = v
		}
	}

	return Ticker{Symbol: symbol, Last: last, Bid: bid, Ask: ask, At: time.Now()}, nil
}

func sideToBinance(s spread.Side) futures.SideType {
	if s == spread.Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func (b *Binance) toOrder(symbol string, o *futures.CreateOrderResponse) Order {
	amount, _ := decimal.NewFromString(o.OrigQuantity)
	filled, _ := decimal.NewFromString(o.ExecutedQuantity)
	cost, _ := decimal.NewFromString(o.CumQuote)
	return Order{
		ID:       strconv.FormatInt(o.OrderID, 10),
		Symbol:   symbol,
		Side:     binanceToSide(string(o.Side)),
		Type:     OrderTypeMarket,
		Amount:   amount,
		Filled:   filled,
		Cost:     cost,
		Status:   binanceToStatus(string(o.Status)),
		CreateAt: time.Now(),
	}
}

func binanceToSide(s string) spread.Side {
	if strings.EqualFold(s, "SELL") {
		return spread.Sell
	}
	return spread.Buy
}

func binanceToStatus(s string) OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "PARTIALLY_FILLED":
		return OrderStatusOpen
	case "FILLED":
		return OrderStatusClosed
	case "CANCELED", "EXPIRED", "REJECTED":
		return OrderStatusCanceled
	default:
		return OrderStatusPending
	}
}

func (b *Binance) CreateMarketOrder(ctx context.Context, symbol string, side spread.Side, amount decimal.Decimal, reduceOnly bool) (Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideToBinance(side)).
		Type(futures.OrderTypeMarket).
		Quantity(amount.String()).
		NewClientOrderID(uuid.New().String())
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return Order{}, b.classify("CreateMarketOrder", err)
	}
	return b.toOrder(symbol, resp), nil
}

func (b *Binance) CreateLimitOrder(ctx context.Context, symbol string, side spread.Side, amount, price decimal.Decimal, reduceOnly bool) (Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideToBinance(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(amount.String()).
		Price(price.String()).
		NewClientOrderID(uuid.New().String())
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return Order{}, b.classify("CreateLimitOrder", err)
	}
	return b.toOrder(symbol, resp), nil
}

func (b *Binance) GetOrder(ctx context.Context, id, symbol string) (Order, error) {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Order{}, apperr.Invariant("GetOrder", err)
	}
	o, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return Order{}, b.classify("GetOrder", err)
	}
	amount, _ := decimal.NewFromString(o.OrigQuantity)
	filled, _ := decimal.NewFromString(o.ExecutedQuantity)
	cost, _ := decimal.NewFromString(o.CumQuote)
	return Order{
		ID:       id,
		Symbol:   symbol,
		Side:     binanceToSide(string(o.Side)),
		Type:     OrderTypeMarket,
		Amount:   amount,
		Filled:   filled,
		Cost:     cost,
		Status:   binanceToStatus(string(o.Status)),
		CreateAt: time.Now(),
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, id, symbol string) error {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return apperr.Invariant("CancelOrder", err)
	}
	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unknown order") {
		return nil // already terminal, cancel is a no-op
	}
	if err != nil {
		return b.classify("CancelOrder", err)
	}
	return nil
}

func (b *Binance) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, b.classify("GetPosition", err)
	}
	for _, r := range risks {
		amt, _ := decimal.NewFromString(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(r.EntryPrice)
		mark, _ := decimal.NewFromString(r.MarkPrice)
		pnl, _ := decimal.NewFromString(r.UnRealizedProfit)
		side := PositionLong
		if amt.IsNegative() {
			side = PositionShort
			amt = amt.Abs()
		}
		return &Position{Symbol: symbol, Side: side, Amount: amt, EntryPrice: entry, CurrentPrice: mark, UnrealizedPnL: pnl}, nil
	}
	return nil, nil
}

func (b *Binance) GetAllPositions(ctx context.Context) ([]Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, b.classify("GetAllPositions", err)
	}
	out := make([]Position, 0, len(risks))
	for _, r := range risks {
		amt, _ := decimal.NewFromString(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(r.EntryPrice)
		mark, _ := decimal.NewFromString(r.MarkPrice)
		pnl, _ := decimal.NewFromString(r.UnRealizedProfit)
		side := PositionLong
		if amt.IsNegative() {
			side = PositionShort
			amt = amt.Abs()
		}
		out = append(out, Position{Symbol: r.Symbol, Side: side, Amount: amt, EntryPrice: entry, CurrentPrice: mark, UnrealizedPnL: pnl})
	}
	return out, nil
}

func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return b.classify("SetLeverage", err)
	}
	return nil
}

func (b *Binance) GetBalance(ctx context.Context) (map[string]Balance, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, b.classify("GetBalance", err)
	}
	out := make(map[string]Balance, len(balances))
	for _, bal := range balances {
		free, _ := decimal.NewFromString(bal.AvailableBalance)
		total, _ := decimal.NewFromString(bal.Balance)
		out[bal.Asset] = Balance{Currency: bal.Asset, Free: free, Used: total.Sub(free), Total: total}
	}
	return out, nil
}

func (b *Binance) FetchHistoricalPrice(ctx context.Context, symbol string, tsMs int64) (*decimal.Decimal, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval("5m").
		EndTime(tsMs).
		Limit(1).
		Do(ctx)
	if err != nil {
		return nil, b.classify("FetchHistoricalPrice", err)
	}
	if len(klines) == 0 {
		return nil, nil
	}
	close, err := decimal.NewFromString(klines[len(klines)-1].Close)
	if err != nil {
		return nil, nil
	}
	return &close, nil
}

func (b *Binance) Close() error { return nil }
