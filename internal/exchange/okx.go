package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lookoupai/chainmakes-go/internal/apperr"
	"github.com/lookoupai/chainmakes-go/internal/spread"
)

// OKX adapts OKX's v5 REST API, signing each request with HMAC-SHA256
// over timestamp+method+path+body, base64-encoded. Built on resty
// rather than a generated SDK; OKX has no maintained first-party Go
// client.
type OKX struct {
	http       *resty.Client
	apiKey     string
	apiSecret  string
	passphrase string
	isDemo     bool
}

// NewOKX builds an OKX client. isTestnet controls the
// x-simulated-trading demo-trading header and must be stated
// explicitly by the caller. proxyURL may be empty.
func NewOKX(apiKey, apiSecret, passphrase string, isTestnet bool, proxyURL string) *OKX {
	c := resty.New().
		SetBaseURL("https://www.okx.com").
		SetTimeout(10 * time.Second)
	if proxyURL != "" {
		c.SetProxy(proxyURL)
	}
	return &OKX{http: c, apiKey: apiKey, apiSecret: apiSecret, passphrase: passphrase, isDemo: isTestnet}
}

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (o *OKX) sign(timestamp, method, path, body string) string {
	msg := timestamp + method + path + body
	mac := hmac.New(sha256.New, []byte(o.apiSecret))
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (o *OKX) do(ctx context.Context, op, method, path string, query map[string]string, body map[string]interface{}) (okxEnvelope, error) {
	var bodyStr string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return okxEnvelope{}, apperr.Invariant(op, err)
		}
		bodyStr = string(b)
	}
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	sig := o.sign(timestamp, method, path, bodyStr)

	req := o.http.R().
		SetContext(ctx).
		SetHeader("OK-ACCESS-KEY", o.apiKey).
		SetHeader("OK-ACCESS-SIGN", sig).
		SetHeader("OK-ACCESS-TIMESTAMP", timestamp).
		SetHeader("OK-ACCESS-PASSPHRASE", o.passphrase).
		SetHeader("Content-Type", "application/json")
	if o.isDemo {
		req.SetHeader("x-simulated-trading", "1")
	}
	if query != nil {
		req.SetQueryParams(query)
	}
	if bodyStr != "" {
		req.SetBody(bodyStr)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return okxEnvelope{}, apperr.Transient(op, err)
	}

	var env okxEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return okxEnvelope{}, apperr.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	if env.Code != "" && env.Code != "0" {
		return env, o.classifyCode(op, env.Code, env.Msg)
	}
	if resp.StatusCode() >= 500 {
		return env, apperr.Transient(op, fmt.Errorf("okx %d: %s", resp.StatusCode(), env.Msg))
	}
	return env, nil
}

func (o *OKX) classifyCode(op, code, msg string) error {
	switch code {
	case "50111", "50113", "50114": // API key / signature / passphrase errors
		return apperr.Auth(op, fmt.Errorf("okx %s: %s", code, msg))
	case "51001", "51008": // instrument/symbol not found, insufficient balance
		return apperr.Invariant(op, fmt.Errorf("okx %s: %s", code, msg))
	case "50011", "50013": // rate limited / system busy
		return apperr.Transient(op, fmt.Errorf("okx %s: %s", code, msg))
	default:
		return apperr.Transient(op, fmt.Errorf("okx %s: %s", code, msg))
	}
}

type okxTicker struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	BidPx   string `json:"bidPx"`
	AskPx   string `json:"askPx"`
	Vol24h  string `json:"vol24h"`
	TS      string `json:"ts"`
}

func (o *OKX) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	env, err := o.do(ctx, "GetTicker", "GET", "/api/v5/market/ticker", map[string]string{"instId": symbol}, nil)
	if err != nil {
		return Ticker{}, err
	}
	var rows []okxTicker
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
		return Ticker{}, apperr.Invariant("GetTicker", fmt.Errorf("unknown symbol %s", symbol))
	}
	t := rows[0]
	last, _ := decimal.NewFromString(t.Last)
	bid, _ := decimal.NewFromString(t.BidPx)
	ask, _ := decimal.NewFromString(t.AskPx)
	vol, _ := decimal.NewFromString(t.Vol24h)
	return Ticker{Symbol: symbol, Last: last, Bid: bid, Ask: ask, Volume: vol, At: time.Now()}, nil
}

func sideToOKX(s spread.Side) string {
	if s == spread.Sell {
		return "sell"
	}
	return "buy"
}

// posSide in long/short mode: opening posSide matches the order side
// (long for buy, short for sell); closing (reduceOnly) posSide is the
// opposite, since it names the position being reduced.
func posSide(side spread.Side, reduceOnly bool) string {
	isBuy := side == spread.Buy
	if reduceOnly {
		isBuy = !isBuy
	}
	if isBuy {
		return "long"
	}
	return "short"
}

type okxOrderResp struct {
	OrdID   string `json:"ordId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

func (o *OKX) submitOrder(ctx context.Context, op, symbol string, side spread.Side, amount decimal.Decimal, price *decimal.Decimal, reduceOnly bool) (Order, error) {
	// OKX caps clOrdId at 32 alphanumeric chars; a hyphen-stripped UUID
	// fits exactly.
	clOrdID := strings.ReplaceAll(uuid.New().String(), "-", "")
	body := map[string]interface{}{
		"instId":  symbol,
		"tdMode":  "cross",
		"side":    sideToOKX(side),
		"posSide": posSide(side, reduceOnly),
		"sz":      amount.String(),
		"clOrdId": clOrdID,
	}
	if price != nil {
		body["ordType"] = "limit"
		body["px"] = price.String()
	} else {
		body["ordType"] = "market"
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}

	env, err := o.do(ctx, op, "POST", "/api/v5/trade/order", nil, body)
	if err != nil {
		return Order{}, err
	}
	var rows []okxOrderResp
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
		return Order{}, apperr.Transient(op, fmt.Errorf("empty order response"))
	}
	if rows[0].SCode != "" && rows[0].SCode != "0" {
		return Order{}, o.classifyCode(op, rows[0].SCode, rows[0].SMsg)
	}
	orderType := OrderTypeMarket
	if price != nil {
		orderType = OrderTypeLimit
	}
	return Order{ID: rows[0].OrdID, Symbol: symbol, Side: side, Type: orderType, Amount: amount, Status: OrderStatusPending, CreateAt: time.Now()}, nil
}

func (o *OKX) CreateMarketOrder(ctx context.Context, symbol string, side spread.Side, amount decimal.Decimal, reduceOnly bool) (Order, error) {
	return o.submitOrder(ctx, "CreateMarketOrder", symbol, side, amount, nil, reduceOnly)
}

func (o *OKX) CreateLimitOrder(ctx context.Context, symbol string, side spread.Side, amount, price decimal.Decimal, reduceOnly bool) (Order, error) {
	return o.submitOrder(ctx, "CreateLimitOrder", symbol, side, amount, &price, reduceOnly)
}

type okxOrderDetail struct {
	OrdID     string `json:"ordId"`
	InstID    string `json:"instId"`
	Side      string `json:"side"`
	OrdType   string `json:"ordType"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	AccFillSz string `json:"accFillSz"`
	FillPx    string `json:"fillPx"`
	State     string `json:"state"`
}

func (o *OKX) GetOrder(ctx context.Context, id, symbol string) (Order, error) {
	env, err := o.do(ctx, "GetOrder", "GET", "/api/v5/trade/order", map[string]string{"instId": symbol, "ordId": id}, nil)
	if err != nil {
		return Order{}, err
	}
	var rows []okxOrderDetail
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
		return Order{}, apperr.Invariant("GetOrder", fmt.Errorf("unknown order %s", id))
	}
	d := rows[0]
	amount, _ := decimal.NewFromString(d.Sz)
	filled, _ := decimal.NewFromString(d.AccFillSz)
	fillPx, _ := decimal.NewFromString(d.FillPx)
	cost := filled.Mul(fillPx)
	orderType := OrderTypeMarket
	if d.OrdType == "limit" {
		orderType = OrderTypeLimit
	}
	return Order{
		ID: d.OrdID, Symbol: d.InstID, Side: binanceToSide(d.Side), Type: orderType,
		Amount: amount, Filled: filled, Cost: cost, Status: okxToStatus(d.State), CreateAt: time.Now(),
	}, nil
}

func okxToStatus(state string) OrderStatus {
	switch state {
	case "live", "partially_filled":
		return OrderStatusOpen
	case "filled":
		return OrderStatusClosed
	case "canceled":
		return OrderStatusCanceled
	default:
		return OrderStatusPending
	}
}

func (o *OKX) CancelOrder(ctx context.Context, id, symbol string) error {
	_, err := o.do(ctx, "CancelOrder", "POST", "/api/v5/trade/cancel-order", nil, map[string]interface{}{"instId": symbol, "ordId": id})
	if err != nil && apperr.Is(err, apperr.KindInvariant) {
		return nil // already terminal, cancel is a no-op
	}
	return err
}

type okxPosition struct {
	InstID        string `json:"instId"`
	PosSide       string `json:"posSide"`
	Pos           string `json:"pos"`
	AvgPx         string `json:"avgPx"`
	MarkPx        string `json:"markPx"`
	Upl           string `json:"upl"`
}

func (o *OKX) getPositions(ctx context.Context, symbol string) ([]Position, error) {
	query := map[string]string{"instType": "SWAP"}
	if symbol != "" {
		query["instId"] = symbol
	}
	env, err := o.do(ctx, "GetPositions", "GET", "/api/v5/account/positions", query, nil)
	if err != nil {
		return nil, err
	}
	var rows []okxPosition
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, apperr.Transient("GetPositions", err)
	}
	out := make([]Position, 0, len(rows))
	for _, r := range rows {
		amt, _ := decimal.NewFromString(r.Pos)
		if amt.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(r.AvgPx)
		mark, _ := decimal.NewFromString(r.MarkPx)
		pnl, _ := decimal.NewFromString(r.Upl)
		side := PositionLong
		if r.PosSide == "short" {
			side = PositionShort
		}
		out = append(out, Position{Symbol: r.InstID, Side: side, Amount: amt.Abs(), EntryPrice: entry, CurrentPrice: mark, UnrealizedPnL: pnl})
	}
	return out, nil
}

func (o *OKX) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	positions, err := o.getPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}
	return &positions[0], nil
}

func (o *OKX) GetAllPositions(ctx context.Context) ([]Position, error) {
	return o.getPositions(ctx, "")
}

func (o *OKX) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := o.do(ctx, "SetLeverage", "POST", "/api/v5/account/set-leverage", nil, map[string]interface{}{
		"instId": symbol, "lever": strconv.Itoa(leverage), "mgnMode": "cross",
	})
	return err
}

type okxBalanceDetail struct {
	Ccy       string `json:"ccy"`
	AvailBal  string `json:"availBal"`
	Eq        string `json:"eq"`
}

type okxBalanceData struct {
	Details []okxBalanceDetail `json:"details"`
}

func (o *OKX) GetBalance(ctx context.Context) (map[string]Balance, error) {
	env, err := o.do(ctx, "GetBalance", "GET", "/api/v5/account/balance", nil, nil)
	if err != nil {
		return nil, err
	}
	var rows []okxBalanceData
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, apperr.Transient("GetBalance", err)
	}
	out := make(map[string]Balance)
	for _, r := range rows {
		for _, d := range r.Details {
			free, _ := decimal.NewFromString(d.AvailBal)
			total, _ := decimal.NewFromString(d.Eq)
			out[d.Ccy] = Balance{Currency: d.Ccy, Free: free, Used: total.Sub(free), Total: total}
		}
	}
	return out, nil
}

func (o *OKX) FetchHistoricalPrice(ctx context.Context, symbol string, tsMs int64) (*decimal.Decimal, error) {
	query := map[string]string{
		"instId": symbol,
		"bar":    "5m",
		"after":  strconv.FormatInt(tsMs+300_000, 10),
		"limit":  "5",
	}
	env, err := o.do(ctx, "FetchHistoricalPrice", "GET", "/api/v5/market/history-candles", query, nil)
	if err != nil {
		return nil, nil // unavailable history is not an error, callers fall back
	}
	var rows [][]string
	if err := json.Unmarshal(env.Data, &rows); err != nil || len(rows) == 0 {
		return nil, nil
	}

	var closest []string
	minDiff := int64(-1)
	for _, candle := range rows {
		if len(candle) < 5 {
			continue
		}
		candleTs, err := strconv.ParseInt(candle[0], 10, 64)
		if err != nil {
			continue
		}
		diff := candleTs - tsMs
		if diff < 0 {
			diff = -diff
		}
		if minDiff == -1 || diff < minDiff {
			minDiff = diff
			closest = candle
		}
	}
	if closest == nil {
		return nil, nil
	}
	close, err := decimal.NewFromString(closest[4])
	if err != nil {
		return nil, nil
	}
	return &close, nil
}

func (o *OKX) Close() error { return nil }
