package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tradingd/pkg/exchanges/common"
)

// BinancePerpPort is the derivatives venue adapter: Binance USDT-M perpetual
// futures. It is the only fully implemented Port; every other venue is a
// StubPort until its adapter earns the same re-verification discipline.
type BinancePerpPort struct {
	testnet bool
}

func NewBinancePerp(env Environment) *BinancePerpPort {
	return &BinancePerpPort{testnet: env == EnvTestnet}
}

func (p *BinancePerpPort) Name() string { return "binance_usdt_perp" }

func (p *BinancePerpPort) Connect(ctx context.Context, creds Credentials, env Environment) (Session, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("binance_usdt_perp: api key/secret required")
	}
	base := "https://fapi.binance.com"
	wsBase := "wss://fstream.binance.com/ws"
	if env == EnvTestnet {
		base = "https://testnet.binancefuture.com"
		wsBase = "wss://stream.binancefuture.com/ws"
	}
	s := &binancePerpSession{
		creds:      creds,
		baseURL:    base,
		wsBase:     wsBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	s.timeSync = common.NewTimeSync(s.serverTime)
	s.rateLimiter = common.NewRateLimiter(2400, time.Minute)
	// Verify credentials eagerly so a session handed back here is already
	// known-good.
	if _, err := s.GetBalance(ctx, "USDT"); err != nil {
		return nil, fmt.Errorf("binance_usdt_perp: connect verification failed: %w", err)
	}
	return s, nil
}

type binancePerpSession struct {
	creds       Credentials
	baseURL     string
	wsBase      string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
}

func (s *binancePerpSession) now() int64 {
	if s.timeSync != nil && s.timeSync.Offset() != 0 {
		return s.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

func (s *binancePerpSession) serverTime() (int64, error) {
	resp, err := s.httpClient.Get(s.baseURL + "/fapi/v1/time")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

func (s *binancePerpSession) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(s.now(), 10))
	params.Set("recvWindow", "5000")
	sig := sign(params.Encode(), s.creds.APISecret)
	params.Set("signature", sig)

	endpoint := s.baseURL + path
	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", s.creds.APIKey)

	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if s.rateLimiter != nil {
		s.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance_usdt_perp %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}
	return body, nil
}

func (s *binancePerpSession) GetBalance(ctx context.Context, currency string) (Balance, error) {
	body, err := s.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return Balance{}, err
	}
	var balances []struct {
		Asset              string `json:"asset"`
		Balance            string `json:"balance"`
		AvailableBalance   string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return Balance{}, fmt.Errorf("decode balance: %w", err)
	}
	for _, b := range balances {
		if b.Asset == currency {
			equity, _ := strconv.ParseFloat(b.Balance, 64)
			avail, _ := strconv.ParseFloat(b.AvailableBalance, 64)
			return Balance{Currency: currency, Equity: equity, Available: avail}, nil
		}
	}
	return Balance{Currency: currency}, nil
}

func (s *binancePerpSession) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	resp, err := s.httpClient.Get(s.baseURL + "/fapi/v1/exchangeInfo")
	if err != nil {
		return Instrument{}, err
	}
	defer resp.Body.Close()
	var info struct {
		Symbols []struct {
			Symbol      string `json:"symbol"`
			QuoteAsset  string `json:"quoteAsset"`
			Filters     []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinNotional string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Instrument{}, fmt.Errorf("decode exchangeInfo: %w", err)
	}
	venueSymbol := toVenueSymbol(symbol)
	for _, sym := range info.Symbols {
		if sym.Symbol != venueSymbol {
			continue
		}
		inst := Instrument{Symbol: symbol, QuoteCurrency: sym.QuoteAsset, MaxLeverage: 125, ContractSize: 1}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				inst.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
			case "LOT_SIZE":
				inst.LotSize, _ = strconv.ParseFloat(f.StepSize, 64)
			case "MIN_NOTIONAL":
				inst.MinTradeAmount, _ = strconv.ParseFloat(f.MinNotional, 64)
			}
		}
		return inst, nil
	}
	return Instrument{}, fmt.Errorf("binance_usdt_perp: unknown symbol %s", symbol)
}

func (s *binancePerpSession) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	q := url.Values{}
	q.Set("symbol", toVenueSymbol(symbol))
	q.Set("interval", timeframe)
	q.Set("limit", strconv.Itoa(limit))
	resp, err := s.httpClient.Get(s.baseURL + "/fapi/v1/klines?" + q.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var raw [][]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	out := make([]Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		out = append(out, Candle{
			T: int64(k[0].(float64)),
			O: parseF(k[1]), H: parseF(k[2]), L: parseF(k[3]), C: parseF(k[4]), V: parseF(k[5]),
		})
	}
	return out, nil
}

func (s *binancePerpSession) SubscribeTicker(ctx context.Context, symbol string) (<-chan Tick, error) {
	stream := fmt.Sprintf("%s/%s@markPrice@1s", s.wsBase, strings.ToLower(toVenueSymbol(symbol)))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, stream, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ticker stream: %w", err)
	}
	out := make(chan Tick, 32)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var raw struct {
				Price string `json:"p"`
				Time  int64  `json:"E"`
			}
			if err := json.Unmarshal(msg, &raw); err != nil {
				continue
			}
			price, _ := strconv.ParseFloat(raw.Price, 64)
			tick := Tick{Symbol: symbol, Price: price, T: raw.Time}
			select {
			case out <- tick:
			default:
				// Tick subscriptions are lossy: when the buffer is full, drop the
				// oldest buffered tick to make room for this one rather than
				// blocking the read loop.
				select {
				case <-out:
				default:
				}
				select {
				case out <- tick:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (s *binancePerpSession) GetPositions(ctx context.Context, currency string) ([]Position, error) {
	body, err := s.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	var out []Position
	for _, p := range raw {
		size, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if size == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		out = append(out, Position{InstrumentName: fromVenueSymbol(p.Symbol), Size: size, AveragePrice: entry, Mark: mark})
	}
	return out, nil
}

func (s *binancePerpSession) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", toVenueSymbol(symbol))
	}
	body, err := s.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		OrderID      int64  `json:"orderId"`
		Symbol       string `json:"symbol"`
		Side         string `json:"side"`
		Type         string `json:"type"`
		ReduceOnly   bool   `json:"reduceOnly"`
		Status       string `json:"status"`
		ExecutedQty  string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]Order, 0, len(raw))
	for _, o := range raw {
		filled, _ := strconv.ParseFloat(o.ExecutedQty, 64)
		out = append(out, Order{
			OrderID:      strconv.FormatInt(o.OrderID, 10),
			Symbol:       fromVenueSymbol(o.Symbol),
			Side:         Side(strings.ToLower(o.Side)),
			Type:         fromVenueType(o.Type),
			ReduceOnly:   o.ReduceOnly,
			State:        mapStatus(o.Status),
			FilledAmount: filled,
		})
	}
	return out, nil
}

func (s *binancePerpSession) Place(ctx context.Context, req OrderRequest) (string, error) {
	params := url.Values{}
	params.Set("symbol", toVenueSymbol(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", toVenueType(req.Type))
	params.Set("quantity", formatFloat(req.Amount))
	if req.Type == OrderTypeLimit || req.Type == OrderTypeTakeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.Type == OrderTypeStopMarket || req.Type == OrderTypeTakeLimit {
		params.Set("stopPrice", formatFloat(req.TriggerPrice))
		params.Set("workingType", "MARK_PRICE")
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.PostOnly {
		params.Set("timeInForce", "GTX")
	}
	body, err := s.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return "", err
	}
	var resp struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}
	if mapStatus(resp.Status) == OrderRejected {
		return "", fmt.Errorf("binance_usdt_perp: order rejected")
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func (s *binancePerpSession) GetOrderState(ctx context.Context, orderID string) (OrderStateResult, error) {
	params := url.Values{}
	params.Set("orderId", orderID)
	body, err := s.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return OrderStateResult{}, err
	}
	var resp struct {
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderStateResult{}, fmt.Errorf("decode order state: %w", err)
	}
	filled, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	return OrderStateResult{State: mapStatus(resp.Status), FilledAmount: filled, AveragePrice: avg}, nil
}

func (s *binancePerpSession) Cancel(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("orderId", orderID)
	_, err := s.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err != nil && strings.Contains(err.Error(), "Unknown order") {
		return nil // idempotent: already gone
	}
	return err
}

func (s *binancePerpSession) Close() error { return nil }

// --- helpers grounded on pkg/exchanges/binance/spot's signing/formatting code ---

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func mapStatus(raw string) OrderState {
	switch strings.ToUpper(raw) {
	case "NEW", "PARTIALLY_FILLED":
		return OrderOpen
	case "FILLED":
		return OrderFilled
	case "CANCELED", "EXPIRED":
		return OrderCancelled
	case "REJECTED":
		return OrderRejected
	default:
		return OrderOpen
	}
}

func toVenueType(t OrderType) string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeStopMarket:
		return "STOP_MARKET"
	case OrderTypeTakeLimit:
		return "TAKE_PROFIT"
	default:
		return "MARKET"
	}
}

func fromVenueType(t string) OrderType {
	switch strings.ToUpper(t) {
	case "LIMIT":
		return OrderTypeLimit
	case "STOP_MARKET":
		return OrderTypeStopMarket
	case "TAKE_PROFIT", "TAKE_PROFIT_MARKET":
		return OrderTypeTakeLimit
	default:
		return OrderTypeMarket
	}
}

// toVenueSymbol translates the core's "BTC-USD-PERP" form into Binance's
// "BTCUSDT" form. A hyphenated instrument is assumed USD-margined perpetual.
func toVenueSymbol(symbol string) string {
	parts := strings.Split(symbol, "-")
	if len(parts) < 2 {
		return strings.ToUpper(symbol)
	}
	return strings.ToUpper(parts[0]) + strings.ToUpper(parts[1]) + "T"
}

func fromVenueSymbol(venue string) string {
	venue = strings.ToUpper(venue)
	if strings.HasSuffix(venue, "USDT") {
		base := strings.TrimSuffix(venue, "USDT")
		return base + "-USD-PERP"
	}
	return venue
}

func parseF(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}
