package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/instrument"
	"tradegate/internal/logger"
	"tradegate/internal/metrics"
	"tradegate/internal/pkg/circuit"
	"tradegate/internal/trade"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Client talks to the IB gateway REST bridge. It is the single shared broker
// connection of the process; a lost session is re-established and contracts
// re-qualified transparently.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	accountID  string
	catalog    *instrument.Catalog
	limiter    *rate.Limiter
	breaker    *circuit.CircuitBreaker
	fillWait   time.Duration
	fillPoll   time.Duration
	nowFn      func() time.Time

	mu        sync.Mutex
	connected bool
	conIDs    map[string]int64
}

// apiError is a non-2xx answer from the bridge.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("broker bridge returned %d", e.Status)
	}
	return fmt.Sprintf("broker bridge returned %d: %s", e.Status, e.Body)
}

var _ Gateway = (*Client)(nil)

func NewClient(cfg config.BrokerConfig, catalog *instrument.Catalog) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("broker.base_url cannot be empty")
	}
	parsed, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse broker.base_url failed: %w", err)
	}
	if catalog == nil {
		return nil, fmt.Errorf("broker client requires an instrument catalog")
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimitPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimitPerSecond)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	breaker := circuit.NewCircuitBreaker("broker", cfg.BreakerThreshold, cfg.BreakerCooldown())
	breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		logger.Warnf("broker circuit %s: %s -> %s", name, from, to)
		metrics.BreakerOpen(name, to == circuit.StateOpen)
	})
	fillPoll := cfg.FillPoll()
	if fillPoll <= 0 {
		fillPoll = 500 * time.Millisecond
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		accountID:  strings.TrimSpace(cfg.AccountID),
		catalog:    catalog,
		limiter:    rate.NewLimiter(limit, burst),
		breaker:    breaker,
		fillWait:   cfg.FillWait(),
		fillPoll:   fillPoll,
		nowFn:      time.Now,
		conIDs:     make(map[string]int64),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// EnsureConnected opens a bridge session if none is active. A new session
// drops every qualified contract so they are resolved again.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/session/connect", nil, map[string]any{"account": c.accountID})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if !gjson.GetBytes(body, "connected").Bool() {
		return fmt.Errorf("%w: bridge refused session", ErrNotConnected)
	}
	if acct := gjson.GetBytes(body, "accounts.0").String(); c.accountID == "" && acct != "" {
		c.accountID = acct
	}
	c.connected = true
	c.conIDs = make(map[string]int64)
	logger.Infof("broker session established account=%s", c.accountID)
	return nil
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	if c.connected {
		logger.Warnf("broker session lost, reconnecting")
	}
	c.connected = false
	c.mu.Unlock()
}

// call runs fn behind the rate limiter and circuit breaker. Reads are retried
// once after a reconnect; mutations are not, so a lost ack never doubles an order.
func (c *Client) call(ctx context.Context, op string, idempotent bool, fn func(context.Context) error) error {
	started := time.Now()
	err := c.breaker.Do(func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := c.EnsureConnected(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if !errors.Is(err, ErrNotConnected) {
			return err
		}
		c.markDisconnected()
		if rerr := c.EnsureConnected(ctx); rerr != nil {
			return rerr
		}
		if !idempotent {
			return err
		}
		return fn(ctx)
	}, countableFailure)
	metrics.BrokerCall(op, started, err)
	if err != nil {
		return fmt.Errorf("broker %s: %w", op, err)
	}
	return nil
}

// countableFailure keeps caller mistakes and cancellations from tripping the breaker.
func countableFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrOrderNotFound) {
		return false
	}
	var api *apiError
	if errors.As(err, &api) {
		return api.Status >= 500
	}
	return true
}

func (c *Client) qualify(ctx context.Context, spec instrument.Spec) (int64, error) {
	c.mu.Lock()
	id, ok := c.conIDs[spec.Key]
	c.mu.Unlock()
	if ok {
		return id, nil
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/contracts/qualify", nil, contractPayload(spec, c.nowFn()))
	if err != nil {
		return 0, err
	}
	id = gjson.GetBytes(body, "conId").Int()
	if id <= 0 {
		return 0, fmt.Errorf("contract %s could not be qualified", spec.Key)
	}
	c.mu.Lock()
	c.conIDs[spec.Key] = id
	c.mu.Unlock()
	logger.Debugf("broker qualified %s conId=%d", spec.Key, id)
	return id, nil
}

func contractPayload(spec instrument.Spec, now time.Time) map[string]any {
	payload := map[string]any{
		"symbol":   spec.Symbol,
		"secType":  string(spec.AssetClass),
		"exchange": spec.Exchange,
		"currency": spec.Currency,
	}
	if month := spec.ContractMonth(now); month != "" {
		payload["lastTradeDateOrContractMonth"] = month
	}
	return payload
}

func (c *Client) GetPrice(ctx context.Context, spec instrument.Spec) (Quote, error) {
	var q Quote
	err := c.call(ctx, "get_price", true, func(ctx context.Context) error {
		conID, err := c.qualify(ctx, spec)
		if err != nil {
			return err
		}
		body, err := c.doRequest(ctx, http.MethodGet, "/market/quote", url.Values{"conId": {strconv.FormatInt(conID, 10)}}, nil)
		if err != nil {
			return err
		}
		q = Quote{
			Bid:  price(gjson.GetBytes(body, "bid")),
			Ask:  price(gjson.GetBytes(body, "ask")),
			Last: price(gjson.GetBytes(body, "last")),
			Time: c.nowFn().UTC(),
		}
		return nil
	})
	return q, err
}

// price maps the gateway's "no data" markers (-1, NaN, missing) to zero.
func price(r gjson.Result) float64 {
	v := r.Float()
	if !r.Exists() || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	return v
}

func (c *Client) GetOpenPositions(ctx context.Context, instrumentKey string) ([]Position, error) {
	var out []Position
	err := c.call(ctx, "get_positions", true, func(ctx context.Context) error {
		body, err := c.doRequest(ctx, http.MethodGet, "/portfolio/positions", c.accountQuery(), nil)
		if err != nil {
			return err
		}
		out = out[:0]
		gjson.ParseBytes(body).ForEach(func(_, item gjson.Result) bool {
			qty := item.Get("position").Float()
			if qty == 0 {
				return true
			}
			key := c.keyFor(item.Get("contract"))
			if key == "" || (instrumentKey != "" && !strings.EqualFold(key, instrumentKey)) {
				return true
			}
			dir := trade.Buy
			if qty < 0 {
				dir = trade.Sell
			}
			out = append(out, Position{
				Instrument:    key,
				Direction:     dir,
				Size:          math.Abs(qty),
				AvgCost:       item.Get("avgCost").Float(),
				UnrealizedPnL: item.Get("unrealizedPnL").Float(),
			})
			return true
		})
		return nil
	})
	return out, err
}

func (c *Client) GetOpenOrders(ctx context.Context, instrumentKey string) ([]OpenOrder, error) {
	var out []OpenOrder
	err := c.call(ctx, "get_orders", true, func(ctx context.Context) error {
		body, err := c.doRequest(ctx, http.MethodGet, "/orders/open", c.accountQuery(), nil)
		if err != nil {
			return err
		}
		out = out[:0]
		gjson.ParseBytes(body).ForEach(func(_, item gjson.Result) bool {
			key := c.keyFor(item.Get("contract"))
			if key == "" || (instrumentKey != "" && !strings.EqualFold(key, instrumentKey)) {
				return true
			}
			out = append(out, parseOpenOrder(key, item))
			return true
		})
		return nil
	})
	return out, err
}

func parseOpenOrder(key string, item gjson.Result) OpenOrder {
	o := OpenOrder{
		OrderID:    item.Get("orderId").String(),
		Instrument: key,
		Action:     trade.Direction(strings.ToUpper(item.Get("action").String())),
		OrderType:  strings.ToUpper(item.Get("orderType").String()),
		Size:       item.Get("totalQuantity").Float(),
		Status:     item.Get("status").String(),
	}
	if parent := item.Get("parentId").Int(); parent > 0 {
		o.ParentID = strconv.FormatInt(parent, 10)
	}
	switch {
	case o.ParentID == "":
		o.Role = RoleEntry
		o.Price = item.Get("lmtPrice").Float()
		if o.OrderType == "STP" {
			o.Price = item.Get("auxPrice").Float()
		}
	case o.OrderType == "STP":
		o.Role = RoleStop
		o.Price = item.Get("auxPrice").Float()
	default:
		o.Role = RoleTarget
		o.Price = item.Get("lmtPrice").Float()
	}
	return o
}

// keyFor maps a bridge contract object back to a catalog key.
func (c *Client) keyFor(contract gjson.Result) string {
	symbol := contract.Get("symbol").String()
	secType := contract.Get("secType").String()
	currency := contract.Get("currency").String()
	for _, spec := range c.catalog.All() {
		if strings.EqualFold(spec.Symbol, symbol) &&
			strings.EqualFold(string(spec.AssetClass), secType) &&
			(currency == "" || strings.EqualFold(spec.Currency, currency)) {
			return spec.Key
		}
	}
	return ""
}

func orderType(kind trade.OrderKind) string {
	switch kind {
	case trade.Limit:
		return "LMT"
	case trade.Stop:
		return "STP"
	default:
		return "MKT"
	}
}

func (c *Client) PlaceBracket(ctx context.Context, spec instrument.Spec, order BracketOrder) (Placement, error) {
	var placed Placement
	err := c.call(ctx, "place_bracket", false, func(ctx context.Context) error {
		conID, err := c.qualify(ctx, spec)
		if err != nil {
			return err
		}
		targets := make([]map[string]any, 0, len(order.Targets))
		for _, t := range order.Targets {
			targets = append(targets, map[string]any{"price": t.Price, "quantity": t.Size})
		}
		payload := map[string]any{
			"account":      c.accountID,
			"conId":        conID,
			"action":       string(order.Direction),
			"orderType":    orderType(order.Kind),
			"quantity":     order.Size,
			"stopPrice":    order.StopPrice,
			"stopQuantity": order.StopSize,
			"targets":      targets,
			"orderRef":     order.ClientRef,
			"tif":          "GTC",
		}
		if order.Kind.Resting() {
			payload["entryPrice"] = order.EntryPrice
		}
		body, err := c.doRequest(ctx, http.MethodPost, "/orders/bracket", nil, payload)
		if err != nil {
			return err
		}
		placed = Placement{
			OrderID:     gjson.GetBytes(body, "parentOrderId").String(),
			Status:      gjson.GetBytes(body, "status").String(),
			FillPrice:   gjson.GetBytes(body, "avgFillPrice").Float(),
			Filled:      gjson.GetBytes(body, "filled").Float(),
			StopOrderID: gjson.GetBytes(body, "stopOrderId").String(),
		}
		for _, id := range gjson.GetBytes(body, "targetOrderIds").Array() {
			placed.TargetOrderIDs = append(placed.TargetOrderIDs, id.String())
		}
		if placed.OrderID == "" {
			return fmt.Errorf("bridge returned no parent order id")
		}
		return nil
	})
	if err != nil {
		return Placement{}, err
	}
	if order.Kind == trade.Market && !placed.IsFilled() {
		placed = c.waitForFill(ctx, placed)
	}
	return placed, nil
}

func (c *Client) ClosePosition(ctx context.Context, spec instrument.Spec, dir trade.Direction, size float64) (Placement, error) {
	var placed Placement
	err := c.call(ctx, "close_position", false, func(ctx context.Context) error {
		conID, err := c.qualify(ctx, spec)
		if err != nil {
			return err
		}
		body, err := c.doRequest(ctx, http.MethodPost, "/orders/market", nil, map[string]any{
			"account":  c.accountID,
			"conId":    conID,
			"action":   string(dir.Opposite()),
			"quantity": size,
		})
		if err != nil {
			return err
		}
		placed = Placement{
			OrderID:   gjson.GetBytes(body, "orderId").String(),
			Status:    gjson.GetBytes(body, "status").String(),
			FillPrice: gjson.GetBytes(body, "avgFillPrice").Float(),
			Filled:    gjson.GetBytes(body, "filled").Float(),
		}
		return nil
	})
	if err != nil {
		return Placement{}, err
	}
	if !placed.IsFilled() {
		placed = c.waitForFill(ctx, placed)
	}
	return placed, nil
}

// waitForFill polls the order until it fills, reaches a terminal state, the
// fill-wait window lapses or ctx ends. It always returns the last known status.
func (c *Client) waitForFill(ctx context.Context, placed Placement) Placement {
	if c.fillWait <= 0 || placed.OrderID == "" {
		return placed
	}
	deadline := time.NewTimer(c.fillWait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.fillPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Warnf("broker fill wait for %s interrupted: %v (last status=%s)", placed.OrderID, ctx.Err(), placed.Status)
			return placed
		case <-deadline.C:
			logger.Warnf("broker fill wait for %s timed out after %s (last status=%s)", placed.OrderID, c.fillWait, placed.Status)
			return placed
		case <-ticker.C:
			st, err := c.OrderStatus(ctx, placed.OrderID)
			if err != nil {
				logger.Debugf("broker order status %s: %v", placed.OrderID, err)
				continue
			}
			if st.Status != "" {
				placed.Status = st.Status
			}
			if st.FillPrice > 0 {
				placed.FillPrice = st.FillPrice
			}
			placed.Filled = st.Filled
			switch placed.Status {
			case StatusFilled, StatusCancelled, StatusInactive:
				return placed
			}
		}
	}
}

// OrderStatus reads one order, working or finished. Unknown ids wrap ErrOrderNotFound.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (Placement, error) {
	st := Placement{OrderID: orderID}
	err := c.call(ctx, "order_status", true, func(ctx context.Context) error {
		body, err := c.doRequest(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, nil)
		if err != nil {
			return err
		}
		st.Status = gjson.GetBytes(body, "status").String()
		st.FillPrice = gjson.GetBytes(body, "avgFillPrice").Float()
		st.Filled = gjson.GetBytes(body, "filled").Float()
		return nil
	})
	if err != nil {
		return Placement{}, err
	}
	return st, nil
}

func (c *Client) ModifyOrder(ctx context.Context, orderID string, newPrice float64) error {
	return c.call(ctx, "modify_order", false, func(ctx context.Context) error {
		_, err := c.doRequest(ctx, http.MethodPut, "/orders/"+url.PathEscape(orderID), nil, map[string]any{"price": newPrice})
		return err
	})
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.call(ctx, "cancel_order", false, func(ctx context.Context) error {
		_, err := c.doRequest(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil)
		return err
	})
}

func (c *Client) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	var info AccountInfo
	err := c.call(ctx, "account_info", true, func(ctx context.Context) error {
		body, err := c.doRequest(ctx, http.MethodGet, "/account/summary", c.accountQuery(), nil)
		if err != nil {
			return err
		}
		tag := func(name string) float64 {
			return gjson.GetBytes(body, fmt.Sprintf(`tags.#(tag=="%s").value`, name)).Float()
		}
		info = AccountInfo{
			AccountID:      gjson.GetBytes(body, "accountId").String(),
			Currency:       gjson.GetBytes(body, "currency").String(),
			NetLiquidation: tag("NetLiquidation"),
			AvailableFunds: tag("AvailableFunds"),
			UnrealizedPnL:  tag("UnrealizedPnL"),
		}
		return nil
	})
	if err == nil {
		metrics.Equity(info.NetLiquidation)
	}
	return info, err
}

func (c *Client) DailyBars(ctx context.Context, spec instrument.Spec, days int) ([]Bar, error) {
	var bars []Bar
	err := c.call(ctx, "daily_bars", true, func(ctx context.Context) error {
		conID, err := c.qualify(ctx, spec)
		if err != nil {
			return err
		}
		q := url.Values{
			"conId":   {strconv.FormatInt(conID, 10)},
			"days":    {strconv.Itoa(days)},
			"barSize": {"1 day"},
		}
		body, err := c.doRequest(ctx, http.MethodGet, "/market/history", q, nil)
		if err != nil {
			return err
		}
		bars = bars[:0]
		for _, item := range gjson.GetBytes(body, "bars").Array() {
			bars = append(bars, Bar{
				Time:  parseBarTime(item.Get("date").String()),
				Open:  item.Get("open").Float(),
				High:  item.Get("high").Float(),
				Low:   item.Get("low").Float(),
				Close: item.Get("close").Float(),
			})
		}
		return nil
	})
	return bars, err
}

func parseBarTime(raw string) time.Time {
	for _, layout := range []string{time.RFC3339, "20060102", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func (c *Client) accountQuery() url.Values {
	if c.accountID == "" {
		return nil
	}
	return url.Values{"account": {c.accountID}}
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request failed: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request failed: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response failed: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, strings.TrimSpace(string(data)))
	case resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/orders/"):
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, path)
	case resp.StatusCode >= 300:
		return nil, &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if len(data) > 0 && !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("bridge returned invalid json")
	}
	return data, nil
}
