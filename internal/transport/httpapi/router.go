package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"tradegate/internal/gateway/broker"
	"tradegate/internal/logger"
	"tradegate/internal/store"
	"tradegate/internal/trade"

	"github.com/gin-gonic/gin"
)

// Service is the execution surface the router dispatches to.
type Service interface {
	Submit(ctx context.Context, req trade.SubmitRequest) trade.SubmitResponse
	CancelPending(ctx context.Context, instrumentKey string, dir trade.Direction, orderID string) (trade.CancelResult, error)
	ClosePosition(ctx context.Context, instrumentKey string, dir trade.Direction, size *float64) (trade.CloseResult, error)
	ModifyStopTarget(ctx context.Context, instrumentKey string, dir trade.Direction, newStop, newTarget *float64) (trade.ModifyResult, error)
	CooldownStatus(ctx context.Context, balance float64) (trade.CooldownStatus, error)
}

// Reader serves the read-only views. Nil disables those routes.
type Reader interface {
	GetOpenPositions(ctx context.Context, instrumentKey string) ([]broker.Position, error)
	GetAccountInfo(ctx context.Context) (broker.AccountInfo, error)
	Recent(ctx context.Context, limit int) ([]trade.Order, error)
	ListByStatus(ctx context.Context, statuses ...trade.Status) ([]trade.Order, error)
}

type Router struct {
	svc    Service
	reader Reader
}

func NewRouter(svc Service, reader Reader) *Router {
	return &Router{svc: svc, reader: reader}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/trades/submit", r.handleSubmit)
	group.POST("/orders/cancel", r.handleCancel)
	group.POST("/positions/close", r.handleClose)
	group.POST("/positions/modify", r.handleModify)
	group.GET("/risk/cooldown", r.handleCooldown)
	if r.reader != nil {
		group.GET("/positions", r.handlePositions)
		group.GET("/account", r.handleAccount)
		group.GET("/trades", r.handleTrades)
	}
}

func (r *Router) handleSubmit(c *gin.Context) {
	var body submitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		logger.Warnf("[api] submit bind failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dir, err := trade.ParseDirection(body.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := trade.ParseOrderKind(body.OrderType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	source := strings.TrimSpace(body.Source)
	if source == "" {
		source = "api"
	}
	resp := r.svc.Submit(c.Request.Context(), trade.SubmitRequest{
		Instrument:     body.Instrument,
		Direction:      dir,
		Kind:           kind,
		Size:           body.Size,
		EntryPrice:     body.EntryPrice,
		StopDistance:   body.StopDistance,
		TargetDistance: body.TargetDistance,
		Conviction:     trade.ParseConviction(body.Conviction),
		Rationale:      body.Rationale,
		Strategy:       body.Strategy,
		Source:         source,
	})
	logger.Infof("[api] submit ip=%s instrument=%s direction=%s status=%s row=%d",
		c.ClientIP(), strings.ToUpper(strings.TrimSpace(body.Instrument)), dir, resp.Status(), resp.RowID)
	c.JSON(submitStatusCode(resp.Status()), newSubmitResponse(resp))
}

func submitStatusCode(status trade.Status) int {
	switch status {
	case trade.StatusExecuted, trade.StatusPendingOrder:
		return http.StatusOK
	case trade.StatusRejected:
		return http.StatusUnprocessableEntity
	case trade.StatusFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleCancel(c *gin.Context) {
	var body cancelRequest
	dir, ok := bindPosition(c, &body, &body.positionRequest)
	if !ok {
		return
	}
	res, err := r.svc.CancelPending(c.Request.Context(), body.Instrument, dir, body.OrderID)
	if err != nil {
		writeError(c, "cancel", err, gin.H{"errors": res.Errors})
		return
	}
	logger.Infof("[api] cancel ip=%s instrument=%s direction=%s cancelled=%v", c.ClientIP(), body.Instrument, dir, res.CancelledIDs)
	c.JSON(http.StatusOK, gin.H{"cancelled": res.CancelledIDs, "errors": res.Errors})
}

func (r *Router) handleClose(c *gin.Context) {
	var body closeRequest
	dir, ok := bindPosition(c, &body, &body.positionRequest)
	if !ok {
		return
	}
	res, err := r.svc.ClosePosition(c.Request.Context(), body.Instrument, dir, body.Size)
	if err != nil {
		writeError(c, "close", err, nil)
		return
	}
	logger.Infof("[api] close ip=%s instrument=%s direction=%s size=%g pnl=%.2f", c.ClientIP(), body.Instrument, dir, res.ClosedSize, res.ProfitLoss)
	c.JSON(http.StatusOK, gin.H{
		"status":      res.Status,
		"close_price": res.ClosePrice,
		"pnl":         res.ProfitLoss,
		"closed_size": res.ClosedSize,
		"remaining":   res.Remaining,
		"closed_rows": res.ClosedRows,
		"message":     res.Message,
	})
}

func (r *Router) handleModify(c *gin.Context) {
	var body modifyRequest
	dir, ok := bindPosition(c, &body, &body.positionRequest)
	if !ok {
		return
	}
	res, err := r.svc.ModifyStopTarget(c.Request.Context(), body.Instrument, dir, body.StopPrice, body.TargetPrice)
	if err != nil {
		writeError(c, "modify", err, nil)
		return
	}
	changes := make([]gin.H, 0, len(res.Changes))
	for _, ch := range res.Changes {
		changes = append(changes, gin.H{"leg": ch.Leg, "order_id": ch.OrderID, "old": ch.Old, "new": ch.New})
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

func (r *Router) handleCooldown(c *gin.Context) {
	balance, _ := strconv.ParseFloat(c.DefaultQuery("balance", "0"), 64)
	st, err := r.svc.CooldownStatus(c.Request.Context(), balance)
	if err != nil {
		writeError(c, "cooldown", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"can_trade":          st.CanTrade,
		"reason":             st.Reason,
		"active_cooldown":    st.ActiveCooldown,
		"remaining_minutes":  st.RemainingMinutes,
		"consecutive_losses": st.ConsecutiveLosses,
		"daily_trade_count":  st.DailyTradeCount,
		"daily_trade_limit":  st.DailyTradeLimit,
		"daily_pnl":          st.DailyPnL,
		"daily_loss_limit":   st.DailyLossLimit,
		"checked_at":         st.CheckedAt,
	})
}

func (r *Router) handlePositions(c *gin.Context) {
	positions, err := r.reader.GetOpenPositions(c.Request.Context(), strings.ToUpper(strings.TrimSpace(c.Query("instrument"))))
	if err != nil {
		logger.Errorf("[api] positions failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, gin.H{
			"instrument":     p.Instrument,
			"direction":      p.Direction,
			"size":           p.Size,
			"avg_cost":       p.AvgCost,
			"unrealized_pnl": p.UnrealizedPnL,
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func (r *Router) handleAccount(c *gin.Context) {
	info, err := r.reader.GetAccountInfo(c.Request.Context())
	if err != nil {
		logger.Errorf("[api] account failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id":      info.AccountID,
		"currency":        info.Currency,
		"net_liquidation": info.NetLiquidation,
		"available_funds": info.AvailableFunds,
		"unrealized_pnl":  info.UnrealizedPnL,
	})
}

func (r *Router) handleTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	var (
		rows []trade.Order
		err  error
	)
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := trade.Status(strings.ToUpper(raw))
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + raw})
			return
		}
		rows, err = r.reader.ListByStatus(c.Request.Context(), status)
		if len(rows) > limit {
			rows = rows[:limit]
		}
	} else {
		rows, err = r.reader.Recent(c.Request.Context(), limit)
	}
	if err != nil {
		logger.Errorf("[api] trades failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]orderView, 0, len(rows))
	for _, o := range rows {
		out = append(out, newOrderView(o))
	}
	c.JSON(http.StatusOK, gin.H{"trades": out})
}

// bindPosition decodes body and parses its direction, writing a 400 on failure.
func bindPosition(c *gin.Context, body any, pos *positionRequest) (trade.Direction, bool) {
	if err := c.ShouldBindJSON(body); err != nil {
		logger.Warnf("[api] %s bind failed ip=%s err=%v", c.FullPath(), c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	dir, err := trade.ParseDirection(pos.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return dir, true
}

// writeError maps rejections to 422, broker failures to 502 and anything else to 500.
func writeError(c *gin.Context, op string, err error, extra gin.H) {
	code := http.StatusInternalServerError
	var exec *trade.ExecutionError
	switch {
	case trade.IsRejection(err):
		code = http.StatusUnprocessableEntity
	case errors.As(err, &exec):
		code = http.StatusBadGateway
	}
	if code == http.StatusUnprocessableEntity {
		logger.Infof("[api] %s rejected ip=%s reason=%v", op, c.ClientIP(), err)
	} else {
		logger.Errorf("[api] %s failed ip=%s err=%v", op, c.ClientIP(), err)
	}
	body := gin.H{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(code, body)
}

type reader struct {
	broker.Gateway
	store.Ledger
}

// NewReader serves positions and account data from gw and trade history from ledger.
func NewReader(gw broker.Gateway, ledger store.Ledger) Reader {
	return reader{Gateway: gw, Ledger: ledger}
}
