// Package executor runs the submission pipeline and the operator actions on
// open positions and resting orders.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/gateway/broker"
	"tradegate/internal/gateway/notifier"
	"tradegate/internal/instrument"
	"tradegate/internal/logger"
	"tradegate/internal/metrics"
	"tradegate/internal/pkg/pricemath"
	"tradegate/internal/sizing"
	"tradegate/internal/stops"
	"tradegate/internal/store"
	"tradegate/internal/trade"
	"tradegate/internal/validator"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// RiskGate is the admission control consulted before every submission.
type RiskGate interface {
	CanTrade(ctx context.Context, balance float64, strategy string) (bool, string)
	Status(ctx context.Context, balance float64) (trade.CooldownStatus, error)
}

// StopResolver derives stop and target distances from recent volatility.
type StopResolver interface {
	Resolve(ctx context.Context, spec instrument.Spec) (stops.Distances, bool)
}

// Deps are the collaborators of an Executor. Stops and Notifier may be nil.
type Deps struct {
	Catalog   *instrument.Catalog
	Broker    broker.Gateway
	Ledger    store.Ledger
	Risk      RiskGate
	Stops     StopResolver
	Sizer     *sizing.Sizer
	Validator *validator.Validator
	Notifier  notifier.TextNotifier
}

type Executor struct {
	cfg             config.ExecutionConfig
	fallbackBalance float64

	catalog   *instrument.Catalog
	broker    broker.Gateway
	ledger    store.Ledger
	risk      RiskGate
	stops     StopResolver
	sizer     *sizing.Sizer
	validator *validator.Validator
	notifier  notifier.TextNotifier

	locks  *keyLock
	nowFn  func() time.Time
	newRef func() string
}

func New(cfg *config.Config, deps Deps) *Executor {
	n := deps.Notifier
	if n == nil {
		n = notifier.Nop{}
	}
	return &Executor{
		cfg:             cfg.Execution,
		fallbackBalance: cfg.Risk.FallbackBalance,
		catalog:         deps.Catalog,
		broker:          deps.Broker,
		ledger:          deps.Ledger,
		risk:            deps.Risk,
		stops:           deps.Stops,
		sizer:           deps.Sizer,
		validator:       deps.Validator,
		notifier:        n,
		locks:           newKeyLock(),
		nowFn:           time.Now,
		newRef:          uuid.NewString,
	}
}

// SetClock overrides the clock used for close durations, for tests.
func (e *Executor) SetClock(fn func() time.Time) {
	if fn != nil {
		e.nowFn = fn
	}
}

func (e *Executor) notify(text string) {
	if err := e.notifier.SendText(text); err != nil {
		logger.Warnf("Executor: notification failed: %v", err)
	}
}

// Balance returns account net liquidation, or the configured fallback when
// the broker cannot report it.
func (e *Executor) Balance(ctx context.Context) float64 {
	info, err := e.broker.GetAccountInfo(ctx)
	return e.balanceOf(info, err)
}

func (e *Executor) balanceOf(info broker.AccountInfo, err error) float64 {
	if err != nil {
		logger.Warnf("%v", &trade.TransientFetchError{Source: "account balance", Err: err})
		return e.fallbackBalance
	}
	if info.NetLiquidation <= 0 {
		logger.Warnf("Executor: account reported no net liquidation, using fallback %.2f", e.fallbackBalance)
		return e.fallbackBalance
	}
	return info.NetLiquidation
}

// submission carries the state of one Submit call.
type submission struct {
	e         *Executor
	req       trade.SubmitRequest
	spec      instrument.Spec
	row       *trade.Order
	validated bool
}

// Submit runs the full pipeline. It always returns a structured response;
// every outcome other than a ledger outage leaves a terminal or resting row.
func (e *Executor) Submit(ctx context.Context, req trade.SubmitRequest) (resp trade.SubmitResponse) {
	req.Instrument = strings.ToUpper(strings.TrimSpace(req.Instrument))
	spec, lookupErr := e.catalog.Lookup(req.Instrument)
	if lookupErr == nil {
		req.Instrument = spec.Key
	}
	if req.Kind == "" {
		req.Kind = trade.Market
	}

	row := &trade.Order{
		ClientRef:      e.newRef(),
		Instrument:     req.Instrument,
		Direction:      req.Direction,
		Kind:           req.Kind,
		RequestedSize:  req.Size,
		EntryRef:       req.EntryPrice,
		StopDistance:   req.StopDistance,
		TargetDistance: req.TargetDistance,
		Conviction:     req.Conviction,
		Rationale:      req.Rationale,
		Strategy:       req.Strategy,
		Source:         req.Source,
		Status:         trade.StatusPending,
	}
	if err := e.ledger.Create(ctx, row); err != nil {
		logger.Errorf("Executor: ledger create failed: %v", err)
		metrics.Submission(req.Instrument, string(trade.StatusFailed))
		return trade.SubmitResponse{
			Outcome:   trade.Failed{Err: err.Error()},
			Direction: req.Direction,
			Message:   "Ledger unavailable: " + err.Error(),
		}
	}

	s := &submission{e: e, req: req, spec: spec, row: row}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Executor: submit panic for order %d: %v\n%s", row.ID, r, debug.Stack())
			bg := context.WithoutCancel(ctx)
			if s.validated {
				resp = s.fail(bg, fmt.Errorf("internal error: %v", r))
				return
			}
			resp = s.reject(bg, fmt.Sprintf("Internal error: %v", r))
		}
	}()
	if lookupErr != nil {
		return s.reject(ctx, lookupErr.Error())
	}
	return s.run(ctx)
}

func (s *submission) run(ctx context.Context) trade.SubmitResponse {
	e, req, spec := s.e, s.req, s.spec

	if req.Direction != trade.Buy && req.Direction != trade.Sell {
		return s.reject(ctx, fmt.Sprintf("Invalid direction: %s", req.Direction))
	}
	if req.Kind != trade.Market && !req.Kind.Resting() {
		return s.reject(ctx, fmt.Sprintf("Invalid order type: %s", req.Kind))
	}
	if req.Kind.Resting() && (req.EntryPrice == nil || *req.EntryPrice <= 0) {
		return s.reject(ctx, fmt.Sprintf("Entry price is required for %s orders", req.Kind))
	}

	if e.cfg.SerializePerInstrument {
		unlock := e.locks.Lock(s.row.Key().String())
		defer unlock()
	}

	// Account and quote are independent reads; fetch them together.
	var (
		info       broker.AccountInfo
		accountErr error
		quote      broker.Quote
		quoteErr   error
	)
	var g errgroup.Group
	g.Go(func() error {
		info, accountErr = e.broker.GetAccountInfo(ctx)
		return nil
	})
	g.Go(func() error {
		quote, quoteErr = e.broker.GetPrice(ctx, spec)
		return nil
	})
	_ = g.Wait()

	balance := e.balanceOf(info, accountErr)
	if ok, reason := e.risk.CanTrade(ctx, balance, req.Strategy); !ok {
		return s.reject(ctx, reason)
	}

	if quoteErr != nil {
		logger.Warnf("%v", &trade.TransientFetchError{Source: "price " + spec.Key, Err: quoteErr})
		return s.reject(ctx, fmt.Sprintf("Cannot get current %s price: %v", displayName(spec), quoteErr))
	}
	market, ok := quote.Reference(req.Direction)
	if !ok {
		return s.reject(ctx, fmt.Sprintf("Cannot get current %s price", displayName(spec)))
	}

	spread := pricemath.Spread(quote.Bid, quote.Ask)
	if reason := e.spreadViolation(spec, spread, req.StopDistance); reason != "" {
		return s.reject(ctx, reason)
	}

	entry := market
	if req.Kind.Resting() {
		entry = *req.EntryPrice
		if reason := restingSideViolation(spec, req.Direction, req.Kind, entry, market); reason != "" {
			return s.reject(ctx, reason)
		}
	}

	stopDist, targetDist := e.resolveDistances(ctx, spec, req.StopDistance, req.TargetDistance)

	if err := e.validator.Validate(spec, validator.Input{
		Direction:      req.Direction,
		StopDistance:   stopDist,
		TargetDistance: targetDist,
		Size:           req.Size,
	}); err != nil {
		return s.reject(ctx, err.Error())
	}

	var size float64
	if req.Size != nil {
		size = *req.Size
	} else {
		size = e.sizer.Size(balance, stopDist, spec, req.Conviction)
		logger.Infof("Executor: sized %s %s at %g (balance %.2f, stop %g, conviction %s)",
			spec.Key, req.Direction, size, balance, stopDist, req.Conviction)
	}

	long := req.Direction.Long()
	rawStop := pricemath.StopPrice(entry, stopDist, long)
	rawTarget := pricemath.TargetPrice(entry, targetDist, long)
	if !pricemath.Finite(entry, rawStop, rawTarget) || rawStop <= 0 || rawTarget <= 0 {
		return s.reject(ctx, fmt.Sprintf("Invalid price calculation (price=%v, sd=%v, tp=%v)", entry, rawStop, rawTarget))
	}
	decimals := spec.PriceDecimals()
	plan := bracketPlan{
		long:        long,
		entry:       pricemath.Round(entry, decimals),
		stopPrice:   pricemath.Round(rawStop, decimals),
		targetPrice: pricemath.Round(rawTarget, decimals),
		size:        size,
	}
	e.planTargets(&plan, spec, req.Strategy, stopDist, targetDist)

	validate := func(o *trade.Order) {
		o.Size = size
		o.ResolvedStop = stopDist
		o.ResolvedTarget = targetDist
		o.EntryPrice = plan.entry
		o.ExpectedPrice = plan.entry
		o.StopPrice = plan.stopPrice
		o.TargetPrice = plan.rowTarget()
		o.Target1Price = plan.target1Price
		o.SpreadAtEntry = spread
	}
	moved, err := e.ledger.Transition(ctx, s.row.ID, []trade.Status{trade.StatusPending}, trade.StatusValidated, validate)
	if err != nil || !moved {
		if err == nil {
			err = trade.ErrStaleTransition
		}
		logger.Errorf("Executor: order %d validate transition failed: %v", s.row.ID, err)
		return s.response(trade.Failed{Err: err.Error()}, "Ledger unavailable: "+err.Error())
	}
	validate(s.row)
	s.row.Status = trade.StatusValidated
	s.validated = true

	return s.execute(ctx, plan)
}

func (s *submission) execute(ctx context.Context, plan bracketPlan) trade.SubmitResponse {
	e, spec := s.e, s.spec
	order := broker.BracketOrder{
		Instrument: spec.Key,
		Direction:  s.row.Direction,
		Kind:       s.row.Kind,
		Size:       plan.size,
		StopPrice:  plan.stopPrice,
		StopSize:   plan.size,
		Targets:    plan.targets,
		ClientRef:  s.row.ClientRef,
	}
	if s.row.Kind.Resting() {
		order.EntryPrice = plan.entry
	}
	logger.Infof("Executor: placing %s %s %s bracket size=%g entry=%.5g stop=%.5g legs=%d",
		plan.style, s.row.Direction, spec.Key, plan.size, plan.entry, plan.stopPrice, len(plan.targets))

	placed, err := e.broker.PlaceBracket(ctx, spec, order)
	// The broker may have acted; ledger writes must survive caller cancellation.
	persist := context.WithoutCancel(ctx)
	if err != nil {
		return s.fail(persist, &trade.ExecutionError{Op: "place bracket", Err: err})
	}

	switch {
	case placed.IsFilled():
		fill := placed.FillPrice
		if fill <= 0 {
			fill = plan.entry
		}
		apply := func(o *trade.Order) {
			o.BrokerOrderID = placed.OrderID
			o.ChildOrderIDs = placed.ChildIDs()
			o.FillPrice = fill
			o.EntryPrice = fill
		}
		if !s.advance(persist, trade.StatusExecuted, apply) {
			return s.unrecorded(persist, placed, trade.StatusExecuted)
		}
		if slip := fill - plan.entry; slip != 0 {
			logger.Infof("Executor: order %s filled at %.5g, expected %.5g (slippage %.5g)", placed.OrderID, fill, plan.entry, slip)
		}
		e.notify(notifier.TradeUpdate(spec, *s.row))
		return s.response(trade.Executed{FillPrice: fill}, fmt.Sprintf("Trade EXECUTED: order %s", placed.OrderID))

	case placed.IsWorking():
		apply := func(o *trade.Order) {
			o.BrokerOrderID = placed.OrderID
			o.ChildOrderIDs = placed.ChildIDs()
		}
		if !s.advance(persist, trade.StatusPendingOrder, apply) {
			return s.unrecorded(persist, placed, trade.StatusPendingOrder)
		}
		e.notify(notifier.PendingOrderUpdate(spec, *s.row))
		return s.response(trade.PendingOrder{RestingPrice: plan.entry}, fmt.Sprintf("Trade PENDING_ORDER: order %s", placed.OrderID))

	default:
		s.row.BrokerOrderID = placed.OrderID
		return s.fail(persist, &trade.ExecutionError{Op: "place bracket", Err: fmt.Errorf("order %s ended with broker status %q", placed.OrderID, placed.Status)})
	}
}

// advance moves the validated row to its post-broker status. A failed write
// is retried once.
func (s *submission) advance(ctx context.Context, to trade.Status, apply store.Mutator) bool {
	from := []trade.Status{trade.StatusValidated}
	moved, err := s.e.ledger.Transition(ctx, s.row.ID, from, to, apply)
	if err != nil {
		logger.Warnf("Executor: order %d %s transition failed, retrying: %v", s.row.ID, to, err)
		moved, err = s.e.ledger.Transition(ctx, s.row.ID, from, to, apply)
	}
	if err != nil || !moved {
		logger.Errorf("Executor: order %d %s transition failed (moved=%v): %v", s.row.ID, to, moved, err)
		return false
	}
	apply(s.row)
	s.row.Status = to
	return true
}

// unrecorded parks the row as FAILED with the broker ids when the broker took
// the order but the ledger could not record it.
func (s *submission) unrecorded(ctx context.Context, placed broker.Placement, to trade.Status) trade.SubmitResponse {
	s.row.BrokerOrderID = placed.OrderID
	cause := fmt.Errorf("broker order %s is %s (legs %s) but the ledger could not record %s; reconcile manually",
		placed.OrderID, placed.Status, strings.Join(placed.ChildIDs(), ","), to)
	return s.fail(ctx, &trade.ExecutionError{Op: "record order", Err: cause})
}

func (s *submission) reject(ctx context.Context, reason string) trade.SubmitResponse {
	logger.Warnf("Executor: order %d rejected: %s", s.row.ID, reason)
	moved, err := s.e.ledger.Transition(ctx, s.row.ID, []trade.Status{trade.StatusPending}, trade.StatusRejected, func(o *trade.Order) {
		o.Reason = reason
	})
	if err != nil || !moved {
		logger.Errorf("Executor: order %d reject transition failed (moved=%v): %v", s.row.ID, moved, err)
	}
	s.row.Status = trade.StatusRejected
	s.row.Reason = reason
	s.e.notify(notifier.Rejection(s.specOrRaw(), *s.row, reason))
	return s.response(trade.Rejected{Reason: reason}, reason)
}

func (s *submission) fail(ctx context.Context, cause error) trade.SubmitResponse {
	text := cause.Error()
	logger.Errorf("Executor: order %d failed: %s", s.row.ID, text)
	brokerID := s.row.BrokerOrderID
	moved, err := s.e.ledger.Transition(ctx, s.row.ID, []trade.Status{trade.StatusValidated}, trade.StatusFailed, func(o *trade.Order) {
		o.Reason = text
		if brokerID != "" {
			o.BrokerOrderID = brokerID
		}
	})
	if err != nil || !moved {
		logger.Errorf("Executor: order %d fail transition failed (moved=%v): %v", s.row.ID, moved, err)
	}
	s.row.Status = trade.StatusFailed
	s.row.Reason = text
	s.e.notify(notifier.Failure(s.spec, *s.row, text))
	return s.response(trade.Failed{Err: text}, "Execution failed: "+text)
}

func (s *submission) response(outcome trade.Outcome, message string) trade.SubmitResponse {
	metrics.Submission(s.row.Instrument, string(outcome.Status()))
	return trade.SubmitResponse{
		RowID:                  s.row.ID,
		BrokerOrderID:          s.row.BrokerOrderID,
		Outcome:                outcome,
		Direction:              s.row.Direction,
		Size:                   s.row.Size,
		ResolvedStopDistance:   s.row.ResolvedStop,
		ResolvedTargetDistance: s.row.ResolvedTarget,
		StopPrice:              s.row.StopPrice,
		TargetPrice:            s.row.TargetPrice,
		Message:                message,
	}
}

// specOrRaw keeps notifications readable for unknown instruments.
func (s *submission) specOrRaw() instrument.Spec {
	if s.spec.Key != "" {
		return s.spec
	}
	return instrument.Spec{Key: s.row.Instrument}
}

func (e *Executor) spreadViolation(spec instrument.Spec, spread float64, requestedStop *float64) string {
	if !e.cfg.SpreadCheck || e.cfg.MaxSpreadRatio <= 0 || spread <= 0 {
		return ""
	}
	stop := spec.DefaultStop
	if requestedStop != nil && *requestedStop > 0 {
		stop = *requestedStop
	}
	if stop <= 0 {
		return ""
	}
	ratio := spread / stop
	if ratio <= e.cfg.MaxSpreadRatio {
		return ""
	}
	return fmt.Sprintf("Spread too wide: %g is %.0f%% of stop distance %g (max %.0f%%)",
		spread, ratio*100, stop, e.cfg.MaxSpreadRatio*100)
}

// restingSideViolation checks that a resting entry waits on the correct side
// of the market: limits below (buy) or above (sell), stops the other way.
func restingSideViolation(spec instrument.Spec, dir trade.Direction, kind trade.OrderKind, entry, market float64) string {
	wantBelow := (dir == trade.Buy) == (kind == trade.Limit)
	if (wantBelow && entry < market) || (!wantBelow && entry > market) {
		return ""
	}
	side := "above"
	if wantBelow {
		side = "below"
	}
	decimals := int(spec.PriceDecimals())
	return fmt.Sprintf("%s %s price %.*f must be %s current price %.*f", dir, kind, decimals, entry, side, decimals, market)
}

// resolveDistances fills missing distances from ATR, then from the
// instrument defaults.
func (e *Executor) resolveDistances(ctx context.Context, spec instrument.Spec, stop, target *float64) (float64, float64) {
	sd, td := positive(stop), positive(target)
	if sd > 0 && td > 0 {
		return sd, td
	}
	source := "defaults"
	if d, ok := e.resolveATR(ctx, spec); ok {
		source = "atr"
		if sd <= 0 {
			sd = d.Stop
		}
		if td <= 0 {
			td = d.Target
		}
	} else {
		if sd <= 0 {
			sd = spec.DefaultStop
		}
		if td <= 0 {
			td = spec.DefaultTarget
		}
	}
	logger.Infof("Executor: %s distances from %s: stop=%g target=%g", spec.Key, source, sd, td)
	return sd, td
}

func (e *Executor) resolveATR(ctx context.Context, spec instrument.Spec) (stops.Distances, bool) {
	if e.stops == nil {
		return stops.Distances{}, false
	}
	return e.stops.Resolve(ctx, spec)
}

func positive(v *float64) float64 {
	if v == nil || *v <= 0 {
		return 0
	}
	return *v
}

func displayName(spec instrument.Spec) string {
	if spec.DisplayName != "" {
		return spec.DisplayName
	}
	return spec.Key
}
