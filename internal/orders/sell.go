package orders

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/position_ledger/internal/broker"
	"github.com/eddiefleurent/position_ledger/internal/contract"
	"github.com/eddiefleurent/position_ledger/internal/metrics"
	"github.com/eddiefleurent/position_ledger/internal/models"
	"github.com/eddiefleurent/position_ledger/internal/util"
)

// Mode selects the sell cascade.
type Mode string

const (
	ModeTrim Mode = "trim"
	ModeExit Mode = "exit"
)

// PriceKind is how the caller priced a sell.
type PriceKind string

const (
	PriceMarket    PriceKind = "market"
	PriceLimit     PriceKind = "limit"
	PriceBreakEven PriceKind = "BE"
)

// PriceHint optionally fixes the first cascade step. The zero value is market.
type PriceHint struct {
	Kind  PriceKind
	Limit decimal.Decimal
}

// ParsePriceHint reads market, BE, or a positive number.
func ParsePriceHint(s string) (PriceHint, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "market", "mkt":
		return PriceHint{Kind: PriceMarket}, nil
	case "be", "breakeven", "break-even":
		return PriceHint{Kind: PriceBreakEven}, nil
	}
	d, err := decimal.NewFromString(strings.TrimPrefix(s, "$"))
	if err != nil || !d.IsPositive() {
		return PriceHint{}, fmt.Errorf("invalid price %q: want market, BE or a positive number", s)
	}
	return PriceHint{Kind: PriceLimit, Limit: d}, nil
}

// SellRequest trims or exits one position.
type SellRequest struct {
	CI       string
	Mode     Mode
	Quantity int // trim only; zero means half
	Price    PriceHint
	Tag      string
}

// SellQuantity is the number of contracts a sell targets.
func SellQuantity(mode Mode, total, hint int) int {
	if mode == ModeExit {
		return total
	}
	if hint > 0 {
		return hint
	}
	return max(1, total/2)
}

// Sell marks the position pending_exit and walks the cascade for its mode,
// consuming lots as fills arrive. When the cascade runs out the last order is
// cancelled and the position keeps the status it had, trimmed if any
// contracts sold. pending_exit holds until the flow ends.
func (e *Engine) Sell(ctx context.Context, req SellRequest) (*ExecutionResult, error) {
	if req.Mode != ModeTrim && req.Mode != ModeExit {
		return nil, fmt.Errorf("sell: unknown mode %q", req.Mode)
	}
	pos, ok := e.store.Get(req.CI)
	if !ok || !pos.IsActive() || pos.TotalQuantity == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrPositionNotFound, req.CI)
	}
	qty := SellQuantity(req.Mode, pos.TotalQuantity, req.Quantity)
	if qty > pos.TotalQuantity {
		return nil, fmt.Errorf("%w: %s sell %d, holding %d", models.ErrInsufficientQuantity, req.CI, qty, pos.TotalQuantity)
	}

	if _, err := e.store.BeginExit(ctx, req.CI); err != nil {
		return nil, err
	}

	symbol := contract.OCCSymbol(pos.Contract())
	tag := req.Tag
	if tag == "" {
		tag = newTag(string(req.Mode))
	}
	log := e.logger.WithFields(logrus.Fields{"ci": req.CI, "symbol": symbol, "flow": string(req.Mode)})
	r := &sellRun{
		e:        e,
		ci:       req.CI,
		symbol:   symbol,
		mode:     req.Mode,
		tag:      tag,
		target:   qty,
		notional: decimal.Zero,
		log:      log,
		f:        newFlow(string(req.Mode), log),
		res:      &ExecutionResult{CI: req.CI},
	}
	log.WithFields(logrus.Fields{"qty": qty, "held": pos.TotalQuantity, "price": req.Price.Kind}).Info("Sell started")
	return r.run(ctx, e.cascade(req.Mode, req.Price, pos))
}

// cascade returns the steps for mode, led by a fixed step when the caller priced the sell.
func (e *Engine) cascade(mode Mode, hint PriceHint, pos models.Position) []Step {
	base := e.config.TrimSteps
	if mode == ModeExit {
		base = e.config.ExitSteps
	}
	steps := make([]Step, 0, len(base)+1)
	switch hint.Kind {
	case PriceLimit:
		steps = append(steps, Step{Source: SourceFixed, Price: hint.Limit, Wait: base[0].Wait})
	case PriceBreakEven:
		steps = append(steps, Step{Source: SourceFixed, Price: pos.AvgCostBasis, Wait: base[0].Wait})
	}
	return append(steps, base...)
}

// stepPrice prices a cascade step from a fresh quote.
func (e *Engine) stepPrice(ctx context.Context, symbol string, step Step) (decimal.Decimal, error) {
	var px decimal.Decimal
	if step.Source == SourceFixed {
		px = step.Price
	} else {
		q, err := e.quote(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		switch step.Source {
		case SourceMark:
			px = q.Mark()
		case SourceMid:
			px = q.Mid()
		case SourceBid:
			px = q.Bid
		default:
			return decimal.Zero, fmt.Errorf("unknown price source %q", step.Source)
		}
	}
	if !px.IsPositive() {
		return decimal.Zero, fmt.Errorf("no usable %s price for %s", step.Source, symbol)
	}
	if !step.Multiplier.IsZero() {
		px = px.Mul(step.Multiplier)
	}
	return util.AtLeastTick(util.RoundToTick(px, e.config.TickSize), e.config.TickSize), nil
}

// workingOrder is the cascade's live broker order and how much of it the ledger has absorbed.
type workingOrder struct {
	id               string
	qty              int
	consumed         int
	consumedNotional decimal.Decimal
}

type sellRun struct {
	e        *Engine
	ci       string
	symbol   string
	mode     Mode
	tag      string
	target   int
	filled   int
	notional decimal.Decimal
	current  *workingOrder
	log      *logrus.Entry
	f        *flow
	res      *ExecutionResult
}

func (r *sellRun) remaining() int { return r.target - r.filled }

func (r *sellRun) run(ctx context.Context, steps []Step) (*ExecutionResult, error) {
	for i, step := range steps {
		if i > 0 {
			r.f.advance(FlowRepricing)
			if err := r.retire(ctx); err != nil {
				return r.stop(ctx, err)
			}
			if r.remaining() == 0 {
				r.f.advance(FlowFilled)
				return r.done(ctx, nil)
			}
			r.f.advance(FlowSubmitting)
		}
		log := r.log.WithFields(logrus.Fields{"step": i + 1, "source": step.Source})
		metrics.CascadeSteps.WithLabelValues(string(r.mode), strconv.Itoa(i+1)).Inc()

		price, err := r.e.stepPrice(ctx, r.symbol, step)
		if err != nil {
			if ctx.Err() != nil {
				return r.stop(ctx, ctx.Err())
			}
			log.WithError(err).Warn("Skipping cascade step")
			continue
		}

		placed, err := r.e.placer.PlaceOrderWithRetry(ctx, broker.OrderRequest{
			OptionSymbol: r.symbol,
			Side:         broker.SideSellToClose,
			Quantity:     r.remaining(),
			Type:         broker.OrderTypeLimit,
			LimitPrice:   price,
			Tag:          r.tag,
		})
		if err != nil {
			if ctx.Err() != nil {
				return r.stop(ctx, ctx.Err())
			}
			if broker.IsPermanent(err) {
				r.f.advance(FlowRejected)
				return r.done(ctx, rejected(err))
			}
			log.WithError(err).Warn("Sell order failed, moving to next step")
			continue
		}
		metrics.OrdersPlaced.WithLabelValues(string(broker.SideSellToClose)).Inc()
		r.res.OrderIDs = append(r.res.OrderIDs, placed.ID)
		r.current = &workingOrder{id: placed.ID, qty: r.remaining(), consumedNotional: decimal.Zero}
		r.f.advance(FlowWorking)
		log.WithFields(logrus.Fields{"order_id": placed.ID, "limit": price, "qty": r.current.qty}).Info("Sell order placed")

		if err := r.absorb(ctx, placed); err != nil {
			return r.stop(ctx, err)
		}
		if r.remaining() > 0 {
			if err := r.watch(ctx, log, step.Wait); err != nil {
				return r.stop(ctx, err)
			}
		}
		if r.remaining() == 0 {
			r.current = nil
			r.f.advance(FlowFilled)
			return r.done(ctx, nil)
		}
	}

	if err := r.retire(ctx); err != nil {
		return r.stop(ctx, err)
	}
	if r.remaining() == 0 {
		r.f.advance(FlowFilled)
		return r.done(ctx, nil)
	}
	r.f.advance(FlowExhausted)
	return r.done(ctx, fmt.Errorf("%w: %s %d of %d contracts unfilled after %d steps",
		models.ErrBrokerTimeout, r.ci, r.remaining(), r.target, len(steps)))
}

// watch checks the working order every FillCheckInterval until wait passes,
// the target fills, or the broker finalizes the order.
func (r *sellRun) watch(ctx context.Context, log *logrus.Entry, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for r.current != nil {
		left := time.Until(deadline)
		if left <= 0 {
			return nil
		}
		if err := sleep(ctx, min(r.e.config.FillCheckInterval, left)); err != nil {
			return err
		}
		st, err := r.e.orderStatus(ctx, r.current.id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warn("Error checking sell order status")
			continue
		}
		if err := r.absorb(ctx, st); err != nil {
			return err
		}
		if r.remaining() == 0 {
			return nil
		}
		if st.IsFinal() {
			log.WithFields(logrus.Fields{"order_id": st.ID, "status": st.Status}).Warn("Sell order ended at broker without filling")
			r.current = nil
		}
	}
	return nil
}

// absorb consumes any fill on st not yet reflected in the ledger.
func (r *sellRun) absorb(ctx context.Context, st *broker.OrderStatus) error {
	w := r.current
	if w == nil || st == nil || st.ID != w.id {
		return nil
	}
	filled := st.FilledQuantity
	if filled == 0 && st.Status == broker.StatusFilled {
		filled = w.qty
	}
	filled = min(filled, w.qty)
	delta := filled - w.consumed
	if delta <= 0 {
		return nil
	}

	deltaQty := decimal.NewFromInt(int64(delta))
	px := st.AvgFillPrice
	if px.IsPositive() && w.consumed > 0 {
		total := st.AvgFillPrice.Mul(decimal.NewFromInt(int64(filled)))
		if p := total.Sub(w.consumedNotional).Div(deltaQty).Round(4); p.IsPositive() {
			px = p
		}
	}

	result, err := r.e.store.Consume(ctx, r.ci, delta, px)
	if err != nil {
		return fmt.Errorf("sell %s: consume %d: %w", r.ci, delta, err)
	}
	w.consumed += delta
	w.consumedNotional = w.consumedNotional.Add(px.Mul(deltaQty))
	r.filled += delta
	r.notional = r.notional.Add(px.Mul(deltaQty))
	r.log.WithFields(logrus.Fields{
		"order_id":  w.id,
		"qty":       delta,
		"price":     px,
		"remaining": result.Remaining,
		"status":    result.Status,
	}).Info("Sell fill consumed")
	return nil
}

// retire cancels the working order and absorbs fills that raced the cancel.
func (r *sellRun) retire(ctx context.Context) error {
	if r.current == nil {
		return nil
	}
	st, err := r.e.cancelAndReread(ctx, r.log, r.current.id)
	if err != nil {
		return fmt.Errorf("sell %s: reading order %s after cancel: %w", r.ci, r.current.id, err)
	}
	if err := r.absorb(ctx, st); err != nil {
		return err
	}
	if !st.IsFinal() && r.remaining() > 0 {
		return fmt.Errorf("sell %s: order %s still %s after cancel", r.ci, st.ID, st.Status)
	}
	r.current = nil
	return nil
}

// stop ends the run early: on cancellation or an unrecoverable error. The
// working order is pulled with a context that outlives the caller.
func (r *sellRun) stop(ctx context.Context, err error) (*ExecutionResult, error) {
	cctx, cancel := r.e.cleanupContext(ctx)
	defer cancel()
	if rerr := r.retire(cctx); rerr != nil {
		r.log.WithError(rerr).Error("Failed to pull working sell order, reconciliation will settle it")
	}
	r.f.advance(FlowCancelled)
	return r.done(cctx, err)
}

// done releases pending_exit: a filled flow settles the position, anything
// else restores the status it had, trimmed if some contracts sold.
func (r *sellRun) done(ctx context.Context, err error) (*ExecutionResult, error) {
	cctx, cancel := r.e.cleanupContext(ctx)
	defer cancel()
	if r.f.state == FlowFilled {
		if _, ferr := r.e.store.FinishExit(cctx, r.ci); ferr != nil {
			r.log.WithError(ferr).Error("Failed to settle position after filled sell")
			if err == nil {
				err = ferr
			}
		}
	} else if _, aerr := r.e.store.AbortExit(cctx, r.ci); aerr != nil {
		r.log.WithError(aerr).Error("Failed to restore position after unfinished sell")
	}
	r.res.FilledQuantity = r.filled
	if r.filled > 0 {
		avg := r.notional.Div(decimal.NewFromInt(int64(r.filled))).Round(4)
		r.res.AvgFillPrice = &avg
	}
	return r.e.finish(r.f, r.res, err)
}
