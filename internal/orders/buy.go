package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/position_ledger/internal/broker"
	"github.com/eddiefleurent/position_ledger/internal/contract"
	"github.com/eddiefleurent/position_ledger/internal/metrics"
	"github.com/eddiefleurent/position_ledger/internal/models"
	"github.com/eddiefleurent/position_ledger/internal/util"
)

// BuyRequest opens or adds to a position. A nil Limit places a market order.
type BuyRequest struct {
	Contract contract.Contract
	Quantity int
	Limit    *decimal.Decimal
	Tag      string
}

// Buy records an opening lot, submits the order and polls it until it fills or
// the wait runs out. A partial fill confirms the position with what filled.
func (e *Engine) Buy(ctx context.Context, req BuyRequest) (*ExecutionResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("buy: quantity must be > 0, got %d", req.Quantity)
	}
	c := req.Contract
	ci := c.ID()
	symbol := contract.OCCSymbol(c)
	tag := req.Tag
	if tag == "" {
		tag = newTag("buy")
	}
	log := e.logger.WithFields(logrus.Fields{"ci": ci, "symbol": symbol, "flow": "buy"})
	f := newFlow("buy", log)
	res := &ExecutionResult{CI: ci}

	order := broker.OrderRequest{
		OptionSymbol: symbol,
		Side:         broker.SideBuyToOpen,
		Quantity:     req.Quantity,
		Type:         broker.OrderTypeMarket,
		Tag:          tag,
	}
	var cost decimal.Decimal
	if req.Limit != nil {
		order.Type = broker.OrderTypeLimit
		order.LimitPrice = util.RoundToTick(*req.Limit, e.config.TickSize)
		cost = order.LimitPrice
	} else {
		q, err := e.quote(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("buy %s: quote for market order: %w", ci, err)
		}
		cost = q.Ask
		if !cost.IsPositive() {
			cost = q.Mark()
		}
	}

	// The position exists in opening before the broker sees the order.
	_, lot, err := e.store.AppendLot(ctx, c, req.Quantity, cost, tag, "buy")
	if err != nil {
		return nil, fmt.Errorf("buy %s: record opening lot: %w", ci, err)
	}
	log = log.WithField("lot_id", lot.LotID)
	f.log = log

	placed, err := e.placer.PlaceOrderWithRetry(ctx, order)
	if err != nil {
		f.advance(FlowRejected)
		e.dropLot(ctx, log, ci, lot.LotID, models.ConditionOrderRejected)
		return e.finish(f, res, rejected(err))
	}
	metrics.OrdersPlaced.WithLabelValues(string(broker.SideBuyToOpen)).Inc()
	res.OrderIDs = append(res.OrderIDs, placed.ID)
	log = log.WithField("order_id", placed.ID)
	f.log = log
	f.advance(FlowWorking)
	log.WithFields(logrus.Fields{"qty": req.Quantity, "type": order.Type, "limit": order.LimitPrice}).Info("Buy order placed")

	final, waitErr := e.pollBuy(ctx, log, placed)
	if waitErr != nil || !final.IsFinal() {
		// Timed out or the caller went away: pull the order and take whatever filled.
		cctx, cancel := e.cleanupContext(ctx)
		defer cancel()
		st, err := e.cancelAndReread(cctx, log, placed.ID)
		if err != nil {
			log.WithError(err).Error("Could not read order after cancel, leaving opening lot for reconciliation")
			f.advance(FlowCancelled)
			return e.finish(f, res, fmt.Errorf("buy %s: %w", ci, err))
		}
		final = st
		ctx = cctx
	}

	if final.FilledQuantity > 0 || final.Status == broker.StatusFilled {
		if err := e.settleBuy(ctx, ci, lot.LotID, req.Quantity, final, res); err != nil {
			f.advance(FlowCancelled)
			return e.finish(f, res, err)
		}
		f.advance(FlowFilled)
		return e.finish(f, res, nil)
	}

	switch {
	case final.Status == broker.StatusRejected:
		f.advance(FlowRejected)
		e.dropLot(ctx, log, ci, lot.LotID, models.ConditionOrderRejected)
		return e.finish(f, res, fmt.Errorf("%w: order %s", models.ErrBrokerRejected, final.ID))
	case waitErr != nil && !errors.Is(waitErr, errBuyTimeout):
		f.advance(FlowCancelled)
		e.dropLot(ctx, log, ci, lot.LotID, models.ConditionOrderTimeout)
		return e.finish(f, res, waitErr)
	default:
		f.advance(FlowCancelled)
		e.dropLot(ctx, log, ci, lot.LotID, models.ConditionOrderTimeout)
		return e.finish(f, res, fmt.Errorf("%w: buy order %s unfilled after %v", models.ErrBrokerTimeout, final.ID, e.config.BuyMaxWait))
	}
}

var errBuyTimeout = errors.New("buy wait exhausted")

// pollBuy polls on the buy schedule until the order is final or BuyMaxWait passes.
func (e *Engine) pollBuy(ctx context.Context, log *logrus.Entry, placed *broker.OrderStatus) (*broker.OrderStatus, error) {
	last := placed
	if last.IsFilled() || last.IsFinal() {
		return last, nil
	}
	deadline := time.Now().Add(e.config.BuyMaxWait)
	schedule := e.config.BuyPollSchedule

	for i := 0; ; i++ {
		wait := schedule[min(i, len(schedule)-1)]
		left := time.Until(deadline)
		if left <= 0 {
			return last, errBuyTimeout
		}
		if err := sleep(ctx, min(wait, left)); err != nil {
			return last, err
		}

		st, err := e.orderStatus(ctx, placed.ID)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			log.WithError(err).Warn("Error checking buy order status")
			continue
		}
		last = st
		log.WithFields(logrus.Fields{
			"status": st.Status,
			"filled": st.FilledQuantity,
			"poll":   i + 1,
		}).Debug("Buy order status")
		if st.IsFilled() || st.IsFinal() {
			return st, nil
		}
	}
}

// settleBuy rewrites the opening lot with the broker's fill and confirms the position.
func (e *Engine) settleBuy(ctx context.Context, ci, lotID string, lotQty int, st *broker.OrderStatus, res *ExecutionResult) error {
	qty := min(st.FilledQuantity, lotQty)
	if qty <= 0 {
		// Some brokers report filled before the executed quantity.
		qty = lotQty
	}
	if _, err := e.store.SettleLot(ctx, ci, lotID, qty, st.AvgFillPrice); err != nil {
		return fmt.Errorf("buy %s: settle lot: %w", ci, err)
	}
	if _, err := e.store.ConfirmOpen(ctx, ci); err != nil {
		return fmt.Errorf("buy %s: confirm open: %w", ci, err)
	}
	res.FilledQuantity = qty
	if st.AvgFillPrice.IsPositive() {
		avg := st.AvgFillPrice
		res.AvgFillPrice = &avg
	}
	return nil
}

func (e *Engine) dropLot(ctx context.Context, log *logrus.Entry, ci, lotID, condition string) {
	if _, err := e.store.CancelLot(ctx, ci, lotID, condition); err != nil {
		log.WithError(err).Error("Failed to cancel opening lot")
	}
}
