package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/theta_engine/internal/models"
)

// Paper broker errors.
var (
	ErrNotConnected   = errors.New("paper broker: not connected")
	ErrUnknownOrder   = errors.New("paper broker: unknown order")
	ErrDuplicateOrder = errors.New("paper broker: order already submitted")
)

// PaperConfig configures a PaperBroker.
type PaperConfig struct {
	TickBuffer      int     // Per-subscription tick buffer
	StatusBuffer    int     // Per-order status buffer
	CommissionShare float64 // Commission per share
	MinCommission   float64 // Minimum commission per fill
}

// DefaultPaperConfig mirrors a typical per-share commission schedule.
var DefaultPaperConfig = PaperConfig{
	TickBuffer:      256,
	StatusBuffer:    32,
	CommissionShare: 0.005,
	MinCommission:   1.0,
}

type paperOrder struct {
	order    *models.ExecutableOrder
	events   chan OrderStatusEvent
	state    models.OrderState
	execType models.ExecutionType
	limit    *float64
	closed   bool
}

// PaperBroker is an in-memory brokerage. It fills market orders at the
// last known price, rests limit orders until a tick crosses them and keeps
// stock positions in step with its fills.
type PaperBroker struct {
	cfg    PaperConfig
	logger *logrus.Entry

	mu            sync.Mutex
	connected     bool
	connStreams   []chan models.ConnectionStatus
	posStreams    []chan PositionSnapshot
	positions     map[uuid.UUID]models.Security
	stockByTicker map[models.Ticker]uuid.UUID
	subs          map[models.Ticker]map[*TickSubscription]struct{}
	lastTick      map[models.Ticker]models.Tick
	orders        map[uuid.UUID]*paperOrder
	nextBrokerID  int
	submitErr     error
	modifyResult  *bool
}

// Ensure PaperBroker implements Broker at compile time.
var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker creates a disconnected paper brokerage.
func NewPaperBroker(logger *logrus.Logger, config ...PaperConfig) *PaperBroker {
	cfg := DefaultPaperConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = DefaultPaperConfig.TickBuffer
	}
	if cfg.StatusBuffer <= 0 {
		cfg.StatusBuffer = DefaultPaperConfig.StatusBuffer
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PaperBroker{
		cfg:           cfg,
		logger:        logger.WithField("component", "paper_broker"),
		positions:     make(map[uuid.UUID]models.Security),
		stockByTicker: make(map[models.Ticker]uuid.UUID),
		subs:          make(map[models.Ticker]map[*TickSubscription]struct{}),
		lastTick:      make(map[models.Ticker]models.Tick),
		orders:        make(map[uuid.UUID]*paperOrder),
		nextBrokerID:  1000,
	}
}

// Connect opens the session and returns its status stream.
func (p *PaperBroker) Connect(ctx context.Context) (<-chan models.ConnectionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan models.ConnectionStatus, 4)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	ch <- models.NewConnectionStatus(models.Connected)
	p.connStreams = append(p.connStreams, ch)
	p.logger.Info("Paper session connected")
	return ch, nil
}

// Disconnect ends the session: status streams report DISCONNECTED and
// close, position streams close and tick subscriptions finish.
func (p *PaperBroker) Disconnect() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = false
	for _, ch := range p.connStreams {
		ch <- models.NewConnectionStatus(models.Disconnected)
		close(ch)
	}
	p.connStreams = nil
	for _, ch := range p.posStreams {
		close(ch)
	}
	p.posStreams = nil
	var subs []*TickSubscription
	for _, set := range p.subs {
		for s := range set {
			subs = append(subs, s)
		}
	}
	p.mu.Unlock()

	for _, s := range subs {
		s.Finish(ErrNotConnected)
	}
	p.logger.Info("Paper session disconnected")
	return nil
}

// Connected reports whether the session is open.
func (p *PaperBroker) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// AddPosition records or replaces a held security and pushes it to open
// position streams.
func (p *PaperBroker) AddPosition(sec models.Security) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[sec.ID] = sec
	if sec.Type == models.SecurityTypeStock {
		p.stockByTicker[sec.Ticker] = sec.ID
	}
	p.pushPositionLocked(sec)
}

// Positions returns a copy of the held securities.
func (p *PaperBroker) Positions() []models.Security {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Security, 0, len(p.positions))
	for _, s := range p.positions {
		out = append(out, s)
	}
	return out
}

// RequestPositions streams every held security followed by an end of
// snapshot marker, then keeps streaming updates until ctx ends or the
// session disconnects.
func (p *PaperBroker) RequestPositions(ctx context.Context) (<-chan PositionSnapshot, error) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch := make(chan PositionSnapshot, len(p.positions)+p.cfg.StatusBuffer)
	now := time.Now().UTC()
	for _, s := range p.positions {
		ch <- PositionSnapshot{Security: s, Time: now}
	}
	ch <- PositionSnapshot{EndOfSnapshot: true, Time: now}
	p.posStreams = append(p.posStreams, ch)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, c := range p.posStreams {
			if c == ch {
				p.posStreams = append(p.posStreams[:i], p.posStreams[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

func (p *PaperBroker) pushPositionLocked(sec models.Security) {
	update := PositionSnapshot{Security: sec, Time: time.Now().UTC()}
	for _, ch := range p.posStreams {
		select {
		case ch <- update:
		default:
			p.logger.WithField("security", sec.String()).Warn("Position stream full, dropping update")
		}
	}
}

// Subscribe opens a tick stream for ticker.
func (p *PaperBroker) Subscribe(ctx context.Context, ticker models.Ticker) (*TickSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	var sub *TickSubscription
	sub = NewTickSubscription(ticker, p.cfg.TickBuffer, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if set, ok := p.subs[ticker]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(p.subs, ticker)
			}
		}
	})
	if p.subs[ticker] == nil {
		p.subs[ticker] = make(map[*TickSubscription]struct{})
	}
	p.subs[ticker][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of open subscriptions for ticker.
func (p *PaperBroker) Subscribers(ticker models.Ticker) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[ticker])
}

// FailFeed finishes every subscription of ticker with err.
func (p *PaperBroker) FailFeed(ticker models.Ticker, err error) {
	p.mu.Lock()
	var subs []*TickSubscription
	for s := range p.subs[ticker] {
		subs = append(subs, s)
	}
	p.mu.Unlock()
	for _, s := range subs {
		s.Finish(err)
	}
}

// PublishTick records tick as the latest market data for its ticker, fills
// resting orders it crosses and delivers it to subscribers. It blocks only
// on the ticker's own subscribers.
func (p *PaperBroker) PublishTick(ctx context.Context, tick models.Tick) {
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now().UTC()
	}
	p.mu.Lock()
	last := p.lastTick[tick.Ticker]
	merged := mergeTick(last, tick)
	p.lastTick[tick.Ticker] = merged
	p.fillRestingLocked(merged)
	subs := make([]*TickSubscription, 0, len(p.subs[tick.Ticker]))
	for s := range p.subs[tick.Ticker] {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		s.Publish(ctx, tick)
	}
}

// LastTick returns the merged latest market data for ticker.
func (p *PaperBroker) LastTick(ticker models.Ticker) (models.Tick, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.lastTick[ticker]
	return t, ok
}

func mergeTick(last, tick models.Tick) models.Tick {
	merged := last
	merged.Ticker = tick.Ticker
	merged.Timestamp = tick.Timestamp
	merged.Type = tick.Type
	switch tick.Type {
	case models.TickTypeBid:
		merged.Bid = tick.Price
	case models.TickTypeAsk:
		merged.Ask = tick.Price
	default:
		merged.Price = tick.Price
	}
	if tick.Bid > 0 {
		merged.Bid = tick.Bid
	}
	if tick.Ask > 0 {
		merged.Ask = tick.Ask
	}
	return merged
}

// FailNextSubmit makes the next Submit return err.
func (p *PaperBroker) FailNextSubmit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErr = err
}

// SetModifyResult forces Modify to report ok without applying changes.
func (p *PaperBroker) SetModifyResult(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modifyResult = &ok
}

// Submit accepts order, assigns its broker id and returns its status
// stream. Market orders fill as soon as a price is known.
func (p *PaperBroker) Submit(ctx context.Context, order *models.ExecutableOrder) (<-chan OrderStatusEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	if err := p.submitErr; err != nil {
		p.submitErr = nil
		return nil, err
	}
	if _, ok := p.orders[order.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, order.ID)
	}
	p.nextBrokerID++
	if err := order.SetBrokerID(fmt.Sprintf("P-%d", p.nextBrokerID)); err != nil {
		return nil, err
	}

	po := &paperOrder{
		order:    order,
		events:   make(chan OrderStatusEvent, p.cfg.StatusBuffer),
		execType: order.ExecutionType,
		limit:    order.LimitPrice,
	}
	p.orders[order.ID] = po
	p.emitLocked(po, NormalizeOrderState("PreSubmitted"), 0, 0)
	p.emitLocked(po, NormalizeOrderState("Submitted"), 0, 0)

	p.logger.WithFields(logrus.Fields{
		"order_id":  order.ID,
		"broker_id": order.BrokerID(),
		"ticker":    order.Ticker,
	}).Infof("Accepted %s", order)

	if last, ok := p.lastTick[order.Ticker]; ok {
		p.tryFillLocked(po, last)
	}
	return po.events, nil
}

// Modify applies the order's execution type and limit to the resting order
// with the same id. Terminal or unknown orders are not modified.
func (p *PaperBroker) Modify(ctx context.Context, order *models.ExecutableOrder) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.modifyResult != nil {
		return *p.modifyResult, nil
	}
	po, ok := p.orders[order.ID]
	if !ok || po.closed {
		return false, nil
	}
	po.execType = order.ExecutionType
	po.limit = order.LimitPrice
	p.logger.WithFields(logrus.Fields{
		"order_id":  order.ID,
		"broker_id": po.order.BrokerID(),
	}).Infof("Modified order to %s", order.ExecutionType)
	if last, ok := p.lastTick[order.Ticker]; ok {
		p.tryFillLocked(po, last)
	}
	return true, nil
}

// Cancel cancels a resting order. Its submit stream reports CANCELLED and
// closes; the returned stream carries the same event. Terminal or unknown
// orders yield an empty, closed stream.
func (p *PaperBroker) Cancel(ctx context.Context, order *models.ExecutableOrder) (<-chan OrderStatusEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(chan OrderStatusEvent, 1)
	po, ok := p.orders[order.ID]
	if !ok || po.closed {
		close(out)
		return out, nil
	}
	status := p.statusLocked(po, models.OrderCancelled, 0, 0)
	p.emitLocked(po, models.OrderCancelled, 0, 0)
	out <- OrderStatusEvent{Status: status}
	close(out)
	return out, nil
}

// InjectStreamError fails the order's status stream with err.
func (p *PaperBroker) InjectStreamError(order *models.ExecutableOrder, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[order.ID]
	if !ok || po.closed {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, order.ID)
	}
	po.events <- OrderStatusEvent{Err: err}
	// the order itself keeps resting so a later Cancel reaches it
	close(po.events)
	po.events = make(chan OrderStatusEvent, p.cfg.StatusBuffer)
	return nil
}

// InjectStatus reports a raw brokerage status code on the order's stream.
func (p *PaperBroker) InjectStatus(order *models.ExecutableOrder, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[order.ID]
	if !ok || po.closed {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, order.ID)
	}
	p.emitLocked(po, NormalizeOrderState(code), 0, 0)
	return nil
}

// CloseStream ends the order's status stream without a terminal state.
func (p *PaperBroker) CloseStream(order *models.ExecutableOrder) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[order.ID]
	if !ok || po.closed {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, order.ID)
	}
	close(po.events)
	po.events = make(chan OrderStatusEvent, p.cfg.StatusBuffer)
	return nil
}

// OrderState returns the brokerage-side state of an order.
func (p *PaperBroker) OrderState(id uuid.UUID) (models.OrderState, models.ExecutionType, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[id]
	if !ok {
		return "", "", false
	}
	return po.state, po.execType, true
}

func (p *PaperBroker) fillRestingLocked(tick models.Tick) {
	for _, po := range p.orders {
		if po.closed || po.order.Ticker != tick.Ticker {
			continue
		}
		p.tryFillLocked(po, tick)
	}
}

func (p *PaperBroker) tryFillLocked(po *paperOrder, tick models.Tick) {
	ref := tick.Price
	if po.order.Action == models.ActionSell && tick.Bid > 0 {
		ref = tick.Bid
	}
	if po.order.Action == models.ActionBuy && tick.Ask > 0 {
		ref = tick.Ask
	}
	if ref <= 0 {
		return
	}

	fillPrice := ref
	if po.execType == models.ExecutionLimit {
		if po.limit == nil {
			return
		}
		limit := *po.limit
		if po.order.Action == models.ActionSell && ref < limit {
			return
		}
		if po.order.Action == models.ActionBuy && ref > limit {
			return
		}
		fillPrice = limit
	}
	p.fillLocked(po, fillPrice)
}

func (p *PaperBroker) fillLocked(po *paperOrder, price float64) {
	qty := po.order.Quantity
	p.emitLocked(po, models.OrderFilled, float64(qty), price)

	signed := qty
	if po.order.Action == models.ActionSell {
		signed = -qty
	}
	id, ok := p.stockByTicker[po.order.Ticker]
	var sec models.Security
	if ok {
		sec = p.positions[id]
		held := sec.Quantity
		newQty := held + signed
		if newQty != 0 && (held == 0 || (held > 0) != (newQty > 0)) {
			sec.Price = price
		}
		sec.Quantity = newQty
	} else {
		sec = models.NewStock(uuid.New(), po.order.Ticker, signed, price)
		p.stockByTicker[sec.Ticker] = sec.ID
	}
	p.positions[sec.ID] = sec
	p.pushPositionLocked(sec)

	p.logger.WithFields(logrus.Fields{
		"order_id": po.order.ID,
		"ticker":   po.order.Ticker,
		"price":    price,
		"position": sec.Quantity,
	}).Info("Filled order")
}

func (p *PaperBroker) statusLocked(po *paperOrder, state models.OrderState, filled, price float64) models.OrderStatus {
	status := models.OrderStatus{
		Order:        po.order,
		State:        state,
		Filled:       filled,
		Remaining:    float64(po.order.Quantity) - filled,
		AveragePrice: price,
	}
	if filled > 0 {
		status.Commission = math.Max(p.cfg.MinCommission, filled*p.cfg.CommissionShare)
	}
	return status
}

func (p *PaperBroker) emitLocked(po *paperOrder, state models.OrderState, filled, price float64) {
	if po.closed {
		return
	}
	po.state = state
	po.events <- OrderStatusEvent{Status: p.statusLocked(po, state, filled, price)}
	if state.IsTerminal() {
		po.closed = true
		close(po.events)
	}
}
