// Package portfolio keeps the live portfolio and the Thetas composed from it.
package portfolio

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/theta_engine/internal/broker"
	"github.com/eddiefleurent/theta_engine/internal/metrics"
	"github.com/eddiefleurent/theta_engine/internal/models"
	"github.com/eddiefleurent/theta_engine/internal/strategy"
)

// Registrar is the monitor surface the portfolio arms and disarms.
type Registrar interface {
	Register(theta models.Theta) error
	Unregister(ticker models.Ticker) bool
	Strategy(ticker models.Ticker) (models.Theta, bool)
}

// Manager composes Thetas incrementally as securities change.
type Manager struct {
	composer  *strategy.Composer
	registrar Registrar
	logger    *logrus.Entry
	status    *models.ManagerStatus

	process sync.Mutex // serializes ProcessSecurity

	mu         sync.RWMutex
	securities map[uuid.UUID]models.Security
	thetas     map[uuid.UUID]models.Theta
	bySecurity map[uuid.UUID]map[uuid.UUID]struct{}
}

// NewManager creates an empty portfolio.
func NewManager(composer *strategy.Composer, registrar Registrar, logger *logrus.Logger) *Manager {
	if composer == nil {
		panic("portfolio.NewManager: composer must not be nil")
	}
	if registrar == nil {
		panic("portfolio.NewManager: registrar must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		composer:   composer,
		registrar:  registrar,
		logger:     logger.WithField("component", "portfolio"),
		status:     models.NewManagerStatus("PortfolioManager", logger),
		securities: make(map[uuid.UUID]models.Security),
		thetas:     make(map[uuid.UUID]models.Theta),
		bySecurity: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Status returns the manager's lifecycle status.
func (m *Manager) Status() models.StatusSnapshot { return m.status.Snapshot() }

// Run consumes the position feed until it closes or ctx ends.
func (m *Manager) Run(ctx context.Context, feed broker.PositionFeed) error {
	m.status.ChangeState(models.ManagerStarting)
	defer m.status.ChangeState(models.ManagerShutdown)

	snapshots, err := feed.RequestPositions(ctx)
	if err != nil {
		return err
	}
	m.status.ChangeState(models.ManagerRunning)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snapshots:
			if !ok {
				m.logger.Info("Position feed closed")
				return nil
			}
			if snap.EndOfSnapshot {
				m.logger.WithField("thetas", len(m.Thetas())).Info("Initial portfolio snapshot complete")
				continue
			}
			m.ProcessSecurity(snap.Security)
		}
	}
}

// ProcessSecurity applies one position update: Thetas containing the
// security are dissolved and the ticker's unallocated securities are
// composed again.
func (m *Manager) ProcessSecurity(sec models.Security) {
	m.process.Lock()
	defer m.process.Unlock()

	log := m.logger.WithFields(logrus.Fields{"ticker": sec.Ticker, "security": sec.String()})
	ticker := sec.Ticker

	m.mu.Lock()
	removed := m.removeThetasLocked(sec.ID)
	if sec.Quantity == 0 {
		delete(m.securities, sec.ID)
	} else {
		m.securities[sec.ID] = sec
	}
	stocks, calls, puts := m.unallocatedLocked(ticker)
	m.mu.Unlock()

	composed := m.composer.Compose(stocks, calls, puts)

	m.mu.Lock()
	for _, theta := range composed {
		m.addThetaLocked(theta)
	}
	total := len(m.thetas)
	m.mu.Unlock()
	metrics.ThetasComposed.Set(float64(total))

	if len(removed) > 0 || len(composed) > 0 {
		log.WithFields(logrus.Fields{
			"removed":  len(removed),
			"composed": len(composed),
		}).Info("Portfolio updated")
	}

	m.rearm(ticker, removed, composed)
}

// rearm keeps at most one Theta per ticker registered with the monitor.
func (m *Manager) rearm(ticker models.Ticker, removed, composed []models.Theta) {
	current, monitored := m.registrar.Strategy(ticker)
	if monitored && slices.ContainsFunc(removed, func(t models.Theta) bool { return t.ID == current.ID }) {
		m.registrar.Unregister(ticker)
		monitored = false
	}
	if monitored {
		return
	}

	var next models.Theta
	var ok bool
	if len(composed) > 0 {
		next, ok = composed[0], true
	} else if len(removed) > 0 {
		// the monitored Theta was dissolved, arm a surviving one
		next, ok = m.firstLive(ticker)
	}
	if !ok {
		return
	}
	if err := m.registrar.Register(next); err != nil {
		m.logger.WithError(err).WithField("theta", next.String()).Error("Failed to register theta with monitor")
	}
}

func (m *Manager) firstLive(ticker models.Ticker) (models.Theta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best models.Theta
	found := false
	for _, t := range m.thetas {
		if t.Ticker() != ticker {
			continue
		}
		if !found || compareIDs(t.ID, best.ID) < 0 {
			best, found = t, true
		}
	}
	return best, found
}

func (m *Manager) removeThetasLocked(securityID uuid.UUID) []models.Theta {
	var removed []models.Theta
	for thetaID := range m.bySecurity[securityID] {
		theta, ok := m.thetas[thetaID]
		if !ok {
			continue
		}
		delete(m.thetas, thetaID)
		for _, leg := range theta.Securities() {
			if set := m.bySecurity[leg.ID]; set != nil {
				delete(set, thetaID)
				if len(set) == 0 {
					delete(m.bySecurity, leg.ID)
				}
			}
		}
		removed = append(removed, theta)
	}
	return removed
}

func (m *Manager) addThetaLocked(theta models.Theta) {
	m.thetas[theta.ID] = theta
	for _, leg := range theta.Securities() {
		if m.bySecurity[leg.ID] == nil {
			m.bySecurity[leg.ID] = make(map[uuid.UUID]struct{})
		}
		m.bySecurity[leg.ID][theta.ID] = struct{}{}
	}
}

// unallocatedLocked returns the ticker's holdings net of what live Thetas
// already use.
func (m *Manager) unallocatedLocked(ticker models.Ticker) (stocks, calls, puts []models.Security) {
	for id, sec := range m.securities {
		if sec.Ticker != ticker {
			continue
		}
		var allocated int64
		for thetaID := range m.bySecurity[id] {
			for _, leg := range m.thetas[thetaID].Securities() {
				if leg.ID == id {
					allocated += leg.AbsQuantity()
				}
			}
		}
		free := sec.AbsQuantity() - allocated
		if free <= 0 {
			continue
		}
		if sec.Quantity < 0 {
			free = -free
		}
		available := sec.WithQuantity(free)
		switch sec.Type {
		case models.SecurityTypeStock:
			stocks = append(stocks, available)
		case models.SecurityTypeCall:
			calls = append(calls, available)
		case models.SecurityTypePut:
			puts = append(puts, available)
		}
	}
	byID := func(a, b models.Security) int { return compareIDs(a.ID, b.ID) }
	slices.SortFunc(stocks, byID)
	slices.SortFunc(calls, byID)
	slices.SortFunc(puts, byID)
	return stocks, calls, puts
}

func compareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// Thetas returns the live Thetas ordered by ticker.
func (m *Manager) Thetas() []models.Theta {
	m.mu.RLock()
	out := make([]models.Theta, 0, len(m.thetas))
	for _, t := range m.thetas {
		out = append(out, t)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.Theta) int {
		if c := a.Ticker().Compare(b.Ticker()); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
	return out
}

// Securities returns the held securities.
func (m *Manager) Securities() []models.Security {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Security, 0, len(m.securities))
	for _, s := range m.securities {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b models.Security) int {
		if c := a.Ticker.Compare(b.Ticker); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
	return out
}

// HedgeExposure returns the stock hedged by live Thetas, one entry per
// physical stock position.
func (m *Manager) HedgeExposure() []models.Security {
	return strategy.ConsolidateStock(m.Thetas())
}
