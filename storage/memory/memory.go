// Package memory provides an in-memory implementation of the
// subledger.Store interface. This implementation is primarily intended
// for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrdja026/subledger/pkg/subledger"
)

// Store implements subledger.Store using in-memory maps
type Store struct {
	mu sync.RWMutex

	billing        map[string]*subledger.OrganizationBilling
	bySubscription map[string]string
	byCustomer     map[string]string
	periods        map[string][]*subledger.BillingPeriod
	orgs           map[string]*subledger.Organization

	// orgLocks serializes UpdateOrg per organization
	orgLocks sync.Map
}

// New creates a new in-memory store adapter
func New() *Store {
	return &Store{
		billing:        make(map[string]*subledger.OrganizationBilling),
		bySubscription: make(map[string]string),
		byCustomer:     make(map[string]string),
		periods:        make(map[string][]*subledger.BillingPeriod),
		orgs:           make(map[string]*subledger.Organization),
	}
}

// SeedOrganization registers an organization projection
func (s *Store) SeedOrganization(org *subledger.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orgCopy := *org
	s.orgs[org.ID] = &orgCopy
}

// SeedBilling registers a billing record, replacing any existing one
func (s *Store) SeedBilling(b *subledger.OrganizationBilling) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putBillingLocked(b)
}

func (s *Store) putBillingLocked(b *subledger.OrganizationBilling) {
	if prev, ok := s.billing[b.OrganizationID]; ok {
		if prev.ProcessorSubscriptionID != "" {
			delete(s.bySubscription, prev.ProcessorSubscriptionID)
		}
		if prev.ProcessorCustomerID != "" {
			delete(s.byCustomer, prev.ProcessorCustomerID)
		}
	}
	bCopy := *b
	s.billing[b.OrganizationID] = &bCopy
	if b.ProcessorSubscriptionID != "" {
		s.bySubscription[b.ProcessorSubscriptionID] = b.OrganizationID
	}
	if b.ProcessorCustomerID != "" {
		s.byCustomer[b.ProcessorCustomerID] = b.OrganizationID
	}
}

// GetBilling implements subledger.Store
func (s *Store) GetBilling(_ context.Context, orgID string) (*subledger.OrganizationBilling, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.billing[orgID]
	if !ok {
		return nil, subledger.ErrBillingNotFound
	}

	// Return a copy to prevent external mutations
	bCopy := *b
	return &bCopy, nil
}

// GetBillingBySubscription implements subledger.Store
func (s *Store) GetBillingBySubscription(ctx context.Context, subscriptionID string) (*subledger.OrganizationBilling, error) {
	s.mu.RLock()
	orgID, ok := s.bySubscription[subscriptionID]
	s.mu.RUnlock()
	if !ok {
		return nil, subledger.ErrBillingNotFound
	}
	return s.GetBilling(ctx, orgID)
}

// GetBillingByCustomer implements subledger.Store
func (s *Store) GetBillingByCustomer(ctx context.Context, customerID string) (*subledger.OrganizationBilling, error) {
	s.mu.RLock()
	orgID, ok := s.byCustomer[customerID]
	s.mu.RUnlock()
	if !ok {
		return nil, subledger.ErrBillingNotFound
	}
	return s.GetBilling(ctx, orgID)
}

// GetOrganization implements subledger.Store
func (s *Store) GetOrganization(_ context.Context, orgID string) (*subledger.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.orgs[orgID]
	if !ok {
		return nil, subledger.ErrOrganizationNotFound
	}
	orgCopy := *org
	return &orgCopy, nil
}

// ListOrganizationIDs implements subledger.Store
func (s *Store) ListOrganizationIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.billing))
	for id := range s.billing {
		ids = append(ids, id)
	}
	return ids, nil
}

// CurrentPeriod implements subledger.Store
func (s *Store) CurrentPeriod(_ context.Context, orgID string, at time.Time) (*subledger.BillingPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return currentPeriodIn(s.periods[orgID], at)
}

// currentPeriodIn returns the period containing at, preferring the most
// recently created when ranges overlap due to processor clock skew.
func currentPeriodIn(periods []*subledger.BillingPeriod, at time.Time) (*subledger.BillingPeriod, error) {
	for i := len(periods) - 1; i >= 0; i-- {
		p := periods[i]
		if !at.Before(p.PeriodStart) && at.Before(p.PeriodEnd) {
			pCopy := *p
			return &pCopy, nil
		}
	}
	return nil, subledger.ErrPeriodNotFound
}

// UpdateOrg implements subledger.Store. Writes issued through the Tx
// are buffered on working copies and published only when fn returns nil.
func (s *Store) UpdateOrg(ctx context.Context, orgID string, fn func(tx subledger.Tx) error) error {
	lockAny, _ := s.orgLocks.LoadOrStore(orgID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	tx := s.beginTx(orgID)
	if sc, ok := subledger.SystemContextFrom(ctx); ok {
		tx.actor = sc.Actor
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.billing != nil {
		s.putBillingLocked(tx.billing)
	}
	s.periods[orgID] = tx.periods
	return nil
}

func (s *Store) beginTx(orgID string) *memTx {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx := &memTx{orgID: orgID}
	if b, ok := s.billing[orgID]; ok {
		bCopy := *b
		tx.billing = &bCopy
	}
	tx.periods = make([]*subledger.BillingPeriod, 0, len(s.periods[orgID]))
	for _, p := range s.periods[orgID] {
		pCopy := *p
		tx.periods = append(tx.periods, &pCopy)
	}
	return tx
}

// memTx implements subledger.Tx over working copies
type memTx struct {
	orgID   string
	actor   string
	billing *subledger.OrganizationBilling
	periods []*subledger.BillingPeriod
}

func (tx *memTx) Billing() (*subledger.OrganizationBilling, error) {
	if tx.billing == nil {
		return nil, subledger.ErrBillingNotFound
	}
	bCopy := *tx.billing
	return &bCopy, nil
}

func (tx *memTx) UpdateBilling(upd *subledger.BillingUpdate) error {
	if tx.billing == nil {
		return subledger.ErrBillingNotFound
	}
	upd.Apply(tx.billing)
	tx.billing.UpdatedAt = time.Now().UTC()
	if tx.actor != "" {
		tx.billing.UpdatedBy = tx.actor
	}
	return nil
}

func (tx *memTx) CreatePeriod(p *subledger.BillingPeriod) error {
	if p.OrganizationID == "" {
		p.OrganizationID = tx.orgID
	}
	if p.OrganizationID != tx.orgID {
		return fmt.Errorf("period organization %q outside transaction scope", p.OrganizationID)
	}
	if p.Status == "" {
		p.Status = subledger.PeriodActive
	}
	if p.Status == subledger.PeriodActive || p.Status == subledger.PeriodGrace {
		for _, existing := range tx.periods {
			if existing.Status == subledger.PeriodActive || existing.Status == subledger.PeriodGrace {
				return subledger.ErrPeriodConflict
			}
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	pCopy := *p
	tx.periods = append(tx.periods, &pCopy)
	return nil
}

func (tx *memTx) CompletePeriod(periodID string, status subledger.PeriodStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	for _, p := range tx.periods {
		if p.ID != periodID {
			continue
		}
		if p.Status == status {
			return nil // Already in the target state - no-op
		}
		if p.Status.Terminal() {
			return subledger.ErrPeriodTerminal
		}
		p.Status = status
		return nil
	}
	return subledger.ErrPeriodNotFound
}

func (tx *memTx) CurrentPeriod(at time.Time) (*subledger.BillingPeriod, error) {
	return currentPeriodIn(tx.periods, at)
}

func (tx *memTx) StampInvoice(periodID string, stamp subledger.InvoiceStamp) error {
	for _, p := range tx.periods {
		if p.ID != periodID {
			continue
		}
		p.InvoiceID = stamp.InvoiceID
		p.AmountCents = stamp.AmountCents
		p.Currency = stamp.Currency
		paidAt := stamp.PaidAt
		p.PaidAt = &paidAt
		return nil
	}
	return subledger.ErrPeriodNotFound
}

// Periods returns a snapshot of the ledger for an organization, oldest
// first. Intended for tests and diagnostics.
func (s *Store) Periods(orgID string) []*subledger.BillingPeriod {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subledger.BillingPeriod, 0, len(s.periods[orgID]))
	for _, p := range s.periods[orgID] {
		pCopy := *p
		out = append(out, &pCopy)
	}
	return out
}
