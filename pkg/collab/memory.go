package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/scholarlab/paperflow/pkg/models"
)

// InMemoryPaperStore keeps papers and results in process memory. Used in
// tests and single-node deployments without a document service.
type InMemoryPaperStore struct {
	mu       sync.RWMutex
	papers   map[string][]byte
	metadata map[string]*models.Metadata
	results  map[string]map[models.StageKind]any // paperID → stage → payload
	saves    int
}

func NewInMemoryPaperStore() *InMemoryPaperStore {
	return &InMemoryPaperStore{
		papers:   make(map[string][]byte),
		metadata: make(map[string]*models.Metadata),
		results:  make(map[string]map[models.StageKind]any),
	}
}

// AddPaper seeds a paper. Test helper and upload hook.
func (s *InMemoryPaperStore) AddPaper(paperID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.papers[paperID] = data
}

func (s *InMemoryPaperStore) LoadBytes(_ context.Context, paperID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.papers[paperID]
	if !ok {
		return nil, fmt.Errorf("paper %q: %w", paperID, ErrPaperNotFound)
	}
	return data, nil
}

func (s *InMemoryPaperStore) LoadMetadata(_ context.Context, paperID string) (*models.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.metadata[paperID]
	if !ok {
		return nil, fmt.Errorf("paper %q: %w", paperID, ErrPaperNotFound)
	}
	return md, nil
}

func (s *InMemoryPaperStore) SaveResult(_ context.Context, paperID string, kind models.StageKind, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.results[paperID] == nil {
		s.results[paperID] = make(map[models.StageKind]any)
	}
	s.results[paperID][kind] = payload
	if md, ok := payload.(*models.Metadata); ok {
		s.metadata[paperID] = md
	}
	return nil
}

// SavedResult returns the stored payload for a (paper, stage) pair.
func (s *InMemoryPaperStore) SavedResult(paperID string, kind models.StageKind) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.results[paperID][kind]
	return payload, ok
}

// SaveCount returns how many times SaveResult was invoked.
func (s *InMemoryPaperStore) SaveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// InMemoryCreditLedger is a process-local ledger.
type InMemoryCreditLedger struct {
	mu           sync.Mutex
	balances     map[string]int
	reservations map[string]reservation
}

type reservation struct {
	userID string
	stage  models.StageKind
	amount int
}

func NewInMemoryCreditLedger() *InMemoryCreditLedger {
	return &InMemoryCreditLedger{
		balances:     make(map[string]int),
		reservations: make(map[string]reservation),
	}
}

// Grant adds credits to a user's balance.
func (l *InMemoryCreditLedger) Grant(userID string, amount int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amount
}

// Balance returns the user's available balance.
func (l *InMemoryCreditLedger) Balance(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

func (l *InMemoryCreditLedger) Reserve(_ context.Context, userID string, stage models.StageKind, amount int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[userID] < amount {
		return "", fmt.Errorf("user %q needs %d credits for %s: %w", userID, amount, stage, ErrInsufficientCredits)
	}
	l.balances[userID] -= amount
	id := uuid.NewString()
	l.reservations[id] = reservation{userID: userID, stage: stage, amount: amount}
	return id, nil
}

func (l *InMemoryCreditLedger) Commit(_ context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reservations[reservationID]; !ok {
		return fmt.Errorf("reservation %q: %w", reservationID, ErrReservationNotFound)
	}
	delete(l.reservations, reservationID)
	return nil
}

func (l *InMemoryCreditLedger) Release(_ context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[reservationID]
	if !ok {
		return fmt.Errorf("reservation %q: %w", reservationID, ErrReservationNotFound)
	}
	l.balances[res.userID] += res.amount
	delete(l.reservations, reservationID)
	return nil
}

// ObserverFuncs adapts plain functions to ProgressObserver. Nil fields
// are skipped.
type ObserverFuncs struct {
	OnStage    func(requestID string, state models.StageState)
	OnPipeline func(requestID string, result *models.PipelineResult)
}

func (o ObserverFuncs) StageChanged(requestID string, state models.StageState) {
	if o.OnStage != nil {
		o.OnStage(requestID, state)
	}
}

func (o ObserverFuncs) PipelineChanged(requestID string, result *models.PipelineResult) {
	if o.OnPipeline != nil {
		o.OnPipeline(requestID, result)
	}
}
