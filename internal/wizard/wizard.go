// Package wizard drives the three-step address dialogue: settlement,
// street, building. Each user owns one session; a selection is only ever
// validated against the candidate list that user saw last.
package wizard

import (
	"context"
	"errors"
	"sync"
	"time"

	"poweron/internal/history"
	"poweron/internal/logging"
	"poweron/internal/poweron"
)

var (
	// ErrNoCandidates reports that a query matched nothing upstream.
	ErrNoCandidates = errors.New("wizard: no candidates found")

	// ErrInvalidSelection reports a pick outside the last offered list.
	ErrInvalidSelection = errors.New("wizard: selection not in offered list")

	// ErrSessionBusy reports that another operation for the same user is
	// still in flight.
	ErrSessionBusy = errors.New("wizard: session busy")
)

// Resolver turns a query into address candidates for one wizard step.
type Resolver interface {
	Resolve(ctx context.Context, step poweron.Step, parent poweron.Address, query string) ([]poweron.Candidate, error)
}

// ScreenRenderer captures a schedule screenshot for a resolved address.
type ScreenRenderer interface {
	Render(ctx context.Context, addr poweron.Address) ([]byte, error)
}

// Engine holds all live sessions and the collaborators they drive.
type Engine struct {
	resolver Resolver
	renderer ScreenRenderer
	store    *history.Store

	mu       sync.Mutex
	sessions map[int64]*session
}

type session struct {
	step       poweron.Step
	address    poweron.Address
	candidates []poweron.Candidate
	busy       bool
	lastActive time.Time
}

// New builds an engine over the given collaborators.
func New(resolver Resolver, renderer ScreenRenderer, store *history.Store) *Engine {
	return &Engine{
		resolver: resolver,
		renderer: renderer,
		store:    store,
		sessions: make(map[int64]*session),
	}
}

// acquire marks the user's session busy for the duration of one operation.
// A session already busy rejects the caller instead of queueing.
func (e *Engine) acquire(userID int64) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[userID]
	if !ok {
		s = &session{step: poweron.StepSettlement}
		e.sessions[userID] = s
	}
	if s.busy {
		return nil, ErrSessionBusy
	}
	s.busy = true
	s.lastActive = time.Now()
	return s, nil
}

// SweepIdle drops sessions idle longer than maxIdle. Busy sessions are
// never dropped. Persistent state (history, pins) is unaffected; only the
// in-flight dialogue position is discarded.
func (e *Engine) SweepIdle(maxIdle time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for id, s := range e.sessions {
		if !s.busy && s.lastActive.Before(cutoff) {
			delete(e.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		logging.Wizard("expired %d idle sessions", removed)
	}
	return removed
}

func (e *Engine) release(s *session) {
	e.mu.Lock()
	s.busy = false
	e.mu.Unlock()
}

// StartSearch resets the user's session to the settlement step, discarding
// any partial address and offered candidates.
func (e *Engine) StartSearch(userID int64) error {
	s, err := e.acquire(userID)
	if err != nil {
		return err
	}
	defer e.release(s)

	s.step = poweron.StepSettlement
	s.address = poweron.Address{}
	s.candidates = nil
	logging.Wizard("user %d started a new search", userID)
	return nil
}

// Back steps the dialogue one level up, discarding the selection made at
// the level being re-entered. A fresh or finished session starts over at
// the settlement step.
func (e *Engine) Back(userID int64) (poweron.Step, error) {
	s, err := e.acquire(userID)
	if err != nil {
		return poweron.StepSettlement, err
	}
	defer e.release(s)

	switch s.step {
	case poweron.StepStreet:
		s.step = poweron.StepSettlement
		s.address.Settlement = poweron.Candidate{}
	case poweron.StepBuilding:
		s.step = poweron.StepStreet
		s.address.Street = poweron.Candidate{}
	default:
		s.step = poweron.StepSettlement
		s.address = poweron.Address{}
	}
	s.candidates = nil
	logging.Wizard("user %d went back to %s", userID, s.step)
	return s.step, nil
}

// LastAddress returns the address a repeat capture should target: the
// just-finished session's address when the dialogue is at done, otherwise
// the most recent history entry. The session address matters after a
// failed capture, which records nothing in history.
func (e *Engine) LastAddress(userID int64) (poweron.Address, bool) {
	e.mu.Lock()
	if s, ok := e.sessions[userID]; ok && s.step == poweron.StepDone {
		addr := s.address
		e.mu.Unlock()
		return addr, true
	}
	e.mu.Unlock()

	hist, err := e.store.ListHistory(userID)
	if err != nil || len(hist) == 0 {
		return poweron.Address{}, false
	}
	return hist[0], true
}

// Step returns the user's current wizard step.
func (e *Engine) Step(userID int64) poweron.Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[userID]; ok {
		return s.step
	}
	return poweron.StepSettlement
}

// SubmitQuery resolves candidates for the current step and stores them as
// the user's offered list. A finished session starts over at the
// settlement step. Resolver failures and empty results leave the session
// untouched.
func (e *Engine) SubmitQuery(ctx context.Context, userID int64, query string) ([]poweron.Candidate, error) {
	s, err := e.acquire(userID)
	if err != nil {
		return nil, err
	}
	defer e.release(s)

	if s.step == poweron.StepDone {
		s.step = poweron.StepSettlement
		s.address = poweron.Address{}
		s.candidates = nil
	}

	candidates, err := e.resolver.Resolve(ctx, s.step, s.address, query)
	if err != nil {
		logging.WizardWarn("user %d query %q at %s failed: %v", userID, query, s.step, err)
		return nil, err
	}
	if len(candidates) == 0 {
		logging.Wizard("user %d query %q at %s matched nothing", userID, query, s.step)
		return nil, ErrNoCandidates
	}

	s.candidates = candidates
	logging.WizardDebug("user %d offered %d candidates at %s", userID, len(candidates), s.step)
	return candidates, nil
}

// Outcome describes the effect of a selection. Done outcomes carry the
// resolved address; Image is nil when the capture failed, with the cause
// in RenderErr so callers can fall back to text.
type Outcome struct {
	Step      poweron.Step
	Done      bool
	Address   poweron.Address
	Image     []byte
	RenderErr error
}

// SelectCandidate applies the user's pick against the last offered list,
// advancing the wizard. Completing the building step resolves the address,
// records the visit, and captures the schedule screenshot.
func (e *Engine) SelectCandidate(ctx context.Context, userID int64, index int) (Outcome, error) {
	s, err := e.acquire(userID)
	if err != nil {
		return Outcome{}, err
	}
	defer e.release(s)

	if index < 0 || index >= len(s.candidates) {
		return Outcome{}, ErrInvalidSelection
	}
	picked := s.candidates[index]

	switch s.step {
	case poweron.StepSettlement:
		s.address.Settlement = picked
	case poweron.StepStreet:
		s.address.Street = picked
	case poweron.StepBuilding:
		s.address.Building = picked
	default:
		return Outcome{}, ErrInvalidSelection
	}
	s.step = s.step.Next()
	s.candidates = nil
	logging.Wizard("user %d picked %q, now at %s", userID, picked.Label, s.step)

	if s.step != poweron.StepDone {
		return Outcome{Step: s.step}, nil
	}

	addr := s.address
	image, renderErr := e.renderer.Render(ctx, addr)
	if renderErr != nil {
		// History records successful lookups only; the session stays at
		// done so the user can retry the capture.
		logging.WizardWarn("user %d render failed for %s: %v", userID, addr.Caption(), renderErr)
	} else if err := e.store.RecordVisit(userID, addr); err != nil {
		logging.WizardWarn("user %d visit not recorded: %v", userID, err)
	}
	return Outcome{Step: s.step, Done: true, Address: addr, Image: image, RenderErr: renderErr}, nil
}

// ShowAddress re-renders an already resolved address, as picked from the
// user's history or pins, and refreshes its history position.
func (e *Engine) ShowAddress(ctx context.Context, userID int64, addr poweron.Address) (Outcome, error) {
	s, err := e.acquire(userID)
	if err != nil {
		return Outcome{}, err
	}
	defer e.release(s)

	image, renderErr := e.renderer.Render(ctx, addr)
	if renderErr == nil {
		if err := e.store.RecordVisit(userID, addr); err != nil {
			logging.WizardWarn("user %d visit not recorded: %v", userID, err)
		}
	}
	return Outcome{Step: poweron.StepDone, Done: true, Address: addr, Image: image, RenderErr: renderErr}, nil
}

// Pin adds addr to the user's pinned list.
func (e *Engine) Pin(userID int64, addr poweron.Address) error {
	return e.store.AddPin(userID, addr)
}

// Unpin removes the pinned address with the given key.
func (e *Engine) Unpin(userID int64, key string) error {
	return e.store.RemovePin(userID, key)
}

// History returns the user's recent addresses, most recent first.
func (e *Engine) History(userID int64) ([]poweron.Address, error) {
	return e.store.ListHistory(userID)
}

// Pins returns the user's pinned addresses.
func (e *Engine) Pins(userID int64) ([]poweron.Address, error) {
	return e.store.ListPins(userID)
}

// FirstContact reports whether this is the user's first interaction,
// marking them seen.
func (e *Engine) FirstContact(userID int64) bool {
	seen, err := e.store.Seen(userID)
	if err != nil {
		logging.WizardWarn("user %d seen check failed: %v", userID, err)
		return false
	}
	return !seen
}
