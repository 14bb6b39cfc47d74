package session

import (
	"errors"
	"sync"
	"time"

	"poem-vision-bot/internal/wizard"
)

type Menu string

const (
	MenuMain     Menu = "main"
	MenuPoemType Menu = "poem_type"
	MenuLength   Menu = "length"
	MenuFrame    Menu = "frame"
	MenuEmphasis Menu = "emphasis"
)

// Entry is one user's wizard in one chat plus the Telegram bits needed to
// keep editing the same message.
type Entry struct {
	ChatID   int64
	UserID   int64
	Username string

	Controller *wizard.Controller

	Menu           Menu
	MessageID      int
	AwaitingNote   bool
	// CatalogsLoaded is set once the feature catalogs were fetched for
	// this entry's backend session.
	CatalogsLoaded bool
	LastActivity   time.Time
}

// Factory builds the controller for a new entry. Each call should return a
// controller with its own backend session.
type Factory func(chatID, userID int64) (*wizard.Controller, error)

type Options struct {
	Factory Factory
	Now     func() time.Time
}

type Store struct {
	factory Factory
	now     func() time.Time

	mu      sync.Mutex
	entries map[key]*Entry
}

type key struct {
	ChatID int64
	UserID int64
}

func NewStore(opts Options) (*Store, error) {
	if opts.Factory == nil {
		return nil, errors.New("session factory is nil")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		factory: opts.Factory,
		now:     now,
		entries: make(map[key]*Entry),
	}, nil
}

// Get returns a copy of the entry, creating it on first use. The
// Controller pointer is shared.
func (s *Store) Get(chatID, userID int64, username string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getOrCreateLocked(chatID, userID, username)
	if err != nil {
		return Entry{}, err
	}
	e.LastActivity = s.now()
	return *e, nil
}

// Peek returns the entry without creating one.
func (s *Store) Peek(chatID, userID int64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key{ChatID: chatID, UserID: userID}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (s *Store) Update(chatID, userID int64, fn func(*Entry)) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getOrCreateLocked(chatID, userID, "")
	if err != nil {
		return Entry{}, err
	}
	if fn != nil {
		fn(e)
	}
	e.LastActivity = s.now()
	return *e, nil
}

// Reset clears the Telegram-side fields and starts the wizard over. The
// controller, and with it the access cache and backend session, is kept.
func (s *Store) Reset(chatID, userID int64) (Entry, error) {
	e, err := s.Update(chatID, userID, func(e *Entry) {
		e.Menu = MenuMain
		e.AwaitingNote = false
	})
	if err != nil {
		return Entry{}, err
	}
	e.Controller.StartOver()
	return e, nil
}

func (s *Store) Delete(chatID, userID int64) {
	s.mu.Lock()
	delete(s.entries, key{ChatID: chatID, UserID: userID})
	s.mu.Unlock()
}

// Prune drops entries idle for longer than idle and reports how many went.
func (s *Store) Prune(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-idle)
	n := 0
	for k, e := range s.entries {
		if e.LastActivity.Before(cutoff) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) getOrCreateLocked(chatID, userID int64, username string) (*Entry, error) {
	k := key{ChatID: chatID, UserID: userID}
	if e, ok := s.entries[k]; ok {
		if e.Username == "" && username != "" {
			e.Username = username
		}
		return e, nil
	}

	ctrl, err := s.factory(chatID, userID)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		ChatID:       chatID,
		UserID:       userID,
		Username:     username,
		Controller:   ctrl,
		Menu:         MenuMain,
		LastActivity: s.now(),
	}
	s.entries[k] = e
	return e, nil
}
