package userstream

import (
	"sync"

	"github.com/rs/zerolog/log"

	"xfeed/internal/domain/model"
)

type credentialEntry struct {
	userID  string
	creds   model.CredentialSet
	invalid map[model.Venue]bool
}

// CredentialStore resolves client tokens to a user and that user's venue
// credentials. Venues flagged invalid are withheld until replaced.
type CredentialStore struct {
	mu      sync.RWMutex
	byToken map[string]*credentialEntry
	byUser  map[string]*credentialEntry
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		byToken: make(map[string]*credentialEntry),
		byUser:  make(map[string]*credentialEntry),
	}
}

// Put registers token for userID with the given credentials.
func (s *CredentialStore) Put(token, userID string, creds model.CredentialSet) {
	e := &credentialEntry{userID: userID, creds: make(model.CredentialSet, len(creds)), invalid: map[model.Venue]bool{}}
	for v, c := range creds {
		e.creds[v] = c
	}
	s.mu.Lock()
	s.byToken[token] = e
	s.byUser[userID] = e
	s.mu.Unlock()
}

// Lookup returns the user behind token and its usable credentials.
func (s *CredentialStore) Lookup(token string) (string, model.CredentialSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byToken[token]
	if !ok {
		return "", nil, false
	}
	out := make(model.CredentialSet, len(e.creds))
	for v, c := range e.creds {
		if e.invalid[v] || !c.Valid() {
			continue
		}
		out[v] = c
	}
	return e.userID, out, true
}

// MarkInvalid withholds userID's credentials for venue after the venue
// rejected them.
func (s *CredentialStore) MarkInvalid(userID string, venue model.Venue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byUser[userID]; ok {
		e.invalid[venue] = true
		log.Warn().Str("user_id", userID).Str("venue", venue.String()).Msg("credentials marked invalid")
	}
}

// Replace installs new credentials for venue and clears its invalid flag.
func (s *CredentialStore) Replace(userID string, venue model.Venue, c model.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byUser[userID]; ok {
		e.creds[venue] = c
		delete(e.invalid, venue)
	}
}

// Invalid reports whether venue's credentials are flagged for userID.
func (s *CredentialStore) Invalid(userID string, venue model.Venue) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byUser[userID]
	return ok && e.invalid[venue]
}
