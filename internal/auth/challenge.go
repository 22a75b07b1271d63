package auth

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// challengeTTL bounds how long an issued login challenge stays valid.
const challengeTTL = 5 * time.Minute

// challengePrefix makes the signed message self-describing, so wallets never
// sign an ambiguous blob.
const challengePrefix = "platform-login:"

// ChallengeStore issues single-use login challenges and verifies wallet
// signatures over them. A challenge is consumed on first verification
// attempt, successful or not.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]time.Time
}

// NewChallengeStore creates an empty challenge store.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{challenges: make(map[string]time.Time)}
}

// Issue generates a fresh challenge string for a wallet to sign.
func (s *ChallengeStore) Issue() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating challenge: %w", err)
	}
	challenge := challengePrefix + base58.Encode(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()
	s.challenges[challenge] = time.Now().Add(challengeTTL)
	return challenge, nil
}

// VerifySignature checks that the wallet owning address signed the
// challenge, consuming it regardless of outcome.
func (s *ChallengeStore) VerifySignature(address, challenge, signature string) error {
	s.mu.Lock()
	expiry, ok := s.challenges[challenge]
	delete(s.challenges, challenge)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown or already used challenge")
	}
	if time.Now().After(expiry) {
		return fmt.Errorf("challenge expired")
	}

	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return fmt.Errorf("invalid wallet address: %w", err)
	}
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !sig.Verify(pubkey, []byte(challenge)) {
		return fmt.Errorf("signature does not match wallet address")
	}
	return nil
}

func (s *ChallengeStore) cleanupLocked() {
	now := time.Now()
	for challenge, expiry := range s.challenges {
		if now.After(expiry) {
			delete(s.challenges, challenge)
		}
	}
}
