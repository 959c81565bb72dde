package settlement

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// ErrBusy is returned while another settlement operation for the same session
// is still in flight.
var ErrBusy = errors.New("settlement operation already in flight")

// Session binds one signing wallet to at most one in-flight settlement
// operation. Deposits and redeems mutate the same accounts, so overlapping
// them would race on-chain state against the ledger fallback.
type Session struct {
	signer solana.PrivateKey
	mu     sync.Mutex
}

func NewSession(signer solana.PrivateKey) (*Session, error) {
	if len(signer) == 0 || !signer.IsValid() {
		return nil, fmt.Errorf("invalid session signer")
	}
	return &Session{signer: signer}, nil
}

func NewSessionFromKeygenFile(path string) (*Session, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", path, err)
	}
	return NewSession(signer)
}

func (s *Session) Owner() solana.PublicKey {
	return s.signer.PublicKey()
}

func (s *Session) Signer() solana.PrivateKey {
	return s.signer
}

func (s *Session) begin() error {
	if !s.mu.TryLock() {
		return ErrBusy
	}
	return nil
}

func (s *Session) end() {
	s.mu.Unlock()
}
