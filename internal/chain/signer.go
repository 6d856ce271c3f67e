package chain

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds one private key. Key custody lives outside this service; a
// Signer only exists for the duration of the calls that need it.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a 64-char hex key, with or without 0x prefix.
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(hexKey) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signer's account address.
func (s *Signer) Address() common.Address { return s.address }

// KeyProvider resolves platform users to signing keys and addresses.
type KeyProvider interface {
	SignerFor(userID string) (*Signer, error)
	AddressOf(userID string) (common.Address, error)
}

// StaticKeys is a KeyProvider over a fixed user -> key table.
type StaticKeys struct {
	signers map[string]*Signer
}

var _ KeyProvider = (*StaticKeys)(nil)

// NewStaticKeys parses every key up front so a bad entry fails at startup.
func NewStaticKeys(keys map[string]string) (*StaticKeys, error) {
	s := &StaticKeys{signers: make(map[string]*Signer, len(keys))}
	for user, k := range keys {
		signer, err := NewSigner(k)
		if err != nil {
			return nil, fmt.Errorf("key for %s: %w", user, err)
		}
		s.signers[user] = signer
	}
	return s, nil
}

func (s *StaticKeys) SignerFor(userID string) (*Signer, error) {
	signer, ok := s.signers[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSigner, userID)
	}
	return signer, nil
}

func (s *StaticKeys) AddressOf(userID string) (common.Address, error) {
	signer, err := s.SignerFor(userID)
	if err != nil {
		return common.Address{}, err
	}
	return signer.Address(), nil
}

// DerivedKeys derives a deterministic key per user from a seed. Only for the
// simulated backend; the keys are as secret as the seed.
type DerivedKeys struct {
	seed string
}

var _ KeyProvider = DerivedKeys{}

// NewDerivedKeys returns a provider deriving keys from seed.
func NewDerivedKeys(seed string) DerivedKeys { return DerivedKeys{seed: seed} }

func (d DerivedKeys) SignerFor(userID string) (*Signer, error) {
	sum := sha256.Sum256([]byte(d.seed + "|" + userID))
	key, err := crypto.ToECDSA(sum[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (d DerivedKeys) AddressOf(userID string) (common.Address, error) {
	signer, err := d.SignerFor(userID)
	if err != nil {
		return common.Address{}, err
	}
	return signer.Address(), nil
}
