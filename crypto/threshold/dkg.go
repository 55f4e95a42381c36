package threshold

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"

	bls12381 "github.com/kilic/bls12-381"
	"golang.org/x/crypto/nacl/box"
)

var (
	// ErrUnknownPeerKey is returned when a Part or Ack names a dealer or
	// recipient this session has no encryption key on file for.
	ErrUnknownPeerKey = errors.New("threshold: unknown peer encryption key")
	// ErrShareMismatch is returned when a decrypted share does not evaluate
	// to the point the dealer's own commitment polynomial predicts: either
	// the dealer is faulty or the message was tampered with in transit.
	ErrShareMismatch = errors.New("threshold: dealt share does not match commitment")
	// ErrNotReady is returned by Generate before at least threshold+1
	// dealers have been accepted.
	ErrNotReady = errors.New("threshold: key generation session is not ready")
	ErrBadPart  = errors.New("threshold: malformed part")
)

// EncryptionKeyPair is a node's X25519 keypair used only to seal per-
// recipient DKG shares in transit. It is distinct from both the node's
// chain identity key and the threshold key the DKG session produces.
type EncryptionKeyPair struct {
	Public  [32]byte
	private [32]byte
}

// GenerateEncryptionKeyPair creates a fresh X25519 keypair for sealing DKG
// shares.
func GenerateEncryptionKeyPair() (*EncryptionKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &EncryptionKeyPair{Public: *pub, private: *priv}, nil
}

// Part is the bundle a single dealer broadcasts to the committee: a
// commitment to its dealt polynomial, plus one share sealed for each
// recipient's encryption key.
type Part struct {
	Dealer  uint64
	Commits [][]byte          // compressed G1 points, one per polynomial coefficient
	Shares  map[uint64][]byte // recipient index -> sealed share (nacl box, nonce-prefixed)
}

// Ack is a recipient's acknowledgment that it received and validated a
// Part against its commitment.
type Ack struct {
	Dealer uint64
	Acker  uint64
}

// Session drives one run of the synchronous, chain-mediated DKG protocol:
// each of n committee members deals a Part, every member acknowledges the
// Parts it can verify, and once threshold+1 Parts are acknowledged by
// everyone the session yields the committee's PublicKeySet and this node's
// SecretKeyShare.
type Session struct {
	mu sync.Mutex

	ownIndex uint64
	n, t     int

	encKeys map[uint64][32]byte // index -> X25519 public key, including our own
	ownEnc  *EncryptionKeyPair

	ownPoly *priPoly

	parts    map[uint64]*Part   // accepted, verified parts keyed by dealer index
	shares   map[uint64]scalar  // dealer index -> our decrypted share
	acksFrom map[uint64]map[uint64]bool // dealer index -> set of ackers
}

// NewSession starts a DKG session for a committee of n members tolerating
// t Byzantine faults, for the node at ownIndex. encKeys must contain every
// member's encryption public key, including ownIndex's.
func NewSession(ownIndex uint64, n, t int, ownEnc *EncryptionKeyPair, encKeys map[uint64][32]byte) (*Session, error) {
	if _, ok := encKeys[ownIndex]; !ok {
		return nil, fmt.Errorf("threshold: encryption key set missing own index %d", ownIndex)
	}
	return &Session{
		ownIndex: ownIndex,
		n:        n,
		t:        t,
		encKeys:  encKeys,
		ownEnc:   ownEnc,
		parts:    make(map[uint64]*Part),
		shares:   make(map[uint64]scalar),
		acksFrom: make(map[uint64]map[uint64]bool),
	}, nil
}

// DealPart draws this node's random polynomial and seals a share of it for
// every committee member. The caller broadcasts the returned Part and then
// feeds it back through HandlePart like any other dealer's Part.
func (s *Session) DealPart() (*Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	poly, err := newPriPoly(s.t, rand.Reader)
	if err != nil {
		return nil, err
	}
	s.ownPoly = poly

	commits := poly.commit().commits
	rawCommits := make([][]byte, len(commits))
	for i, c := range commits {
		rawCommits[i] = publicKeyBytes(c)
	}

	shares := make(map[uint64][]byte, s.n)
	for idx, peerPub := range s.encKeys {
		share := poly.eval(idx)
		sealed, err := sealShare(share, peerPub, s.ownEnc)
		if err != nil {
			return nil, fmt.Errorf("threshold: sealing share for index %d: %w", idx, err)
		}
		shares[idx] = sealed
	}

	return &Part{Dealer: s.ownIndex, Commits: rawCommits, Shares: shares}, nil
}

// HandlePart verifies and records a dealer's Part, decrypting the share
// addressed to this node and checking it against the dealt commitment. It
// returns the Ack to broadcast once the Part is accepted.
func (s *Session) HandlePart(p *Part) (*Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p.Commits) != s.t+1 {
		return nil, fmt.Errorf("%w: dealer %d sent degree %d, want %d", ErrBadPart, p.Dealer, len(p.Commits)-1, s.t)
	}
	dealerPub, ok := s.encKeys[p.Dealer]
	if !ok {
		return nil, fmt.Errorf("%w: dealer %d", ErrUnknownPeerKey, p.Dealer)
	}
	sealed, ok := p.Shares[s.ownIndex]
	if !ok {
		return nil, fmt.Errorf("%w: no share addressed to index %d", ErrBadPart, s.ownIndex)
	}

	commits := make([]*bls12381.PointG1, len(p.Commits))
	for i, raw := range p.Commits {
		pt, err := publicKeyFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad commitment %d from dealer %d: %v", ErrBadPart, i, p.Dealer, err)
		}
		commits[i] = pt
	}
	poly := &pubPoly{commits: commits}

	share, err := openShare(sealed, dealerPub, s.ownEnc)
	if err != nil {
		return nil, fmt.Errorf("threshold: opening share from dealer %d: %w", p.Dealer, err)
	}
	if !g1.Equal(commitG1(share), poly.eval(s.ownIndex)) {
		return nil, fmt.Errorf("%w: dealer %d", ErrShareMismatch, p.Dealer)
	}

	s.parts[p.Dealer] = p
	s.shares[p.Dealer] = share
	if s.acksFrom[p.Dealer] == nil {
		s.acksFrom[p.Dealer] = make(map[uint64]bool)
	}
	s.acksFrom[p.Dealer][s.ownIndex] = true

	return &Ack{Dealer: p.Dealer, Acker: s.ownIndex}, nil
}

// HandleAck records a peer's acknowledgment of a dealer's Part.
func (s *Session) HandleAck(a *Ack) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acksFrom[a.Dealer] == nil {
		s.acksFrom[a.Dealer] = make(map[uint64]bool)
	}
	s.acksFrom[a.Dealer][a.Acker] = true
}

// qualifiedDealers returns the dealers whose Part this node has accepted
// and which every committee member has acknowledged. Locked by caller.
func (s *Session) qualifiedDealers() []uint64 {
	var qualified []uint64
	for dealer, part := range s.parts {
		if part == nil {
			continue
		}
		acks := s.acksFrom[dealer]
		if len(acks) >= s.n {
			qualified = append(qualified, dealer)
		}
	}
	return qualified
}

// IsReady reports whether enough dealers are fully qualified to derive the
// committee's keys: at least t+1, so the joint polynomial retains degree t.
func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.qualifiedDealers()) >= s.t+1
}

// Generate combines every qualified dealer's contribution into the
// committee's PublicKeySet and this node's SecretKeyShare. It is
// deterministic given the same set of qualified dealers, so every honest
// node that qualifies the same dealers converges on identical keys.
func (s *Session) Generate() (*PublicKeySet, *SecretKeyShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	qualified := s.qualifiedDealers()
	if len(qualified) < s.t+1 {
		return nil, nil, ErrNotReady
	}

	jointPoly := s.parts[qualified[0]]
	commits := make([]*bls12381.PointG1, len(jointPoly.Commits))
	for i, raw := range jointPoly.Commits {
		commits[i], _ = publicKeyFromBytes(raw)
	}
	pub := &pubPoly{commits: commits}
	secret := s.shares[qualified[0]]

	for _, dealer := range qualified[1:] {
		part := s.parts[dealer]
		dealerCommits := make([]*bls12381.PointG1, len(part.Commits))
		for i, raw := range part.Commits {
			dealerCommits[i], _ = publicKeyFromBytes(raw)
		}
		var err error
		pub, err = pub.add(&pubPoly{commits: dealerCommits})
		if err != nil {
			return nil, nil, err
		}
		secret = secret.add(s.shares[dealer])
	}

	return &PublicKeySet{poly: pub}, &SecretKeyShare{index: s.ownIndex, share: secret}, nil
}

// sealShare encrypts a Shamir share for a single recipient's public
// encryption key using NaCl box (X25519 + XSalsa20-Poly1305).
func sealShare(share scalar, recipientPub [32]byte, own *EncryptionKeyPair) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	plain := share.bytes()
	sealed := box.Seal(nonce[:], plain[:], &nonce, &recipientPub, &own.private)
	return sealed, nil
}

// openShare decrypts a share sealed by sealShare, from the named sender's
// public encryption key.
func openShare(sealed []byte, senderPub [32]byte, own *EncryptionKeyPair) (scalar, error) {
	if len(sealed) < 24 {
		return scalar{}, errors.New("threshold: sealed share too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := box.Open(nil, sealed[24:], &nonce, &senderPub, &own.private)
	if !ok {
		return scalar{}, errors.New("threshold: share decryption failed")
	}
	if len(plain) != 32 {
		return scalar{}, errors.New("threshold: decrypted share has wrong length")
	}
	return newScalar(new(big.Int).SetBytes(plain)), nil
}
