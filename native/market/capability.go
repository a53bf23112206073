package market

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var errAdminAlreadyMinted = errors.New("market: admin capability already minted")

// Capability is an opaque bearer token granting authority over one offer, or
// over the whole market when bound to the zero offer id. The fields are
// unexported so no other package can forge one; the ledger stores only the
// keccak digest, never the secret.
type Capability struct {
	offerID [32]byte
	secret  [32]byte
}

// OfferID returns the offer the capability is bound to. The zero id denotes
// the admin capability.
func (c Capability) OfferID() [32]byte { return c.offerID }

// Hex encodes the capability for transport as 0x-prefixed hex of the bound
// offer id followed by the secret.
func (c Capability) Hex() string {
	return "0x" + hex.EncodeToString(c.offerID[:]) + hex.EncodeToString(c.secret[:])
}

// ParseCapability decodes a capability previously encoded with Hex.
func ParseCapability(raw string) (Capability, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if len(trimmed) != 128 {
		return Capability{}, fmt.Errorf("market: capability must be 64 bytes")
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return Capability{}, fmt.Errorf("market: malformed capability: %w", err)
	}
	var token Capability
	copy(token.offerID[:], decoded[:32])
	copy(token.secret[:], decoded[32:])
	return token, nil
}

func (c Capability) digest() [32]byte {
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(c.offerID[:], c.secret[:]))
	return out
}

// capabilityState is the slice of ledger state the authority needs: digests
// keyed by offer id plus the singleton admin digest.
type capabilityState interface {
	CapabilityDigestPut(offerID [32]byte, digest [32]byte) error
	CapabilityDigestGet(offerID [32]byte) ([32]byte, bool, error)
	AdminDigestPut(digest [32]byte) error
	AdminDigestGet() ([32]byte, bool, error)
}

// Authority mints and validates capabilities against the ledger-stored
// digests.
type Authority struct {
	state   capabilityState
	entropy func([]byte) error
}

// NewAuthority creates an authority reading and writing digests through the
// supplied state.
func NewAuthority(state capabilityState) *Authority {
	return &Authority{
		state: state,
		entropy: func(buf []byte) error {
			_, err := rand.Read(buf)
			return err
		},
	}
}

// SetEntropy overrides the secret source. Primarily intended for tests that
// need deterministic capabilities.
func (a *Authority) SetEntropy(entropy func([]byte) error) {
	if entropy == nil {
		a.entropy = func(buf []byte) error {
			_, err := rand.Read(buf)
			return err
		}
		return
	}
	a.entropy = entropy
}

// MintProvider issues the provider capability for a freshly created offer.
// Exactly one capability is minted per offer; it is never reissued or
// revoked.
func (a *Authority) MintProvider(offerID [32]byte) (Capability, error) {
	if a == nil || a.state == nil {
		return Capability{}, errNilState
	}
	if offerID == ([32]byte{}) {
		return Capability{}, fmt.Errorf("market: provider capability requires an offer id")
	}
	if _, ok, err := a.state.CapabilityDigestGet(offerID); err != nil {
		return Capability{}, err
	} else if ok {
		return Capability{}, fmt.Errorf("market: capability already minted for offer")
	}
	token := Capability{offerID: offerID}
	if err := a.entropy(token.secret[:]); err != nil {
		return Capability{}, err
	}
	if err := a.state.CapabilityDigestPut(offerID, token.digest()); err != nil {
		return Capability{}, err
	}
	return token, nil
}

// MintAdmin issues the systemwide admin capability. It succeeds exactly once
// per ledger; subsequent calls fail so the capability can never be reminted.
func (a *Authority) MintAdmin() (Capability, error) {
	if a == nil || a.state == nil {
		return Capability{}, errNilState
	}
	if _, ok, err := a.state.AdminDigestGet(); err != nil {
		return Capability{}, err
	} else if ok {
		return Capability{}, errAdminAlreadyMinted
	}
	var token Capability
	if err := a.entropy(token.secret[:]); err != nil {
		return Capability{}, err
	}
	if err := a.state.AdminDigestPut(token.digest()); err != nil {
		return Capability{}, err
	}
	return token, nil
}

// ValidateProvider checks that the presented capability is the provider
// capability bound to offerID. The mismatch error is identical for a wrong
// offer binding and a wrong secret.
func (a *Authority) ValidateProvider(cap Capability, offerID [32]byte) error {
	if a == nil || a.state == nil {
		return errNilState
	}
	if cap.offerID != offerID {
		return ErrInvalidCapability
	}
	digest, ok, err := a.state.CapabilityDigestGet(offerID)
	if err != nil {
		return err
	}
	if !ok || digest != cap.digest() {
		return ErrInvalidCapability
	}
	return nil
}

// ValidateAdmin checks that the presented capability is the admin singleton.
func (a *Authority) ValidateAdmin(cap Capability) error {
	if a == nil || a.state == nil {
		return errNilState
	}
	if cap.offerID != ([32]byte{}) {
		return ErrInvalidCapability
	}
	digest, ok, err := a.state.AdminDigestGet()
	if err != nil {
		return err
	}
	if !ok || digest != cap.digest() {
		return ErrInvalidCapability
	}
	return nil
}
