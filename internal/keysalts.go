package internal

import (
	"github.com/fxamacker/cbor/v2"
)

// KeySalts are the per-user salts a client needs to re-derive its key material
// after authenticating. They are generated when the account is created (outside
// this server) and are not secret, but they are persisted as a single compact
// CBOR blob rather than as columns because the set grows as clients evolve.
type KeySalts struct {
	EncryptionKeySalt []byte `cbor:"1,keyasint,omitempty" json:"encryptionKeySalt,omitempty"`
	DHKeySalt         []byte `cbor:"2,keyasint,omitempty" json:"dhKeySalt,omitempty"`
	HMACKeySalt       []byte `cbor:"3,keyasint,omitempty" json:"hmacKeySalt,omitempty"`
	PasswordSalt      []byte `cbor:"4,keyasint,omitempty" json:"passwordSalt,omitempty"`
	PasswordTokenSalt []byte `cbor:"5,keyasint,omitempty" json:"passwordTokenSalt,omitempty"`
}

func NewKeySaltsFromCBOR(b []byte) (*KeySalts, error) {
	var s KeySalts
	if err := cbor.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *KeySalts) CBOR() ([]byte, error) {
	return cbor.Marshal(s)
}

// PasswordSalts returns just the salts needed for a password change, which is
// all the GetPasswordSalts action is allowed to reveal.
func (s *KeySalts) PasswordSalts() *KeySalts {
	return &KeySalts{
		PasswordSalt:      s.PasswordSalt,
		PasswordTokenSalt: s.PasswordTokenSalt,
	}
}
