package wallet

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Deriver maps a wallet index to a deterministic keypair. Registration assigns
// each user one index for life, so the same index must always produce the
// same address.
type Deriver interface {
	Derive(index uint32) (Keypair, error)
}

type Keypair struct {
	Index      uint32
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Address    string
}

type HDDeriver struct {
	masterSeed  []byte
	chainPrefix string
}

func NewHDDeriver(masterSeedHex, chainPrefix string) (*HDDeriver, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(masterSeedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode master seed: %w", err)
	}
	if len(seed) < 32 {
		return nil, fmt.Errorf("master seed must be at least 32 bytes, got %d", len(seed))
	}
	return &HDDeriver{masterSeed: seed, chainPrefix: chainPrefix}, nil
}

// Derive stretches the master seed with the big-endian index through
// HMAC-SHA512 and uses the first 32 bytes as the ed25519 seed. The address is
// the first 20 bytes of SHA3-256 over the public key, hex-encoded behind the
// chain prefix.
func (d *HDDeriver) Derive(index uint32) (Keypair, error) {
	if index == 0 {
		return Keypair{}, fmt.Errorf("wallet index 0 is reserved")
	}

	mac := hmac.New(sha512.New, d.masterSeed)
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], index)
	mac.Write(be[:])
	digest := mac.Sum(nil)

	priv := ed25519.NewKeyFromSeed(digest[:32])
	pub := priv.Public().(ed25519.PublicKey)

	sum := sha3.Sum256(pub)
	address := d.chainPrefix + hex.EncodeToString(sum[:20])

	return Keypair{
		Index:      index,
		PublicKey:  pub,
		PrivateKey: priv,
		Address:    address,
	}, nil
}

// Address is the derivation most callers want; it drops the key material.
func (d *HDDeriver) Address(index uint32) (string, error) {
	kp, err := d.Derive(index)
	if err != nil {
		return "", err
	}
	return kp.Address, nil
}
