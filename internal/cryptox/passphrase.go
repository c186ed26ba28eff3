package cryptox

import (
	"encoding/json"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"golang.org/x/crypto/argon2"
)

const passphraseSaltSize = 16

// ProtectedKey is a private key sealed under a passphrase-derived key, as
// written to disk by operator tooling.
type ProtectedKey struct {
	Algorithm  string `json:"algorithm"`
	KDF        string `json:"kdf"`
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

// DerivePassphraseKey stretches a passphrase into a 32-byte key with Argon2id.
func DerivePassphraseKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, SessionKeySize)
}

// ProtectPrivateKey seals privateKey with a key derived from passphrase.
func ProtectPrivateKey(algorithm string, privateKey, passphrase []byte) ([]byte, error) {
	salt := common.GenerateRandByteArray(passphraseSaltSize)
	key := DerivePassphraseKey(passphrase, salt)
	defer common.WipeByteArray(key)

	sealed, err := aeads[AES256GCM].Seal(key, privateKey, []byte(algorithm))
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(ProtectedKey{
		Algorithm:  algorithm,
		KDF:        "argon2id",
		Salt:       salt,
		IV:         sealed.IV,
		Ciphertext: sealed.Ciphertext,
		Tag:        sealed.Tag,
	}, "", "  ")
}

// OpenPrivateKey reverses ProtectPrivateKey. A wrong passphrase yields
// ErrAuthentication.
func OpenPrivateKey(data, passphrase []byte) (algorithm string, privateKey []byte, err error) {
	var pk ProtectedKey
	if err := json.Unmarshal(data, &pk); err != nil {
		return "", nil, err
	}
	key := DerivePassphraseKey(passphrase, pk.Salt)
	defer common.WipeByteArray(key)

	privateKey, err = aeads[AES256GCM].Open(key, &Sealed{IV: pk.IV, Ciphertext: pk.Ciphertext, Tag: pk.Tag}, []byte(pk.Algorithm))
	if err != nil {
		return "", nil, err
	}
	return pk.Algorithm, privateKey, nil
}
