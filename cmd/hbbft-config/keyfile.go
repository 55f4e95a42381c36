package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

// The generated keystores are throwaway devnet material, so the password
// is fixed and the kdf salt is all zeros: anyone holding these files is
// an operator of the network they bootstrap.
const (
	keyFilePassword = "test"
	keyFileKDFIter  = 10240
	keyFileKDFLen   = 32
	keyFileVersion  = 3
)

// encryptedKeyJSON is the standard web3 keystore v3 layout, pbkdf2
// variant.
type encryptedKeyJSON struct {
	Address string     `json:"address"`
	Crypto  cryptoJSON `json:"crypto"`
	ID      string     `json:"id"`
	Version int        `json:"version"`
}

type cryptoJSON struct {
	Cipher       string           `json:"cipher"`
	CipherText   string           `json:"ciphertext"`
	CipherParams cipherParamsJSON `json:"cipherparams"`
	KDF          string           `json:"kdf"`
	KDFParams    kdfParamsJSON    `json:"kdfparams"`
	MAC          string           `json:"mac"`
}

type cipherParamsJSON struct {
	IV string `json:"iv"`
}

type kdfParamsJSON struct {
	C     int    `json:"c"`
	DKLen int    `json:"dklen"`
	PRF   string `json:"prf"`
	Salt  string `json:"salt"`
}

// encryptKeyFile seals a validator's ECDSA secret into a keystore v3
// JSON blob under password, using pbkdf2-hmac-sha256 with a zero salt and
// aes-128-ctr, the exact layout any web3 keystore loader accepts.
func encryptKeyFile(key *ecdsa.PrivateKey, password string) ([]byte, error) {
	salt := make([]byte, 16)
	derived := pbkdf2.Key([]byte(password), salt, keyFileKDFIter, keyFileKDFLen, sha256.New)

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived[:16])
	if err != nil {
		return nil, err
	}
	plain := crypto.FromECDSA(key)
	ciphertext := make([]byte, len(plain))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plain)

	mac := crypto.Keccak256(derived[16:32], ciphertext)

	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	// RFC 4122 version 4 variant bits.
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80

	out := encryptedKeyJSON{
		Address: strings.TrimPrefix(strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()), "0x"),
		Crypto: cryptoJSON{
			Cipher:       "aes-128-ctr",
			CipherText:   hex.EncodeToString(ciphertext),
			CipherParams: cipherParamsJSON{IV: hex.EncodeToString(iv)},
			KDF:          "pbkdf2",
			KDFParams: kdfParamsJSON{
				C:     keyFileKDFIter,
				DKLen: keyFileKDFLen,
				PRF:   "hmac-sha256",
				Salt:  hex.EncodeToString(salt),
			},
			MAC: hex.EncodeToString(mac),
		},
		ID: fmt.Sprintf("%x-%x-%x-%x-%x", id[0:4], id[4:6], id[6:8], id[8:10], id[10:16]),
		Version: keyFileVersion,
	}
	return json.Marshal(out)
}

// decryptKeyFile reverses encryptKeyFile, verifying the MAC before
// touching the ciphertext.
func decryptKeyFile(data []byte, password string) (*ecdsa.PrivateKey, error) {
	var in encryptedKeyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	if in.Crypto.KDF != "pbkdf2" || in.Crypto.Cipher != "aes-128-ctr" {
		return nil, fmt.Errorf("unsupported keystore: kdf %q cipher %q", in.Crypto.KDF, in.Crypto.Cipher)
	}
	salt, err := hex.DecodeString(in.Crypto.KDFParams.Salt)
	if err != nil {
		return nil, err
	}
	derived := pbkdf2.Key([]byte(password), salt, in.Crypto.KDFParams.C, in.Crypto.KDFParams.DKLen, sha256.New)

	ciphertext, err := hex.DecodeString(in.Crypto.CipherText)
	if err != nil {
		return nil, err
	}
	mac, err := hex.DecodeString(in.Crypto.MAC)
	if err != nil {
		return nil, err
	}
	if !hexEqual(mac, crypto.Keccak256(derived[16:32], ciphertext)) {
		return nil, fmt.Errorf("keystore MAC mismatch: wrong password or corrupted file")
	}

	iv, err := hex.DecodeString(in.Crypto.CipherParams.IV)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived[:16])
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plain, ciphertext)
	return crypto.ToECDSA(plain)
}

func hexEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
