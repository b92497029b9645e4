// Cipher suite (C2, spec.md §4.2): authenticated encryption per packet,
// with a keyed-MAC-only mode for when encryption is disabled but
// integrity is still required ("finger"). Grounded on the teacher's
// direct golang.org/x/crypto dependency (chacha20poly1305, hkdf); the
// AES/ECB/CBC/SM4 block modes use stdlib crypto/cipher the same way
// crypto/aes itself is always stdlib in Go.
package overlay

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// CipherModel selects the wire cipher (§4.2, §6 config key `cipher_model`).
type CipherModel string

const (
	CipherAesGcm           CipherModel = "aes_gcm"
	CipherChaCha20Poly1305 CipherModel = "chacha20_poly1305"
	CipherAesCbc           CipherModel = "aes_cbc"
	CipherAesEcb           CipherModel = "aes_ecb"
	CipherSm4Cbc           CipherModel = "sm4_cbc"
	CipherFingerOnly       CipherModel = "finger"
	CipherNone             CipherModel = "none"
)

// Cipher is implemented by every mode in CipherModel. The fixed header
// is always passed alongside the payload so AEAD modes can bind it as
// associated data (tamper-evident source_ip rewriting, §4.2).
type Cipher interface {
	Encrypt(header *PacketHeader, plaintext []byte) ([]byte, error)
	Decrypt(header *PacketHeader, ciphertext []byte) ([]byte, error)
}

// DeriveKey expands secret (the shared token, or a user password) into
// keyLen bytes of key material using HKDF-SHA256, with info as the
// domain-separation label (e.g. "vnt-server-key", "vnt-client-key").
// nonce is the per-session value delivered during handshake and is used
// as the HKDF salt.
func DeriveKey(secret, nonce, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nonce, info)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// NewCipher builds the Cipher for model using key (already derived via
// DeriveKey). For CipherFingerOnly, key is the keyed-MAC key.
func NewCipher(model CipherModel, key []byte) (Cipher, error) {
	switch model {
	case CipherAesGcm:
		return newAeadCipher(func() (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		})
	case CipherChaCha20Poly1305:
		return newAeadCipher(func() (cipher.AEAD, error) {
			return chacha20poly1305.New(key)
		})
	case CipherAesCbc:
		return newCbcCipher(key, aes.NewCipher)
	case CipherAesEcb:
		return newEcbCipher(key, aes.NewCipher)
	case CipherSm4Cbc:
		return newCbcCipher(key, newSM4Cipher)
	case CipherFingerOnly:
		return newFingerCipher(key), nil
	case CipherNone:
		return noneCipher{}, nil
	default:
		return nil, errors.New("unknown cipher model")
	}
}

// --- AEAD (AesGcm, ChaCha20Poly1305) ---

type aeadCipher struct {
	aead cipher.AEAD
}

func newAeadCipher(mk func() (cipher.AEAD, error)) (Cipher, error) {
	aead, err := mk()
	if err != nil {
		return nil, err
	}
	return &aeadCipher{aead: aead}, nil
}

func (c *aeadCipher) Encrypt(h *PacketHeader, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ad := EncodeHeader(h)
	out := c.aead.Seal(nil, nonce, plaintext, ad)
	return append(nonce, out...), nil
}

func (c *aeadCipher) Decrypt(h *PacketHeader, ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, ErrInvalidPacket
	}
	nonce, ct := ciphertext[:ns], ciphertext[ns:]
	ad := EncodeHeader(h)
	pt, err := c.aead.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, ErrInvalidPacket
	}
	return pt, nil
}

// --- CBC (AesCbc, Sm4Cbc) ---
//
// CBC is not an AEAD: the header is not authenticated (no tag exists to
// bind it to). Integrity for CBC deployments is expected to come from
// FingerOnly layered on top at a higher level, or accepted as a
// tradeoff of the configured mode.

type cbcCipher struct {
	block cipher.Block
}

func newCbcCipher(key []byte, mk func([]byte) (cipher.Block, error)) (Cipher, error) {
	block, err := mk(key)
	if err != nil {
		return nil, err
	}
	return &cbcCipher{block: block}, nil
}

func (c *cbcCipher) Encrypt(_ *PacketHeader, plaintext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	padded := pkcs7Pad(plaintext, bs)
	iv := make([]byte, bs)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	out := make([]byte, bs+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[bs:], padded)
	return out, nil
}

func (c *cbcCipher) Decrypt(_ *PacketHeader, ciphertext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(ciphertext) < bs || (len(ciphertext)-bs)%bs != 0 {
		return nil, ErrInvalidPacket
	}
	iv, ct := ciphertext[:bs], ciphertext[bs:]
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, ct)
	plain, err := pkcs7Unpad(out, bs)
	if err != nil {
		return nil, ErrInvalidPacket
	}
	return plain, nil
}

func pkcs7Pad(b []byte, bs int) []byte {
	pad := bs - len(b)%bs
	out := make([]byte, len(b)+pad)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(b []byte, bs int) ([]byte, error) {
	if len(b) == 0 || len(b)%bs != 0 {
		return nil, ErrInvalidPacket
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > bs || pad > len(b) {
		return nil, ErrInvalidPacket
	}
	for _, p := range b[len(b)-pad:] {
		if int(p) != pad {
			return nil, ErrInvalidPacket
		}
	}
	return b[:len(b)-pad], nil
}

// --- ECB (AesEcb) ---
//
// ECB leaks block-level plaintext patterns; it is offered only because
// the wire config enumerates it (§4.2) for interop with peers that
// configure it, not recommended.

type ecbCipher struct {
	block cipher.Block
}

func newEcbCipher(key []byte, mk func([]byte) (cipher.Block, error)) (Cipher, error) {
	block, err := mk(key)
	if err != nil {
		return nil, err
	}
	return &ecbCipher{block: block}, nil
}

func (c *ecbCipher) Encrypt(_ *PacketHeader, plaintext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	padded := pkcs7Pad(plaintext, bs)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += bs {
		c.block.Encrypt(out[i:i+bs], padded[i:i+bs])
	}
	return out, nil
}

func (c *ecbCipher) Decrypt(_ *PacketHeader, ciphertext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, ErrInvalidPacket
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += bs {
		c.block.Decrypt(out[i:i+bs], ciphertext[i:i+bs])
	}
	plain, err := pkcs7Unpad(out, bs)
	if err != nil {
		return nil, ErrInvalidPacket
	}
	return plain, nil
}

// --- FingerOnly: keyed MAC, no confidentiality ---

const fingerSize = 32 // HMAC-SHA256 output

type fingerCipher struct {
	key []byte
}

func newFingerCipher(key []byte) Cipher {
	return &fingerCipher{key: key}
}

func (c *fingerCipher) Encrypt(h *PacketHeader, plaintext []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(EncodeHeader(h))
	mac.Write(plaintext)
	tag := mac.Sum(nil)
	return append(append([]byte{}, plaintext...), tag...), nil
}

func (c *fingerCipher) Decrypt(h *PacketHeader, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < fingerSize {
		return nil, ErrInvalidPacket
	}
	plain, tag := ciphertext[:len(ciphertext)-fingerSize], ciphertext[len(ciphertext)-fingerSize:]
	mac := hmac.New(sha256.New, c.key)
	mac.Write(EncodeHeader(h))
	mac.Write(plain)
	want := mac.Sum(nil)
	if !hmac.Equal(want, tag) {
		return nil, ErrInvalidPacket
	}
	return plain, nil
}

// --- None: passthrough, no confidentiality or integrity ---

type noneCipher struct{}

func (noneCipher) Encrypt(_ *PacketHeader, plaintext []byte) ([]byte, error) { return plaintext, nil }
func (noneCipher) Decrypt(_ *PacketHeader, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}
