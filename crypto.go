package mls

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"math/big"

	"github.com/cisco/go-hpke"
	"github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	P256_AES128GCM_SHA256_P256             CipherSuite = 0x0002
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
	P521_AES256GCM_SHA512_P521             CipherSuite = 0x0005
)

// SupportedCipherSuites lists every suite this package implements.
func SupportedCipherSuites() []CipherSuite {
	return []CipherSuite{
		X25519_AES128GCM_SHA256_Ed25519,
		P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519,
		P521_AES256GCM_SHA512_P521,
	}
}

func (cs CipherSuite) supported() bool {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519, P521_AES256GCM_SHA512_P521:
		return true
	}
	return false
}

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	case P256_AES128GCM_SHA256_P256:
		return "P256_AES128GCM_SHA256_P256"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	case P521_AES256GCM_SHA512_P521:
		return "P521_AES256GCM_SHA512_P521"
	}
	return "UnknownCipherSuite"
}

type cipherConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
	HPKEKEM    hpke.KEMID
	HPKEKDF    hpke.KDFID
	HPKEAEAD   hpke.AEADID
}

func (cs CipherSuite) Constants() cipherConstants {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return cipherConstants{16, 12, 32, hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128}
	case P256_AES128GCM_SHA256_P256:
		return cipherConstants{16, 12, 32, hpke.DHKEM_P256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128}
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return cipherConstants{32, 12, 32, hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_CHACHA20POLY1305}
	case P521_AES256GCM_SHA512_P521:
		return cipherConstants{32, 12, 64, hpke.DHKEM_P521, hpke.KDF_HKDF_SHA512, hpke.AEAD_AESGCM256}
	}
	panic("Unsupported ciphersuite")
}

func (cs CipherSuite) Scheme() SignatureScheme {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return Ed25519
	case P256_AES128GCM_SHA256_P256:
		return ECDSA_SECP256R1_SHA256
	case P521_AES256GCM_SHA512_P521:
		return ECDSA_SECP521R1_SHA512
	}
	panic("Unsupported ciphersuite")
}

func (cs CipherSuite) zero() []byte {
	return bytes.Repeat([]byte{0x00}, cs.Constants().SecretSize)
}

func (cs CipherSuite) newDigest() hash.Hash {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return sha256.New()
	case P521_AES256GCM_SHA512_P521:
		return sha512.New()
	}
	panic("Unsupported ciphersuite")
}

func (cs CipherSuite) Digest(data []byte) []byte {
	d := cs.newDigest()
	d.Write(data)
	return d.Sum(nil)
}

func (cs CipherSuite) NewHMAC(key []byte) hash.Hash {
	return hmac.New(cs.newDigest, key)
}

func (cs CipherSuite) mac(key, data []byte) []byte {
	h := cs.NewHMAC(key)
	h.Write(data)
	return h.Sum(nil)
}

func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256,
		P521_AES256GCM_SHA512_P521:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)

	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return chacha20poly1305.New(key)
	}
	return nil, fmt.Errorf("mls.crypto: Unsupported ciphersuite %v", cs)
}

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(cs.newDigest, ikm, salt)
}

//	struct {
//	    uint16 length = Length;
//	    opaque label<7..255> = "mls10 " + Label;
//	    opaque context<0..2^32-1> = Context;
//	} HKDFLabel;
type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (cs CipherSuite) hkdfExpand(secret, info []byte, size int) []byte {
	out := make([]byte, size)
	r := hkdf.Expand(cs.newDigest, secret, info)
	if _, err := r.Read(out); err != nil {
		panic(fmt.Errorf("mls.crypto: HKDF expand failed: %v", err))
	}
	return out
}

func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	mlsLabel := []byte("mls10 " + label)
	labelData, err := syntax.Marshal(hkdfLabel{uint16(length), mlsLabel, context})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: Error marshaling HKDF label: %v", err))
	}
	return cs.hkdfExpand(secret, labelData, length)
}

func (cs CipherSuite) deriveSecret(secret []byte, label string) []byte {
	return cs.hkdfExpandLabel(secret, label, []byte{}, cs.Constants().SecretSize)
}

func (cs CipherSuite) deriveAppSecret(secret []byte, label string, node NodeIndex, generation uint32, length int) []byte {
	ctx, err := syntax.Marshal(struct {
		Node       NodeIndex
		Generation uint32
	}{node, generation})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: Error marshaling application context: %v", err))
	}
	return cs.hkdfExpandLabel(secret, label, ctx, length)
}

///
/// HPKE
///

// opaque HPKEPublicKey<1..2^16-1>;
type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return bytes.Equal(k.Data, o.Data)
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

// struct {
//     opaque kem_output<0..2^16-1>;
//     opaque ciphertext<0..2^32-1>;
// } HPKECiphertext;
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeInstance struct {
	BaseSuite CipherSuite
	Suite     hpke.CipherSuite
}

func (cs CipherSuite) hpke() hpkeInstance {
	cc := cs.Constants()
	suite, err := hpke.AssembleCipherSuite(cc.HPKEKEM, cc.HPKEKDF, cc.HPKEAEAD)
	if err != nil {
		panic("Unable to construct HPKE ciphersuite")
	}

	return hpkeInstance{cs, suite}
}

func (h hpkeInstance) Generate() (HPKEPrivateKey, error) {
	seed := make([]byte, h.BaseSuite.Constants().SecretSize)
	if _, err := rand.Read(seed); err != nil {
		return HPKEPrivateKey{}, err
	}
	return h.Derive(seed)
}

func (h hpkeInstance) Derive(seed []byte) (HPKEPrivateKey, error) {
	priv, pub, err := h.Suite.KEM.DeriveKeyPair(seed)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	key := HPKEPrivateKey{
		Data:      h.Suite.KEM.SerializePrivate(priv),
		PublicKey: HPKEPublicKey{h.Suite.KEM.Serialize(pub)},
	}
	return key, nil
}

func (h hpkeInstance) Encrypt(pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := h.Suite.KEM.Deserialize(pub.Data)
	if err != nil {
		return HPKECiphertext{}, err
	}

	enc, ctx, err := hpke.SetupBaseS(h.Suite, rand.Reader, pkR, []byte{})
	if err != nil {
		return HPKECiphertext{}, err
	}

	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{enc, ct}, nil
}

func (h hpkeInstance) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	skR, err := h.Suite.KEM.DeserializePrivate(priv.Data)
	if err != nil {
		return nil, err
	}

	ctx, err := hpke.SetupBaseR(h.Suite, skR, ct.KEMOutput, []byte{})
	if err != nil {
		return nil, err
	}

	return ctx.Open(aad, ct.Ciphertext)
}

///
/// Signing
///

type SignatureScheme uint16

const (
	ECDSA_SECP256R1_SHA256 SignatureScheme = 0x0403
	ECDSA_SECP521R1_SHA512 SignatureScheme = 0x0603
	Ed25519                SignatureScheme = 0x0807
)

func (ss SignatureScheme) String() string {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return "ECDSA_SECP256R1_SHA256"
	case ECDSA_SECP521R1_SHA512:
		return "ECDSA_SECP521R1_SHA512"
	case Ed25519:
		return "Ed25519"
	}
	return "UnknownSignatureScheme"
}

// opaque SignaturePublicKey<1..2^16-1>;
type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (pub SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return bytes.Equal(pub.Data, o.Data)
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

func (ss SignatureScheme) curve() elliptic.Curve {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return elliptic.P256()
	case ECDSA_SECP521R1_SHA512:
		return elliptic.P521()
	}
	return nil
}

func (ss SignatureScheme) hash() crypto.Hash {
	switch ss {
	case ECDSA_SECP521R1_SHA512:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	seed := make([]byte, 64)
	if _, err := rand.Read(seed); err != nil {
		return SignaturePrivateKey{}, err
	}
	return ss.Derive(seed)
}

func (ss SignatureScheme) Derive(seed []byte) (SignaturePrivateKey, error) {
	switch ss {
	case Ed25519:
		h := sha256.Sum256(seed)
		priv := ed25519.NewKeyFromSeed(h[:])
		pub := priv.Public().(ed25519.PublicKey)
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{Data: pub},
		}, nil

	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		h := ss.hash().New()
		h.Write(seed)

		// d = H(seed) mod (n-1) + 1 keeps d in [1, n-1]
		n1 := new(big.Int).Sub(curve.Params().N, big.NewInt(1))
		d := new(big.Int).SetBytes(h.Sum(nil))
		d.Mod(d, n1)
		d.Add(d, big.NewInt(1))

		x, y := curve.ScalarBaseMult(d.Bytes())
		return SignaturePrivateKey{
			Data:      d.Bytes(),
			PublicKey: SignaturePublicKey{Data: elliptic.Marshal(curve, x, y)},
		}, nil
	}
	return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: Unsupported signature scheme %v", ss)
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	switch ss {
	case Ed25519:
		if len(priv.Data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("mls.crypto: Malformed Ed25519 private key")
		}
		return ed25519.Sign(ed25519.PrivateKey(priv.Data), message), nil

	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		x, y := elliptic.Unmarshal(curve, priv.PublicKey.Data)
		if x == nil {
			return nil, fmt.Errorf("mls.crypto: Malformed ECDSA public key")
		}
		key := &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
			D:         new(big.Int).SetBytes(priv.Data),
		}

		h := ss.hash().New()
		h.Write(message)
		return ecdsa.SignASN1(rand.Reader, key, h.Sum(nil))
	}
	return nil, fmt.Errorf("mls.crypto: Unsupported signature scheme %v", ss)
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	switch ss {
	case Ed25519:
		if len(pub.Data) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Data), message, signature)

	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		x, y := elliptic.Unmarshal(curve, pub.Data)
		if x == nil {
			return false
		}
		key := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}

		h := ss.hash().New()
		h.Write(message)
		return ecdsa.VerifyASN1(key, h.Sum(nil), signature)
	}
	return false
}
