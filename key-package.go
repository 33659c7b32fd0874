package mls

import (
	"bytes"
	"fmt"
	"time"

	"github.com/cisco/go-tls-syntax"
)

type ProtocolVersion uint8

const (
	ProtocolVersionMLS10 ProtocolVersion = 0x01
)

var supportedVersions = []ProtocolVersion{ProtocolVersionMLS10}

// opaque signature<0..2^16-1>;
type Signature struct {
	Data []byte `tls:"head=2"`
}

// struct {
//     ProtocolVersion version;
//     CipherSuite cipher_suite;
//     HPKEPublicKey init_key;
//     Credential credential;
//     Extension extensions<0..2^16-1>;
//     opaque signature<0..2^16-1>;
// } KeyPackage;
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
	Extensions  ExtensionList
	Signature   Signature
}

type keyPackageTBS struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
	Extensions  ExtensionList
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	return syntax.Marshal(keyPackageTBS{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		Credential:  kp.Credential,
		Extensions:  kp.Extensions,
	})
}

func (kp *KeyPackage) Sign(priv SignaturePrivateKey) error {
	scheme, err := kp.Credential.Scheme()
	if err != nil {
		return err
	}

	pub, err := kp.Credential.PublicKey()
	if err != nil {
		return err
	}

	if !pub.Equals(priv.PublicKey) {
		return fmt.Errorf("mls.key-package: Public key mismatch")
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := scheme.Sign(&priv, tbs)
	if err != nil {
		return err
	}

	kp.Signature = Signature{sig}
	return nil
}

// Verify checks the self-signature and the structural policy: a known
// version, a supported suite, and an unexpired lifetime if one is present.
func (kp KeyPackage) Verify() error {
	if err := validateEnum(kp.Version, ProtocolVersionMLS10); err != nil {
		return validationErr("mls.key-package: unsupported version %d", kp.Version)
	}

	if !kp.CipherSuite.supported() {
		return validationErr("mls.key-package: unsupported ciphersuite %v", kp.CipherSuite)
	}

	if len(kp.InitKey.Data) == 0 {
		return validationErr("mls.key-package: empty init key")
	}

	lifetime := LifetimeExtension{}
	found, err := kp.Extensions.Find(&lifetime)
	if err != nil {
		return validationErr("mls.key-package: malformed lifetime: %v", err)
	}
	if found && !lifetime.Valid(time.Now()) {
		return validationErr("mls.key-package: outside lifetime")
	}

	return kp.verifySignature()
}

// Signature only; leaves already in a tree are not re-checked for lifetime.
func (kp KeyPackage) verifySignature() error {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return validationErr("mls.key-package: %v", err)
	}

	if !kp.Credential.Verify(tbs, kp.Signature.Data) {
		return validationErr("mls.key-package: invalid signature")
	}

	return nil
}

// Ref is the content-derived reference used to match Welcome entries and
// to key the key-package store.
func (kp KeyPackage) Ref() ([]byte, error) {
	data, err := syntax.Marshal(kp)
	if err != nil {
		return nil, err
	}
	return kp.CipherSuite.Digest(data), nil
}

func (kp KeyPackage) Equals(o KeyPackage) bool {
	lhs, err := syntax.Marshal(kp)
	if err != nil {
		return false
	}

	rhs, err := syntax.Marshal(o)
	if err != nil {
		return false
	}

	return bytes.Equal(lhs, rhs)
}

func (kp KeyPackage) Identity() []byte {
	return kp.Credential.Identity()
}

///
/// KeyPackageBundle
///

// A KeyPackage together with the private keys that make it usable.  Only
// the owner holds a bundle; everyone else sees the KeyPackage.
type KeyPackageBundle struct {
	KeyPackage KeyPackage
	InitPriv   HPKEPrivateKey
	SigPriv    SignaturePrivateKey
}

// NewKeyPackageBundle builds and signs a fresh key package for cred.
func NewKeyPackageBundle(suite CipherSuite, cred Credential, sigPriv SignaturePrivateKey, validity time.Duration) (*KeyPackageBundle, error) {
	initPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, err
	}

	return newKeyPackageBundleWithInitKey(suite, initPriv, cred, sigPriv, validity)
}

func newKeyPackageBundleWithInitKey(suite CipherSuite, initPriv HPKEPrivateKey, cred Credential, sigPriv SignaturePrivateKey, validity time.Duration) (*KeyPackageBundle, error) {
	kp := KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: suite,
		InitKey:     initPriv.PublicKey,
		Credential:  cred,
		Extensions:  NewExtensionList(),
	}

	err := kp.Extensions.Add(SupportedVersionsExtension{supportedVersions})
	if err != nil {
		return nil, err
	}

	err = kp.Extensions.Add(SupportedCipherSuitesExtension{[]CipherSuite{suite}})
	if err != nil {
		return nil, err
	}

	if validity > 0 {
		err = kp.Extensions.Add(NewLifetimeExtension(validity))
		if err != nil {
			return nil, err
		}
	}

	if err := kp.Sign(sigPriv); err != nil {
		return nil, err
	}

	return &KeyPackageBundle{
		KeyPackage: kp,
		InitPriv:   initPriv,
		SigPriv:    sigPriv,
	}, nil
}

// rekey returns a copy of kp carrying a new init key, re-signed.  Used for
// the committer's own leaf on an update path and for Update proposals.
func (kp KeyPackage) rekey(initPub HPKEPublicKey, sigPriv SignaturePrivateKey) (*KeyPackage, error) {
	next := KeyPackage{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     initPub,
		Credential:  kp.Credential,
		Extensions:  ExtensionList{append([]Extension{}, kp.Extensions.Entries...)},
	}

	if err := next.Sign(sigPriv); err != nil {
		return nil, err
	}
	return &next, nil
}
