package mls

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

func TestBasicCredential(t *testing.T) {
	identity := []byte("res ipsa")
	scheme := Ed25519
	priv, err := scheme.Generate()
	require.Nil(t, err)

	cred := NewBasicCredential(identity, scheme, priv.PublicKey)
	require.True(t, cred.Equals(*cred))
	require.Equal(t, cred.Type(), CredentialTypeBasic)
	require.Equal(t, cred.Identity(), identity)

	credScheme, err := cred.Scheme()
	require.Nil(t, err)
	require.Equal(t, credScheme, scheme)

	pub, err := cred.PublicKey()
	require.Nil(t, err)
	require.Equal(t, *pub, priv.PublicKey)

	message := []byte("attack at dawn")
	signature, err := scheme.Sign(&priv, message)
	require.Nil(t, err)
	require.True(t, cred.Verify(message, signature))
	require.False(t, cred.Verify([]byte("attack at dusk"), signature))

	encoded, err := syntax.Marshal(*cred)
	require.Nil(t, err)

	var decoded Credential
	_, err = syntax.Unmarshal(encoded, &decoded)
	require.Nil(t, err)
	require.True(t, cred.Equals(decoded))
}

func TestCredentialErrorCases(t *testing.T) {
	cred := Credential{nil, nil}

	require.False(t, cred.Equals(cred))
	require.Equal(t, cred.Type(), CredentialTypeInvalid)
	require.Nil(t, cred.Identity())

	_, err := cred.PublicKey()
	require.Error(t, err)

	_, err = cred.Scheme()
	require.Error(t, err)

	require.False(t, cred.Verify([]byte("message"), []byte("signature")))

	_, err = syntax.Marshal(cred)
	require.Error(t, err)

	require.Error(t, AcceptAllValidator{}.Validate(cred))
}

func newSelfSignedCert(t *testing.T, name string) (*x509.Certificate, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.Nil(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	require.Nil(t, err)

	cert, err := x509.ParseCertificate(der)
	require.Nil(t, err)
	return cert, priv
}

func TestX509Credential(t *testing.T) {
	root, _ := newSelfSignedCert(t, "root")
	other, _ := newSelfSignedCert(t, "other")

	_, err := NewX509Credential(nil)
	require.Error(t, err)

	cred, err := NewX509Credential([]*x509.Certificate{root})
	require.Nil(t, err)
	require.Equal(t, cred.Type(), CredentialTypeX509)
	require.True(t, cred.Equals(*cred))

	scheme, err := cred.Scheme()
	require.Nil(t, err)
	require.Equal(t, scheme, Ed25519)

	encoded, err := syntax.Marshal(*cred)
	require.Nil(t, err)

	var decoded Credential
	_, err = syntax.Unmarshal(encoded, &decoded)
	require.Nil(t, err)
	require.True(t, cred.Equals(decoded))

	trusting := X509Validator{Roots: []*x509.Certificate{root}}
	require.Nil(t, trusting.Validate(*cred))

	distrusting := X509Validator{Roots: []*x509.Certificate{other}}
	require.Error(t, distrusting.Validate(*cred))
}

func TestX509ValidatorBasicPolicy(t *testing.T) {
	priv, err := Ed25519.Generate()
	require.Nil(t, err)
	cred := NewBasicCredential([]byte("alice"), Ed25519, priv.PublicKey)

	require.Error(t, X509Validator{}.Validate(*cred))
	require.Nil(t, X509Validator{AllowBasic: true}.Validate(*cred))
	require.Nil(t, AcceptAllValidator{}.Validate(*cred))
}
