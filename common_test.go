package mls

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

type TestEnum uint8

var (
	TestEnumInvalid TestEnum = 0xFF
	TestEnumVal0    TestEnum = 0
	TestEnumVal1    TestEnum = 1
)

func TestValidateEnum(t *testing.T) {
	err := validateEnum(TestEnumVal0, TestEnumVal0, TestEnumVal1)
	require.Nil(t, err)

	err = validateEnum(TestEnumInvalid, TestEnumVal0, TestEnumVal1)
	require.Error(t, err)
}

func TestDupAndZeroize(t *testing.T) {
	require.Nil(t, dup(nil))

	orig := []byte{1, 2, 3}
	copied := dup(orig)
	require.Equal(t, orig, copied)

	zeroize(copied)
	require.Equal(t, []byte{0, 0, 0}, copied)
	require.Equal(t, []byte{1, 2, 3}, orig)
}

//////////

const testSuite = X25519_AES128GCM_SHA256_Ed25519

func unhex(h string) []byte {
	b, err := hex.DecodeString(h)
	if err != nil {
		panic(err)
	}
	return b
}

// newTestBundle creates a fresh signing identity and key package for name.
func newTestBundle(t testing.TB, suite CipherSuite, name string) *KeyPackageBundle {
	scheme := suite.Scheme()
	sigPriv, err := scheme.Generate()
	require.Nil(t, err)

	cred := NewBasicCredential([]byte(name), scheme, sigPriv.PublicKey)
	bundle, err := NewKeyPackageBundle(suite, *cred, sigPriv, 0)
	require.Nil(t, err)
	return bundle
}

func testConfig(suite CipherSuite) *Config {
	cfg := NewConfig()
	cfg.CipherSuite = suite
	return cfg
}
