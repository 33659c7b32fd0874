package mls

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config carries the settings shared by every session a Registry manages.
type Config struct {
	// CipherSuite used for new groups and generated key packages.
	CipherSuite CipherSuite

	// EncryptHandshake sends proposals and commits as MLSCiphertext instead
	// of signed, membership-tagged MLSPlaintext.
	EncryptHandshake bool

	// IncludeRatchetTree embeds the full tree in every GroupInfo so joiners
	// need no out-of-band copy.
	IncludeRatchetTree bool

	// EpochRetention is the number of prior epochs whose application keys
	// are kept for late messages.  Zero keeps none.
	EpochRetention int

	// MaxForwardRatchet bounds how far ahead of the next expected
	// generation a sender may be.
	MaxForwardRatchet uint32

	// KeyPackageCacheSize bounds the store of imported key packages.
	KeyPackageCacheSize int

	// KeyPackageLifetime is the validity period written into generated key
	// packages.  Zero omits the lifetime extension.
	KeyPackageLifetime time.Duration

	CredentialValidator CredentialValidator
	Logger              *logrus.Entry
}

func NewConfig() *Config {
	return &Config{
		CipherSuite:         X25519_AES128GCM_SHA256_Ed25519,
		EncryptHandshake:    false,
		IncludeRatchetTree:  true,
		EpochRetention:      2,
		MaxForwardRatchet:   1024,
		KeyPackageCacheSize: 256,
		KeyPackageLifetime:  30 * 24 * time.Hour,
		CredentialValidator: AcceptAllValidator{},
		Logger:              logrus.NewEntry(logrus.StandardLogger()),
	}
}

// withDefaults fills the zero-valued fields a caller left unset.
func (c *Config) withDefaults() *Config {
	def := NewConfig()
	if c == nil {
		return def
	}

	out := *c
	if out.CipherSuite == 0 {
		out.CipherSuite = def.CipherSuite
	}
	if out.EpochRetention < 0 {
		out.EpochRetention = 0
	}
	if out.MaxForwardRatchet == 0 {
		out.MaxForwardRatchet = def.MaxForwardRatchet
	}
	if out.KeyPackageCacheSize <= 0 {
		out.KeyPackageCacheSize = def.KeyPackageCacheSize
	}
	if out.CredentialValidator == nil {
		out.CredentialValidator = def.CredentialValidator
	}
	if out.Logger == nil {
		out.Logger = def.Logger
	}
	return &out
}
