package mls

///
/// Welcome keys
///

func welcomeKeyAndNonce(suite CipherSuite, welcomeSecret []byte) keyAndNonce {
	cc := suite.Constants()
	return keyAndNonce{
		Key:   suite.hkdfExpandLabel(welcomeSecret, "key", []byte{}, cc.KeySize),
		Nonce: suite.hkdfExpandLabel(welcomeSecret, "nonce", []byte{}, cc.NonceSize),
	}
}

// The joiner secret folds the commit secret into the previous epoch's init
// secret, bound to the new group context.
func joinerSecret(suite CipherSuite, initSecret, commitSecret, context []byte) []byte {
	prk := suite.hkdfExtract(initSecret, commitSecret)
	defer zeroize(prk)
	return suite.hkdfExpandLabel(prk, "joiner", context, suite.Constants().SecretSize)
}

///
/// Key schedule epoch
///

// keyScheduleEpoch holds every secret of one epoch.  The chain is
//
//	joiner -> member (psk extract) -> welcome, epoch
//	epoch  -> sender data, encryption, exporter, confirm, membership,
//	          resumption, init, authentication
type keyScheduleEpoch struct {
	Suite        CipherSuite
	GroupContext []byte

	JoinerSecret  []byte
	MemberSecret  []byte
	WelcomeSecret []byte
	EpochSecret   []byte

	SenderDataSecret     []byte
	EncryptionSecret     []byte
	ExporterSecret       []byte
	ConfirmationKey      []byte
	MembershipKey        []byte
	ResumptionSecret     []byte
	InitSecret           []byte
	AuthenticationSecret []byte

	Keys *groupKeySource
}

func newKeyScheduleEpoch(suite CipherSuite, size LeafCount, joiner, context []byte, maxForward uint32) *keyScheduleEpoch {
	// No pre-shared keys are used, so the PSK input is all zero
	memberSecret := suite.hkdfExtract(joiner, suite.zero())
	welcomeSecret := suite.deriveSecret(memberSecret, "welcome")
	epochSecret := suite.hkdfExpandLabel(memberSecret, "epoch", context, suite.Constants().SecretSize)

	kse := &keyScheduleEpoch{
		Suite:        suite,
		GroupContext: dup(context),

		JoinerSecret:  dup(joiner),
		MemberSecret:  memberSecret,
		WelcomeSecret: welcomeSecret,
		EpochSecret:   epochSecret,

		SenderDataSecret:     suite.deriveSecret(epochSecret, "sender data"),
		EncryptionSecret:     suite.deriveSecret(epochSecret, "encryption"),
		ExporterSecret:       suite.deriveSecret(epochSecret, "exporter"),
		ConfirmationKey:      suite.deriveSecret(epochSecret, "confirm"),
		MembershipKey:        suite.deriveSecret(epochSecret, "membership"),
		ResumptionSecret:     suite.deriveSecret(epochSecret, "resumption"),
		InitSecret:           suite.deriveSecret(epochSecret, "init"),
		AuthenticationSecret: suite.deriveSecret(epochSecret, "authentication"),
	}

	kse.Keys = newGroupKeySource(suite, size, kse.EncryptionSecret, maxForward)
	return kse
}

// newInitialKeyScheduleEpoch starts a group from a fresh init secret and an
// all-zero commit secret.
func newInitialKeyScheduleEpoch(suite CipherSuite, size LeafCount, initSecret, context []byte, maxForward uint32) *keyScheduleEpoch {
	joiner := joinerSecret(suite, initSecret, suite.zero(), context)
	defer zeroize(joiner)
	return newKeyScheduleEpoch(suite, size, joiner, context, maxForward)
}

func (kse *keyScheduleEpoch) Next(size LeafCount, commitSecret, context []byte, maxForward uint32) *keyScheduleEpoch {
	joiner := joinerSecret(kse.Suite, kse.InitSecret, commitSecret, context)
	defer zeroize(joiner)
	return newKeyScheduleEpoch(kse.Suite, size, joiner, context, maxForward)
}

func (kse keyScheduleEpoch) senderDataKey() []byte {
	return kse.Suite.hkdfExpandLabel(kse.SenderDataSecret, "sd key", []byte{}, kse.Suite.Constants().KeySize)
}

// Export derives a caller-visible secret from the exporter secret.  The
// result depends only on the epoch, label, context and length.
func (kse keyScheduleEpoch) Export(label string, context []byte, length int) []byte {
	exporterBase := kse.Suite.deriveSecret(kse.ExporterSecret, label)
	defer zeroize(exporterBase)
	return kse.Suite.hkdfExpandLabel(exporterBase, "exported", kse.Suite.Digest(context), length)
}

func (kse *keyScheduleEpoch) confirmationTag(confirmedTranscriptHash []byte) []byte {
	return kse.Suite.mac(kse.ConfirmationKey, confirmedTranscriptHash)
}

// zeroize erases every secret of the epoch.  Messages from it can no
// longer be opened afterwards.
func (kse *keyScheduleEpoch) zeroize() {
	for _, s := range [][]byte{
		kse.JoinerSecret, kse.MemberSecret, kse.WelcomeSecret, kse.EpochSecret,
		kse.SenderDataSecret, kse.EncryptionSecret, kse.ExporterSecret,
		kse.ConfirmationKey, kse.MembershipKey, kse.ResumptionSecret,
		kse.InitSecret, kse.AuthenticationSecret,
	} {
		zeroize(s)
	}

	if kse.Keys != nil {
		kse.Keys.zeroize()
	}
}
