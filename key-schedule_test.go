package mls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyScheduleDeterministic(t *testing.T) {
	for _, suite := range supportedSuites {
		secretSize := suite.Constants().SecretSize
		initSecret := randomBytes(secretSize)
		context := []byte("group context")

		a := newInitialKeyScheduleEpoch(suite, 4, initSecret, context, 16)
		b := newInitialKeyScheduleEpoch(suite, 4, initSecret, context, 16)
		require.Equal(t, a.EpochSecret, b.EpochSecret)
		require.Equal(t, a.InitSecret, b.InitSecret)

		// Every derived secret is distinct
		secrets := [][]byte{
			a.JoinerSecret, a.MemberSecret, a.WelcomeSecret, a.EpochSecret,
			a.SenderDataSecret, a.EncryptionSecret, a.ExporterSecret,
			a.ConfirmationKey, a.MembershipKey, a.ResumptionSecret,
			a.InitSecret, a.AuthenticationSecret,
		}
		seen := map[string]bool{}
		for _, s := range secrets {
			require.Len(t, s, secretSize)
			require.False(t, seen[string(s)])
			seen[string(s)] = true
		}

		commitSecret := randomBytes(secretSize)
		nextA := a.Next(4, commitSecret, []byte("next context"), 16)
		nextB := b.Next(4, commitSecret, []byte("next context"), 16)
		require.Equal(t, nextA.EpochSecret, nextB.EpochSecret)
		require.NotEqual(t, a.EpochSecret, nextA.EpochSecret)

		// A different commit secret or context yields a different epoch
		other := a.Next(4, suite.zero(), []byte("next context"), 16)
		require.NotEqual(t, nextA.EpochSecret, other.EpochSecret)
		other = a.Next(4, commitSecret, []byte("other context"), 16)
		require.NotEqual(t, nextA.EpochSecret, other.EpochSecret)
	}
}

func TestKeyScheduleJoinerAgreement(t *testing.T) {
	suite := testSuite
	initSecret := randomBytes(32)
	commitSecret := randomBytes(32)
	context := []byte("context")

	// A joiner handed only the joiner secret reaches the same epoch
	joiner := joinerSecret(suite, initSecret, commitSecret, context)
	member := newKeyScheduleEpoch(suite, 2, joiner, context, 16)

	prev := &keyScheduleEpoch{Suite: suite, InitSecret: initSecret}
	committer := prev.Next(2, commitSecret, context, 16)
	require.Equal(t, committer.EpochSecret, member.EpochSecret)
	require.Equal(t, committer.WelcomeSecret, member.WelcomeSecret)

	kn := welcomeKeyAndNonce(suite, member.WelcomeSecret)
	require.Len(t, kn.Key, suite.Constants().KeySize)
	require.Len(t, kn.Nonce, suite.Constants().NonceSize)
}

func TestKeyScheduleExport(t *testing.T) {
	kse := newInitialKeyScheduleEpoch(testSuite, 2, randomBytes(32), []byte("ctx"), 16)

	out1 := kse.Export("label", []byte("context"), 32)
	out2 := kse.Export("label", []byte("context"), 32)
	require.Equal(t, out1, out2)
	require.Len(t, out1, 32)

	require.NotEqual(t, out1, kse.Export("other", []byte("context"), 32))
	require.NotEqual(t, out1, kse.Export("label", []byte("other"), 32))
	require.Len(t, kse.Export("label", nil, 7), 7)

	tag := kse.confirmationTag([]byte("transcript"))
	require.Equal(t, tag, kse.confirmationTag([]byte("transcript")))
	require.NotEqual(t, tag, kse.confirmationTag([]byte("other")))
}

func TestKeyScheduleZeroize(t *testing.T) {
	kse := newInitialKeyScheduleEpoch(testSuite, 2, randomBytes(32), []byte("ctx"), 16)
	epochSecret := kse.EpochSecret
	kse.zeroize()
	require.Equal(t, make([]byte, len(epochSecret)), epochSecret)
}

func TestHashRatchet(t *testing.T) {
	base := randomBytes(32)
	sender := newHashRatchet(testSuite, 2, dup(base), 4)
	receiver := newHashRatchet(testSuite, 2, dup(base), 4)

	keys := make([]keyAndNonce, 6)
	for i := range keys {
		g, kn := sender.Next()
		require.Equal(t, uint32(i), g)
		keys[i] = kn
	}

	// Out of order within the window
	kn, err := receiver.Get(3)
	require.Nil(t, err)
	require.Equal(t, keys[3], kn)
	receiver.Erase(3)

	kn, err = receiver.Get(1)
	require.Nil(t, err)
	require.Equal(t, keys[1], kn)
	receiver.Erase(1)

	// Replay of an erased generation
	_, err = receiver.Get(3)
	require.ErrorIs(t, err, ErrIntegrity)

	// Skipped generations remain available
	kn, err = receiver.Get(0)
	require.Nil(t, err)
	require.Equal(t, keys[0], kn)

	// Too far ahead
	_, err = receiver.Get(100)
	require.ErrorIs(t, err, ErrValidation)
}

func TestSecretTree(t *testing.T) {
	encryptionSecret := randomBytes(32)
	a := newSecretTree(testSuite, 4, encryptionSecret)
	b := newSecretTree(testSuite, 4, encryptionSecret)

	leaf2a, err := a.Get(2)
	require.Nil(t, err)

	// Order of derivation does not matter
	leaf0b, err := b.Get(0)
	require.Nil(t, err)
	leaf2b, err := b.Get(2)
	require.Nil(t, err)
	require.Equal(t, leaf2a, leaf2b)

	leaf0a, err := a.Get(0)
	require.Nil(t, err)
	require.Equal(t, leaf0a, leaf0b)
	require.NotEqual(t, leaf0a, leaf2a)

	// Each leaf secret is handed out once
	_, err = a.Get(2)
	require.ErrorIs(t, err, ErrIntegrity)

	_, err = a.Get(4)
	require.ErrorIs(t, err, ErrValidation)
}

func TestGroupKeySourceOpenRestores(t *testing.T) {
	encryptionSecret := randomBytes(32)
	sender := newGroupKeySource(testSuite, 2, encryptionSecret, 16)
	receiver := newGroupKeySource(testSuite, 2, encryptionSecret, 16)

	g, sent, err := sender.Next(applicationRatchet, 1)
	require.Nil(t, err)

	// A failed open leaves the generation available
	failure := errors.New("bad tag")
	err = receiver.Open(applicationRatchet, 1, g, func(kn keyAndNonce) error {
		require.Equal(t, sent, kn)
		return failure
	})
	require.Equal(t, failure, err)

	err = receiver.Open(applicationRatchet, 1, g, func(kn keyAndNonce) error {
		require.Equal(t, sent, kn)
		return nil
	})
	require.Nil(t, err)

	// A successful open consumes it
	err = receiver.Open(applicationRatchet, 1, g, func(kn keyAndNonce) error { return nil })
	require.ErrorIs(t, err, ErrIntegrity)

	// Handshake and application keys differ
	_, hs, err := sender.Next(handshakeRatchet, 1)
	require.Nil(t, err)
	require.NotEqual(t, sent.Key, hs.Key)
}
