package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testPlaintext(t *testing.T) *MLSPlaintext {
	bundle := newTestBundle(t, testSuite, "alice")
	ref := ProposalRef(testSuite.Digest([]byte("proposal")))
	return &MLSPlaintext{
		GroupID:           []byte("group"),
		Epoch:             7,
		Sender:            Sender{SenderTypeMember, 1},
		AuthenticatedData: []byte{},
		Content: MLSPlaintextContent{
			Commit: &Commit{
				Proposals: []ProposalOrRef{
					{Reference: ref},
					{Proposal: &Proposal{Add: &AddProposal{bundle.KeyPackage}}},
					{Proposal: &Proposal{Remove: &RemoveProposal{Removed: 2}}},
					{Proposal: &Proposal{Update: &UpdateProposal{bundle.KeyPackage}}},
				},
				Path: &UpdatePath{
					LeafKeyPackage: bundle.KeyPackage,
					Nodes: []UpdatePathNode{
						{
							PublicKey: HPKEPublicKey{[]byte{0x0b, 0x0c}},
							EncryptedPathSecret: []HPKECiphertext{
								{KEMOutput: []byte{0x0d}, Ciphertext: []byte{0x0e, 0x0f}},
								{KEMOutput: []byte{0x10}, Ciphertext: []byte{0x11}},
							},
						},
						{
							PublicKey: HPKEPublicKey{[]byte{0x12}},
							EncryptedPathSecret: []HPKECiphertext{
								{KEMOutput: []byte{0x16}, Ciphertext: []byte{0x17}},
							},
						},
					},
				},
			},
		},
		Signature:       Signature{[]byte{0x01, 0x02}},
		ConfirmationTag: &MAC{[]byte{0x03}},
		MembershipTag:   &MAC{[]byte{0x04}},
	}
}

func TestMLSMessageEnvelope(t *testing.T) {
	bundle := newTestBundle(t, testSuite, "bob")
	cases := map[WireFormat]MLSMessage{
		WireFormatPlaintext: {Plaintext: testPlaintext(t)},
		WireFormatCiphertext: {Ciphertext: &MLSCiphertext{
			GroupID:             []byte("group"),
			Epoch:               3,
			ContentType:         ContentTypeApplication,
			AuthenticatedData:   []byte{},
			SenderDataNonce:     []byte{0x05},
			EncryptedSenderData: []byte{0x06},
			Ciphertext:          []byte{0x07},
		}},
		WireFormatWelcome: {Welcome: &Welcome{
			Version:            ProtocolVersionMLS10,
			CipherSuite:        testSuite,
			Secrets: []EncryptedGroupSecrets{
				{
					KeyPackageRef:         []byte{0x09, 0x0a},
					EncryptedGroupSecrets: HPKECiphertext{KEMOutput: []byte{0x13}, Ciphertext: []byte{0x14, 0x15}},
				},
			},
			EncryptedGroupInfo: []byte{0x08},
		}},
		WireFormatKeyPackage: {KeyPackage: &bundle.KeyPackage},
	}

	for wf, msg := range cases {
		t.Run(wf.String(), func(t *testing.T) {
			require.Equal(t, wf, msg.WireFormat())

			data, err := encodeMessage(msg)
			require.Nil(t, err)

			decoded, err := DecodeMessage(data)
			require.Nil(t, err)
			require.Equal(t, wf, decoded.WireFormat())

			again, err := encodeMessage(*decoded)
			require.Nil(t, err)
			require.Equal(t, data, again)
		})
	}

	_, err := encodeMessage(MLSMessage{})
	require.Error(t, err)
}

func TestCommitWithPathRoundTrip(t *testing.T) {
	pt := testPlaintext(t)
	data, err := encodeMessage(MLSMessage{Plaintext: pt})
	require.Nil(t, err)

	decoded, err := DecodeMessage(data)
	require.Nil(t, err)
	require.NotNil(t, decoded.Plaintext)

	commit := decoded.Plaintext.Content.Commit
	require.NotNil(t, commit)
	require.Len(t, commit.Proposals, 4)
	require.Equal(t, ProposalTypeUpdate, commit.Proposals[3].Proposal.Type())
	require.True(t, commit.Proposals[3].Proposal.Update.KeyPackage.Equals(pt.Content.Commit.Proposals[3].Proposal.Update.KeyPackage))

	require.NotNil(t, commit.Path)
	require.True(t, commit.Path.LeafKeyPackage.Equals(pt.Content.Commit.Path.LeafKeyPackage))
	require.Equal(t, pt.Content.Commit.Path.Nodes, commit.Path.Nodes)

	// A commit without a path stays without one
	pt.Content.Commit.Path = nil
	data, err = encodeMessage(MLSMessage{Plaintext: pt})
	require.Nil(t, err)
	decoded, err = DecodeMessage(data)
	require.Nil(t, err)
	require.Nil(t, decoded.Plaintext.Content.Commit.Path)
}

func TestWelcomeSecretsRoundTrip(t *testing.T) {
	welcome := Welcome{
		Version:     ProtocolVersionMLS10,
		CipherSuite: testSuite,
		Secrets: []EncryptedGroupSecrets{
			{
				KeyPackageRef:         []byte{0x01, 0x02},
				EncryptedGroupSecrets: HPKECiphertext{KEMOutput: []byte{0x03}, Ciphertext: []byte{0x04, 0x05}},
			},
			{
				KeyPackageRef:         []byte{0x06},
				EncryptedGroupSecrets: HPKECiphertext{KEMOutput: []byte{0x07, 0x08}, Ciphertext: []byte{0x09}},
			},
		},
		EncryptedGroupInfo: []byte{0x0a, 0x0b},
	}

	data, err := encodeMessage(MLSMessage{Welcome: &welcome})
	require.Nil(t, err)

	decoded, err := DecodeWelcome(data)
	require.Nil(t, err)
	require.Equal(t, welcome, *decoded)
}

func TestProposalRefStable(t *testing.T) {
	pt := testPlaintext(t)
	ref := pt.ref(testSuite)

	// Tags are not part of the reference
	pt.MembershipTag = nil
	require.Equal(t, ref, pt.ref(testSuite))

	pt.Epoch++
	require.NotEqual(t, ref, pt.ref(testSuite))
	require.Len(t, ref.String(), 2*len(ref))
}

func TestDecodeKeyPackage(t *testing.T) {
	bundle := newTestBundle(t, testSuite, "carol")

	bare, err := encode(bundle.KeyPackage)
	require.Nil(t, err)

	enveloped, err := encodeMessage(MLSMessage{KeyPackage: &bundle.KeyPackage})
	require.Nil(t, err)

	for _, data := range [][]byte{bare, enveloped} {
		kp, err := DecodeKeyPackage(data)
		require.Nil(t, err)
		require.True(t, kp.Equals(bundle.KeyPackage))
		require.Nil(t, kp.Verify())
	}

	// A different message type is not a key package
	welcome, err := encodeMessage(MLSMessage{Welcome: &Welcome{
		Version:            ProtocolVersionMLS10,
		CipherSuite:        testSuite,
		Secrets:            []EncryptedGroupSecrets{},
		EncryptedGroupInfo: []byte{0x01},
	}})
	require.Nil(t, err)

	_, err = DecodeKeyPackage(welcome)
	require.ErrorIs(t, err, ErrValidation)

	_, err = DecodeWelcome(enveloped)
	require.ErrorIs(t, err, ErrValidation)
}

func TestDecodeMalformed(t *testing.T) {
	data, err := encodeMessage(MLSMessage{Plaintext: testPlaintext(t)})
	require.Nil(t, err)

	// Every truncation fails cleanly
	for i := 0; i < len(data); i++ {
		_, err := DecodeMessage(data[:i])
		require.ErrorIs(t, err, ErrValidation, "truncated at %d", i)
	}

	// Trailing bytes
	_, err = DecodeMessage(append(append([]byte{}, data...), 0x00))
	require.ErrorIs(t, err, ErrValidation)

	// Unknown version
	bad := append([]byte{}, data...)
	bad[0] = 0xFF
	_, err = DecodeMessage(bad)
	require.ErrorIs(t, err, ErrValidation)

	// Unknown wire format
	bad = append([]byte{}, data...)
	bad[1] = 0x09
	_, err = DecodeMessage(bad)
	require.ErrorIs(t, err, ErrValidation)

	// Garbage
	for i := 0; i < 32; i++ {
		_, err := DecodeMessage(randomBytes(i * 7))
		require.Error(t, err)
	}
}

func TestEmptyProposalOrRef(t *testing.T) {
	_, err := encode(Commit{Proposals: []ProposalOrRef{{}}})
	require.Error(t, err)

	_, err = encode(Proposal{})
	require.Error(t, err)
}
