package mls

import (
	"bytes"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

// struct {
//     opaque group_id<0..255>;
//     uint64 epoch;
//     opaque tree_hash<0..255>;
//     opaque confirmed_transcript_hash<0..255>;
//     Extension extensions<0..2^16-1>;
//     MAC confirmation_tag;
//     uint32 signer_index;
//     opaque signature<0..2^16-1>;
// } GroupInfo;
type GroupInfo struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
	ConfirmationTag         MAC
	SignerIndex             LeafIndex
	Signature               Signature
}

type groupInfoTBS struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
	ConfirmationTag         MAC
	SignerIndex             LeafIndex
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	return syntax.Marshal(groupInfoTBS{
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		TreeHash:                gi.TreeHash,
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash,
		Extensions:              gi.Extensions,
		ConfirmationTag:         gi.ConfirmationTag,
		SignerIndex:             gi.SignerIndex,
	})
}

func (gi *GroupInfo) sign(index LeafIndex, priv SignaturePrivateKey, scheme SignatureScheme) error {
	gi.SignerIndex = index
	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := scheme.Sign(&priv, tbs)
	if err != nil {
		return err
	}

	gi.Signature = Signature{sig}
	return nil
}

func (gi GroupInfo) verify(tree RatchetTree) error {
	cred, ok := tree.Credential(gi.SignerIndex)
	if !ok {
		return validationErr("mls.group-info: Signer %d not in tree", gi.SignerIndex)
	}

	tbs, err := gi.toBeSigned()
	if err != nil {
		return validationErr("mls.group-info: %v", err)
	}

	if !cred.Verify(tbs, gi.Signature.Data) {
		return validationErr("mls.group-info: Invalid signature")
	}
	return nil
}

// struct {
//     opaque path_secret<1..255>;
// } PathSecret;
type PathSecret struct {
	Data []byte `tls:"head=1"`
}

// struct {
//     opaque joiner_secret<1..255>;
//     optional<PathSecret> path_secret;
// } GroupSecrets;
type GroupSecrets struct {
	JoinerSecret []byte      `tls:"head=1"`
	PathSecret   *PathSecret `tls:"optional"`
}

// struct {
//     opaque key_package_hash<1..255>;
//     HPKECiphertext encrypted_group_secrets;
// } EncryptedGroupSecrets;
type EncryptedGroupSecrets struct {
	KeyPackageRef         []byte `tls:"head=1"`
	EncryptedGroupSecrets HPKECiphertext
}

// struct {
//     ProtocolVersion version = mls10;
//     CipherSuite cipher_suite;
//     EncryptedGroupSecrets secrets<0..2^32-1>;
//     opaque encrypted_group_info<1..2^32-1>;
// } Welcome;
type Welcome struct {
	Version            ProtocolVersion
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

// newWelcome encrypts gi under a key derived from the joiner secret.  Per
// joiner entries are added with EncryptTo.
func newWelcome(suite CipherSuite, joinerSecret []byte, gi *GroupInfo) (*Welcome, error) {
	giData, err := syntax.Marshal(*gi)
	if err != nil {
		return nil, err
	}

	memberSecret := suite.hkdfExtract(joinerSecret, suite.zero())
	welcomeSecret := suite.deriveSecret(memberSecret, "welcome")
	kn := welcomeKeyAndNonce(suite, welcomeSecret)
	zeroize(memberSecret)
	zeroize(welcomeSecret)
	defer kn.zeroize()

	aead, err := suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	return &Welcome{
		Version:            ProtocolVersionMLS10,
		CipherSuite:        suite,
		Secrets:            []EncryptedGroupSecrets{},
		EncryptedGroupInfo: aead.Seal(nil, kn.Nonce, giData, []byte{}),
	}, nil
}

// EncryptTo adds an entry for kp carrying the joiner secret and, if
// present, the path secret at the joiner's common ancestor with the
// committer.
func (w *Welcome) EncryptTo(kp KeyPackage, joinerSecret, pathSecret []byte) error {
	ref, err := kp.Ref()
	if err != nil {
		return err
	}

	gs := GroupSecrets{JoinerSecret: joinerSecret}
	if len(pathSecret) > 0 {
		gs.PathSecret = &PathSecret{pathSecret}
	}

	pt, err := syntax.Marshal(gs)
	if err != nil {
		return err
	}

	ct, err := w.CipherSuite.hpke().Encrypt(kp.InitKey, []byte{}, pt)
	if err != nil {
		return fmt.Errorf("mls.welcome: Encryption failed: %w", err)
	}

	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
		KeyPackageRef:         ref,
		EncryptedGroupSecrets: ct,
	})
	return nil
}

// Find returns the index of the entry addressed to kp.
func (w Welcome) Find(kp KeyPackage) (int, bool) {
	ref, err := kp.Ref()
	if err != nil {
		return 0, false
	}

	for i, egs := range w.Secrets {
		if bytes.Equal(egs.KeyPackageRef, ref) {
			return i, true
		}
	}
	return 0, false
}

func (w Welcome) decryptSecrets(index int, initPriv HPKEPrivateKey) (*GroupSecrets, error) {
	pt, err := w.CipherSuite.hpke().Decrypt(initPriv, []byte{}, w.Secrets[index].EncryptedGroupSecrets)
	if err != nil {
		return nil, cryptoErr("mls.welcome: Group secrets decryption failed: %v", err)
	}
	defer zeroize(pt)

	gs := new(GroupSecrets)
	if err := decodeExact(pt, gs); err != nil {
		return nil, err
	}
	return gs, nil
}

func (w Welcome) decryptGroupInfo(joinerSecret []byte) (*GroupInfo, error) {
	suite := w.CipherSuite
	memberSecret := suite.hkdfExtract(joinerSecret, suite.zero())
	welcomeSecret := suite.deriveSecret(memberSecret, "welcome")
	kn := welcomeKeyAndNonce(suite, welcomeSecret)
	zeroize(memberSecret)
	zeroize(welcomeSecret)
	defer kn.zeroize()

	aead, err := suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	pt, err := aead.Open(nil, kn.Nonce, w.EncryptedGroupInfo, []byte{})
	if err != nil {
		return nil, cryptoErr("mls.welcome: Group info decryption failed: %v", err)
	}

	gi := new(GroupInfo)
	if err := decodeExact(pt, gi); err != nil {
		return nil, err
	}
	return gi, nil
}
