package mls

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
)

// HexBytes is a byte string that encodes to JSON as lowercase hex.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}

	*h = raw
	return nil
}

func checkDeepEqual(label string, actual, expected interface{}) error {
	if !reflect.DeepEqual(actual, expected) {
		return fmt.Errorf("mls.vectors: %s: %v != %v", label, actual, expected)
	}
	return nil
}

func checkBytes(label string, actual, expected []byte) error {
	if !bytes.Equal(actual, expected) {
		return fmt.Errorf("mls.vectors: %s: %x != %x", label, actual, expected)
	}
	return nil
}

///
/// Tree math
///

type TreeMathVectors struct {
	NLeaves LeafCount   `json:"n_leaves"`
	NNodes  NodeCount   `json:"n_nodes"`
	Root    []NodeIndex `json:"root"`
	Left    []NodeIndex `json:"left"`
	Right   []NodeIndex `json:"right"`
	Parent  []NodeIndex `json:"parent"`
	Sibling []NodeIndex `json:"sibling"`
}

func NewTreeMathVectors(nLeaves LeafCount) TreeMathVectors {
	nNodes := nodeWidth(nLeaves)
	vec := TreeMathVectors{
		NLeaves: nLeaves,
		NNodes:  nNodes,
		Root:    make([]NodeIndex, nLeaves),
		Left:    make([]NodeIndex, nNodes),
		Right:   make([]NodeIndex, nNodes),
		Parent:  make([]NodeIndex, nNodes),
		Sibling: make([]NodeIndex, nNodes),
	}

	for i := range vec.Root {
		vec.Root[i] = root(LeafCount(i + 1))
	}

	for i := range vec.Left {
		x := NodeIndex(i)
		vec.Left[i] = left(x)
		vec.Right[i] = right(x, nLeaves)
		vec.Parent[i] = parent(x, nLeaves)
		vec.Sibling[i] = sibling(x, nLeaves)
	}

	return vec
}

func (vec TreeMathVectors) Verify() error {
	if err := checkDeepEqual("Node count", vec.NNodes, nodeWidth(vec.NLeaves)); err != nil {
		return err
	}

	if len(vec.Root) != int(vec.NLeaves) {
		return fmt.Errorf("mls.vectors: Expected %d roots, got %d", vec.NLeaves, len(vec.Root))
	}

	for i, r := range vec.Root {
		if err := checkDeepEqual(fmt.Sprintf("Root[%d]", i), r, root(LeafCount(i+1))); err != nil {
			return err
		}
	}

	for _, col := range [][]NodeIndex{vec.Left, vec.Right, vec.Parent, vec.Sibling} {
		if len(col) != int(vec.NNodes) {
			return fmt.Errorf("mls.vectors: Expected %d nodes, got %d", vec.NNodes, len(col))
		}
	}

	for i := NodeIndex(0); i < NodeIndex(vec.NNodes); i++ {
		checks := []struct {
			label    string
			actual   NodeIndex
			expected NodeIndex
		}{
			{"Left", vec.Left[i], left(i)},
			{"Right", vec.Right[i], right(i, vec.NLeaves)},
			{"Parent", vec.Parent[i], parent(i, vec.NLeaves)},
			{"Sibling", vec.Sibling[i], sibling(i, vec.NLeaves)},
		}

		for _, c := range checks {
			if err := checkDeepEqual(fmt.Sprintf("%s[%d]", c.label, i), c.actual, c.expected); err != nil {
				return err
			}
		}
	}

	return nil
}

///
/// Key schedule
///

type KeyScheduleEpochVector struct {
	CommitSecret HexBytes `json:"commit_secret"`
	GroupContext HexBytes `json:"group_context"`

	JoinerSecret         HexBytes `json:"joiner_secret"`
	WelcomeSecret        HexBytes `json:"welcome_secret"`
	EpochSecret          HexBytes `json:"epoch_secret"`
	SenderDataSecret     HexBytes `json:"sender_data_secret"`
	EncryptionSecret     HexBytes `json:"encryption_secret"`
	ExporterSecret       HexBytes `json:"exporter_secret"`
	ConfirmationKey      HexBytes `json:"confirmation_key"`
	MembershipKey        HexBytes `json:"membership_key"`
	ResumptionSecret     HexBytes `json:"resumption_secret"`
	InitSecret           HexBytes `json:"init_secret"`
	AuthenticationSecret HexBytes `json:"authentication_secret"`

	// Application key and nonce for leaf 0, generation 0
	ApplicationKey   HexBytes `json:"application_key"`
	ApplicationNonce HexBytes `json:"application_nonce"`
}

type KeyScheduleVectors struct {
	CipherSuite       CipherSuite              `json:"cipher_suite"`
	NLeaves           LeafCount                `json:"n_leaves"`
	InitialInitSecret HexBytes                 `json:"initial_init_secret"`
	Epochs            []KeyScheduleEpochVector `json:"epochs"`
}

func epochVector(kse *keyScheduleEpoch, commitSecret []byte) (KeyScheduleEpochVector, error) {
	_, kn, err := kse.Keys.Next(applicationRatchet, 0)
	if err != nil {
		return KeyScheduleEpochVector{}, err
	}

	return KeyScheduleEpochVector{
		CommitSecret: dup(commitSecret),
		GroupContext: dup(kse.GroupContext),

		JoinerSecret:         dup(kse.JoinerSecret),
		WelcomeSecret:        dup(kse.WelcomeSecret),
		EpochSecret:          dup(kse.EpochSecret),
		SenderDataSecret:     dup(kse.SenderDataSecret),
		EncryptionSecret:     dup(kse.EncryptionSecret),
		ExporterSecret:       dup(kse.ExporterSecret),
		ConfirmationKey:      dup(kse.ConfirmationKey),
		MembershipKey:        dup(kse.MembershipKey),
		ResumptionSecret:     dup(kse.ResumptionSecret),
		InitSecret:           dup(kse.InitSecret),
		AuthenticationSecret: dup(kse.AuthenticationSecret),

		ApplicationKey:   kn.Key,
		ApplicationNonce: kn.Nonce,
	}, nil
}

func freshSecret(size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewKeyScheduleVectors runs the key schedule through nEpochs epochs with
// random commit secrets and group contexts.  The first epoch uses an
// all-zero commit secret, as a newly created group does.
func NewKeyScheduleVectors(suite CipherSuite, nLeaves LeafCount, nEpochs int) (*KeyScheduleVectors, error) {
	if !suite.supported() {
		return nil, validationErr("mls.vectors: Unsupported ciphersuite %v", suite)
	}
	if nEpochs <= 0 || nLeaves == 0 {
		return nil, validationErr("mls.vectors: Invalid parameters")
	}

	secretSize := suite.Constants().SecretSize
	initSecret, err := freshSecret(secretSize)
	if err != nil {
		return nil, err
	}

	vec := &KeyScheduleVectors{
		CipherSuite:       suite,
		NLeaves:           nLeaves,
		InitialInitSecret: initSecret,
		Epochs:            make([]KeyScheduleEpochVector, nEpochs),
	}

	var kse *keyScheduleEpoch
	for i := range vec.Epochs {
		context, err := freshSecret(secretSize)
		if err != nil {
			return nil, err
		}

		commitSecret := suite.zero()
		if i > 0 {
			if commitSecret, err = freshSecret(secretSize); err != nil {
				return nil, err
			}
		}

		if kse == nil {
			kse = newInitialKeyScheduleEpoch(suite, nLeaves, initSecret, context, 0)
		} else {
			next := kse.Next(nLeaves, commitSecret, context, 0)
			kse.zeroize()
			kse = next
		}

		if vec.Epochs[i], err = epochVector(kse, commitSecret); err != nil {
			return nil, err
		}
	}

	kse.zeroize()
	return vec, nil
}

func (vec KeyScheduleVectors) Verify() error {
	if !vec.CipherSuite.supported() {
		return fmt.Errorf("mls.vectors: Unsupported ciphersuite %v", vec.CipherSuite)
	}
	if vec.NLeaves == 0 {
		return fmt.Errorf("mls.vectors: Empty group")
	}

	var kse *keyScheduleEpoch
	defer func() {
		if kse != nil {
			kse.zeroize()
		}
	}()

	for i, epoch := range vec.Epochs {
		if kse == nil {
			kse = newInitialKeyScheduleEpoch(vec.CipherSuite, vec.NLeaves, vec.InitialInitSecret, epoch.GroupContext, 0)
		} else {
			next := kse.Next(vec.NLeaves, epoch.CommitSecret, epoch.GroupContext, 0)
			kse.zeroize()
			kse = next
		}

		actual, err := epochVector(kse, epoch.CommitSecret)
		if err != nil {
			return err
		}

		checks := []struct {
			label    string
			actual   []byte
			expected []byte
		}{
			{"joiner_secret", actual.JoinerSecret, epoch.JoinerSecret},
			{"welcome_secret", actual.WelcomeSecret, epoch.WelcomeSecret},
			{"epoch_secret", actual.EpochSecret, epoch.EpochSecret},
			{"sender_data_secret", actual.SenderDataSecret, epoch.SenderDataSecret},
			{"encryption_secret", actual.EncryptionSecret, epoch.EncryptionSecret},
			{"exporter_secret", actual.ExporterSecret, epoch.ExporterSecret},
			{"confirmation_key", actual.ConfirmationKey, epoch.ConfirmationKey},
			{"membership_key", actual.MembershipKey, epoch.MembershipKey},
			{"resumption_secret", actual.ResumptionSecret, epoch.ResumptionSecret},
			{"init_secret", actual.InitSecret, epoch.InitSecret},
			{"authentication_secret", actual.AuthenticationSecret, epoch.AuthenticationSecret},
			{"application_key", actual.ApplicationKey, epoch.ApplicationKey},
			{"application_nonce", actual.ApplicationNonce, epoch.ApplicationNonce},
		}

		for _, c := range checks {
			if err := checkBytes(fmt.Sprintf("Epoch %d %s", i, c.label), c.actual, c.expected); err != nil {
				return err
			}
		}
	}

	return nil
}
