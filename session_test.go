package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// sessionTest drives a set of sessions that all see the same messages.
type sessionTest struct {
	t        *testing.T
	cfg      *Config
	sessions []*Session
}

func newSessionTest(t *testing.T, cfg *Config) *sessionTest {
	creator := newTestBundle(t, cfg.CipherSuite, "creator")
	sess, err := NewSession(testGroupID, *creator, cfg)
	require.Nil(t, err)
	require.Equal(t, Epoch(0), sess.Epoch())
	require.Equal(t, LeafIndex(0), sess.Index())

	return &sessionTest{t: t, cfg: cfg, sessions: []*Session{sess}}
}

// add has sessions[from] add one member per name in a single commit.
func (st *sessionTest) add(from int, names ...string) *CommitResult {
	bundles := make([]*KeyPackageBundle, len(names))
	adds := make([]Proposal, len(names))
	for i, name := range names {
		bundles[i] = newTestBundle(st.t, st.cfg.CipherSuite, name)
		adds[i] = Proposal{Add: &AddProposal{bundles[i].KeyPackage}}
	}

	epoch := st.sessions[from].Epoch()
	res, err := st.sessions[from].Commit([]ProposalRef{}, adds)
	require.Nil(st.t, err)
	require.Equal(st.t, epoch+1, res.Epoch)
	require.Len(st.t, res.Welcomes, len(names))

	st.broadcast(res.Commit, from)
	st.join(res.Welcomes, bundles, nil)
	return res
}

func (st *sessionTest) join(welcomes [][]byte, bundles []*KeyPackageBundle, tree []byte) {
	for i, b := range bundles {
		joiner, err := JoinSession([]KeyPackageBundle{*b}, welcomes[i], tree, st.cfg)
		require.Nil(st.t, err)
		st.sessions = append(st.sessions, joiner)
	}
	st.check()
}

// broadcast delivers msg to every session but sessions[from] and drops
// sessions that were removed by it.
func (st *sessionTest) broadcast(msg []byte, from int) []*Processed {
	out := []*Processed{}
	for i, sess := range st.sessions {
		if i == from {
			continue
		}

		p, err := sess.Process(msg)
		require.Nil(st.t, err)
		out = append(out, p)
	}

	live := st.sessions[:0]
	for _, sess := range st.sessions {
		if !sess.Closed() {
			live = append(live, sess)
		}
	}
	st.sessions = live
	return out
}

// check verifies that all sessions agree and can talk to each other.
func (st *sessionTest) check() {
	ref := st.sessions[0]
	refTree, err := ref.ExportTree()
	require.Nil(st.t, err)
	refAuth, err := ref.EpochAuthenticator()
	require.Nil(st.t, err)
	refExport, err := ref.Export("check", nil, 16)
	require.Nil(st.t, err)

	for _, sess := range st.sessions[1:] {
		require.Equal(st.t, ref.Epoch(), sess.Epoch())

		tree, err := sess.ExportTree()
		require.Nil(st.t, err)
		require.Equal(st.t, refTree, tree)

		auth, err := sess.EpochAuthenticator()
		require.Nil(st.t, err)
		require.Equal(st.t, refAuth, auth)

		export, err := sess.Export("check", nil, 16)
		require.Nil(st.t, err)
		require.Equal(st.t, refExport, export)
	}

	for i, sender := range st.sessions {
		ct, err := sender.Encrypt(testMessage, nil)
		require.Nil(st.t, err)

		for j, receiver := range st.sessions {
			if i == j {
				continue
			}

			pt, index, err := receiver.Decrypt(ct)
			require.Nil(st.t, err)
			require.Equal(st.t, testMessage, pt)
			require.Equal(st.t, sender.Index(), index)
		}
	}
}

func TestSessionAddMembersInOneCommit(t *testing.T) {
	for _, suite := range supportedSuites {
		t.Run(suite.String(), func(t *testing.T) {
			st := newSessionTest(t, testConfig(suite))
			res := st.add(0, "bob", "carol")
			require.Equal(t, Epoch(1), res.Epoch)
			require.Len(t, st.sessions, 3)

			members, err := st.sessions[2].Members()
			require.Nil(t, err)
			require.Len(t, members, 3)
			require.Equal(t, []byte("carol"), members[2].Identity)
		})
	}
}

func TestSessionGrowAndUpdate(t *testing.T) {
	st := newSessionTest(t, testConfig(testSuite))
	names := []string{"b", "c", "d", "e"}
	for i, name := range names {
		st.add(i, name)
	}
	require.Equal(t, Epoch(len(names)), st.sessions[0].Epoch())

	for i := range st.sessions {
		res, err := st.sessions[i].SelfUpdate()
		require.Nil(t, err)
		require.Len(t, res.Welcomes, 0)
		st.broadcast(res.Commit, i)
		st.check()
	}
}

func TestSessionReplayFaults(t *testing.T) {
	st := newSessionTest(t, testConfig(testSuite))
	st.add(0, "bob")
	alice, bob := st.sessions[0], st.sessions[1]

	ct, err := bob.Encrypt([]byte("hello"), []byte("header"))
	require.Nil(t, err)

	pt, sender, err := alice.Decrypt(ct)
	require.Nil(t, err)
	require.Equal(t, []byte("hello"), pt)
	require.Equal(t, bob.Index(), sender)

	// A sender cannot open its own message
	_, _, err = bob.Decrypt(ct)
	require.ErrorIs(t, err, ErrState)

	_, _, err = alice.Decrypt(ct)
	require.ErrorIs(t, err, ErrIntegrity)

	// The faulted session refuses further work
	_, err = alice.Encrypt([]byte("more"), nil)
	require.ErrorIs(t, err, ErrIntegrity)
	_, err = alice.SelfUpdate()
	require.ErrorIs(t, err, ErrIntegrity)
	require.Equal(t, IntegrityError, KindOf(err))

	// The other member is unaffected
	_, err = bob.Encrypt([]byte("still here"), nil)
	require.Nil(t, err)
}

func TestSessionTamperedCiphertext(t *testing.T) {
	st := newSessionTest(t, testConfig(testSuite))
	st.add(0, "bob")
	alice, bob := st.sessions[0], st.sessions[1]

	ct, err := bob.Encrypt([]byte("hello"), nil)
	require.Nil(t, err)

	bad := dup(ct)
	bad[len(bad)-1] ^= 0xFF
	_, _, err = alice.Decrypt(bad)
	require.ErrorIs(t, err, ErrCrypto)

	// A failed open does not consume the generation
	pt, _, err := alice.Decrypt(ct)
	require.Nil(t, err)
	require.Equal(t, []byte("hello"), pt)

	_, _, err = alice.Decrypt([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSessionExport(t *testing.T) {
	st := newSessionTest(t, testConfig(testSuite))
	st.add(0, "bob")
	alice, bob := st.sessions[0], st.sessions[1]

	a1, err := alice.Export("label", []byte("context"), 32)
	require.Nil(t, err)
	a2, err := alice.Export("label", []byte("context"), 32)
	require.Nil(t, err)
	b1, err := bob.Export("label", []byte("context"), 32)
	require.Nil(t, err)
	require.Equal(t, a1, a2)
	require.Equal(t, a1, b1)

	other, err := alice.Export("other", []byte("context"), 32)
	require.Nil(t, err)
	require.NotEqual(t, a1, other)

	res, err := bob.SelfUpdate()
	require.Nil(t, err)
	st.broadcast(res.Commit, 1)

	next, err := alice.Export("label", []byte("context"), 32)
	require.Nil(t, err)
	require.NotEqual(t, a1, next)

	_, err = alice.Export("label", nil, 0)
	require.ErrorIs(t, err, ErrValidation)
}

func TestSessionProposals(t *testing.T) {
	st := newSessionTest(t, testConfig(testSuite))
	st.add(0, "bob", "carol")

	// Bob proposes an add and an update; Alice commits both
	dave := newTestBundle(t, testSuite, "dave")
	add, err := st.sessions[1].ProposeAdd(dave.KeyPackage)
	require.Nil(t, err)
	for _, p := range st.broadcast(add.Message, 1) {
		require.Equal(t, ContentTypeProposal, p.Type)
		require.Equal(t, add.Ref, p.ProposalRef)
		require.Equal(t, LeafIndex(1), p.Sender)
	}

	update, err := st.sessions[1].ProposeUpdate()
	require.Nil(t, err)
	st.broadcast(update.Message, 1)

	res, err := st.sessions[0].Commit(nil, nil)
	require.Nil(t, err)
	require.Len(t, res.Welcomes, 1)
	for _, p := range st.broadcast(res.Commit, 0) {
		require.Equal(t, ContentTypeCommit, p.Type)
		require.Equal(t, res.Epoch, p.Epoch)
	}
	st.join(res.Welcomes, []*KeyPackageBundle{dave}, nil)
	require.Len(t, st.sessions, 4)

	// Carol proposes removing Bob; only that proposal is committed
	remove, err := st.sessions[2].ProposeRemove(1)
	require.Nil(t, err)
	st.broadcast(remove.Message, 2)

	bob := st.sessions[1]
	res, err = st.sessions[3].Commit([]ProposalRef{remove.Ref}, nil)
	require.Nil(t, err)

	processed := st.broadcast(res.Commit, 3)
	require.True(t, processed[1].Removed)
	require.True(t, bob.Closed())
	require.Len(t, st.sessions, 3)
	st.check()

	_, err = bob.Encrypt(testMessage, nil)
	require.ErrorIs(t, err, ErrState)
}

func TestSessionUnknownProposal(t *testing.T) {
	st := newSessionTest(t, testConfig(testSuite))
	st.add(0, "bob", "carol")
	alice, bob, carol := st.sessions[0], st.sessions[1], st.sessions[2]

	// Carol misses Bob's proposal
	prop, err := bob.ProposeRemove(0)
	require.Nil(t, err)
	_, err = alice.Process(prop.Message)
	require.Nil(t, err)

	res, err := alice.Commit([]ProposalRef{prop.Ref}, nil)
	require.Nil(t, err)

	epoch := carol.Epoch()
	_, err = carol.Process(res.Commit)
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, epoch, carol.Epoch())

	var mlsErr *Error
	require.ErrorAs(t, err, &mlsErr)
	require.Equal(t, epoch, mlsErr.Epoch)
	require.Equal(t, []byte(prop.Ref), mlsErr.Ref)

	// The commit alone left the committer out of the group
	require.True(t, alice.Closed())
	_, err = bob.Process(res.Commit)
	require.Nil(t, err)
}

func TestSessionRemoveAndReAdd(t *testing.T) {
	st := newSessionTest(t, testConfig(testSuite))
	st.add(0, "bob", "carol")
	carol := st.sessions[2]

	remove := Proposal{Remove: &RemoveProposal{Removed: carol.Index()}}
	res, err := st.sessions[0].Commit([]ProposalRef{}, []Proposal{remove})
	require.Nil(t, err)

	processed := st.broadcast(res.Commit, 0)
	require.True(t, processed[1].Removed)
	require.True(t, carol.Closed())
	st.check()

	// Traffic after the removal is closed to the removed member
	ct, err := st.sessions[1].Encrypt([]byte("after"), nil)
	require.Nil(t, err)
	_, _, err = carol.Decrypt(ct)
	require.ErrorIs(t, err, ErrState)

	// Re-added with a fresh key package, Carol takes the blank leaf but
	// cannot read the epoch before her return
	st.add(0, "carol")
	rejoined := st.sessions[len(st.sessions)-1]
	require.Equal(t, LeafIndex(2), rejoined.Index())

	_, _, err = rejoined.Decrypt(ct)
	require.ErrorIs(t, err, ErrState)
}

func TestSessionSelfRemove(t *testing.T) {
	st := newSessionTest(t, testConfig(testSuite))
	st.add(0, "bob", "carol")
	bob := st.sessions[1]

	res, err := bob.SelfRemove()
	require.Nil(t, err)
	require.Len(t, res.Welcomes, 0)
	require.True(t, bob.Closed())

	_, err = bob.Encrypt(testMessage, nil)
	require.ErrorIs(t, err, ErrState)

	st.broadcast(res.Commit, 1)
	require.Len(t, st.sessions, 2)
	st.check()

	members, err := st.sessions[0].Members()
	require.Nil(t, err)
	require.Len(t, members, 2)
}

func TestSessionEpochRetention(t *testing.T) {
	st := newSessionTest(t, testConfig(testSuite))
	st.add(0, "bob", "carol")
	alice, bob, carol := st.sessions[0], st.sessions[1], st.sessions[2]

	late1, err := bob.Encrypt([]byte("late 1"), nil)
	require.Nil(t, err)
	late2, err := bob.Encrypt([]byte("late 2"), nil)
	require.Nil(t, err)

	res, err := alice.SelfUpdate()
	require.Nil(t, err)
	st.broadcast(res.Commit, 0)

	// One epoch back is within the window
	pt, _, err := alice.Decrypt(late1)
	require.Nil(t, err)
	require.Equal(t, []byte("late 1"), pt)
	pt, _, err = carol.Decrypt(late1)
	require.Nil(t, err)
	require.Equal(t, []byte("late 1"), pt)

	for i := 0; i < 2; i++ {
		res, err := alice.SelfUpdate()
		require.Nil(t, err)
		st.broadcast(res.Commit, 0)
	}

	// Three epochs back has been erased
	_, _, err = alice.Decrypt(late2)
	require.ErrorIs(t, err, ErrState)
	_, err = alice.Encrypt(testMessage, nil)
	require.Nil(t, err)
}

func TestSessionNoRetention(t *testing.T) {
	cfg := testConfig(testSuite)
	cfg.EpochRetention = 0
	st := newSessionTest(t, cfg)
	st.add(0, "bob")

	late, err := st.sessions[1].Encrypt(testMessage, nil)
	require.Nil(t, err)

	res, err := st.sessions[1].SelfUpdate()
	require.Nil(t, err)
	st.broadcast(res.Commit, 1)

	_, _, err = st.sessions[0].Decrypt(late)
	require.ErrorIs(t, err, ErrState)
}

func TestSessionErasesRetiredPathSecrets(t *testing.T) {
	cfg := testConfig(testSuite)
	cfg.EpochRetention = 1
	st := newSessionTest(t, cfg)
	st.add(0, "bob", "carol")
	alice := st.sessions[0]

	first := alice.current
	require.NotEmpty(t, first.TreePriv.PathSecrets)

	// Retired into the window, the epoch keeps its secrets
	res, err := alice.SelfUpdate()
	require.Nil(t, err)
	st.broadcast(res.Commit, 0)
	require.NotEmpty(t, first.TreePriv.PathSecrets)

	// Evicted from the window, they are gone
	res, err = alice.SelfUpdate()
	require.Nil(t, err)
	st.broadcast(res.Commit, 0)
	require.Empty(t, first.TreePriv.PathSecrets)
	require.Empty(t, first.TreePriv.PrivateKeys)

	require.NotEmpty(t, alice.current.TreePriv.PathSecrets)
	st.check()

	retained := alice.current
	res, err = alice.SelfUpdate()
	require.Nil(t, err)
	st.broadcast(res.Commit, 0)
	require.NotEmpty(t, retained.TreePriv.PathSecrets)

	// Closing erases the window along with the current epoch
	alice.Close()
	require.Empty(t, retained.TreePriv.PathSecrets)
	require.Empty(t, alice.current.TreePriv.PathSecrets)
}

func TestSessionEchoAndStale(t *testing.T) {
	st := newSessionTest(t, testConfig(testSuite))
	st.add(0, "bob")
	alice, bob := st.sessions[0], st.sessions[1]

	res, err := alice.SelfUpdate()
	require.Nil(t, err)

	// The delivery service echoes the commit back to its sender
	p, err := alice.Process(res.Commit)
	require.Nil(t, err)
	require.Equal(t, res.Epoch, p.Epoch)
	require.Equal(t, res.Epoch, alice.Epoch())

	_, err = bob.Process(res.Commit)
	require.Nil(t, err)

	// Delivered twice, it is stale
	_, err = bob.Process(res.Commit)
	require.ErrorIs(t, err, ErrState)
	st.check()

	// Not a group message
	kp := newTestBundle(t, testSuite, "x").KeyPackage
	data, err := encodeMessage(MLSMessage{KeyPackage: &kp})
	require.Nil(t, err)
	_, err = bob.Process(data)
	require.ErrorIs(t, err, ErrValidation)
}

func TestSessionEncryptedHandshake(t *testing.T) {
	cfg := testConfig(testSuite)
	cfg.EncryptHandshake = true
	st := newSessionTest(t, cfg)
	res := st.add(0, "bob", "carol")

	msg, err := DecodeMessage(res.Commit)
	require.Nil(t, err)
	require.Equal(t, WireFormatCiphertext, msg.WireFormat())
	require.Equal(t, ContentTypeCommit, msg.Ciphertext.ContentType)

	prop, err := st.sessions[2].ProposeUpdate()
	require.Nil(t, err)
	st.broadcast(prop.Message, 2)

	res, err = st.sessions[1].Commit(nil, nil)
	require.Nil(t, err)

	p, err := st.sessions[1].Process(res.Commit)
	require.Nil(t, err)
	require.Equal(t, res.Epoch, p.Epoch)

	st.broadcast(res.Commit, 1)
	st.check()

	// A handshake message is not application data
	_, _, err = st.sessions[0].Decrypt(res.Commit)
	require.ErrorIs(t, err, ErrValidation)
}

func TestSessionExternalTree(t *testing.T) {
	cfg := testConfig(testSuite)
	cfg.IncludeRatchetTree = false
	st := newSessionTest(t, cfg)

	bob := newTestBundle(t, testSuite, "bob")
	res, err := st.sessions[0].Commit([]ProposalRef{}, []Proposal{{Add: &AddProposal{bob.KeyPackage}}})
	require.Nil(t, err)

	_, err = JoinSession([]KeyPackageBundle{*bob}, res.Welcomes[0], nil, cfg)
	require.ErrorIs(t, err, ErrValidation)

	tree, err := st.sessions[0].ExportTree()
	require.Nil(t, err)
	st.join(res.Welcomes, []*KeyPackageBundle{bob}, tree)

	_, err = JoinSession([]KeyPackageBundle{*bob}, []byte{0x00}, nil, cfg)
	require.ErrorIs(t, err, ErrValidation)
}

func TestSessionClose(t *testing.T) {
	bundle := newTestBundle(t, testSuite, "alice")
	sess, err := NewSession(testGroupID, *bundle, nil)
	require.Nil(t, err)
	require.Equal(t, testGroupID, sess.GroupID())
	require.Equal(t, testSuite, sess.CipherSuite())

	sess.Close()
	sess.Close()
	require.True(t, sess.Closed())

	_, err = sess.Export("label", nil, 16)
	require.ErrorIs(t, err, ErrState)
	_, err = sess.Members()
	require.ErrorIs(t, err, ErrState)
}
