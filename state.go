package mls

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"sort"

	"github.com/cisco/go-tls-syntax"
)

///
/// GroupContext
///

// struct {
//     opaque group_id<0..255>;
//     uint64 epoch;
//     opaque tree_hash<0..255>;
//     opaque confirmed_transcript_hash<0..255>;
// } GroupContext;
type GroupContext struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
}

///
/// State
///

type pendingProposal struct {
	Ref      ProposalRef
	Sender   LeafIndex
	Proposal Proposal
}

// joiner is a member added by the commit being built or applied.
type joiner struct {
	Index      LeafIndex
	KeyPackage KeyPackage
}

// State is one member's view of a group at a single epoch.  Commit and
// Handle never modify the receiver for a commit; they return the state for
// the next epoch, so a failure leaves the current epoch untouched.
type State struct {
	// Shared confirmed state
	CipherSuite             CipherSuite
	GroupID                 []byte
	Epoch                   Epoch
	Tree                    RatchetTree
	ConfirmedTranscriptHash []byte
	InterimTranscriptHash   []byte

	// Per-participant non-secret state
	Index            LeafIndex
	IdentityPriv     SignaturePrivateKey
	Scheme           SignatureScheme
	PendingProposals []pendingProposal
	Validator        CredentialValidator
	MaxForward       uint32
	IncludeTree      bool

	// Set once a commit removing this member has been applied
	Removed bool

	// Secret state
	TreePriv   *TreeKEMPrivateKey
	UpdateKeys map[string]HPKEPrivateKey
	Keys       *keyScheduleEpoch
}

func newState(cfg *Config) *State {
	cfg = cfg.withDefaults()
	return &State{
		PendingProposals: []pendingProposal{},
		Validator:        cfg.CredentialValidator,
		MaxForward:       cfg.MaxForwardRatchet,
		IncludeTree:      cfg.IncludeRatchetTree,
		UpdateKeys:       map[string]HPKEPrivateKey{},
	}
}

// NewEmptyState creates a one-member group at epoch zero.  The initial
// epoch secrets come from a random init secret.
func NewEmptyState(groupID []byte, bundle KeyPackageBundle, cfg *Config) (*State, error) {
	kp := bundle.KeyPackage
	suite := kp.CipherSuite
	if err := kp.Verify(); err != nil {
		return nil, err
	}

	s := newState(cfg)
	if err := s.Validator.Validate(kp.Credential); err != nil {
		return nil, validationErr("mls.state: Creator credential rejected: %v", err)
	}

	scheme, err := kp.Credential.Scheme()
	if err != nil {
		return nil, validationErr("mls.state: %v", err)
	}

	s.CipherSuite = suite
	s.GroupID = dup(groupID)
	s.Epoch = 0
	s.Tree = *NewRatchetTree(suite)
	s.Index = s.Tree.AddLeaf(kp)
	s.IdentityPriv = bundle.SigPriv
	s.Scheme = scheme
	s.ConfirmedTranscriptHash = []byte{}
	s.InterimTranscriptHash = []byte{}
	s.TreePriv = NewTreeKEMPrivateKeyForLeaf(suite, s.Index, bundle.InitPriv)

	initSecret := make([]byte, suite.Constants().SecretSize)
	if _, err := rand.Read(initSecret); err != nil {
		return nil, cryptoErr("mls.state: %v", err)
	}
	defer zeroize(initSecret)

	ctx, err := s.groupContextBytes()
	if err != nil {
		return nil, err
	}

	s.Keys = newInitialKeyScheduleEpoch(suite, s.Tree.Size(), initSecret, ctx, s.MaxForward)
	return s, nil
}

// NewJoinedState enters a group from a Welcome addressed to one of the given
// bundles.  tree may be nil if the GroupInfo carries the ratchet tree.
func NewJoinedState(bundles []KeyPackageBundle, welcome Welcome, tree *RatchetTree, cfg *Config) (*State, error) {
	if welcome.Version != ProtocolVersionMLS10 {
		return nil, validationErr("mls.state: Unsupported welcome version %d", welcome.Version)
	}

	suite := welcome.CipherSuite
	if !suite.supported() {
		return nil, validationErr("mls.state: Unsupported ciphersuite %v", suite)
	}

	var bundle *KeyPackageBundle
	var secretsIndex int
	for i := range bundles {
		if j, ok := welcome.Find(bundles[i].KeyPackage); ok {
			bundle = &bundles[i]
			secretsIndex = j
			break
		}
	}

	if bundle == nil {
		return nil, validationErr("mls.state: Welcome not addressed to any key package held")
	}

	if bundle.KeyPackage.CipherSuite != suite {
		return nil, validationErr("mls.state: Ciphersuite mismatch %v != %v", bundle.KeyPackage.CipherSuite, suite)
	}

	gs, err := welcome.decryptSecrets(secretsIndex, bundle.InitPriv)
	if err != nil {
		return nil, err
	}
	defer zeroize(gs.JoinerSecret)

	gi, err := welcome.decryptGroupInfo(gs.JoinerSecret)
	if err != nil {
		return nil, err
	}

	// Use the supplied tree, or the one carried in the GroupInfo
	if tree == nil {
		ext := RatchetTreeExtension{}
		found, err := gi.Extensions.Find(&ext)
		if err != nil {
			return nil, validationErr("mls.state: Malformed ratchet tree extension: %v", err)
		}
		if !found {
			return nil, validationErr("mls.state: No ratchet tree supplied or embedded")
		}
		tree = &ext.Tree
	}

	tree = tree.Clone()
	tree.Suite = suite
	if err := tree.validate(); err != nil {
		return nil, err
	}

	if !bytes.Equal(tree.RootHash(), gi.TreeHash) {
		return nil, integrityErr("mls.state: Tree hash does not match group info")
	}

	if err := gi.verify(*tree); err != nil {
		return nil, err
	}

	index, ok := tree.Find(bundle.KeyPackage)
	if !ok {
		return nil, validationErr("mls.state: New joiner not in tree")
	}

	scheme, err := bundle.KeyPackage.Credential.Scheme()
	if err != nil {
		return nil, validationErr("mls.state: %v", err)
	}

	s := newState(cfg)
	s.CipherSuite = suite
	s.GroupID = dup(gi.GroupID)
	s.Epoch = gi.Epoch
	s.Tree = *tree
	s.Index = index
	s.IdentityPriv = bundle.SigPriv
	s.Scheme = scheme
	s.ConfirmedTranscriptHash = dup(gi.ConfirmedTranscriptHash)

	authData := MLSPlaintext{ConfirmationTag: &gi.ConfirmationTag}.commitAuthData()
	s.InterimTranscriptHash = s.transcriptHash(s.ConfirmedTranscriptHash, authData)

	var pathSecret []byte
	if gs.PathSecret != nil {
		pathSecret = gs.PathSecret.Data
	}

	intersect := ancestor(index, gi.SignerIndex)
	s.TreePriv, err = NewTreeKEMPrivateKeyForJoiner(suite, index, tree.Size(), bundle.InitPriv, intersect, pathSecret)
	if err != nil {
		return nil, cryptoErr("mls.state: %v", err)
	}
	zeroize(pathSecret)

	if !s.TreePriv.Consistent(s.Tree) {
		return nil, integrityErr("mls.state: Path secret inconsistent with tree")
	}

	ctx, err := s.groupContextBytes()
	if err != nil {
		return nil, err
	}

	s.Keys = newKeyScheduleEpoch(suite, s.Tree.Size(), gs.JoinerSecret, ctx, s.MaxForward)
	if !hmac.Equal(s.Keys.confirmationTag(s.ConfirmedTranscriptHash), gi.ConfirmationTag.Data) {
		s.Keys.zeroize()
		return nil, integrityErr("mls.state: Confirmation tag failed to verify")
	}

	return s, nil
}

///
/// Proposals
///

func (s *State) ProposeAdd(kp KeyPackage, aad []byte) (*MLSPlaintext, ProposalRef, error) {
	p := Proposal{Add: &AddProposal{KeyPackage: kp}}
	return s.propose(p, aad)
}

func (s *State) ProposeRemove(removed LeafIndex, aad []byte) (*MLSPlaintext, ProposalRef, error) {
	p := Proposal{Remove: &RemoveProposal{Removed: removed}}
	return s.propose(p, aad)
}

// ProposeUpdate rotates this member's leaf key.  The new private key is
// held until a commit covering the proposal arrives.
func (s *State) ProposeUpdate(aad []byte) (*MLSPlaintext, ProposalRef, error) {
	kp, ok := s.Tree.KeyPackage(s.Index)
	if !ok {
		return nil, nil, stateErr("mls.state: Own leaf %d is blank", s.Index)
	}

	leafPriv, err := s.CipherSuite.hpke().Generate()
	if err != nil {
		return nil, nil, cryptoErr("mls.state: %v", err)
	}

	next, err := kp.rekey(leafPriv.PublicKey, s.IdentityPriv)
	if err != nil {
		return nil, nil, err
	}

	p := Proposal{Update: &UpdateProposal{KeyPackage: *next}}
	pt, ref, err := s.propose(p, aad)
	if err != nil {
		return nil, nil, err
	}

	s.UpdateKeys[ref.String()] = leafPriv
	return pt, ref, nil
}

func (s *State) propose(p Proposal, aad []byte) (*MLSPlaintext, ProposalRef, error) {
	if err := s.validateProposal(s.Tree, s.Index, p); err != nil {
		return nil, nil, err
	}

	pt, err := s.newPlaintext(MLSPlaintextContent{Proposal: &p}, aad)
	if err != nil {
		return nil, nil, err
	}

	ref := pt.ref(s.CipherSuite)
	s.PendingProposals = append(s.PendingProposals, pendingProposal{
		Ref:      ref,
		Sender:   s.Index,
		Proposal: p,
	})
	return pt, ref, nil
}

// validateProposal checks the subject of a proposal from sender against
// tree.
func (s State) validateProposal(tree RatchetTree, sender LeafIndex, p Proposal) error {
	switch p.Type() {
	case ProposalTypeAdd:
		kp := p.Add.KeyPackage
		if kp.CipherSuite != s.CipherSuite {
			return validationErr("mls.state: Key package ciphersuite %v != %v", kp.CipherSuite, s.CipherSuite)
		}
		if err := kp.Verify(); err != nil {
			return err
		}
		if err := s.Validator.Validate(kp.Credential); err != nil {
			return validationErr("mls.state: Credential rejected: %v", err)
		}
		if _, ok := tree.Find(kp); ok {
			return validationErr("mls.state: Key package already in group")
		}

	case ProposalTypeUpdate:
		cred, ok := tree.Credential(sender)
		if !ok {
			return stateErr("mls.state: Update from blank leaf %d", sender)
		}

		kp := p.Update.KeyPackage
		if kp.CipherSuite != s.CipherSuite {
			return validationErr("mls.state: Key package ciphersuite %v != %v", kp.CipherSuite, s.CipherSuite)
		}
		if err := kp.verifySignature(); err != nil {
			return err
		}
		if !kp.Credential.Equals(*cred) {
			return validationErr("mls.state: Update changes credential of leaf %d", sender)
		}

	case ProposalTypeRemove:
		if !tree.Occupied(p.Remove.Removed) {
			return stateErr("mls.state: Remove of unknown member %d", p.Remove.Removed)
		}

	default:
		return validationErr("mls.state: Invalid proposal type")
	}

	return nil
}

func (s State) findProposal(ref ProposalRef) (pendingProposal, bool) {
	for _, pp := range s.PendingProposals {
		if bytes.Equal(pp.Ref, ref) {
			return pp, true
		}
	}
	return pendingProposal{}, false
}

///
/// Commit
///

// Commit covers the pending proposals named by refs (all of them if refs is
// nil) plus any inline proposals, and returns the commit message, one
// Welcome per added member, and the state at the next epoch.  The commit
// carries a fresh path from leafSecret, or from a random secret if
// leafSecret is empty, unless it removes the committer.
func (s *State) Commit(leafSecret []byte, refs []ProposalRef, inline []Proposal, aad []byte) (*MLSPlaintext, []*Welcome, *State, error) {
	if s.Removed {
		return nil, nil, nil, stateErr("mls.state: Member has left the group")
	}

	if refs == nil {
		for _, pp := range s.PendingProposals {
			refs = append(refs, pp.Ref)
		}
	}

	// Updates from the committer are superseded by its own path
	selected := []ProposalRef{}
	seen := map[string]bool{}
	for _, ref := range refs {
		pp, ok := s.findProposal(ref)
		if !ok {
			err := validationErr("mls.state: Commit of unknown proposal %s", ref)
			return nil, nil, nil, annotate(err, "commit", s.GroupID, s.Epoch, ref)
		}

		if pp.Sender == s.Index && pp.Proposal.Type() == ProposalTypeUpdate {
			continue
		}

		if seen[ref.String()] {
			continue
		}
		seen[ref.String()] = true
		selected = append(selected, ref)
	}

	sort.Slice(selected, func(i, j int) bool {
		return bytes.Compare(selected[i], selected[j]) < 0
	})

	commit := Commit{Proposals: make([]ProposalOrRef, 0, len(selected)+len(inline))}
	for _, ref := range selected {
		commit.Proposals = append(commit.Proposals, ProposalOrRef{Reference: ref})
	}
	for i := range inline {
		if inline[i].Type() == ProposalTypeUpdate {
			return nil, nil, nil, validationErr("mls.state: Inline update proposals are not allowed")
		}
		if err := s.validateProposal(s.Tree, s.Index, inline[i]); err != nil {
			return nil, nil, nil, err
		}
		commit.Proposals = append(commit.Proposals, ProposalOrRef{Proposal: &inline[i]})
	}

	next := s.clone()
	joiners, err := next.apply(s.Index, commit)
	if err != nil {
		return nil, nil, nil, err
	}

	selfRemove := next.Removed
	if selfRemove && len(joiners) > 0 {
		return nil, nil, nil, validationErr("mls.state: Cannot add members while leaving")
	}

	// KEM fresh entropy to the group, encrypted under the context the
	// receivers will reconstruct before merging the path
	if !selfRemove {
		if len(leafSecret) == 0 {
			leafSecret = make([]byte, s.CipherSuite.Constants().SecretSize)
			if _, err := rand.Read(leafSecret); err != nil {
				return nil, nil, nil, cryptoErr("mls.state: %v", err)
			}
			defer zeroize(leafSecret)
		}

		ctx, err := next.groupContextBytes()
		if err != nil {
			return nil, nil, nil, err
		}

		excluded := joinerIndices(joiners)
		treePriv, path, err := Encap(next.Tree, s.Index, ctx, leafSecret, s.IdentityPriv, excluded)
		if err != nil {
			return nil, nil, nil, err
		}

		if err := next.Tree.Merge(s.Index, *path); err != nil {
			return nil, nil, nil, err
		}

		next.TreePriv.zeroize()
		next.TreePriv = treePriv
		commit.Path = path
	}

	pt, err := s.newPlaintext(MLSPlaintextContent{Commit: &commit}, aad)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := next.ratchet(s, pt, commit.Path != nil); err != nil {
		return nil, nil, nil, err
	}

	tag := next.Keys.confirmationTag(next.ConfirmedTranscriptHash)
	pt.ConfirmationTag = &MAC{tag}
	next.InterimTranscriptHash = next.transcriptHash(next.ConfirmedTranscriptHash, pt.commitAuthData())

	welcomes, err := next.welcomes(joiners, tag)
	if err != nil {
		return nil, nil, nil, err
	}

	if selfRemove {
		next.Keys.zeroize()
		next.TreePriv.zeroize()
	}

	return pt, welcomes, next, nil
}

func joinerIndices(joiners []joiner) []LeafIndex {
	out := make([]LeafIndex, len(joiners))
	for i, j := range joiners {
		out[i] = j.Index
	}
	return out
}

// welcomes builds one Welcome per joiner, each carrying the path secret at
// the joiner's common ancestor with this member.
func (s State) welcomes(joiners []joiner, confirmationTag []byte) ([]*Welcome, error) {
	if len(joiners) == 0 {
		return nil, nil
	}

	gi := &GroupInfo{
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                s.Tree.RootHash(),
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		Extensions:              NewExtensionList(),
		ConfirmationTag:         MAC{confirmationTag},
	}

	if s.IncludeTree {
		if err := gi.Extensions.Add(RatchetTreeExtension{Tree: s.Tree}); err != nil {
			return nil, err
		}
	}

	if err := gi.sign(s.Index, s.IdentityPriv, s.Scheme); err != nil {
		return nil, err
	}

	welcomes := make([]*Welcome, 0, len(joiners))
	for _, j := range joiners {
		_, pathSecret, ok := s.TreePriv.PathSecret(j.Index)
		if !ok {
			return nil, stateErr("mls.state: No path secret for new joiner %d", j.Index)
		}

		welcome, err := newWelcome(s.CipherSuite, s.Keys.JoinerSecret, gi)
		if err != nil {
			return nil, err
		}

		if err := welcome.EncryptTo(j.KeyPackage, s.Keys.JoinerSecret, pathSecret); err != nil {
			return nil, err
		}
		welcomes = append(welcomes, welcome)
	}

	return welcomes, nil
}

///
/// Proposal application
///

// apply resolves the proposals named by commit and applies them to the tree
// in the fixed order updates, removes, adds.  It returns the members added.
func (s *State) apply(committer LeafIndex, commit Commit) ([]joiner, error) {
	var updates, removes, adds []pendingProposal
	seen := map[string]bool{}
	for _, por := range commit.Proposals {
		var pp pendingProposal
		switch {
		case por.Proposal != nil:
			pp = pendingProposal{Sender: committer, Proposal: *por.Proposal}
			if pp.Proposal.Type() == ProposalTypeUpdate {
				return nil, validationErr("mls.state: Inline update proposal in commit")
			}

		default:
			found, ok := s.findProposal(por.Reference)
			if !ok {
				err := validationErr("mls.state: Commit of unknown proposal %s", por.Reference)
				return nil, annotate(err, "apply-commit", s.GroupID, s.Epoch, por.Reference)
			}
			if seen[por.Reference.String()] {
				return nil, validationErr("mls.state: Proposal %s committed twice", por.Reference)
			}
			seen[por.Reference.String()] = true
			pp = found
		}

		switch pp.Proposal.Type() {
		case ProposalTypeUpdate:
			if pp.Sender == committer {
				return nil, validationErr("mls.state: Committer included its own update")
			}
			updates = append(updates, pp)
		case ProposalTypeRemove:
			removes = append(removes, pp)
		case ProposalTypeAdd:
			adds = append(adds, pp)
		default:
			return nil, validationErr("mls.state: Invalid proposal type")
		}
	}

	installed := ""
	for _, pp := range updates {
		if err := s.validateProposal(s.Tree, pp.Sender, pp.Proposal); err != nil {
			return nil, err
		}

		s.Tree.UpdateLeaf(pp.Sender, pp.Proposal.Update.KeyPackage)
		if pp.Sender != s.Index {
			continue
		}

		leafPriv, ok := s.UpdateKeys[pp.Ref.String()]
		if !ok {
			return nil, stateErr("mls.state: Self-update with no cached key")
		}
		s.TreePriv.SetLeafKey(s.Tree.Size(), leafPriv)
		installed = pp.Ref.String()
	}

	for _, pp := range removes {
		removed := pp.Proposal.Remove.Removed
		if !s.Tree.Occupied(removed) {
			return nil, validationErr("mls.state: Remove of blank leaf %d", removed)
		}

		s.Tree.BlankPath(removed)
		if removed == s.Index {
			s.Removed = true
		}
	}

	joiners := []joiner{}
	for _, pp := range adds {
		if err := s.validateProposal(s.Tree, pp.Sender, pp.Proposal); err != nil {
			return nil, err
		}

		kp := pp.Proposal.Add.KeyPackage
		joiners = append(joiners, joiner{
			Index:      s.Tree.AddLeaf(kp),
			KeyPackage: kp,
		})
	}

	// Proposals and update keys do not survive the epoch
	s.PendingProposals = []pendingProposal{}
	for ref, key := range s.UpdateKeys {
		if ref != installed {
			zeroize(key.Data)
		}
		delete(s.UpdateKeys, ref)
	}

	return joiners, nil
}

// ratchet advances s, a clone of prev with the commit's tree changes
// applied, to the next epoch.  The commit secret is zero when the commit
// carried no path.
func (s *State) ratchet(prev *State, pt *MLSPlaintext, hasPath bool) error {
	s.ConfirmedTranscriptHash = s.transcriptHash(prev.InterimTranscriptHash, pt.commitContent())
	s.Epoch = prev.Epoch + 1

	ctx, err := s.groupContextBytes()
	if err != nil {
		return err
	}

	commitSecret := s.CipherSuite.zero()
	if hasPath {
		commitSecret = s.TreePriv.CommitSecret(s.Tree.Size())
	}
	defer zeroize(commitSecret)

	s.Keys = prev.Keys.Next(s.Tree.Size(), commitSecret, ctx, s.MaxForward)
	return nil
}

///
/// Handling incoming handshake messages
///

// Handle applies a verified handshake message.  Proposals are queued on s
// and nil is returned; a commit yields the state for the next epoch.
func (s *State) Handle(pt *MLSPlaintext) (*State, error) {
	if s.Removed {
		return nil, stateErr("mls.state: Member has left the group")
	}

	if !bytes.Equal(pt.GroupID, s.GroupID) {
		return nil, stateErr("mls.state: Group ID mismatch")
	}

	if pt.Epoch != s.Epoch {
		return nil, stateErr("mls.state: Epoch mismatch, have %d, got %d", s.Epoch, pt.Epoch)
	}

	if pt.Sender.Type != SenderTypeMember {
		return nil, validationErr("mls.state: Unsupported sender type %d", pt.Sender.Type)
	}

	sender := pt.Sender.Sender
	cred, ok := s.Tree.Credential(sender)
	if !ok {
		return nil, stateErr("mls.state: Message from unknown member %d", sender)
	}

	if !pt.verify(s.groupContext(), *cred) {
		return nil, validationErr("mls.state: Invalid handshake message signature")
	}

	switch pt.Content.Type() {
	case ContentTypeProposal:
		return nil, s.handleProposal(pt)
	case ContentTypeCommit:
		return s.handleCommit(pt)
	}

	return nil, validationErr("mls.state: Incorrect content type %v", pt.Content.Type())
}

func (s *State) handleProposal(pt *MLSPlaintext) error {
	ref := pt.ref(s.CipherSuite)
	if _, ok := s.findProposal(ref); ok {
		return nil
	}

	p := *pt.Content.Proposal
	if err := s.validateProposal(s.Tree, pt.Sender.Sender, p); err != nil {
		return annotate(err, "handle-proposal", s.GroupID, s.Epoch, ref)
	}

	s.PendingProposals = append(s.PendingProposals, pendingProposal{
		Ref:      ref,
		Sender:   pt.Sender.Sender,
		Proposal: p,
	})
	return nil
}

func (s *State) handleCommit(pt *MLSPlaintext) (*State, error) {
	sender := pt.Sender.Sender
	if sender == s.Index {
		return nil, stateErr("mls.state: Own commit must be handled from cache")
	}

	if pt.ConfirmationTag == nil {
		return nil, validationErr("mls.state: Commit without confirmation tag")
	}

	commit := pt.Content.Commit
	next := s.clone()
	joiners, err := next.apply(sender, *commit)
	if err != nil {
		return nil, err
	}

	// Only a commit that removes its sender may omit the path, and such a
	// commit may not add anyone
	senderRemoved := !next.Tree.Occupied(sender)
	switch {
	case senderRemoved && len(joiners) > 0:
		return nil, validationErr("mls.state: Departing member cannot add members")
	case senderRemoved && commit.Path != nil:
		return nil, validationErr("mls.state: Departing member sent an update path")
	case !senderRemoved && commit.Path == nil:
		return nil, validationErr("mls.state: Commit without update path")
	}

	if next.Removed {
		next.Epoch = s.Epoch + 1
		next.TreePriv.zeroize()
		next.Keys = nil
		return next, nil
	}

	if commit.Path != nil {
		path := *commit.Path
		leaf := path.LeafKeyPackage
		cred, _ := next.Tree.Credential(sender)
		if leaf.CipherSuite != s.CipherSuite || !leaf.Credential.Equals(*cred) {
			return nil, validationErr("mls.state: Update path leaf does not match sender %d", sender)
		}
		if err := leaf.verifySignature(); err != nil {
			return nil, err
		}

		ctx, err := next.groupContextBytes()
		if err != nil {
			return nil, err
		}

		treePriv, err := next.TreePriv.Decap(sender, next.Tree, ctx, path, joinerIndices(joiners))
		if err != nil {
			return nil, err
		}

		if err := next.Tree.Merge(sender, path); err != nil {
			return nil, err
		}

		treePriv.prune(next.Tree)
		next.TreePriv = treePriv
	} else {
		next.TreePriv.prune(next.Tree)
	}

	if err := next.ratchet(s, pt, commit.Path != nil); err != nil {
		return nil, err
	}

	if !hmac.Equal(next.Keys.confirmationTag(next.ConfirmedTranscriptHash), pt.ConfirmationTag.Data) {
		next.Keys.zeroize()
		err := integrityErr("mls.state: Confirmation tag failed to verify")
		return nil, annotate(err, "handle-commit", s.GroupID, s.Epoch, pt.ref(s.CipherSuite))
	}

	next.InterimTranscriptHash = next.transcriptHash(next.ConfirmedTranscriptHash, pt.commitAuthData())
	return next, nil
}

///
/// Framing
///

func (s State) newPlaintext(content MLSPlaintextContent, aad []byte) (*MLSPlaintext, error) {
	if aad == nil {
		aad = []byte{}
	}

	pt := &MLSPlaintext{
		GroupID:           s.GroupID,
		Epoch:             s.Epoch,
		Sender:            Sender{SenderTypeMember, s.Index},
		AuthenticatedData: aad,
		Content:           content,
	}

	if err := pt.sign(s.groupContext(), s.IdentityPriv, s.Scheme); err != nil {
		return nil, cryptoErr("mls.state: Signing failed: %v", err)
	}
	return pt, nil
}

// tagMembership sets the membership tag of a handshake message sent in the
// clear at this epoch.
func (s State) tagMembership(pt *MLSPlaintext) {
	tag := s.CipherSuite.mac(s.Keys.MembershipKey, pt.membershipTagInput(s.groupContext()))
	pt.MembershipTag = &MAC{tag}
}

func (s State) verifyMembership(pt *MLSPlaintext) bool {
	if pt.MembershipTag == nil {
		return false
	}

	tag := s.CipherSuite.mac(s.Keys.MembershipKey, pt.membershipTagInput(s.groupContext()))
	return hmac.Equal(tag, pt.MembershipTag.Data)
}

func applyGuard(nonceIn []byte, reuseGuard uint32) []byte {
	nonceOut := dup(nonceIn)
	var guard [4]byte
	binary.BigEndian.PutUint32(guard[:], reuseGuard)
	for i := range guard {
		nonceOut[i] ^= guard[i]
	}
	return nonceOut
}

func (s *State) encrypt(pt *MLSPlaintext) (*MLSCiphertext, error) {
	rt := handshakeRatchet
	contentType := pt.Content.Type()
	switch contentType {
	case ContentTypeApplication:
		rt = applicationRatchet
	case ContentTypeProposal, ContentTypeCommit:
	default:
		return nil, validationErr("mls.state: Encrypt of unknown content type")
	}

	generation, keys, err := s.Keys.Keys.Next(rt, s.Index)
	if err != nil {
		return nil, err
	}
	defer keys.zeroize()

	var guardBytes [4]byte
	if _, err := rand.Read(guardBytes[:]); err != nil {
		return nil, cryptoErr("mls.state: %v", err)
	}

	senderData, err := syntax.Marshal(mlsSenderData{
		Sender:     s.Index,
		Generation: generation,
		ReuseGuard: binary.BigEndian.Uint32(guardBytes[:]),
	})
	if err != nil {
		return nil, err
	}

	ct := &MLSCiphertext{
		GroupID:           s.GroupID,
		Epoch:             s.Epoch,
		ContentType:       contentType,
		AuthenticatedData: pt.AuthenticatedData,
		SenderDataNonce:   make([]byte, s.CipherSuite.Constants().NonceSize),
	}
	if _, err := rand.Read(ct.SenderDataNonce); err != nil {
		return nil, cryptoErr("mls.state: %v", err)
	}

	sdKey := s.Keys.senderDataKey()
	defer zeroize(sdKey)
	sdAEAD, err := s.CipherSuite.NewAEAD(sdKey)
	if err != nil {
		return nil, cryptoErr("mls.state: %v", err)
	}
	ct.EncryptedSenderData = sdAEAD.Seal(nil, ct.SenderDataNonce, senderData, senderDataAAD(*ct))

	content, err := syntax.Marshal(mlsCiphertextContent{
		Content:         pt.Content,
		Signature:       pt.Signature,
		ConfirmationTag: pt.ConfirmationTag,
	})
	if err != nil {
		return nil, err
	}

	aead, err := s.CipherSuite.NewAEAD(keys.Key)
	if err != nil {
		return nil, cryptoErr("mls.state: %v", err)
	}
	nonce := applyGuard(keys.Nonce, binary.BigEndian.Uint32(guardBytes[:]))
	ct.Ciphertext = aead.Seal(nil, nonce, content, contentAAD(*ct))

	return ct, nil
}

// decrypt recovers the plaintext of ct.  The signature is not checked
// here.  A failure leaves the sender's ratchet as it was, except that a
// generation seen before is rejected as reused.
func (s *State) decrypt(ct *MLSCiphertext) (*MLSPlaintext, error) {
	if !bytes.Equal(ct.GroupID, s.GroupID) {
		return nil, stateErr("mls.state: Ciphertext not from this group")
	}

	if ct.Epoch != s.Epoch {
		return nil, stateErr("mls.state: Ciphertext from epoch %d, have %d", ct.Epoch, s.Epoch)
	}

	if s.Keys == nil {
		return nil, stateErr("mls.state: Keys for epoch %d erased", s.Epoch)
	}

	rt := handshakeRatchet
	switch ct.ContentType {
	case ContentTypeApplication:
		rt = applicationRatchet
	case ContentTypeProposal, ContentTypeCommit:
	default:
		return nil, validationErr("mls.state: Unsupported content type %d", ct.ContentType)
	}

	if len(ct.SenderDataNonce) != s.CipherSuite.Constants().NonceSize {
		return nil, validationErr("mls.state: Sender data nonce has length %d", len(ct.SenderDataNonce))
	}

	sdKey := s.Keys.senderDataKey()
	defer zeroize(sdKey)
	sdAEAD, err := s.CipherSuite.NewAEAD(sdKey)
	if err != nil {
		return nil, cryptoErr("mls.state: %v", err)
	}

	sdData, err := sdAEAD.Open(nil, ct.SenderDataNonce, ct.EncryptedSenderData, senderDataAAD(*ct))
	if err != nil {
		return nil, cryptoErr("mls.state: Sender data decryption failed: %v", err)
	}

	var sd mlsSenderData
	if err := decodeExact(sdData, &sd); err != nil {
		return nil, err
	}

	if !s.Tree.Occupied(sd.Sender) {
		return nil, validationErr("mls.state: Encryption from unoccupied leaf %d", sd.Sender)
	}

	// Our own sending ratchet is ahead of anything we sent
	if sd.Sender == s.Index {
		return nil, stateErr("mls.state: Message sent by this member")
	}

	var content mlsCiphertextContent
	err = s.Keys.Keys.Open(rt, sd.Sender, sd.Generation, func(keys keyAndNonce) error {
		aead, err := s.CipherSuite.NewAEAD(keys.Key)
		if err != nil {
			return cryptoErr("mls.state: %v", err)
		}

		nonce := applyGuard(keys.Nonce, sd.ReuseGuard)
		data, err := aead.Open(nil, nonce, ct.Ciphertext, contentAAD(*ct))
		if err != nil {
			return cryptoErr("mls.state: Content decryption failed: %v", err)
		}

		return decodeExact(data, &content)
	})
	if err != nil {
		return nil, err
	}

	if content.Content.Type() != ct.ContentType {
		return nil, validationErr("mls.state: Content type %v != %v", content.Content.Type(), ct.ContentType)
	}

	return &MLSPlaintext{
		GroupID:           dup(s.GroupID),
		Epoch:             s.Epoch,
		Sender:            Sender{SenderTypeMember, sd.Sender},
		AuthenticatedData: ct.AuthenticatedData,
		Content:           content.Content,
		Signature:         content.Signature,
		ConfirmationTag:   content.ConfirmationTag,
	}, nil
}

// Protect signs and encrypts application data for the group.
func (s *State) Protect(data, aad []byte) (*MLSCiphertext, error) {
	if s.Removed {
		return nil, stateErr("mls.state: Member has left the group")
	}

	pt, err := s.newPlaintext(MLSPlaintextContent{Application: &ApplicationData{Data: data}}, aad)
	if err != nil {
		return nil, err
	}
	return s.encrypt(pt)
}

// Unprotect decrypts and verifies an application message, returning the
// data and the sender's leaf.
func (s *State) Unprotect(ct *MLSCiphertext) ([]byte, LeafIndex, error) {
	if ct.ContentType != ContentTypeApplication {
		return nil, 0, validationErr("mls.state: Unprotect of non-application message")
	}

	pt, err := s.decrypt(ct)
	if err != nil {
		return nil, 0, err
	}

	cred, _ := s.Tree.Credential(pt.Sender.Sender)
	if !pt.verify(s.groupContext(), *cred) {
		return nil, 0, validationErr("mls.state: Invalid message signature")
	}

	return pt.Content.Application.Data, pt.Sender.Sender, nil
}

///
/// Secrets exposed to the caller
///

// Export derives a secret for use outside the group.  Identical arguments
// at the same epoch give identical output.
func (s State) Export(label string, context []byte, length int) ([]byte, error) {
	if s.Keys == nil {
		return nil, stateErr("mls.state: Keys for epoch %d erased", s.Epoch)
	}

	max := 255 * s.CipherSuite.newDigest().Size()
	if length <= 0 || length > max {
		return nil, validationErr("mls.state: Export length %d outside 1..%d", length, max)
	}

	return s.Keys.Export(label, context, length), nil
}

func (s State) EpochAuthenticator() []byte {
	if s.Keys == nil {
		return nil
	}
	return dup(s.Keys.AuthenticationSecret)
}

func (s State) ResumptionSecret() []byte {
	if s.Keys == nil {
		return nil
	}
	return dup(s.Keys.ResumptionSecret)
}

func (s State) Members() []Member {
	return s.Tree.Members()
}

///
/// Helpers
///

func (s State) groupContext() GroupContext {
	return GroupContext{
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                s.Tree.RootHash(),
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
	}
}

func (s State) groupContextBytes() ([]byte, error) {
	ctx, err := syntax.Marshal(s.groupContext())
	if err != nil {
		return nil, validationErr("mls.state: Group context marshal failed: %v", err)
	}
	return ctx, nil
}

func (s State) transcriptHash(prev, data []byte) []byte {
	d := s.CipherSuite.newDigest()
	d.Write(prev)
	d.Write(data)
	return d.Sum(nil)
}

// clone copies everything a commit may change.  The key schedule is shared
// since a commit replaces it rather than modifying it.
func (s State) clone() *State {
	next := &State{
		CipherSuite:             s.CipherSuite,
		GroupID:                 dup(s.GroupID),
		Epoch:                   s.Epoch,
		Tree:                    *s.Tree.Clone(),
		ConfirmedTranscriptHash: dup(s.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(s.InterimTranscriptHash),
		Index:                   s.Index,
		IdentityPriv:            s.IdentityPriv,
		Scheme:                  s.Scheme,
		PendingProposals:        make([]pendingProposal, len(s.PendingProposals)),
		Validator:               s.Validator,
		MaxForward:              s.MaxForward,
		IncludeTree:             s.IncludeTree,
		Removed:                 s.Removed,
		TreePriv:                s.TreePriv.Clone(),
		UpdateKeys:              make(map[string]HPKEPrivateKey, len(s.UpdateKeys)),
		Keys:                    s.Keys,
	}

	copy(next.PendingProposals, s.PendingProposals)
	for ref, key := range s.UpdateKeys {
		next.UpdateKeys[ref] = HPKEPrivateKey{Data: dup(key.Data), PublicKey: key.PublicKey}
	}
	return next
}

// Equals compares the shared state of two members: everything that must
// agree after both have applied the same commits.
func (s State) Equals(o State) bool {
	suite := s.CipherSuite == o.CipherSuite
	groupID := bytes.Equal(s.GroupID, o.GroupID)
	epoch := s.Epoch == o.Epoch
	tree := s.Tree.Equals(o.Tree)
	cth := bytes.Equal(s.ConfirmedTranscriptHash, o.ConfirmedTranscriptHash)
	ith := bytes.Equal(s.InterimTranscriptHash, o.InterimTranscriptHash)
	keys := s.Keys != nil && o.Keys != nil && bytes.Equal(s.Keys.EpochSecret, o.Keys.EpochSecret)

	return suite && groupID && epoch && tree && cth && ith && keys
}

// zeroize erases the secrets of this epoch, including this epoch's copy of
// the path secrets.  Node private keys are shared with later epochs and are
// only dropped from the map.
func (s *State) zeroize() {
	if s.Keys != nil {
		s.Keys.zeroize()
	}
	if s.TreePriv != nil {
		s.TreePriv.zeroize()
	}
	for ref, key := range s.UpdateKeys {
		zeroize(key.Data)
		delete(s.UpdateKeys, ref)
	}
}
