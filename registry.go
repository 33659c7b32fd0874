package mls

import (
	"encoding/hex"
	"runtime"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// identity is the long-term signing key a member uses across groups.
type identity struct {
	SigPriv    SignaturePrivateKey
	Credential Credential
}

type heldBundle struct {
	Owner  string
	Bundle KeyPackageBundle
}

// groupSlot holds every local member of one group.  Its mutex serializes
// all operations on the group.  A dead slot has been emptied and is no
// longer reachable from the registry.
type groupSlot struct {
	mu      sync.Mutex
	members map[string]*Session
	dead    bool
}

// Registry is the owning store of active sessions, keyed by opaque group
// and member identifiers.  Operations on one group are serialized; distinct
// groups proceed in parallel.  The registry lock guards only the maps.
type Registry struct {
	config *Config
	log    *logrus.Entry

	mu         sync.RWMutex
	groups     map[string]*groupSlot
	identities map[string]*identity
	bundles    map[string]heldBundle
	imported   *lru.Cache[string, KeyPackage]
	closed     bool
}

func NewRegistry(cfg *Config) (*Registry, error) {
	cfg = cfg.withDefaults()
	if !cfg.CipherSuite.supported() {
		return nil, validationErr("mls.registry: Unsupported ciphersuite %v", cfg.CipherSuite)
	}

	imported, err := lru.New[string, KeyPackage](cfg.KeyPackageCacheSize)
	if err != nil {
		return nil, err
	}

	return &Registry{
		config:     cfg,
		log:        cfg.Logger.WithField("component", "registry"),
		groups:     map[string]*groupSlot{},
		identities: map[string]*identity{},
		bundles:    map[string]heldBundle{},
		imported:   imported,
	}, nil
}

// Close ends every session and erases every held key.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	r.closed = true
	slots := make([]*groupSlot, 0, len(r.groups))
	for id, slot := range r.groups {
		slots = append(slots, slot)
		delete(r.groups, id)
	}
	r.mu.Unlock()

	for _, slot := range slots {
		slot.mu.Lock()
		for _, sess := range slot.members {
			sess.Close()
		}
		slot.members = map[string]*Session{}
		slot.dead = true
		slot.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for ref, hb := range r.bundles {
		zeroize(hb.Bundle.InitPriv.Data)
		delete(r.bundles, ref)
	}
	for id, ident := range r.identities {
		zeroize(ident.SigPriv.Data)
		delete(r.identities, id)
	}
	r.imported.Purge()

	r.log.Info("Registry closed")
}

///
/// Key packages
///

// identityFor returns the member's identity, creating it on first use.
// The caller must hold r.mu for writing.
func (r *Registry) identityFor(memberID string) (*identity, error) {
	if ident, ok := r.identities[memberID]; ok {
		return ident, nil
	}

	scheme := r.config.CipherSuite.Scheme()
	sigPriv, err := scheme.Generate()
	if err != nil {
		return nil, cryptoErr("mls.registry: %v", err)
	}

	ident := &identity{
		SigPriv:    sigPriv,
		Credential: *NewBasicCredential([]byte(memberID), scheme, sigPriv.PublicKey),
	}
	r.identities[memberID] = ident
	return ident, nil
}

// GenerateKeyPackages creates count fresh key packages for memberID and
// holds their private keys for a later join.  Each is returned encoded.
func (r *Registry) GenerateKeyPackages(memberID string, count int) ([][]byte, error) {
	const op = "generate-key-packages"
	if count <= 0 {
		return nil, annotate(validationErr("mls.registry: Invalid count %d", count), op, nil, 0, nil)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, annotate(stateErr("mls.registry: Closed"), op, nil, 0, nil)
	}
	ident, err := r.identityFor(memberID)
	r.mu.Unlock()
	if err != nil {
		return nil, annotate(err, op, nil, 0, nil)
	}

	bundles := make([]*KeyPackageBundle, count)
	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			b, err := NewKeyPackageBundle(r.config.CipherSuite, ident.Credential, ident.SigPriv, r.config.KeyPackageLifetime)
			if err != nil {
				return err
			}
			bundles[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, annotate(err, op, nil, 0, nil)
	}

	out := make([][]byte, count)
	refs := make([]string, count)
	for i, b := range bundles {
		data, err := encodeMessage(MLSMessage{KeyPackage: &b.KeyPackage})
		if err != nil {
			return nil, annotate(err, op, nil, 0, nil)
		}

		ref, err := b.KeyPackage.Ref()
		if err != nil {
			return nil, annotate(err, op, nil, 0, nil)
		}

		out[i] = data
		refs[i] = hex.EncodeToString(ref)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, b := range bundles {
		r.bundles[refs[i]] = heldBundle{Owner: memberID, Bundle: *b}
	}

	r.log.WithFields(logrus.Fields{"member": memberID, "count": count}).Info("Generated key packages")
	return out, nil
}

// ImportKeyPackage validates a key package received from another party and
// keeps it for AddImportedMembers.  It returns the package's reference.
func (r *Registry) ImportKeyPackage(data []byte) ([]byte, error) {
	const op = "import-key-package"
	kp, err := DecodeKeyPackage(data)
	if err != nil {
		return nil, annotate(err, op, nil, 0, nil)
	}

	if err := kp.Verify(); err != nil {
		return nil, annotate(err, op, nil, 0, nil)
	}

	if err := r.config.CredentialValidator.Validate(kp.Credential); err != nil {
		return nil, annotate(validationErr("mls.registry: Credential rejected: %v", err), op, nil, 0, nil)
	}

	ref, err := kp.Ref()
	if err != nil {
		return nil, annotate(err, op, nil, 0, nil)
	}

	r.imported.Add(hex.EncodeToString(ref), *kp)
	r.log.WithField("ref", hex.EncodeToString(ref)).Debug("Imported key package")
	return ref, nil
}

///
/// Group lifecycle
///

func (r *Registry) memberConfig(memberID string) *Config {
	cfg := *r.config
	cfg.Logger = r.config.Logger.WithField("member", memberID)
	return &cfg
}

// CreateGroup starts a group with memberID as its only member.
func (r *Registry) CreateGroup(groupID, memberID string) error {
	const op = "create-group"
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return annotate(stateErr("mls.registry: Closed"), op, []byte(groupID), 0, nil)
	}
	ident, err := r.identityFor(memberID)
	r.mu.Unlock()
	if err != nil {
		return annotate(err, op, []byte(groupID), 0, nil)
	}

	bundle, err := NewKeyPackageBundle(r.config.CipherSuite, ident.Credential, ident.SigPriv, r.config.KeyPackageLifetime)
	if err != nil {
		return annotate(err, op, []byte(groupID), 0, nil)
	}

	sess, err := NewSession([]byte(groupID), *bundle, r.memberConfig(memberID))
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[groupID]; ok || r.closed {
		sess.Close()
		return annotate(stateErr("mls.registry: Group already exists"), op, []byte(groupID), 0, nil)
	}

	r.groups[groupID] = &groupSlot{members: map[string]*Session{memberID: sess}}
	return nil
}

// JoinGroup enters memberID into the group a Welcome describes, using one
// of the key packages generated for it.  tree may be empty if the Welcome
// embeds the ratchet tree.  It returns the group identifier.
func (r *Registry) JoinGroup(memberID string, welcome, tree []byte) (string, error) {
	const op = "join-group"
	r.mu.RLock()
	closed := r.closed
	held := []KeyPackageBundle{}
	for _, hb := range r.bundles {
		if hb.Owner == memberID {
			held = append(held, hb.Bundle)
		}
	}
	r.mu.RUnlock()

	if closed {
		return "", annotate(stateErr("mls.registry: Closed"), op, nil, 0, nil)
	}
	if len(held) == 0 {
		return "", annotate(stateErr("mls.registry: No key packages held for member"), op, nil, 0, nil)
	}

	sess, err := JoinSession(held, welcome, tree, r.memberConfig(memberID))
	if err != nil {
		return "", err
	}

	groupID := string(sess.GroupID())
	var used []byte
	if kp, ok := sess.current.Tree.KeyPackage(sess.Index()); ok {
		used, _ = kp.Ref()
	}

	slot, err := r.lockSlot(groupID, true)
	if err != nil {
		sess.Close()
		return "", annotate(err, op, []byte(groupID), 0, nil)
	}

	// A faulted or closed session is only rebuilt by joining again
	if old, ok := slot.members[memberID]; ok {
		if !old.Closed() && !old.Faulted() {
			slot.mu.Unlock()
			sess.Close()
			return "", annotate(stateErr("mls.registry: Member already in group"), op, []byte(groupID), 0, nil)
		}

		old.Close()
		r.log.WithFields(logrus.Fields{"group": hex.EncodeToString([]byte(groupID)), "member": memberID}).Warn("Replacing ended session")
	}
	slot.members[memberID] = sess
	slot.mu.Unlock()

	// Key packages are single use
	if used != nil {
		r.mu.Lock()
		delete(r.bundles, hex.EncodeToString(used))
		r.mu.Unlock()
	}

	r.log.WithFields(logrus.Fields{"group": hex.EncodeToString([]byte(groupID)), "member": memberID}).Info("Member joined")
	return groupID, nil
}

// CloseGroup ends memberID's session in the group without telling the
// other members.
func (r *Registry) CloseGroup(groupID, memberID string) error {
	return r.withSession("close-group", groupID, memberID, func(sess *Session) error {
		sess.Close()
		return nil
	})
}

func (r *Registry) ExportTree(groupID, memberID string) ([]byte, error) {
	var out []byte
	err := r.withSession("export-tree", groupID, memberID, func(sess *Session) (err error) {
		out, err = sess.ExportTree()
		return err
	})
	return out, err
}

func (r *Registry) GroupMembers(groupID, memberID string) ([]Member, error) {
	var out []Member
	err := r.withSession("group-members", groupID, memberID, func(sess *Session) (err error) {
		out, err = sess.Members()
		return err
	})
	return out, err
}

func (r *Registry) Epoch(groupID, memberID string) (Epoch, error) {
	var out Epoch
	err := r.withSession("epoch", groupID, memberID, func(sess *Session) error {
		out = sess.Epoch()
		return nil
	})
	return out, err
}

///
/// Membership
///

// AddMembers adds every key package in a single commit.
func (r *Registry) AddMembers(groupID, memberID string, keyPackages [][]byte) (*CommitResult, error) {
	const op = "add-members"
	adds, err := decodeAdds(keyPackages)
	if err != nil {
		return nil, annotate(err, op, []byte(groupID), 0, nil)
	}

	return r.commit(op, groupID, memberID, []ProposalRef{}, adds)
}

// AddImportedMembers adds previously imported key packages, named by
// reference, in a single commit.  They are consumed on success.
func (r *Registry) AddImportedMembers(groupID, memberID string, refs [][]byte) (*CommitResult, error) {
	const op = "add-imported-members"
	adds := make([]Proposal, 0, len(refs))
	for _, ref := range refs {
		kp, ok := r.imported.Peek(hex.EncodeToString(ref))
		if !ok {
			err := validationErr("mls.registry: Unknown key package")
			return nil, annotate(err, op, []byte(groupID), 0, ref)
		}
		adds = append(adds, Proposal{Add: &AddProposal{KeyPackage: kp}})
	}

	result, err := r.commit(op, groupID, memberID, []ProposalRef{}, adds)
	if err != nil {
		return nil, err
	}

	for _, ref := range refs {
		r.imported.Remove(hex.EncodeToString(ref))
	}
	return result, nil
}

// RemoveMembers removes every listed leaf in a single commit.
func (r *Registry) RemoveMembers(groupID, memberID string, indices []LeafIndex) (*CommitResult, error) {
	removes := make([]Proposal, len(indices))
	for i, index := range indices {
		removes[i] = Proposal{Remove: &RemoveProposal{Removed: index}}
	}
	return r.commit("remove-members", groupID, memberID, []ProposalRef{}, removes)
}

///
/// Proposals and commits
///

func (r *Registry) ProposeAdd(groupID, memberID string, keyPackage []byte) (*ProposalResult, error) {
	const op = "propose-add"
	kp, err := DecodeKeyPackage(keyPackage)
	if err != nil {
		return nil, annotate(err, op, []byte(groupID), 0, nil)
	}

	var out *ProposalResult
	err = r.withSession(op, groupID, memberID, func(sess *Session) (err error) {
		out, err = sess.ProposeAdd(*kp)
		return err
	})
	return out, err
}

func (r *Registry) ProposeRemove(groupID, memberID string, index LeafIndex) (*ProposalResult, error) {
	var out *ProposalResult
	err := r.withSession("propose-remove", groupID, memberID, func(sess *Session) (err error) {
		out, err = sess.ProposeRemove(index)
		return err
	})
	return out, err
}

func (r *Registry) ProposeUpdate(groupID, memberID string) (*ProposalResult, error) {
	var out *ProposalResult
	err := r.withSession("propose-update", groupID, memberID, func(sess *Session) (err error) {
		out, err = sess.ProposeUpdate()
		return err
	})
	return out, err
}

// CreateCommit commits the named pending proposals (all of them if refs is
// nil) and adds the given key packages in the same commit.
func (r *Registry) CreateCommit(groupID, memberID string, refs []ProposalRef, keyPackages [][]byte) (*CommitResult, error) {
	const op = "create-commit"
	adds, err := decodeAdds(keyPackages)
	if err != nil {
		return nil, annotate(err, op, []byte(groupID), 0, nil)
	}
	return r.commit(op, groupID, memberID, refs, adds)
}

func (r *Registry) SelfUpdate(groupID, memberID string) (*CommitResult, error) {
	var out *CommitResult
	err := r.withSession("self-update", groupID, memberID, func(sess *Session) (err error) {
		out, err = sess.SelfUpdate()
		return err
	})
	return out, err
}

// SelfRemove commits memberID's departure.  Its session is closed and the
// commit must still be delivered to the remaining members.
func (r *Registry) SelfRemove(groupID, memberID string) (*CommitResult, error) {
	var out *CommitResult
	err := r.withSession("self-remove", groupID, memberID, func(sess *Session) (err error) {
		out, err = sess.SelfRemove()
		return err
	})
	return out, err
}

func (r *Registry) commit(op, groupID, memberID string, refs []ProposalRef, inline []Proposal) (*CommitResult, error) {
	var out *CommitResult
	err := r.withSession(op, groupID, memberID, func(sess *Session) (err error) {
		out, err = sess.Commit(refs, inline)
		return err
	})
	return out, err
}

func decodeAdds(keyPackages [][]byte) ([]Proposal, error) {
	adds := make([]Proposal, len(keyPackages))
	for i, data := range keyPackages {
		kp, err := DecodeKeyPackage(data)
		if err != nil {
			return nil, err
		}
		adds[i] = Proposal{Add: &AddProposal{KeyPackage: *kp}}
	}
	return adds, nil
}

///
/// Messages
///

// ProcessMessage handles any incoming group message for memberID.
func (r *Registry) ProcessMessage(groupID, memberID string, data []byte) (*Processed, error) {
	var out *Processed
	err := r.withSession("process-message", groupID, memberID, func(sess *Session) (err error) {
		out, err = sess.Process(data)
		return err
	})
	return out, err
}

func (r *Registry) EncryptMessage(groupID, memberID string, plaintext []byte) ([]byte, error) {
	var out []byte
	err := r.withSession("encrypt-message", groupID, memberID, func(sess *Session) (err error) {
		out, err = sess.Encrypt(plaintext, nil)
		return err
	})
	return out, err
}

func (r *Registry) DecryptMessage(groupID, memberID string, ciphertext []byte) ([]byte, LeafIndex, error) {
	var out []byte
	var sender LeafIndex
	err := r.withSession("decrypt-message", groupID, memberID, func(sess *Session) (err error) {
		out, sender, err = sess.Decrypt(ciphertext)
		return err
	})
	return out, sender, err
}

func (r *Registry) ExportSecret(groupID, memberID, label string, context []byte, length int) ([]byte, error) {
	var out []byte
	err := r.withSession("export-secret", groupID, memberID, func(sess *Session) (err error) {
		out, err = sess.Export(label, context, length)
		return err
	})
	return out, err
}

///
/// Locking
///

// lockSlot returns the group's slot with its lock held, creating the slot
// if asked to.  The registry lock is never held while waiting on a group,
// so a long operation on one group does not stall the others.
func (r *Registry) lockSlot(groupID string, create bool) (*groupSlot, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, stateErr("mls.registry: Closed")
		}

		slot, ok := r.groups[groupID]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil, stateErr("mls.registry: Unknown group")
			}
			slot = &groupSlot{members: map[string]*Session{}}
			r.groups[groupID] = slot
		}
		r.mu.Unlock()

		slot.mu.Lock()
		if !slot.dead {
			return slot, nil
		}
		slot.mu.Unlock()

		// The group emptied while we waited; look again
		r.dropSlot(groupID, slot)
	}
}

// withSession runs fn on memberID's session with the group's lock held.
// Sessions that end up closed are dropped, and an emptied group with them.
func (r *Registry) withSession(op, groupID, memberID string, fn func(*Session) error) error {
	slot, err := r.lockSlot(groupID, false)
	if err != nil {
		return annotate(err, op, []byte(groupID), 0, nil)
	}

	sess, ok := slot.members[memberID]
	if !ok {
		slot.mu.Unlock()
		return annotate(stateErr("mls.registry: Unknown member %q", memberID), op, []byte(groupID), 0, nil)
	}

	err = fn(sess)
	ended := sess.Closed()
	if ended {
		delete(slot.members, memberID)
		slot.dead = len(slot.members) == 0
	}
	dead := slot.dead
	slot.mu.Unlock()

	if dead {
		r.dropSlot(groupID, slot)
	}
	if ended {
		r.log.WithFields(logrus.Fields{"group": hex.EncodeToString([]byte(groupID)), "member": memberID}).Info("Session ended")
	}
	return err
}

func (r *Registry) dropSlot(groupID string, slot *groupSlot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups[groupID] == slot {
		delete(r.groups, groupID)
	}
}
