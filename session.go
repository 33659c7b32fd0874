package mls

import (
	"bytes"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Processed describes the effect of an incoming message.
type Processed struct {
	Type        ContentType
	Epoch       Epoch
	Sender      LeafIndex
	Application []byte
	ProposalRef ProposalRef

	// Removed is set when the message was a commit removing this member.
	// The session is closed afterwards.
	Removed bool
}

type CommitResult struct {
	Commit   []byte
	Welcomes [][]byte
	Epoch    Epoch
}

type ProposalResult struct {
	Ref     ProposalRef
	Message []byte
}

// Session wraps the State of one member in one group.  It frames outgoing
// handshake messages, routes incoming ones to the right epoch and keeps a
// bounded window of prior epochs for late application messages.  A Session
// is not safe for concurrent use; the Registry serializes access to it.
type Session struct {
	encryptHandshake bool
	log              *logrus.Entry

	current *State
	history *lru.Cache[Epoch, *State]

	// The last commit this member sent, so an echo from the delivery
	// service is recognized and ignored
	lastCommit []byte

	fault  error
	closed bool
}

func newSession(state *State, cfg *Config) (*Session, error) {
	cfg = cfg.withDefaults()
	s := &Session{
		encryptHandshake: cfg.EncryptHandshake,
		current:          state,
		log: cfg.Logger.WithFields(logrus.Fields{
			"group": hex.EncodeToString(state.GroupID),
			"leaf":  state.Index,
		}),
	}

	if cfg.EpochRetention > 0 {
		history, err := lru.NewWithEvict[Epoch, *State](cfg.EpochRetention, func(epoch Epoch, st *State) {
			st.zeroize()
		})
		if err != nil {
			return nil, err
		}
		s.history = history
	}

	return s, nil
}

// NewSession creates a group with this member as its only occupant.
func NewSession(groupID []byte, bundle KeyPackageBundle, cfg *Config) (*Session, error) {
	state, err := NewEmptyState(groupID, bundle, cfg)
	if err != nil {
		return nil, annotate(err, "create", groupID, 0, nil)
	}

	s, err := newSession(state, cfg)
	if err != nil {
		return nil, err
	}

	s.log.WithField("epoch", state.Epoch).Info("Created group")
	return s, nil
}

// JoinSession enters a group from an encoded Welcome.  tree is an encoded
// ratchet tree, needed only if the Welcome does not embed one.
func JoinSession(bundles []KeyPackageBundle, welcomeData, tree []byte, cfg *Config) (*Session, error) {
	welcome, err := DecodeWelcome(welcomeData)
	if err != nil {
		return nil, annotate(err, "join", nil, 0, nil)
	}

	var pub *RatchetTree
	if len(tree) > 0 {
		if !welcome.CipherSuite.supported() {
			return nil, annotate(validationErr("mls.session: Unsupported ciphersuite %v", welcome.CipherSuite), "join", nil, 0, nil)
		}

		pub, err = DecodeRatchetTree(welcome.CipherSuite, tree)
		if err != nil {
			return nil, annotate(err, "join", nil, 0, nil)
		}
	}

	state, err := NewJoinedState(bundles, *welcome, pub, cfg)
	if err != nil {
		return nil, annotate(err, "join", nil, 0, nil)
	}

	s, err := newSession(state, cfg)
	if err != nil {
		return nil, err
	}

	s.log.WithField("epoch", state.Epoch).Info("Joined group")
	return s, nil
}

///
/// Accessors
///

func (s *Session) GroupID() []byte {
	return dup(s.current.GroupID)
}

func (s *Session) Epoch() Epoch {
	return s.current.Epoch
}

func (s *Session) Index() LeafIndex {
	return s.current.Index
}

func (s *Session) CipherSuite() CipherSuite {
	return s.current.CipherSuite
}

func (s *Session) Closed() bool {
	return s.closed
}

// Faulted reports whether an integrity failure has disabled the session.
// Only a fresh join replaces it.
func (s *Session) Faulted() bool {
	return s.fault != nil
}

func (s *Session) Members() ([]Member, error) {
	if err := s.usable("members"); err != nil {
		return nil, err
	}
	return s.current.Members(), nil
}

// ExportTree encodes the current public ratchet tree, for joiners whose
// Welcome does not embed it.
func (s *Session) ExportTree() ([]byte, error) {
	if err := s.usable("export-tree"); err != nil {
		return nil, err
	}

	data, err := encode(s.current.Tree)
	if err != nil {
		return nil, s.fail("export-tree", err, nil)
	}
	return data, nil
}

func (s *Session) Export(label string, context []byte, length int) ([]byte, error) {
	if err := s.usable("export"); err != nil {
		return nil, err
	}

	secret, err := s.current.Export(label, context, length)
	if err != nil {
		return nil, s.fail("export", err, nil)
	}
	return secret, nil
}

func (s *Session) EpochAuthenticator() ([]byte, error) {
	if err := s.usable("epoch-authenticator"); err != nil {
		return nil, err
	}
	return s.current.EpochAuthenticator(), nil
}

///
/// Proposals and commits
///

func (s *Session) ProposeAdd(kp KeyPackage) (*ProposalResult, error) {
	return s.propose("propose-add", func(st *State) (*MLSPlaintext, ProposalRef, error) {
		return st.ProposeAdd(kp, nil)
	})
}

func (s *Session) ProposeRemove(index LeafIndex) (*ProposalResult, error) {
	return s.propose("propose-remove", func(st *State) (*MLSPlaintext, ProposalRef, error) {
		return st.ProposeRemove(index, nil)
	})
}

func (s *Session) ProposeUpdate() (*ProposalResult, error) {
	return s.propose("propose-update", func(st *State) (*MLSPlaintext, ProposalRef, error) {
		return st.ProposeUpdate(nil)
	})
}

func (s *Session) propose(op string, create func(*State) (*MLSPlaintext, ProposalRef, error)) (*ProposalResult, error) {
	if err := s.usable(op); err != nil {
		return nil, err
	}

	st := s.current
	pending := len(st.PendingProposals)
	pt, ref, err := create(st)
	if err != nil {
		return nil, s.fail(op, err, nil)
	}

	data, err := s.frame(st, pt)
	if err != nil {
		st.PendingProposals = st.PendingProposals[:pending]
		delete(st.UpdateKeys, ref.String())
		return nil, s.fail(op, err, ref)
	}

	s.log.WithFields(logrus.Fields{"epoch": st.Epoch, "ref": ref.String()}).Debug("Sent proposal")
	return &ProposalResult{Ref: ref, Message: data}, nil
}

// Commit commits the named pending proposals (all of them if refs is nil)
// plus the inline ones, and moves this member to the next epoch.
func (s *Session) Commit(refs []ProposalRef, inline []Proposal) (*CommitResult, error) {
	if err := s.usable("commit"); err != nil {
		return nil, err
	}

	prev := s.current
	pt, welcomes, next, err := prev.Commit(nil, refs, inline, nil)
	if err != nil {
		return nil, s.fail("commit", err, nil)
	}

	data, err := s.frame(prev, pt)
	if err != nil {
		return nil, s.fail("commit", err, nil)
	}

	result := &CommitResult{
		Commit:   data,
		Welcomes: make([][]byte, 0, len(welcomes)),
		Epoch:    next.Epoch,
	}
	for _, w := range welcomes {
		wd, err := encodeMessage(MLSMessage{Welcome: w})
		if err != nil {
			return nil, s.fail("commit", err, nil)
		}
		result.Welcomes = append(result.Welcomes, wd)
	}

	s.lastCommit = data
	s.advance(next)

	s.log.WithFields(logrus.Fields{
		"epoch":    next.Epoch,
		"joiners":  len(welcomes),
		"members":  len(next.Members()),
		"leaving":  next.Removed,
		"proposal": len(pt.Content.Commit.Proposals),
	}).Info("Committed")

	if next.Removed {
		s.Close()
	}
	return result, nil
}

// SelfUpdate commits a fresh path and nothing else.
func (s *Session) SelfUpdate() (*CommitResult, error) {
	return s.Commit([]ProposalRef{}, nil)
}

// SelfRemove commits this member's own removal and closes the session.
func (s *Session) SelfRemove() (*CommitResult, error) {
	remove := Proposal{Remove: &RemoveProposal{Removed: s.current.Index}}
	return s.Commit([]ProposalRef{}, []Proposal{remove})
}

///
/// Application messages
///

func (s *Session) Encrypt(data, aad []byte) ([]byte, error) {
	if err := s.usable("encrypt"); err != nil {
		return nil, err
	}

	ct, err := s.current.Protect(data, aad)
	if err != nil {
		return nil, s.fail("encrypt", err, nil)
	}

	out, err := encodeMessage(MLSMessage{Ciphertext: ct})
	if err != nil {
		return nil, s.fail("encrypt", err, nil)
	}

	s.log.WithField("epoch", ct.Epoch).Debug("Encrypted application message")
	return out, nil
}

// Decrypt opens an application message from the current or a retained
// prior epoch.
func (s *Session) Decrypt(data []byte) ([]byte, LeafIndex, error) {
	if err := s.usable("decrypt"); err != nil {
		return nil, 0, err
	}

	msg, err := DecodeMessage(data)
	if err != nil {
		return nil, 0, s.fail("decrypt", err, nil)
	}

	if msg.Ciphertext == nil || msg.Ciphertext.ContentType != ContentTypeApplication {
		err := validationErr("mls.session: Expected application message")
		return nil, 0, s.fail("decrypt", err, nil)
	}

	p, err := s.processCiphertext(msg.Ciphertext)
	if err != nil {
		return nil, 0, err
	}
	return p.Application, p.Sender, nil
}

///
/// Incoming messages
///

// Process handles any group message: an application message, a proposal or
// a commit.
func (s *Session) Process(data []byte) (*Processed, error) {
	if err := s.usable("process"); err != nil {
		return nil, err
	}

	if s.lastCommit != nil && bytes.Equal(data, s.lastCommit) {
		s.log.WithField("epoch", s.current.Epoch).Debug("Ignoring echo of own commit")
		return &Processed{Type: ContentTypeCommit, Epoch: s.current.Epoch, Sender: s.current.Index}, nil
	}

	msg, err := DecodeMessage(data)
	if err != nil {
		return nil, s.fail("process", err, nil)
	}

	switch {
	case msg.Plaintext != nil:
		return s.processPlaintext(msg.Plaintext)
	case msg.Ciphertext != nil:
		return s.processCiphertext(msg.Ciphertext)
	}

	err = validationErr("mls.session: %v is not a group message", msg.WireFormat())
	return nil, s.fail("process", err, nil)
}

func (s *Session) checkEpoch(groupID []byte, epoch Epoch) error {
	if !bytes.Equal(groupID, s.current.GroupID) {
		return stateErr("mls.session: Message for group %x", groupID)
	}

	switch {
	case epoch > s.current.Epoch:
		return stateErr("mls.session: Message from future epoch %d, have %d", epoch, s.current.Epoch)
	case epoch < s.current.Epoch:
		return stateErr("mls.session: Stale message from epoch %d, have %d", epoch, s.current.Epoch)
	}
	return nil
}

func (s *Session) processPlaintext(pt *MLSPlaintext) (*Processed, error) {
	if pt.Content.Type() == ContentTypeApplication {
		err := validationErr("mls.session: Unencrypted application message")
		return nil, s.fail("process", err, nil)
	}

	if err := s.checkEpoch(pt.GroupID, pt.Epoch); err != nil {
		return nil, s.fail("process", err, nil)
	}

	if !s.current.verifyMembership(pt) {
		err := validationErr("mls.session: Invalid membership tag")
		return nil, s.fail("process", err, nil)
	}

	return s.handle(pt)
}

func (s *Session) processCiphertext(ct *MLSCiphertext) (*Processed, error) {
	if ct.ContentType == ContentTypeApplication && ct.Epoch < s.current.Epoch && bytes.Equal(ct.GroupID, s.current.GroupID) {
		return s.unprotectPrior(ct)
	}

	if err := s.checkEpoch(ct.GroupID, ct.Epoch); err != nil {
		return nil, s.fail("process", err, nil)
	}

	if ct.ContentType == ContentTypeApplication {
		data, sender, err := s.current.Unprotect(ct)
		if err != nil {
			return nil, s.fail("decrypt", err, nil)
		}

		s.log.WithFields(logrus.Fields{"epoch": ct.Epoch, "sender": sender}).Debug("Decrypted application message")
		return &Processed{Type: ContentTypeApplication, Epoch: ct.Epoch, Sender: sender, Application: data}, nil
	}

	pt, err := s.current.decrypt(ct)
	if err != nil {
		return nil, s.fail("process", err, nil)
	}
	return s.handle(pt)
}

// unprotectPrior opens a late application message with a retained epoch.
func (s *Session) unprotectPrior(ct *MLSCiphertext) (*Processed, error) {
	var st *State
	ok := false
	if s.history != nil {
		st, ok = s.history.Get(ct.Epoch)
	}

	if !ok {
		err := stateErr("mls.session: Keys for epoch %d no longer held", ct.Epoch)
		return nil, s.fail("decrypt", err, nil)
	}

	data, sender, err := st.Unprotect(ct)
	if err != nil {
		return nil, s.fail("decrypt", err, nil)
	}

	s.log.WithFields(logrus.Fields{"epoch": ct.Epoch, "sender": sender}).Debug("Decrypted late application message")
	return &Processed{Type: ContentTypeApplication, Epoch: ct.Epoch, Sender: sender, Application: data}, nil
}

func (s *Session) handle(pt *MLSPlaintext) (*Processed, error) {
	ref := pt.ref(s.current.CipherSuite)
	next, err := s.current.Handle(pt)
	if err != nil {
		return nil, s.fail("process", err, ref)
	}

	result := &Processed{
		Type:   pt.Content.Type(),
		Epoch:  pt.Epoch,
		Sender: pt.Sender.Sender,
	}

	if next == nil {
		result.ProposalRef = ref
		s.log.WithFields(logrus.Fields{"epoch": pt.Epoch, "ref": ref.String(), "sender": pt.Sender.Sender}).Debug("Queued proposal")
		return result, nil
	}

	s.advance(next)
	result.Epoch = next.Epoch
	if next.Removed {
		result.Removed = true
		s.log.WithField("epoch", next.Epoch).Info("Removed from group")
		s.Close()
	}
	return result, nil
}

///
/// Helpers
///

// frame encodes a handshake message from st as plaintext with a membership
// tag or, if handshake encryption is on, as ciphertext.
func (s *Session) frame(st *State, pt *MLSPlaintext) ([]byte, error) {
	if s.encryptHandshake {
		ct, err := st.encrypt(pt)
		if err != nil {
			return nil, err
		}
		return encodeMessage(MLSMessage{Ciphertext: ct})
	}

	st.tagMembership(pt)
	return encodeMessage(MLSMessage{Plaintext: pt})
}

// advance makes next current and retires the previous epoch into the
// history window, or erases it if no window is kept.
func (s *Session) advance(next *State) {
	prev := s.current
	s.current = next
	if s.history != nil && prev.Keys != nil {
		s.history.Add(prev.Epoch, prev)
	} else {
		prev.zeroize()
	}

	s.log = s.log.WithFields(logrus.Fields{"leaf": next.Index})
	s.log.WithField("epoch", next.Epoch).Info("Advanced epoch")
}

func (s *Session) usable(op string) error {
	switch {
	case s.fault != nil:
		err := integrityErr("mls.session: Group state faulted: %v", s.fault)
		return annotate(err, op, s.current.GroupID, s.current.Epoch, nil)
	case s.closed:
		return annotate(stateErr("mls.session: Session closed"), op, s.current.GroupID, s.current.Epoch, nil)
	}
	return nil
}

// fail annotates err and, for an integrity failure, faults the session so
// no later operation uses its key material.
func (s *Session) fail(op string, err error, ref []byte) error {
	err = annotate(err, op, s.current.GroupID, s.current.Epoch, ref)
	if KindOf(err) == IntegrityError && s.fault == nil {
		s.fault = err
		s.log.WithError(err).WithField("epoch", s.current.Epoch).Error("Group state faulted")
	}
	return err
}

// Close erases every secret the session holds.
func (s *Session) Close() {
	if s.closed {
		return
	}

	s.closed = true
	if s.history != nil {
		s.history.Purge()
	}
	s.current.zeroize()
	s.log.WithField("epoch", s.current.Epoch).Info("Closed")
}
