package mls

import (
	"bytes"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type Epoch uint64

///
/// Proposals
///

type ProposalType uint8

const (
	ProposalTypeInvalid ProposalType = 0
	ProposalTypeAdd     ProposalType = 1
	ProposalTypeUpdate  ProposalType = 2
	ProposalTypeRemove  ProposalType = 3
)

func (pt ProposalType) ValidForTLS() error {
	return validateEnum(pt, ProposalTypeAdd, ProposalTypeUpdate, ProposalTypeRemove)
}

func (pt ProposalType) String() string {
	switch pt {
	case ProposalTypeAdd:
		return "Add"
	case ProposalTypeUpdate:
		return "Update"
	case ProposalTypeRemove:
		return "Remove"
	}
	return "Invalid"
}

type AddProposal struct {
	KeyPackage KeyPackage
}

type UpdateProposal struct {
	KeyPackage KeyPackage
}

type RemoveProposal struct {
	Removed LeafIndex
}

// struct {
//     ProposalType msg_type;
//     select (Proposal.msg_type) {
//         case add:    Add;
//         case update: Update;
//         case remove: Remove;
//     };
// } Proposal;
type Proposal struct {
	Add    *AddProposal
	Update *UpdateProposal
	Remove *RemoveProposal
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	default:
		return ProposalTypeInvalid
	}
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	proposalType := p.Type()
	err := s.Write(proposalType)
	if err != nil {
		return nil, err
	}

	switch proposalType {
	case ProposalTypeAdd:
		err = s.Write(p.Add)
	case ProposalTypeUpdate:
		err = s.Write(p.Update)
	case ProposalTypeRemove:
		err = s.Write(p.Remove)
	default:
		err = fmt.Errorf("mls.proposal: ProposalType type not allowed")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var proposalType ProposalType
	_, err := s.Read(&proposalType)
	if err != nil {
		return 0, err
	}

	switch proposalType {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(RemoveProposal)
		_, err = s.Read(p.Remove)
	default:
		err = fmt.Errorf("mls.proposal: ProposalType type not allowed")
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// ProposalRef names a proposal by the digest of its encoding.
type ProposalRef []byte

func (ref ProposalRef) String() string {
	return fmt.Sprintf("%x", []byte(ref))
}

///
/// Commit
///

type ProposalOrRefType uint8

const (
	ProposalOrRefTypeProposal  ProposalOrRefType = 1
	ProposalOrRefTypeReference ProposalOrRefType = 2
)

// struct {
//     ProposalOrRefType type;
//     select (ProposalOrRef.type) {
//         case proposal:  Proposal proposal;
//         case reference: opaque hash<0..255>;
//     };
// } ProposalOrRef;
type ProposalOrRef struct {
	Proposal  *Proposal
	Reference ProposalRef
}

type proposalRefData struct {
	Data []byte `tls:"head=1"`
}

func (por ProposalOrRef) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	var err error
	switch {
	case por.Proposal != nil:
		err = s.Write(ProposalOrRefTypeProposal)
		if err == nil {
			err = s.Write(por.Proposal)
		}
	case len(por.Reference) > 0:
		err = s.Write(ProposalOrRefTypeReference)
		if err == nil {
			err = s.Write(proposalRefData{por.Reference})
		}
	default:
		err = fmt.Errorf("mls.commit: Empty ProposalOrRef")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (por *ProposalOrRef) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var porType ProposalOrRefType
	_, err := s.Read(&porType)
	if err != nil {
		return 0, err
	}

	switch porType {
	case ProposalOrRefTypeProposal:
		por.Proposal = new(Proposal)
		_, err = s.Read(por.Proposal)
	case ProposalOrRefTypeReference:
		ref := proposalRefData{}
		_, err = s.Read(&ref)
		if err == nil && len(ref.Data) == 0 {
			err = fmt.Errorf("mls.commit: Empty proposal reference")
		}
		por.Reference = ref.Data
	default:
		err = fmt.Errorf("mls.commit: Invalid ProposalOrRef type %d", porType)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// struct {
//     ProposalOrRef proposals<0..2^32-1>;
//     optional<UpdatePath> path;
// } Commit;
type Commit struct {
	Proposals []ProposalOrRef `tls:"head=4"`
	Path      *UpdatePath     `tls:"optional"`
}

///
/// MLSPlaintext
///

type ContentType uint8

const (
	ContentTypeInvalid     ContentType = 0
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

func (ct ContentType) ValidForTLS() error {
	return validateEnum(ct, ContentTypeApplication, ContentTypeProposal, ContentTypeCommit)
}

func (ct ContentType) String() string {
	switch ct {
	case ContentTypeApplication:
		return "Application"
	case ContentTypeProposal:
		return "Proposal"
	case ContentTypeCommit:
		return "Commit"
	}
	return "Invalid"
}

type SenderType uint8

const (
	SenderTypeMember SenderType = 1
)

func (st SenderType) ValidForTLS() error {
	return validateEnum(st, SenderTypeMember)
}

type Sender struct {
	Type   SenderType
	Sender LeafIndex
}

type ApplicationData struct {
	Data []byte `tls:"head=4"`
}

// struct {
//     ContentType content_type;
//     select (MLSPlaintext.content_type) {
//         case application: opaque application_data<0..2^32-1>;
//         case proposal:    Proposal proposal;
//         case commit:      Commit commit;
//     };
// } MLSPlaintextContent;
type MLSPlaintextContent struct {
	Application *ApplicationData
	Proposal    *Proposal
	Commit      *Commit
}

func (c MLSPlaintextContent) Type() ContentType {
	switch {
	case c.Application != nil:
		return ContentTypeApplication
	case c.Proposal != nil:
		return ContentTypeProposal
	case c.Commit != nil:
		return ContentTypeCommit
	default:
		return ContentTypeInvalid
	}
}

func (c MLSPlaintextContent) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	contentType := c.Type()
	err := s.Write(contentType)
	if err != nil {
		return nil, err
	}

	switch contentType {
	case ContentTypeApplication:
		err = s.Write(c.Application)
	case ContentTypeProposal:
		err = s.Write(c.Proposal)
	case ContentTypeCommit:
		err = s.Write(c.Commit)
	default:
		err = fmt.Errorf("mls.mlspt: ContentType type not allowed")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *MLSPlaintextContent) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var contentType ContentType
	_, err := s.Read(&contentType)
	if err != nil {
		return 0, err
	}

	switch contentType {
	case ContentTypeApplication:
		c.Application = new(ApplicationData)
		_, err = s.Read(c.Application)
	case ContentTypeProposal:
		c.Proposal = new(Proposal)
		_, err = s.Read(c.Proposal)
	case ContentTypeCommit:
		c.Commit = new(Commit)
		_, err = s.Read(c.Commit)
	default:
		err = fmt.Errorf("mls.mlspt: ContentType type not allowed")
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// opaque mac_value<0..255>;
type MAC struct {
	Data []byte `tls:"head=1"`
}

// struct {
//     opaque group_id<0..255>;
//     uint64 epoch;
//     Sender sender;
//     opaque authenticated_data<0..2^32-1>;
//     MLSPlaintextContent content;
//     opaque signature<0..2^16-1>;
//     optional<MAC> confirmation_tag;
//     optional<MAC> membership_tag;
// } MLSPlaintext;
type MLSPlaintext struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	Content           MLSPlaintextContent
	Signature         Signature
	ConfirmationTag   *MAC `tls:"optional"`
	MembershipTag     *MAC `tls:"optional"`
}

type mlsPlaintextTBS struct {
	Context           GroupContext
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	Content           MLSPlaintextContent
}

func (pt MLSPlaintext) toBeSigned(ctx GroupContext) []byte {
	enc, err := syntax.Marshal(mlsPlaintextTBS{
		Context:           ctx,
		GroupID:           pt.GroupID,
		Epoch:             pt.Epoch,
		Sender:            pt.Sender,
		AuthenticatedData: pt.AuthenticatedData,
		Content:           pt.Content,
	})
	if err != nil {
		panic(fmt.Errorf("mls.mlspt: TBS marshal failed: %v", err))
	}
	return enc
}

func (pt *MLSPlaintext) sign(ctx GroupContext, priv SignaturePrivateKey, scheme SignatureScheme) error {
	sig, err := scheme.Sign(&priv, pt.toBeSigned(ctx))
	if err != nil {
		return err
	}

	pt.Signature = Signature{sig}
	return nil
}

func (pt MLSPlaintext) verify(ctx GroupContext, cred Credential) bool {
	return cred.Verify(pt.toBeSigned(ctx), pt.Signature.Data)
}

// struct {
//     opaque group_id<0..255>;
//     uint64 epoch;
//     Sender sender;
//     opaque authenticated_data<0..2^32-1>;
//     MLSPlaintextContent content;
//     opaque signature<0..2^16-1>;
// } MLSPlaintextCommitContent;
type mlsPlaintextCommitContent struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	Content           MLSPlaintextContent
	Signature         Signature
}

// commitContent is the signed message without its tags.  It feeds the
// confirmed transcript hash for commits and the reference for proposals,
// so it is the same whether the message travelled in the clear or not.
func (pt MLSPlaintext) commitContent() []byte {
	enc, err := syntax.Marshal(mlsPlaintextCommitContent{
		GroupID:           pt.GroupID,
		Epoch:             pt.Epoch,
		Sender:            pt.Sender,
		AuthenticatedData: pt.AuthenticatedData,
		Content:           pt.Content,
		Signature:         pt.Signature,
	})
	if err != nil {
		panic(fmt.Errorf("mls.mlspt: Commit content marshal failed: %v", err))
	}
	return enc
}

// struct {
//     optional<MAC> confirmation_tag;
// } MLSPlaintextCommitAuthData;
func (pt MLSPlaintext) commitAuthData() []byte {
	enc, err := syntax.Marshal(struct {
		ConfirmationTag *MAC `tls:"optional"`
	}{pt.ConfirmationTag})
	if err != nil {
		panic(fmt.Errorf("mls.mlspt: Commit auth data marshal failed: %v", err))
	}
	return enc
}

func (pt MLSPlaintext) membershipTagInput(ctx GroupContext) []byte {
	buf := bytes.NewBuffer(pt.toBeSigned(ctx))
	tail, err := syntax.Marshal(struct {
		Signature       Signature
		ConfirmationTag *MAC `tls:"optional"`
	}{pt.Signature, pt.ConfirmationTag})
	if err != nil {
		panic(fmt.Errorf("mls.mlspt: Membership tag input marshal failed: %v", err))
	}
	buf.Write(tail)
	return buf.Bytes()
}

func (pt MLSPlaintext) ref(suite CipherSuite) ProposalRef {
	return ProposalRef(suite.Digest(pt.commitContent()))
}

///
/// MLSCiphertext
///

// struct {
//     opaque group_id<0..255>;
//     uint64 epoch;
//     ContentType content_type;
//     opaque authenticated_data<0..2^32-1>;
//     opaque sender_data_nonce<0..255>;
//     opaque encrypted_sender_data<0..255>;
//     opaque ciphertext<0..2^32-1>;
// } MLSCiphertext;
type MLSCiphertext struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               Epoch
	ContentType         ContentType
	AuthenticatedData   []byte `tls:"head=4"`
	SenderDataNonce     []byte `tls:"head=1"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}

// struct {
//     uint32 sender;
//     uint32 generation;
//     uint32 reuse_guard;
// } MLSSenderData;
type mlsSenderData struct {
	Sender     LeafIndex
	Generation uint32
	ReuseGuard uint32
}

// struct {
//     MLSPlaintextContent content;
//     opaque signature<0..2^16-1>;
//     optional<MAC> confirmation_tag;
// } MLSCiphertextContent;
type mlsCiphertextContent struct {
	Content         MLSPlaintextContent
	Signature       Signature
	ConfirmationTag *MAC `tls:"optional"`
}

type mlsSenderDataAAD struct {
	GroupID         []byte `tls:"head=1"`
	Epoch           Epoch
	ContentType     ContentType
	SenderDataNonce []byte `tls:"head=1"`
}

type mlsCiphertextContentAAD struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               Epoch
	ContentType         ContentType
	AuthenticatedData   []byte `tls:"head=4"`
	SenderDataNonce     []byte `tls:"head=1"`
	EncryptedSenderData []byte `tls:"head=1"`
}

func senderDataAAD(ct MLSCiphertext) []byte {
	enc, err := syntax.Marshal(mlsSenderDataAAD{
		GroupID:         ct.GroupID,
		Epoch:           ct.Epoch,
		ContentType:     ct.ContentType,
		SenderDataNonce: ct.SenderDataNonce,
	})
	if err != nil {
		panic(fmt.Errorf("mls.mlsct: Sender data AAD marshal failed: %v", err))
	}
	return enc
}

func contentAAD(ct MLSCiphertext) []byte {
	enc, err := syntax.Marshal(mlsCiphertextContentAAD{
		GroupID:             ct.GroupID,
		Epoch:               ct.Epoch,
		ContentType:         ct.ContentType,
		AuthenticatedData:   ct.AuthenticatedData,
		SenderDataNonce:     ct.SenderDataNonce,
		EncryptedSenderData: ct.EncryptedSenderData,
	})
	if err != nil {
		panic(fmt.Errorf("mls.mlsct: Content AAD marshal failed: %v", err))
	}
	return enc
}

///
/// MLSMessage
///

type WireFormat uint8

const (
	WireFormatInvalid    WireFormat = 0
	WireFormatPlaintext  WireFormat = 1
	WireFormatCiphertext WireFormat = 2
	WireFormatWelcome    WireFormat = 3
	WireFormatKeyPackage WireFormat = 4
)

func (wf WireFormat) String() string {
	switch wf {
	case WireFormatPlaintext:
		return "Plaintext"
	case WireFormatCiphertext:
		return "Ciphertext"
	case WireFormatWelcome:
		return "Welcome"
	case WireFormatKeyPackage:
		return "KeyPackage"
	}
	return "Invalid"
}

// MLSMessage is the envelope every engine output travels in, so a receiver
// can dispatch on the wire format alone.
type MLSMessage struct {
	Version    ProtocolVersion
	Plaintext  *MLSPlaintext
	Ciphertext *MLSCiphertext
	Welcome    *Welcome
	KeyPackage *KeyPackage
}

func (m MLSMessage) WireFormat() WireFormat {
	switch {
	case m.Plaintext != nil:
		return WireFormatPlaintext
	case m.Ciphertext != nil:
		return WireFormatCiphertext
	case m.Welcome != nil:
		return WireFormatWelcome
	case m.KeyPackage != nil:
		return WireFormatKeyPackage
	}
	return WireFormatInvalid
}

func (m MLSMessage) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	wf := m.WireFormat()
	err := s.Write(m.Version)
	if err == nil {
		err = s.Write(wf)
	}
	if err != nil {
		return nil, err
	}

	switch wf {
	case WireFormatPlaintext:
		err = s.Write(m.Plaintext)
	case WireFormatCiphertext:
		err = s.Write(m.Ciphertext)
	case WireFormatWelcome:
		err = s.Write(m.Welcome)
	case WireFormatKeyPackage:
		err = s.Write(m.KeyPackage)
	default:
		err = fmt.Errorf("mls.message: Empty message")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (m *MLSMessage) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var wf WireFormat
	_, err := s.Read(&m.Version)
	if err == nil {
		_, err = s.Read(&wf)
	}
	if err != nil {
		return 0, err
	}

	if m.Version != ProtocolVersionMLS10 {
		return 0, fmt.Errorf("mls.message: Unsupported version %d", m.Version)
	}

	switch wf {
	case WireFormatPlaintext:
		m.Plaintext = new(MLSPlaintext)
		_, err = s.Read(m.Plaintext)
	case WireFormatCiphertext:
		m.Ciphertext = new(MLSCiphertext)
		_, err = s.Read(m.Ciphertext)
	case WireFormatWelcome:
		m.Welcome = new(Welcome)
		_, err = s.Read(m.Welcome)
	case WireFormatKeyPackage:
		m.KeyPackage = new(KeyPackage)
		_, err = s.Read(m.KeyPackage)
	default:
		err = fmt.Errorf("mls.message: Invalid wire format %d", wf)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}
