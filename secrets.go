package mls

type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{
		Key:   dup(k.Key),
		Nonce: dup(k.Nonce),
	}
}

func (k keyAndNonce) zeroize() {
	zeroize(k.Key)
	zeroize(k.Nonce)
}

///
/// Hash ratchet
///

// hashRatchet yields one key and nonce per generation for a single sender.
// Keys for skipped generations are cached until used, so each generation
// can be opened exactly once.
type hashRatchet struct {
	Suite          CipherSuite
	Node           NodeIndex
	NextSecret     []byte
	NextGeneration uint32
	Cache          map[uint32]keyAndNonce
	MaxForward     uint32
}

func newHashRatchet(suite CipherSuite, node NodeIndex, baseSecret []byte, maxForward uint32) *hashRatchet {
	return &hashRatchet{
		Suite:          suite,
		Node:           node,
		NextSecret:     baseSecret,
		NextGeneration: 0,
		Cache:          map[uint32]keyAndNonce{},
		MaxForward:     maxForward,
	}
}

func (hr *hashRatchet) step() (uint32, keyAndNonce) {
	cc := hr.Suite.Constants()
	key := hr.Suite.deriveAppSecret(hr.NextSecret, "app-key", hr.Node, hr.NextGeneration, cc.KeySize)
	nonce := hr.Suite.deriveAppSecret(hr.NextSecret, "app-nonce", hr.Node, hr.NextGeneration, cc.NonceSize)
	secret := hr.Suite.deriveAppSecret(hr.NextSecret, "app-secret", hr.Node, hr.NextGeneration, cc.SecretSize)

	generation := hr.NextGeneration

	hr.NextGeneration += 1
	zeroize(hr.NextSecret)
	hr.NextSecret = secret

	return generation, keyAndNonce{key, nonce}
}

// Next is the sending side: the key for the next generation, never cached.
func (hr *hashRatchet) Next() (uint32, keyAndNonce) {
	return hr.step()
}

// Get is the receiving side.  A generation that has already been consumed
// is reported as an integrity failure; one too far ahead as invalid input.
func (hr *hashRatchet) Get(generation uint32) (keyAndNonce, error) {
	if kn, ok := hr.Cache[generation]; ok {
		return kn.clone(), nil
	}

	if hr.NextGeneration > generation {
		return keyAndNonce{}, integrityErr("mls.ratchet: Generation %d reused for sender node %d", generation, hr.Node)
	}

	if generation-hr.NextGeneration > hr.MaxForward {
		return keyAndNonce{}, validationErr("mls.ratchet: Generation %d too far ahead of %d", generation, hr.NextGeneration)
	}

	for hr.NextGeneration < generation {
		g, kn := hr.step()
		hr.Cache[g] = kn
	}

	_, kn := hr.step()
	hr.Cache[generation] = kn
	return kn.clone(), nil
}

func (hr *hashRatchet) Erase(generation uint32) {
	if kn, ok := hr.Cache[generation]; ok {
		kn.zeroize()
		delete(hr.Cache, generation)
	}
}

func (hr hashRatchet) clone() *hashRatchet {
	next := &hashRatchet{
		Suite:          hr.Suite,
		Node:           hr.Node,
		NextSecret:     dup(hr.NextSecret),
		NextGeneration: hr.NextGeneration,
		Cache:          make(map[uint32]keyAndNonce, len(hr.Cache)),
		MaxForward:     hr.MaxForward,
	}
	for g, kn := range hr.Cache {
		next.Cache[g] = kn.clone()
	}
	return next
}

func (hr *hashRatchet) zeroize() {
	zeroize(hr.NextSecret)
	for g := range hr.Cache {
		hr.Erase(g)
	}
}

///
/// Secret tree
///

// secretTree derives one leaf secret per member from the epoch encryption
// secret, deriving down the tree on demand and erasing each interior
// secret once both children exist.
type secretTree struct {
	Suite   CipherSuite
	Root    NodeIndex
	Size    LeafCount
	Secrets map[NodeIndex][]byte
}

func newSecretTree(suite CipherSuite, size LeafCount, encryptionSecret []byte) *secretTree {
	st := &secretTree{
		Suite:   suite,
		Root:    root(size),
		Size:    size,
		Secrets: map[NodeIndex][]byte{},
	}

	st.Secrets[st.Root] = dup(encryptionSecret)
	return st
}

// Get consumes and returns the leaf secret for sender.
func (st *secretTree) Get(sender LeafIndex) ([]byte, error) {
	if LeafCount(sender) >= st.Size {
		return nil, validationErr("mls.secret-tree: Sender %d outside tree of size %d", sender, st.Size)
	}

	// Find the lowest populated node on the path
	senderNode := toNodeIndex(sender)
	d := append([]NodeIndex{senderNode}, dirpath(senderNode, st.Size)...)
	curr := -1
	for i, node := range d {
		if _, ok := st.Secrets[node]; ok {
			curr = i
			break
		}
	}

	if curr < 0 {
		return nil, integrityErr("mls.secret-tree: Leaf secret for sender %d already consumed", sender)
	}

	// Derive down
	secretSize := st.Suite.Constants().SecretSize
	for ; curr > 0; curr -= 1 {
		node := d[curr]
		L := left(node)
		R := right(node, st.Size)

		secret := st.Secrets[node]
		st.Secrets[L] = st.Suite.deriveAppSecret(secret, "tree", L, 0, secretSize)
		st.Secrets[R] = st.Suite.deriveAppSecret(secret, "tree", R, 0, secretSize)
		zeroize(secret)
		delete(st.Secrets, node)
	}

	out := st.Secrets[senderNode]
	delete(st.Secrets, senderNode)
	return out, nil
}

func (st *secretTree) zeroize() {
	for n, s := range st.Secrets {
		zeroize(s)
		delete(st.Secrets, n)
	}
}

///
/// Group key source
///

type ratchetType uint8

const (
	handshakeRatchet ratchetType = iota
	applicationRatchet
)

// groupKeySource hands out the per-sender handshake and application
// ratchets of one epoch.  A sender's leaf secret seeds both ratchets the
// first time either is needed.
type groupKeySource struct {
	Suite       CipherSuite
	Tree        *secretTree
	MaxForward  uint32
	Handshake   map[LeafIndex]*hashRatchet
	Application map[LeafIndex]*hashRatchet
}

func newGroupKeySource(suite CipherSuite, size LeafCount, encryptionSecret []byte, maxForward uint32) *groupKeySource {
	return &groupKeySource{
		Suite:       suite,
		Tree:        newSecretTree(suite, size, encryptionSecret),
		MaxForward:  maxForward,
		Handshake:   map[LeafIndex]*hashRatchet{},
		Application: map[LeafIndex]*hashRatchet{},
	}
}

func (gks *groupKeySource) ratchet(rt ratchetType, sender LeafIndex) (*hashRatchet, error) {
	ratchets := gks.Application
	if rt == handshakeRatchet {
		ratchets = gks.Handshake
	}

	if r, ok := ratchets[sender]; ok {
		return r, nil
	}

	leafSecret, err := gks.Tree.Get(sender)
	if err != nil {
		return nil, err
	}
	defer zeroize(leafSecret)

	node := toNodeIndex(sender)
	secretSize := gks.Suite.Constants().SecretSize
	hs := gks.Suite.deriveAppSecret(leafSecret, "handshake", node, 0, secretSize)
	app := gks.Suite.deriveAppSecret(leafSecret, "application", node, 0, secretSize)
	gks.Handshake[sender] = newHashRatchet(gks.Suite, node, hs, gks.MaxForward)
	gks.Application[sender] = newHashRatchet(gks.Suite, node, app, gks.MaxForward)

	return ratchets[sender], nil
}

func (gks *groupKeySource) Next(rt ratchetType, sender LeafIndex) (uint32, keyAndNonce, error) {
	r, err := gks.ratchet(rt, sender)
	if err != nil {
		return 0, keyAndNonce{}, err
	}

	g, kn := r.Next()
	return g, kn, nil
}

// Open fetches the key for (sender, generation) and runs open with it.  The
// generation is consumed only if open succeeds; otherwise the ratchet is
// left exactly as it was.
func (gks *groupKeySource) Open(rt ratchetType, sender LeafIndex, generation uint32, open func(keyAndNonce) error) error {
	r, err := gks.ratchet(rt, sender)
	if err != nil {
		return err
	}

	snapshot := r.clone()
	kn, err := r.Get(generation)
	if err == nil {
		err = open(kn)
		kn.zeroize()
	}

	if err != nil {
		r.zeroize()
		*r = *snapshot
		return err
	}

	r.Erase(generation)
	return nil
}

func (gks *groupKeySource) zeroize() {
	gks.Tree.zeroize()
	for _, r := range gks.Handshake {
		r.zeroize()
	}
	for _, r := range gks.Application {
		r.zeroize()
	}
}
