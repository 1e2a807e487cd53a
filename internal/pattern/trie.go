package pattern

// Ref identifies an extension head inside its owning context. Gen detects
// reuse of a slot after the head it pointed at was removed.
type Ref struct {
	Index int
	Gen   uint32
}

type node struct {
	tok     Token
	literal bool

	ref     Ref
	hasRef  bool
	deleted bool

	children []*node
	// cid holds the caller-id pattern subtree of heads whose exten ends here.
	cid []*node
}

// Trie is a prefix tree of compiled extension patterns. Siblings are kept
// sorted by ascending specificity so a depth-first walk reaches the most
// specific candidate first. A Trie is not safe for concurrent mutation;
// the owning context serialises writers.
type Trie struct {
	root []*node
	size int
}

// NewTrie returns an empty trie.
func NewTrie() *Trie {
	return &Trie{}
}

// Len returns the number of live heads in the trie.
func (t *Trie) Len() int { return t.size }

func (n *node) less(tok Token, literal bool) bool {
	return compareToken(n.tok, !n.literal, tok, !literal) < 0
}

// child returns the sibling with identical edge text, inserting a new one
// in specificity order when missing. With create false it only finds.
func child(nodes *[]*node, tok Token, literal bool, create bool) *node {
	list := *nodes
	i := 0
	for ; i < len(list); i++ {
		n := list[i]
		if n.tok.text == tok.text && n.literal == literal {
			return n
		}
		if !n.less(tok, literal) {
			break
		}
	}
	if !create {
		return nil
	}
	n := &node{tok: tok, literal: literal}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = n
	*nodes = list
	return n
}

func (t *Trie) walkTo(exten, cid *Pattern, create bool) *node {
	nodes := &t.root
	var n *node
	for _, tok := range exten.Tokens {
		if n = child(nodes, tok, !exten.IsPattern, create); n == nil {
			return nil
		}
		nodes = &n.children
	}
	if cid != nil {
		nodes = &n.cid
		for _, tok := range cid.Tokens {
			if n = child(nodes, tok, !cid.IsPattern, create); n == nil {
				return nil
			}
			nodes = &n.children
		}
	}
	return n
}

// Insert attaches ref at the node reached by exten (and cid, when the head
// matches on caller id). An existing live head at that node is kept.
func (t *Trie) Insert(exten, cid *Pattern, ref Ref) {
	n := t.walkTo(exten, cid, true)
	if n.hasRef && !n.deleted {
		return
	}
	n.ref, n.hasRef, n.deleted = ref, true, false
	t.size++
}

// MarkDeleted flags the head reached by exten/cid as deleted without
// restructuring the tree. It reports whether a live head was found.
func (t *Trie) MarkDeleted(exten, cid *Pattern) bool {
	n := t.walkTo(exten, cid, false)
	if n == nil || !n.hasRef || n.deleted {
		return false
	}
	n.deleted = true
	t.size--
	return true
}

// Lookup walks the trie for input and returns the first head, in
// specificity order, that satisfies mode and is accepted. accept may be nil.
func (t *Trie) Lookup(input, callerID string, mode Mode, accept func(Ref) bool) (Ref, bool) {
	s := &search{mode: mode, callerID: callerID, accept: accept}
	if s.walk(t.root, input, 0) {
		return s.found, true
	}
	return Ref{}, false
}

type search struct {
	mode     Mode
	callerID string
	accept   func(Ref) bool
	found    Ref
}

func (s *search) walk(nodes []*node, in string, consumed int) bool {
	for _, n := range nodes {
		if n.tok.IsTail() {
			if len(in) == 0 && (n.tok.kind == tokOneOrMore || consumed == 0) {
				if s.more(n) {
					return true
				}
				continue
			}
			if s.full(n) || s.more(n) {
				return true
			}
			continue
		}
		if len(in) == 0 {
			if s.more(n) {
				return true
			}
			continue
		}
		if !n.tok.matches(in[0]) {
			continue
		}
		rest := in[1:]
		if len(rest) == 0 && s.full(n) {
			return true
		}
		if s.walk(n.children, rest, consumed+1) {
			return true
		}
	}
	return false
}

// full handles a node at which the dialed input is exhausted.
func (s *search) full(n *node) bool {
	if s.mode == ModeMatchMore {
		return false
	}
	if len(n.cid) > 0 && s.matchCID(n.cid, s.callerID, 0) {
		return true
	}
	return s.take(n)
}

// more handles a node that lies strictly beyond the dialed input.
func (s *search) more(n *node) bool {
	if s.mode == ModeMatch {
		return false
	}
	return s.first(n)
}

func (s *search) first(n *node) bool {
	if len(n.cid) > 0 && s.matchCID(n.cid, s.callerID, 0) {
		return true
	}
	if s.take(n) {
		return true
	}
	for _, c := range n.children {
		if s.first(c) {
			return true
		}
	}
	return false
}

func (s *search) matchCID(nodes []*node, in string, consumed int) bool {
	for _, n := range nodes {
		if n.tok.IsTail() {
			if len(in) == 0 && (n.tok.kind == tokOneOrMore || consumed == 0) {
				continue
			}
			if s.take(n) {
				return true
			}
			continue
		}
		if len(in) == 0 || !n.tok.matches(in[0]) {
			continue
		}
		rest := in[1:]
		if len(rest) == 0 && s.take(n) {
			return true
		}
		if s.matchCID(n.children, rest, consumed+1) {
			return true
		}
	}
	return false
}

func (s *search) take(n *node) bool {
	if !n.hasRef || n.deleted {
		return false
	}
	if s.accept != nil && !s.accept(n.ref) {
		return false
	}
	s.found = n.ref
	return true
}
