package mirrortree

// NodeType tags the three variants a tree node can be. The variants
// form a closed, tagged union rather than an interface, which makes
// the two-region invariants checkable by construction rather than by
// convention.
type NodeType uint8

const (
	// Folder holds named children; it is a pure namespace node.
	Folder NodeType = iota
	// ServerFile is a remote-file inventory entry; it only appears
	// under the servers/ subtree.
	ServerFile
	// Link is a user-created entry pointing at a ServerFile; it never
	// appears under the servers/ subtree.
	Link
)

func (t NodeType) String() string {
	switch t {
	case Folder:
		return "folder"
	case ServerFile:
		return "server-file"
	case Link:
		return "link"
	}
	return "unknown"
}

// serverRef identifies the (organization, server, ref) triple a
// ServerFile or Link node refers to.
type serverRef struct {
	organization string
	server       string
	ref          string
}

// node is the internal representation of a single tree entry. Exactly
// one of the "folder" or "leaf" field groups is meaningful, selected
// by kind.
type node struct {
	name string
	kind NodeType

	// Folder fields.
	children map[string]*node

	// ServerFile / Link shared fields.
	serverRef
	sizeBytes   int64
	lastUpdated int64

	// Link-only field: the mapping id this link was created from.
	mappingID string
}

func newFolder(name string) *node {
	return &node{name: name, kind: Folder, children: make(map[string]*node)}
}

func newServerFile(name, org, server, ref string, size, lastUpdated int64) *node {
	return &node{
		name:        name,
		kind:        ServerFile,
		serverRef:   serverRef{org, server, ref},
		sizeBytes:   size,
		lastUpdated: lastUpdated,
	}
}

func newLink(name, mappingID, org, server, ref string, size, lastUpdated int64) *node {
	return &node{
		name:        name,
		kind:        Link,
		serverRef:   serverRef{org, server, ref},
		sizeBytes:   size,
		lastUpdated: lastUpdated,
		mappingID:   mappingID,
	}
}

func (n *node) isInner() bool { return n.kind == Folder }

// insert adds child under n (which must be a Folder), returning false
// on a name collision.
func (n *node) insert(child *node) bool {
	if _, exists := n.children[child.name]; exists {
		return false
	}
	n.children[child.name] = child
	return true
}

// dropFlags gates what drop is allowed to remove.
type dropFlags uint8

const (
	ifFile dropFlags = 1 << iota
	ifDir
	recursive
)

// View is the read-only, tagged view of a node handed back by Ls and
// Info. Only the fields meaningful for Type are populated.
type View struct {
	Type        NodeType
	Name        string
	SizeBytes   int64
	LastUpdated int64 // seconds since epoch

	// Populated for ServerFile and Link; MappingID only for Link.
	Organization string
	Server       string
	Ref          string
	MappingID    string
}

func nodeToView(n *node) View {
	v := View{
		Type:        n.kind,
		Name:        n.name,
		SizeBytes:   n.sizeBytes,
		LastUpdated: n.lastUpdated,
	}
	if n.kind == ServerFile || n.kind == Link {
		v.Organization = n.organization
		v.Server = n.server
		v.Ref = n.ref
	}
	if n.kind == Link {
		v.MappingID = n.mappingID
	}
	return v
}
