// Package mirrortree implements the Mirror Tree: the in-memory
// hierarchical namespace with two disjoint regions, the servers/
// subtree (ServerFile inventory, rebuilt wholesale by sync) and
// everything else (Folders and user-created Links).
//
// Nodes are a single tagged-variant type (node.go) rather than an
// interface hierarchy, so the two-region invariants hold by
// construction. A reader/writer mutex at the root serializes
// concurrent readdir traffic against sync's wholesale rebuild.
package mirrortree

import (
	"strings"
	"sync"

	"github.com/mredolatti/tf/internal/model"
	"github.com/mredolatti/tf/internal/xerrors"
)

const serversDir = "servers"

// Tree is the Mirror Tree. The zero value is not usable; use New.
type Tree struct {
	mu   sync.RWMutex
	root *node
}

// New returns an empty Mirror Tree: just the root Folder.
func New() *Tree {
	return &Tree{root: newFolder("")}
}

// canonicalize strips a single leading '/'.
func canonicalize(path string) string {
	return strings.TrimPrefix(path, "/")
}

func split(path string) []string {
	path = canonicalize(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func isServerPath(segs []string) bool {
	return len(segs) > 0 && segs[0] == serversDir
}

// walk descends from n following segs, returning the node found or
// NotFound. It never creates intermediate nodes.
func walk(n *node, segs []string) (*node, error) {
	cur := n
	for _, s := range segs {
		if !cur.isInner() {
			return nil, xerrors.E(xerrors.NotFound)
		}
		child, ok := cur.children[s]
		if !ok {
			return nil, xerrors.E(xerrors.NotFound)
		}
		cur = child
	}
	return cur, nil
}

// walkCreating descends from n following segs, creating empty Folder
// nodes for any missing intermediate segment.
func walkCreating(n *node, segs []string) (*node, error) {
	cur := n
	for _, s := range segs {
		if !cur.isInner() {
			return nil, xerrors.E(xerrors.NotAFolder)
		}
		child, ok := cur.children[s]
		if !ok {
			child = newFolder(s)
			cur.children[s] = child
		}
		cur = child
	}
	return cur, nil
}

// Mkdir creates an empty Folder at path. Disallowed on server paths.
func (t *Tree) Mkdir(path string) error {
	segs := split(path)
	if isServerPath(segs) {
		return xerrors.E("Mkdir", xerrors.ServerTreeManipulation)
	}
	if len(segs) == 0 {
		return xerrors.E("Mkdir", xerrors.AlreadyExists)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, err := walk(t.root, segs[:len(segs)-1])
	if err != nil {
		return xerrors.E("Mkdir", xerrors.NotFound)
	}
	if !parent.isInner() {
		return xerrors.E("Mkdir", xerrors.NotAFolder)
	}
	if !parent.insert(newFolder(segs[len(segs)-1])) {
		return xerrors.E("Mkdir", xerrors.AlreadyExists)
	}
	return nil
}

// Rmdir removes the empty Folder at path.
func (t *Tree) Rmdir(path string) error {
	segs := split(path)
	if isServerPath(segs) {
		return xerrors.E("Rmdir", xerrors.ServerTreeManipulation)
	}
	if len(segs) == 0 {
		return xerrors.E("Rmdir", xerrors.NotFound)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drop(segs, ifDir)
}

// AddFile creates the ServerFile at servers/<org>/<server>/<ref>,
// creating intermediate Folders as needed.
func (t *Tree) AddFile(org, server, ref string, size, lastUpdated int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	segs := []string{serversDir, org, server}
	parent, err := walkCreating(t.root, segs)
	if err != nil {
		return xerrors.E("AddFile", err)
	}
	if !parent.insert(newServerFile(ref, org, server, ref, size, lastUpdated)) {
		return xerrors.E("AddFile", xerrors.AlreadyExists)
	}
	return nil
}

// LinkFile inserts a Link at path pointing at (org, server, ref),
// creating parent Folders as needed. It fails if path is a server
// path.
func (t *Tree) LinkFile(mappingID, org, server, ref, path string) error {
	segs := split(path)
	if isServerPath(segs) {
		return xerrors.E("LinkFile", xerrors.InvalidLinkDestination)
	}
	if len(segs) == 0 {
		return xerrors.E("LinkFile", xerrors.InvalidLinkDestination)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, err := walkCreating(t.root, segs[:len(segs)-1])
	if err != nil {
		return xerrors.E("LinkFile", err)
	}
	if !parent.isInner() {
		return xerrors.E("LinkFile", xerrors.NotAFolder)
	}
	name := segs[len(segs)-1]
	link := newLink(name, mappingID, org, server, ref, 0, 0)
	if sf, err := walk(t.root, []string{serversDir, org, server, ref}); err == nil && sf.kind == ServerFile {
		link.sizeBytes = sf.sizeBytes
		link.lastUpdated = sf.lastUpdated
	}
	if !parent.insert(link) {
		return xerrors.E("LinkFile", xerrors.AlreadyExists)
	}
	return nil
}

// Remove removes the Link at path. Only Links may be removed through
// this operation.
func (t *Tree) Remove(path string) error {
	segs := split(path)
	if isServerPath(segs) {
		return xerrors.E("Remove", xerrors.ServerTreeManipulation)
	}
	if len(segs) == 0 {
		return xerrors.E("Remove", xerrors.NotFound)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drop(segs, ifFile)
}

// drop removes the node named by the last segment of segs from its
// parent, subject to flags: a leaf only accepts deletion if it is a
// Link and ifFile is set; a Folder only if ifDir is set and (it is
// empty, or recursive is set).
func (t *Tree) drop(segs []string, flags dropFlags) error {
	parentSegs, name := segs[:len(segs)-1], segs[len(segs)-1]
	parent, err := walk(t.root, parentSegs)
	if err != nil {
		return xerrors.E(xerrors.NotFound)
	}
	if !parent.isInner() {
		return xerrors.E(xerrors.NotFound)
	}
	target, ok := parent.children[name]
	if !ok {
		return xerrors.E(xerrors.NotFound)
	}
	switch target.kind {
	case Link:
		if flags&ifFile == 0 {
			return xerrors.E(xerrors.NotALink)
		}
	case ServerFile:
		// ServerFiles may only be removed by sync's ResetAll, never
		// through Remove/Rmdir.
		return xerrors.E(xerrors.NotALink)
	case Folder:
		if flags&ifDir == 0 {
			return xerrors.E(xerrors.NotALink)
		}
		if len(target.children) > 0 && flags&recursive == 0 {
			return xerrors.E(xerrors.Str("directory not empty"))
		}
	}
	delete(parent.children, name)
	return nil
}

// Ls returns a view of path's children, in no particular order.
func (t *Tree) Ls(path string) ([]View, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, err := walk(t.root, split(path))
	if err != nil {
		return nil, xerrors.E("Ls", xerrors.NotFound)
	}
	if !n.isInner() {
		return nil, xerrors.E("Ls", xerrors.NotAFolder)
	}
	views := make([]View, 0, len(n.children))
	for _, c := range n.children {
		views = append(views, nodeToView(c))
	}
	return views, nil
}

// Info returns a view of the single node at path.
func (t *Tree) Info(path string) (View, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, err := walk(t.root, split(path))
	if err != nil {
		return View{}, xerrors.E("Info", xerrors.NotFound)
	}
	return nodeToView(n), nil
}

// ResetError records a single mapping's failure during ResetAll,
// keyed by its index in the input slice.
type ResetError struct {
	Index int
	Err   error
}

// ResetAll atomically replaces the tree: a fresh root is built off to
// the side, then swapped in under the write lock. For each mapping
// the ServerFile is added and, if Path is non-empty, the Link is
// added too. Per-mapping errors are collected rather than aborting
// the whole rebuild.
func (t *Tree) ResetAll(mappings []model.Mapping) []ResetError {
	fresh := newFolder("")
	var errs []ResetError
	for i, m := range mappings {
		segs := []string{serversDir, m.Organization, m.Server}
		parent, err := walkCreating(fresh, segs)
		if err != nil {
			errs = append(errs, ResetError{i, err})
			continue
		}
		if !parent.insert(newServerFile(m.Ref, m.Organization, m.Server, m.Ref, m.SizeBytes, m.LastUpdated)) {
			errs = append(errs, ResetError{i, xerrors.E(xerrors.AlreadyExists)})
			continue
		}
		if !m.Linked() {
			continue
		}
		linkSegs := split(m.Path)
		if isServerPath(linkSegs) || len(linkSegs) == 0 {
			errs = append(errs, ResetError{i, xerrors.E(xerrors.InvalidLinkDestination)})
			continue
		}
		linkParent, err := walkCreating(fresh, linkSegs[:len(linkSegs)-1])
		if err != nil {
			errs = append(errs, ResetError{i, err})
			continue
		}
		link := newLink(linkSegs[len(linkSegs)-1], m.ID, m.Organization, m.Server, m.Ref, m.SizeBytes, m.LastUpdated)
		if !linkParent.insert(link) {
			errs = append(errs, ResetError{i, xerrors.E(xerrors.AlreadyExists)})
		}
	}
	t.mu.Lock()
	t.root = fresh
	t.mu.Unlock()
	return errs
}
