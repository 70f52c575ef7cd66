// Package fusebridge translates bazil.org/fuse kernel upcalls into
// FileManager operations. The FileManager owns the entire namespace
// (the Mirror Tree), so a Node is just a thin, path-keyed handle
// into it, looked up fresh on every call rather than cached locally;
// the Mirror Tree's own reader/writer lock already serializes
// concurrent access.
package fusebridge

import (
	"context"
	"os"
	"path"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/mredolatti/tf/internal/filemanager"
	"github.com/mredolatti/tf/internal/mirrortree"
	"github.com/mredolatti/tf/internal/openfiles"
)

// defaultValid is how long the kernel may cache attribute
// information the bridge returns.
const defaultValid = 1 * time.Minute

// FS implements bazil.org/fuse/fs.FS over a FileManager.
type FS struct {
	fm         *filemanager.FileManager
	mountpoint string
	uid, gid   uint32
}

// New builds an FS rooted at mountpoint, serving fm's namespace.
func New(fm *filemanager.FileManager, mountpoint string, uid, gid uint32) *FS {
	return &FS{fm: fm, mountpoint: mountpoint, uid: uid, gid: gid}
}

// Root implements fs.FS.
func (f *FS) Root() (fs.Node, error) {
	return &Node{fs: f, path: ""}, nil
}

// Node is a path-keyed proxy onto the FileManager's namespace. It
// carries no state of its own beyond the path it names.
type Node struct {
	fs   *FS
	path string
}

func join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func (n *Node) attrFromView(a *fuse.Attr, v mirrortree.View) {
	a.Uid = n.fs.uid
	a.Gid = n.fs.gid
	a.Valid = defaultValid
	a.Mtime = time.Unix(v.LastUpdated, 0)
	switch v.Type {
	case mirrortree.Folder:
		a.Mode = os.ModeDir | 0755
	case mirrortree.Link:
		a.Mode = os.ModeSymlink | 0777
	case mirrortree.ServerFile:
		a.Mode = 0644
		a.Size = uint64(v.SizeBytes)
	}
}

// Attr implements fs.Node.
func (n *Node) Attr(ctx context.Context, a *fuse.Attr) error {
	if n.path == "" {
		a.Mode = os.ModeDir | 0755
		a.Uid, a.Gid = n.fs.uid, n.fs.gid
		a.Valid = defaultValid
		return nil
	}
	v, err := n.fs.fm.Stat(n.path)
	if err != nil {
		return errno(err)
	}
	n.attrFromView(a, v)
	return nil
}

// Lookup implements fs.NodeStringLookuper.
func (n *Node) Lookup(ctx context.Context, name string) (fs.Node, error) {
	childPath := join(n.path, name)
	if _, err := n.fs.fm.Stat(childPath); err != nil {
		return nil, errno(err)
	}
	return &Node{fs: n.fs, path: childPath}, nil
}

// ReadDirAll implements fs.HandleReadDirAller directly on the node,
// so directories need no separate Open.
func (n *Node) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	views, err := n.fs.fm.List(n.path)
	if err != nil {
		return nil, errno(err)
	}
	dirents := make([]fuse.Dirent, 0, len(views))
	for _, v := range views {
		d := fuse.Dirent{Name: v.Name}
		switch v.Type {
		case mirrortree.Folder:
			d.Type = fuse.DT_Dir
		case mirrortree.Link:
			d.Type = fuse.DT_Link
		case mirrortree.ServerFile:
			d.Type = fuse.DT_File
		}
		dirents = append(dirents, d)
	}
	return dirents, nil
}

// Readlink implements fs.NodeReadlinker: a Link resolves to the
// absolute path of the ServerFile it points at,
// mountpoint/servers/<org>/<server>/<ref>.
func (n *Node) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	v, err := n.fs.fm.Stat(n.path)
	if err != nil {
		return "", errno(err)
	}
	if v.Type != mirrortree.Link {
		return "", fuse.Errno(syscall.EINVAL)
	}
	return path.Join(n.fs.mountpoint, "servers", v.Organization, v.Server, v.Ref), nil
}

// Mkdir implements fs.NodeMkdirer.
func (n *Node) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	childPath := join(n.path, req.Name)
	if err := n.fs.fm.Mkdir(childPath); err != nil {
		return nil, errno(err)
	}
	return &Node{fs: n.fs, path: childPath}, nil
}

// Remove implements fs.NodeRemover for both unlink (file/link) and
// rmdir (directory) upcalls.
func (n *Node) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	childPath := join(n.path, req.Name)
	if req.Dir {
		return errno(n.fs.fm.Rmdir(childPath))
	}
	return errno(n.fs.fm.Remove(ctx, childPath))
}

// Rename implements fs.NodeRenamer.
func (n *Node) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	nd, ok := newDir.(*Node)
	if !ok {
		return fuse.Errno(syscall.EINVAL)
	}
	from := join(n.path, req.OldName)
	to := join(nd.path, req.NewName)
	return errno(n.fs.fm.Rename(ctx, from, to))
}

// Symlink implements fs.NodeSymlinker: the FUSE symlink(from,to)
// upcall maps to FileManager.Link(from,to). req.Target is the
// symlink's target text (the server path being linked from); the new
// node's path is n.path/req.NewName (the destination).
func (n *Node) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fs.Node, error) {
	to := join(n.path, req.NewName)
	if err := n.fs.fm.Link(ctx, req.Target, to); err != nil {
		return nil, errno(err)
	}
	return &Node{fs: n.fs, path: to}, nil
}

// Create implements fs.NodeCreater: touch then open; the returned
// Handle serves subsequent read/write/flush/release upcalls.
func (n *Node) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	childPath := join(n.path, req.Name)
	if err := n.fs.fm.Touch(ctx, childPath); err != nil {
		return nil, nil, errno(err)
	}
	id := n.fs.fm.Open(childPath, openfiles.ReadWrite)
	resp.EntryValid = defaultValid
	return &Node{fs: n.fs, path: childPath}, &Handle{fs: n.fs, path: childPath, id: id}, nil
}

// Setattr implements fs.NodeSetattrer as a no-op: mode, owner, and
// times are fixed, and file length changes only through writes and
// whole-file write-back. The current attributes are returned so the
// kernel does not cache the requested change.
func (n *Node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return n.Attr(ctx, &resp.Attr)
}

// Fsync implements fs.NodeFsyncer as a no-op; flush is the only
// write-back trigger.
func (n *Node) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	return nil
}

// Open implements fs.NodeOpener.
func (n *Node) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	mode := openfiles.ReadOnly
	switch {
	case req.Flags.IsWriteOnly():
		mode = openfiles.WriteOnly
	case req.Flags.IsReadWrite():
		mode = openfiles.ReadWrite
	}
	id := n.fs.fm.Open(n.path, mode)
	return &Handle{fs: n.fs, path: n.path, id: id}, nil
}

// Handle is the per-open-file Open-File Table entry, exposed to the
// kernel as a bazil.org/fuse/fs.Handle.
type Handle struct {
	fs   *FS
	path string
	id   int64
}

// Read implements fs.HandleReader.
func (h *Handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := h.fs.fm.Read(ctx, h.path, buf, req.Offset)
	if err != nil {
		return errno(err)
	}
	resp.Data = buf[:n]
	return nil
}

// Write implements fs.HandleWriter.
func (h *Handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := h.fs.fm.Write(ctx, h.path, req.Data, req.Offset)
	if err != nil {
		return errno(err)
	}
	resp.Size = n
	return nil
}

// Flush implements fs.HandleFlusher.
func (h *Handle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return errno(h.fs.fm.Flush(ctx, h.path))
}

// Release implements fs.HandleReleaser: the FUSE "release" upcall
// maps to closing the Open-File Table entry.
func (h *Handle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	h.fs.fm.Close(h.id)
	return nil
}

var (
	_ fs.FS                 = (*FS)(nil)
	_ fs.Node               = (*Node)(nil)
	_ fs.NodeStringLookuper = (*Node)(nil)
	_ fs.HandleReadDirAller = (*Node)(nil)
	_ fs.NodeReadlinker     = (*Node)(nil)
	_ fs.NodeMkdirer        = (*Node)(nil)
	_ fs.NodeRemover        = (*Node)(nil)
	_ fs.NodeRenamer        = (*Node)(nil)
	_ fs.NodeSymlinker      = (*Node)(nil)
	_ fs.NodeCreater        = (*Node)(nil)
	_ fs.NodeSetattrer      = (*Node)(nil)
	_ fs.NodeFsyncer        = (*Node)(nil)
	_ fs.NodeOpener         = (*Node)(nil)
	_ fs.HandleReader       = (*Handle)(nil)
	_ fs.HandleWriter       = (*Handle)(nil)
	_ fs.HandleFlusher      = (*Handle)(nil)
	_ fs.HandleReleaser     = (*Handle)(nil)
)
