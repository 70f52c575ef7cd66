// Package filemanager is the orchestration layer: it translates each
// filesystem-bridge upcall into the smallest correct sequence of
// operations against the Mirror Tree, Content Cache, Open-File Table,
// Server Catalog, Index-Server Client, and File-Server Client. Each
// operation resolves a path against the in-memory tree, fills the
// local cache on demand, and calls through to the remote backends for
// anything that must leave the process.
package filemanager

import (
	"context"
	"strings"
	"time"

	"github.com/mredolatti/tf/internal/catalog"
	"github.com/mredolatti/tf/internal/contentcache"
	"github.com/mredolatti/tf/internal/fileclient"
	"github.com/mredolatti/tf/internal/indexclient"
	"github.com/mredolatti/tf/internal/mirrortree"
	"github.com/mredolatti/tf/internal/model"
	"github.com/mredolatti/tf/internal/openfiles"
	"github.com/mredolatti/tf/internal/xerrors"
	"github.com/mredolatti/tf/internal/xlog"
)

const serversDir = "servers"

// FileManager coordinates the five collaborators behind every
// syscall-level operation. The zero value is not usable; use New.
type FileManager struct {
	tree    *mirrortree.Tree
	cache   *contentcache.Cache
	handles *openfiles.Table
	cat     *catalog.Catalog
	is      *indexclient.Client
	fs      *fileclient.Client
	now     func() time.Time
}

// New builds a FileManager over its five collaborators.
func New(tree *mirrortree.Tree, cache *contentcache.Cache, handles *openfiles.Table, cat *catalog.Catalog, is *indexclient.Client, fs *fileclient.Client) *FileManager {
	return &FileManager{tree: tree, cache: cache, handles: handles, cat: cat, is: is, fs: fs, now: time.Now}
}

// List returns the children of path.
func (m *FileManager) List(path string) ([]mirrortree.View, error) {
	return m.tree.Ls(path)
}

// Stat returns the view of the single node at path.
func (m *FileManager) Stat(path string) (mirrortree.View, error) {
	return m.tree.Info(path)
}

// Touch creates a new zero-length file on the server addressed by
// path, which must be a server path servers/<org>/<server>/<ref>.
// A Mirror error after a successful server touch is logged as
// critical: the server and mirror have desynchronized, and only the
// next sync can reconcile them.
func (m *FileManager) Touch(ctx context.Context, path string) error {
	org, server, ref, ok := parseServerPath(path)
	if !ok {
		return xerrors.E("FileManager.Touch", path, xerrors.CannotWriteInNonServerPath)
	}
	meta := model.FileMetadata{ID: ref, SizeBytes: 0, LastUpdated: m.now().Unix()}
	if err := m.fs.Touch(ctx, org, server, meta); err != nil {
		return xerrors.E("FileManager.Touch", path, xerrors.FailedToWriteFileInServer, err)
	}
	if err := m.tree.AddFile(org, server, ref, 0, meta.LastUpdated); err != nil {
		xlog.Error.WithField("path", path).Printf("critical: server touch succeeded but mirror insert failed: %v", err)
		return xerrors.E("FileManager.Touch", path, xerrors.InternalRepresentationError, err)
	}
	return nil
}

// Open allocates an Open-File Table handle for path. It performs no
// I/O; residency is established lazily by the first Read or Write.
func (m *FileManager) Open(path string, mode openfiles.Mode) int64 {
	return m.handles.Open(path, mode)
}

// Close releases an open handle (the FUSE "release" upcall).
func (m *FileManager) Close(handle int64) bool {
	return m.handles.Close(handle)
}

// Read resolves path to its (organization, server, ref), ensures the
// Content Cache holds its bytes, and copies the window
// [offset, offset+len(buf)) clamped to the cached length into buf.
func (m *FileManager) Read(ctx context.Context, path string, buf []byte, offset int64) (int, error) {
	view, err := m.tree.Info(path)
	if err != nil {
		return 0, xerrors.E("FileManager.Read", path, err)
	}
	if view.Type == mirrortree.Folder {
		return 0, xerrors.E("FileManager.Read", path, xerrors.NotAFile)
	}
	key := contentcache.MakeKey(view.Organization, view.Server, view.Ref)
	// InternalCacheError from ensureCached means a concurrent fetch
	// already filled the entry, so the read goes on to ReadAt, which
	// reports the entry missing if it has since been dropped.
	if err := m.ensureCached(ctx, key, view.Organization, view.Server, view.Ref); err != nil && !xerrors.Is(xerrors.InternalCacheError, err) {
		return 0, xerrors.E("FileManager.Read", path, err)
	}
	n, err := m.cache.ReadAt(key, buf, offset)
	if err != nil {
		return 0, xerrors.E("FileManager.Read", path, xerrors.InternalCacheError, err)
	}
	return n, nil
}

// Write requires a server path; a write addressed at a Link is
// normalized to the ServerFile it points at before the check, since
// under the tree invariants a Link cannot itself hold bytes. A write
// to a not-yet-resident file grows the cache entry from empty rather
// than fetching first: flush pushes the whole cached body back, so
// the first write decides the file's new contents.
func (m *FileManager) Write(ctx context.Context, path string, buf []byte, offset int64) (int, error) {
	org, server, ref, err := m.resolveWriteTarget(path)
	if err != nil {
		return 0, xerrors.E("FileManager.Write", path, err)
	}
	key := contentcache.MakeKey(org, server, ref)
	n, err := m.cache.WriteAt(key, buf, offset)
	if err != nil {
		return 0, xerrors.E("FileManager.Write", path, xerrors.InternalCacheError, err)
	}
	return n, nil
}

// resolveWriteTarget canonicalizes path to the (org, server, ref) a
// write must land on: path itself if it is already a server path, or
// the ServerFile a Link at path points at.
func (m *FileManager) resolveWriteTarget(path string) (org, server, ref string, err error) {
	if org, server, ref, ok := parseServerPath(path); ok {
		return org, server, ref, nil
	}
	view, statErr := m.tree.Info(path)
	if statErr != nil {
		return "", "", "", xerrors.E(xerrors.CannotWriteInNonServerPath, statErr)
	}
	if view.Type != mirrortree.Link {
		return "", "", "", xerrors.E(xerrors.CannotWriteInNonServerPath)
	}
	return view.Organization, view.Server, view.Ref, nil
}

// Flush writes a dirty cache entry back to its file server, drops it,
// and performs a full sync so the server's canonical size_bytes and
// last_updated reappear in the Mirror.
func (m *FileManager) Flush(ctx context.Context, path string) error {
	org, server, ref, err := m.resolveWriteTarget(path)
	if err != nil {
		return xerrors.E("FileManager.Flush", path, err)
	}
	key := contentcache.MakeKey(org, server, ref)
	if !m.cache.Dirty(key) {
		return nil
	}
	data, ok := m.cache.Snapshot(key)
	if !ok {
		return nil
	}
	if err := m.fs.UpdateContents(ctx, org, server, ref, data); err != nil {
		return xerrors.E("FileManager.Flush", path, xerrors.FailedToWriteFileInServer, err)
	}
	m.cache.Drop(key)
	if err := m.Sync(ctx); err != nil {
		return xerrors.E("FileManager.Flush", path, err)
	}
	return nil
}

// Mkdir creates an empty Folder, rejected on server paths.
func (m *FileManager) Mkdir(path string) error {
	return m.tree.Mkdir(path)
}

// Rmdir removes an empty Folder, rejected on server paths.
func (m *FileManager) Rmdir(path string) error {
	return m.tree.Rmdir(path)
}

// Remove deletes the Link at path: the mapping is deleted on the
// index server, then the Mirror entry is dropped.
func (m *FileManager) Remove(ctx context.Context, path string) error {
	view, err := m.tree.Info(path)
	if err != nil {
		return xerrors.E("FileManager.Remove", path, err)
	}
	if view.Type != mirrortree.Link {
		return xerrors.E("FileManager.Remove", path, xerrors.NotALink)
	}
	if err := m.is.DeleteMapping(ctx, view.MappingID); err != nil {
		return xerrors.E("FileManager.Remove", path, xerrors.FailedToUpdateRemoteMapping, err)
	}
	if err := m.tree.Remove(path); err != nil {
		return xerrors.E("FileManager.Remove", path, err)
	}
	return nil
}

// Rename moves the Link at from to to: both sides must be non-server
// paths, from must resolve to a Link, and the mapping is updated on
// the index server before the Mirror is adjusted.
func (m *FileManager) Rename(ctx context.Context, from, to string) error {
	if isServerPath(from) || isServerPath(to) {
		return xerrors.E("FileManager.Rename", xerrors.ServerTreeManipulation)
	}
	view, err := m.tree.Info(from)
	if err != nil {
		return xerrors.E("FileManager.Rename", from, err)
	}
	if view.Type != mirrortree.Link {
		return xerrors.E("FileManager.Rename", from, xerrors.NotALink)
	}
	updated, err := m.is.UpdateMapping(ctx, model.Mapping{ID: view.MappingID, Path: to})
	if err != nil {
		return xerrors.E("FileManager.Rename", from, xerrors.FailedToUpdateRemoteMapping, err)
	}
	if err := m.tree.Remove(from); err != nil {
		return xerrors.E("FileManager.Rename", from, err)
	}
	if err := m.tree.LinkFile(updated.ID, view.Organization, view.Server, view.Ref, to); err != nil {
		xlog.Error.WithField("path", to).Printf("critical: remote rename succeeded but mirror re-link failed: %v", err)
		return xerrors.E("FileManager.Rename", to, xerrors.InternalRepresentationError, err)
	}
	return nil
}

// Link creates a new mapping pointing from a server path to a
// non-server path: from must be a server path and to must not be,
// matching the symlink(from, to) upcall.
func (m *FileManager) Link(ctx context.Context, from, to string) error {
	org, server, ref, ok := parseServerPath(from)
	if !ok {
		return xerrors.E("FileManager.Link", from, xerrors.InvalidLinkSource)
	}
	if isServerPath(to) {
		return xerrors.E("FileManager.Link", to, xerrors.InvalidLinkDestination)
	}
	mapping, err := m.is.CreateMapping(ctx, model.Mapping{Path: to, Organization: org, Server: server, Ref: ref})
	if err != nil {
		return xerrors.E("FileManager.Link", to, xerrors.FailedToUpdateRemoteMapping, err)
	}
	if err := m.tree.LinkFile(mapping.ID, org, server, ref, to); err != nil {
		xlog.Error.WithField("path", to).Printf("critical: remote link succeeded but mirror insert failed: %v", err)
		return xerrors.E("FileManager.Link", to, xerrors.InternalRepresentationError, err)
	}
	return nil
}

// Sync refreshes the entire Mirror Tree from the index server and
// refreshes every known server's fetch URL from the file server
// catalog.
func (m *FileManager) Sync(ctx context.Context) error {
	mappings, err := m.is.GetMappings(ctx, true)
	if err != nil {
		return xerrors.E("FileManager.Sync", xerrors.FailedToFetchMappings, err)
	}
	for _, resetErr := range m.tree.ResetAll(mappings) {
		xlog.Error.Printf("sync: mapping[%d] rejected: %v", resetErr.Index, resetErr.Err)
	}
	servers, err := m.is.GetServers(ctx)
	if err != nil {
		return xerrors.E("FileManager.Sync", xerrors.FailedToFetchServerInfos, err)
	}
	for _, s := range servers {
		if !m.cat.UpdateFetchURL(s.OrganizationName, s.Name, s.FileFetchURL) {
			xlog.Debug.Printf("sync: server %s/%s not present in local credentials, skipping", s.OrganizationName, s.Name)
		}
	}
	return nil
}

// ensureCached fills the Content Cache for key if absent. A Put race
// (another fetch already populated the entry) is surfaced as
// InternalCacheError rather than silently retried.
func (m *FileManager) ensureCached(ctx context.Context, key contentcache.Key, org, server, ref string) error {
	if m.cache.Has(key) {
		return nil
	}
	data, err := m.fs.Contents(ctx, org, server, ref)
	if err != nil {
		return xerrors.E(xerrors.FailedToReadFileFromServer, err)
	}
	if !m.cache.Put(key, data) {
		return xerrors.E(xerrors.InternalCacheError, xerrors.Str("entry appeared between Has and Put"))
	}
	return nil
}

// parseServerPath extracts (org, server, ref) from a path of the form
// servers/<org>/<server>/<ref>.
func parseServerPath(path string) (org, server, ref string, ok bool) {
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) != 4 || segs[0] != serversDir {
		return "", "", "", false
	}
	return segs[1], segs[2], segs[3], true
}

func isServerPath(path string) bool {
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	return len(segs) > 0 && segs[0] == serversDir
}
