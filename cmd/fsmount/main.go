// Command fsmount mounts the multi-backend file index as a FUSE
// filesystem.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bazil.org/fuse"
	bfs "bazil.org/fuse/fs"

	"github.com/mredolatti/tf/internal/config"
	"github.com/mredolatti/tf/internal/contentcache"
	"github.com/mredolatti/tf/internal/fileclient"
	"github.com/mredolatti/tf/internal/filemanager"
	"github.com/mredolatti/tf/internal/fusebridge"
	"github.com/mredolatti/tf/internal/indexclient"
	"github.com/mredolatti/tf/internal/mirrortree"
	"github.com/mredolatti/tf/internal/openfiles"
	"github.com/mredolatti/tf/internal/tlsmaterial"
	"github.com/mredolatti/tf/internal/xlog"
)

var (
	configFlag     = flag.String("c", defaultConfigPath(), "path to the JSON configuration document")
	logLevelFlag   = flag.String("log", "info", "log level: debug, info, error, disabled")
	allowOtherFlag = flag.Bool("allow-other", false, "allow other users to access the mount")
	syncEvery      = flag.Duration("sync-every", 5*time.Minute, "how often to refresh mappings and server info in the background")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <mountpoint>\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fsmount.json"
	}
	return filepath.Join(home, ".mifs", "config.json")
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if err := xlog.SetLevel(*logLevelFlag); err != nil {
		xlog.Error.Fatal(err)
	}

	if flag.NArg() != 1 {
		usage()
	}
	mountpoint, err := filepath.Abs(flag.Arg(0))
	if err != nil {
		xlog.Error.Fatalf("resolving mountpoint %q: %s", flag.Arg(0), err)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		xlog.Error.Fatalf("loading config %q: %s", *configFlag, err)
	}

	tokens, err := config.TokenSourceFromSpec(cfg.IndexServer.TokenSource)
	if err != nil {
		xlog.Error.Fatalf("building token source: %s", err)
	}

	httpClient, err := indexServerHTTPClient(cfg.IndexServer.RootCert)
	if err != nil {
		xlog.Error.Fatalf("building index server client: %s", err)
	}

	cat := cfg.Catalog()
	is := indexclient.New(cfg.IndexServer.URL, httpClient, tokens)
	fc := fileclient.New(cat)
	fm := filemanager.New(mirrortree.New(), contentcache.New(), openfiles.New(), cat, is, fc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := fm.Sync(ctx); err != nil {
		xlog.Error.Printf("initial sync: %s", err)
	}
	go backgroundSync(ctx, fm, *syncEvery)

	done := mount(fm, mountpoint, *allowOtherFlag)
	<-done
}

// indexServerHTTPClient builds the *http.Client the Index-Server
// Client uses, trusting rootCert as the CA for the index server's
// TLS certificate when one is configured.
func indexServerHTTPClient(rootCert string) (*http.Client, error) {
	if rootCert == "" {
		return http.DefaultClient, nil
	}
	tlsCfg, err := tlsmaterial.IndexServerConfig(rootCert)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}, nil
}

// backgroundSync periodically re-runs FileManager.Sync so that
// mapping and server-catalog changes made through fsctl on another
// machine eventually show up in this mount; sync otherwise only runs
// at startup and after a flush.
func backgroundSync(ctx context.Context, fm *filemanager.FileManager, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := fm.Sync(ctx); err != nil {
				xlog.Error.Printf("background sync: %s", err)
			}
		}
	}
}

// mount mounts the filesystem and serves it in a goroutine, returning
// a channel closed when serving stops.
func mount(fm *filemanager.FileManager, mountpoint string, allowOther bool) chan bool {
	opts := []fuse.MountOption{
		fuse.FSName("mifs"),
		fuse.Subtype("fs"),
		fuse.LocalVolume(),
		fuse.VolumeName("mifs"),
		fuse.DaemonTimeout("240"),
	}
	if allowOther {
		opts = append(opts, fuse.AllowOther())
	}

	c, err := fuse.Mount(mountpoint, opts...)
	if err != nil {
		xlog.Error.Fatalf("fuse.Mount failed: %s", err)
	}

	select {
	case <-c.Ready:
		if err := c.MountError; err != nil {
			xlog.Error.Fatal(err)
		}
	case <-time.After(500 * time.Millisecond):
	}

	uid, gid := os.Getuid(), os.Getgid()
	server := bfs.New(c, nil)
	filesystem := fusebridge.New(fm, mountpoint, uint32(uid), uint32(gid))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		fuse.Unmount(mountpoint)
	}()

	done := make(chan bool)
	go func() {
		if err := server.Serve(filesystem); err != nil {
			xlog.Error.Printf("fuse serve: %s", err)
		}
		close(done)
	}()
	return done
}
