// Command vbfsctl is a small administrative CLI over the storage engine:
// format a new data directory, and run a handful of read/write/list
// operations against it. It is not the FUSE front-end or the full
// configuration loader (both out of scope per spec.md 1); it exists to
// exercise the engine end to end, the way the teacher's cmd/ binaries are
// thin wrappers over its core packages.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	vbfs "github.com/vbfs/vbfs"
	"github.com/vbfs/vbfs/block"
	"github.com/vbfs/vbfs/block/crypt"
	"github.com/vbfs/vbfs/block/integrity"
	"github.com/vbfs/vbfs/fsdevice"
)

func main() {
	app := &cli.App{
		Name:  "vbfsctl",
		Usage: "inspect and drive a vbfs data directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "datadir", Required: true, Usage: "backing block store directory"},
			&cli.Uint64Flag{Name: "block-size", Value: 4096, Usage: "physical block size in bytes"},
			&cli.StringFlag{Name: "cipher", Value: "aes-256-gcm", Usage: "aes-256-gcm, aes-128-gcm, or xchacha20-poly1305"},
			&cli.StringFlag{Name: "key-hex", Required: true, Usage: "hex-encoded encryption key"},
		},
		Commands: []*cli.Command{
			lsCommand,
			catCommand,
			writeCommand,
			mkdirCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootBlobID = block.ID{} // the filesystem's root directory blob always lives at the zero id

func openFilesystem(c *cli.Context) (*vbfs.Filesystem, error) {
	cipher, err := parseCipher(c.String("cipher"))
	if err != nil {
		return nil, err
	}
	key, err := parseHexKey(c.String("key-hex"))
	if err != nil {
		return nil, err
	}
	cfg := vbfs.Config{
		DataDir:              c.String("datadir"),
		BlockSizeBytes:       uint32(c.Uint64("block-size")),
		Cipher:               cipher,
		EncryptionKey:        key,
		ClientID:             integrity.ClientID(1),
		MissingIsViolation:   true,
		IntegrityFlushInterval: 30 * time.Second,
		MaxDirtyBlocks:       1024,
		LockingFlushInterval: 10 * time.Second,
		CleanNodeCacheBytes:  32 << 20,
		OnIntegrityViolation: func(v integrity.Violation) {
			log.Warn("integrity violation", "block", v.Block, "kind", v.Kind, "details", v.Details)
		},
	}
	return vbfs.Open(cfg, rootBlobID)
}

func parseCipher(s string) (crypt.Cipher, error) {
	switch s {
	case "aes-256-gcm":
		return crypt.AES256GCM, nil
	case "aes-128-gcm":
		return crypt.AES128GCM, nil
	case "xchacha20-poly1305":
		return crypt.XChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("unknown cipher %q", s)
	}
}

func parseHexKey(s string) ([]byte, error) {
	key := make([]byte, len(s)/2)
	if _, err := fmt.Sscanf(s, "%x", &key); err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	return key, nil
}

var lsCommand = &cli.Command{
	Name:      "ls",
	Usage:     "list a directory",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		fs, err := openFilesystem(c)
		if err != nil {
			return err
		}
		defer fs.Close(context.Background())

		entries, err := fs.Device.ReadDir(context.Background(), c.Args().First())
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%-8s %s\n", entryTypeName(e.Type), e.Name)
		}
		return nil
	},
}

var catCommand = &cli.Command{
	Name:      "cat",
	Usage:     "print a file's contents",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		fs, err := openFilesystem(c)
		if err != nil {
			return err
		}
		defer fs.Close(context.Background())

		ctx := context.Background()
		entry, err := fs.Device.Lookup(ctx, c.Args().First())
		if err != nil {
			return err
		}
		t, ok, err := fs.BlobTree(ctx, entry.BlobID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("blob %s not found", entry.BlobID)
		}
		size, err := t.NumBytes(ctx)
		if err != nil {
			return err
		}
		// Contents start after the blob's parent-pointer header.
		var buf []byte
		if size > block.IDSize {
			buf = make([]byte, size-block.IDSize)
			if err := t.ReadBytes(ctx, block.IDSize, buf); err != nil {
				return err
			}
		}
		_, err = os.Stdout.Write(buf)
		return err
	},
}

var writeCommand = &cli.Command{
	Name:      "write",
	Usage:     "create a file with the given contents",
	ArgsUsage: "<dir> <name> <contents>",
	Action: func(c *cli.Context) error {
		fs, err := openFilesystem(c)
		if err != nil {
			return err
		}
		defer fs.Close(context.Background())

		ctx := context.Background()
		dir, name, contents := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)
		entry, err := fs.Device.Create(ctx, dir, name, fsdevice.EntryFile, fsdevice.DirEntry{Mode: 0o644})
		if err != nil {
			return err
		}
		t, ok, err := fs.BlobTree(ctx, entry.BlobID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("blob %s not found after create", entry.BlobID)
		}
		// Contents go after the blob's parent-pointer header.
		return t.WriteBytes(ctx, block.IDSize, []byte(contents))
	},
}

var mkdirCommand = &cli.Command{
	Name:      "mkdir",
	Usage:     "create a directory",
	ArgsUsage: "<parent-dir> <name>",
	Action: func(c *cli.Context) error {
		fs, err := openFilesystem(c)
		if err != nil {
			return err
		}
		defer fs.Close(context.Background())

		_, err = fs.Device.Create(context.Background(), c.Args().Get(0), c.Args().Get(1), fsdevice.EntryDir, fsdevice.DirEntry{Mode: 0o755})
		return err
	},
}

func entryTypeName(t fsdevice.EntryType) string {
	switch t {
	case fsdevice.EntryDir:
		return "dir"
	case fsdevice.EntrySymlink:
		return "symlink"
	default:
		return "file"
	}
}
