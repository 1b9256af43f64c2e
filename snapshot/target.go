package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/device"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/vfs"
	"github.com/wippyai/wasm-vfs/vpath"
)

// Target keeps a mount in a host file. Persisting rewrites the whole file;
// populating reconciles the mount with the file by timestamp, creating or
// replacing changed entries and removing entries the file does not have.
type Target struct {
	path        string
	compression Compression
	recipients  []age.Recipient
	identities  []age.Identity
}

var _ vfs.Syncer = (*Target)(nil)

// Option configures a Target.
type Option func(*Target)

// WithCompression selects the payload compression. The default is zstd.
func WithCompression(c Compression) Option {
	return func(t *Target) { t.compression = c }
}

// WithRecipients encrypts snapshots to the given age recipients.
func WithRecipients(r ...age.Recipient) Option {
	return func(t *Target) { t.recipients = append(t.recipients, r...) }
}

// WithIdentities decrypts snapshots with the given age identities.
func WithIdentities(ids ...age.Identity) Option {
	return func(t *Target) { t.identities = append(t.identities, ids...) }
}

// New returns a target writing to path.
func New(path string, opts ...Option) *Target {
	t := &Target{path: path, compression: CompressionZstd}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Path returns the host file of the target.
func (t *Target) Path() string { return t.path }

// ParseRecipients parses age X25519 public keys.
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// LoadIdentities reads age identities from a key file.
func LoadIdentities(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
	}
	return ids, nil
}

// Sync persists m to the file, or with populate loads the file into m.
func (t *Target) Sync(ctx context.Context, fs *vfs.FS, m *vfs.Mount, populate bool) error {
	if populate {
		return t.populate(ctx, fs, m)
	}
	return t.persist(ctx, fs, m)
}

func (t *Target) persist(ctx context.Context, fs *vfs.FS, m *vfs.Mount) error {
	records, err := Collect(ctx, fs, m)
	if err != nil {
		return err
	}
	data, err := Encode(records, t.compression, t.recipients)
	if err != nil {
		return errors.Wrap("syncfs", errors.KindIO, err, t.path)
	}
	if err := writeAtomic(t.path, data); err != nil {
		return errors.Wrap("syncfs", errors.KindIO, err, t.path)
	}
	Logger().Debug("snapshot written",
		zap.String("path", t.path),
		zap.String("mount", m.Mountpoint()),
		zap.Int("records", len(records)),
		zap.Int("bytes", len(data)))
	return nil
}

func (t *Target) populate(ctx context.Context, fs *vfs.FS, m *vfs.Mount) error {
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		Logger().Debug("no snapshot to load", zap.String("path", t.path))
		return nil
	}
	if err != nil {
		return errors.Wrap("syncfs", errors.KindIO, err, t.path)
	}
	remote, err := Decode(data, t.identities)
	if err != nil {
		return errors.Wrap("syncfs", errors.KindIO, err, t.path)
	}
	local, err := Collect(ctx, fs, m)
	if err != nil {
		return err
	}
	if err := Apply(ctx, fs, m, local, remote); err != nil {
		return err
	}
	Logger().Debug("snapshot loaded",
		zap.String("path", t.path),
		zap.String("mount", m.Mountpoint()),
		zap.Int("records", len(remote)))
	return nil
}

// Collect walks m in parent-first order. Nested mounts are recorded as
// plain directories and not descended into.
func Collect(ctx context.Context, fs *vfs.FS, m *vfs.Mount) ([]Record, error) {
	var records []Record
	store := m.Store()
	base := fs.GetPath(m.Root())

	var walk func(dir *vfs.Node, rel string) error
	walk = func(dir *vfs.Node, rel string) error {
		names, err := store.Readdir(dir)
		if err != nil {
			return err
		}
		for _, name := range names {
			if name == "." || name == ".." {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			childRel := vpath.Join2(rel, name)
			res, err := fs.LookupPath(vpath.Join2(base, childRel), vfs.LookupOptions{NoFollowMount: true})
			if err != nil {
				return err
			}
			n := res.Node
			rec := Record{
				Path:      childRel,
				Mode:      uint32(n.Mode()),
				Timestamp: n.Timestamp().UnixNano(),
			}
			switch n.Kind() {
			case vfs.KindRegularFile:
				rec.Data = make([]byte, n.Size())
				if _, err := store.Read(n, rec.Data, 0); err != nil {
					return err
				}
			case vfs.KindSymlink:
				if rec.Target, err = store.Readlink(n); err != nil {
					return err
				}
			case vfs.KindCharDevice:
				rec.Rdev = uint64(n.Rdev())
			case vfs.KindSocket:
				continue
			}
			records = append(records, rec)
			if n.Kind() == vfs.KindDirectory && !n.IsMountpoint() {
				if err := walk(n, childRel); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(m.Root(), "/"); err != nil {
		return nil, errors.WithOp(err, "syncfs", base)
	}
	return records, nil
}

// Apply makes m match remote: entries missing locally or with a different
// timestamp are created or replaced, and local entries absent from remote
// are removed, deepest first.
func Apply(ctx context.Context, fs *vfs.FS, m *vfs.Mount, local, remote []Record) error {
	const op = "syncfs"
	base := fs.GetPath(m.Root())
	have := make(map[string]Record, len(local))
	for _, r := range local {
		have[r.Path] = r
	}
	want := make(map[string]bool, len(remote))

	created := 0
	for _, r := range remote {
		if err := ctx.Err(); err != nil {
			return err
		}
		want[r.Path] = true
		if cur, ok := have[r.Path]; ok && cur.Timestamp == r.Timestamp {
			continue
		}
		if err := applyRecord(fs, vpath.Join2(base, r.Path), have, r); err != nil {
			return errors.WithOp(err, op, r.Path)
		}
		created++
	}

	var stale []string
	for _, r := range local {
		if !want[r.Path] {
			stale = append(stale, r.Path)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return strings.Count(stale[i], "/") > strings.Count(stale[j], "/")
	})
	for _, rel := range stale {
		if err := remove(fs, vpath.Join2(base, rel), have[rel]); err != nil {
			if errors.IsKind(err, errors.KindBusy) {
				continue
			}
			return errors.WithOp(err, op, rel)
		}
	}
	Logger().Debug("reconciled",
		zap.String("mount", base), zap.Int("created", created), zap.Int("removed", len(stale)))
	return nil
}

func applyRecord(fs *vfs.FS, path string, have map[string]Record, r Record) error {
	mode := vfs.Mode(r.Mode)
	cur, exists := have[r.Path]
	if exists && vfs.Mode(cur.Mode).Kind() != mode.Kind() {
		if err := remove(fs, path, cur); err != nil {
			return err
		}
		exists = false
	}

	switch mode.Kind() {
	case vfs.KindDirectory:
		if !exists {
			if err := fs.Mkdir(path, mode.Perm()); err != nil {
				return err
			}
		}
	case vfs.KindRegularFile:
		if err := fs.WriteFile(path, r.Data, mode.Perm()); err != nil {
			return err
		}
	case vfs.KindSymlink:
		if exists {
			if err := fs.Unlink(path); err != nil {
				return err
			}
		}
		if err := fs.Symlink(r.Target, path); err != nil {
			return err
		}
	case vfs.KindCharDevice:
		if exists && cur.Rdev == r.Rdev {
			break
		}
		if exists {
			if err := fs.Unlink(path); err != nil {
				return err
			}
		}
		if err := fs.Mkdev(path, mode.Perm(), device.ID(r.Rdev)); err != nil {
			return err
		}
	default:
		return errors.InvalidArgument("syncfs", fmt.Sprintf("unsupported mode %o", r.Mode))
	}

	res, err := fs.LookupPath(path, vfs.LookupOptions{NoFollowMount: true})
	if err != nil {
		return err
	}
	ts := time.Unix(0, r.Timestamp)
	return res.Node.Mount().Store().SetAttr(res.Node, vfs.Attr{Mode: &mode, Timestamp: &ts})
}

func remove(fs *vfs.FS, path string, r Record) error {
	if vfs.Mode(r.Mode).Kind() == vfs.KindDirectory {
		return fs.Rmdir(path)
	}
	return fs.Unlink(path)
}

// writeAtomic replaces path through a temporary file in the same
// directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
