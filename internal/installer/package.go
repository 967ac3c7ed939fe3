package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"

	"mksmaster/internal/execx"
	"mksmaster/internal/model"
	"mksmaster/internal/store"
)

var (
	// ErrUnsafeArchive rejects entries that would land outside the target.
	ErrUnsafeArchive = errors.New("unsafe archive entry")
	// ErrUnknownNode is returned when uninstalling a uuid that is not installed.
	ErrUnknownNode = errors.New("node not installed")
	// ErrManifestNotFound means the package has no system.json where expected.
	ErrManifestNotFound = errors.New("package manifest not found")
)

// NodeStore is the part of the installed-nodes database the installer mutates.
type NodeStore interface {
	Get(uuid string) (model.InstalledNode, bool)
	Upsert(node model.InstalledNode) error
	Remove(uuid string) (model.InstalledNode, bool, error)
}

// PackageExecutor installs node packages under NodesDir/<type> and keeps the
// installed-nodes database in step with the package tree.
type PackageExecutor struct {
	nodes    NodeStore
	nodesDir string
	runner   execx.Runner
	logger   *slog.Logger
}

func NewPackageExecutor(nodes NodeStore, nodesDir string, runner execx.Runner, logger *slog.Logger) *PackageExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PackageExecutor{
		nodes:    nodes,
		nodesDir: nodesDir,
		runner:   runner,
		logger:   logger.With("component", "package-executor"),
	}
}

// NodeDir is where a package of the given declared type lives.
func NodeDir(nodesDir string, nodeType int) string {
	return filepath.Join(nodesDir, strconv.Itoa(nodeType))
}

func (p *PackageExecutor) Execute(ctx context.Context, job Job) error {
	switch job.Method {
	case InstallFromArchive:
		return p.installArchive(job.Payload)
	case InstallFromRepository:
		return p.installRepository(ctx, job.Payload)
	case Uninstall:
		return p.uninstall(job.Payload)
	default:
		return fmt.Errorf("%w: method %s", ErrInvalidJob, job.Method)
	}
}

func (p *PackageExecutor) installArchive(archive string) error {
	staging, err := p.staging()
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := extractZip(archive, staging); err != nil {
		return err
	}
	return p.finish(staging)
}

func (p *PackageExecutor) installRepository(ctx context.Context, locator string) error {
	if p.runner == nil {
		return errors.New("no command runner configured")
	}
	staging, err := p.staging()
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	dst := filepath.Join(staging, "repo")
	if err := p.runner.Run(ctx, "git", "clone", "--depth", "1", locator, dst); err != nil {
		return fmt.Errorf("clone %s: %w", locator, err)
	}
	return p.finish(staging)
}

// finish locates the manifest under staging, moves the package into its
// type directory and records it.
func (p *PackageExecutor) finish(staging string) error {
	root, err := manifestRoot(staging)
	if err != nil {
		return err
	}
	m, err := ReadManifest(filepath.Join(root, ManifestName))
	if err != nil {
		return err
	}
	if model.IsSystemType(m.Type) {
		return fmt.Errorf("%w: type %d is reserved", ErrInvalidManifest, m.Type)
	}

	dst := NodeDir(p.nodesDir, m.Type)
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("remove previous package: %w", err)
	}
	if err := os.Rename(root, dst); err != nil {
		return fmt.Errorf("move package into place: %w", err)
	}

	node := m.InstalledNode()
	if err := p.nodes.Upsert(node); err != nil {
		if !errors.Is(err, store.ErrPersistence) {
			return err
		}
		p.logger.Error("installed node not persisted", "uuid", node.UUID, "err", err)
	}
	p.logger.Info("package installed", "uuid", node.UUID, "name", node.Name, "type", node.Type,
		"service", m.Service(), "dir", dst)
	return nil
}

func (p *PackageExecutor) uninstall(uuid string) error {
	node, ok := p.nodes.Get(uuid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, uuid)
	}
	dir := NodeDir(p.nodesDir, node.Type)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	if _, _, err := p.nodes.Remove(uuid); err != nil {
		if !errors.Is(err, store.ErrPersistence) {
			return err
		}
		p.logger.Error("node removal not persisted", "uuid", uuid, "err", err)
	}
	p.logger.Info("package uninstalled", "uuid", uuid, "name", node.Name, "dir", dir)
	return nil
}

func (p *PackageExecutor) staging() (string, error) {
	if err := os.MkdirAll(p.nodesDir, 0o755); err != nil {
		return "", fmt.Errorf("create nodes dir: %w", err)
	}
	dir, err := os.MkdirTemp(p.nodesDir, ".staging-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return dir, nil
}

// manifestRoot returns dir itself when it holds the manifest, or its single
// subdirectory when the archive wraps everything in one top-level folder.
func manifestRoot(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, ManifestName)); err == nil {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var sub []fs.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			sub = append(sub, e)
		}
	}
	if len(sub) == 1 {
		root := filepath.Join(dir, sub[0].Name())
		if _, err := os.Stat(filepath.Join(root, ManifestName)); err == nil {
			return root, nil
		}
	}
	return "", ErrManifestNotFound
}

func extractZip(archive, dst string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", archive, err)
	}
	defer zr.Close()

	base := filepath.Clean(dst) + string(os.PathSeparator)
	for _, f := range zr.File {
		target := filepath.Join(dst, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target+string(os.PathSeparator), base) {
			return fmt.Errorf("%w: %q", ErrUnsafeArchive, f.Name)
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case mode&fs.ModeSymlink != 0:
			return fmt.Errorf("%w: symlink %q", ErrUnsafeArchive, f.Name)
		default:
			if err := extractFile(f, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}
