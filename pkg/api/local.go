package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/badgeoor/pkg/config"
	"github.com/sirupsen/logrus"
)

var errAssetNotFound = errors.New("asset not found")

// assetBackend serves static assets such as badge images and stylesheets.
type assetBackend interface {
	serveAsset(w http.ResponseWriter, r *http.Request, name string) error
}

// newAssetBackend returns the enabled backend, or nil when assets are
// served by something in front of this process.
func newAssetBackend(
	log logrus.FieldLogger,
	cfg *config.StorageConfig,
) (assetBackend, error) {
	switch {
	case cfg.S3.Enabled:
		presigner, err := newS3Presigner(log, &cfg.S3)
		if err != nil {
			return nil, err
		}

		log.Info("Serving assets through S3 presigned URLs")

		return presigner, nil
	case cfg.Local.Enabled:
		log.WithField("root", cfg.Local.Root).Info("Serving assets from local directory")

		return newLocalFileServer(log, &cfg.Local), nil
	default:
		return nil, nil
	}
}

// localFileServer serves assets from a directory on disk.
type localFileServer struct {
	log  logrus.FieldLogger
	root string
}

func newLocalFileServer(
	log logrus.FieldLogger,
	cfg *config.LocalStorageConfig,
) *localFileServer {
	return &localFileServer{
		log:  log.WithField("component", "local-assets"),
		root: filepath.Clean(cfg.Root),
	}
}

// serveAsset serves name relative to the root directory.
func (l *localFileServer) serveAsset(
	w http.ResponseWriter,
	r *http.Request,
	name string,
) error {
	if !isAllowedAssetPath(name) {
		return fmt.Errorf("path %q is not allowed: %w", name, errAssetNotFound)
	}

	full := filepath.Join(l.root, filepath.FromSlash(name))

	// The resolved path must stay under root.
	if !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes root: %w", name, errAssetNotFound)
	}

	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("%q: %w", name, errAssetNotFound)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return fmt.Errorf("%q: %w", name, errAssetNotFound)
	}

	// ServeFile would redirect */index.html to its directory, which loops
	// with the landing redirect.
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)

	return nil
}

// isAllowedAssetPath rejects empty, absolute, unclean, or traversal paths.
func isAllowedAssetPath(name string) bool {
	if name == "" {
		return false
	}

	if strings.Contains(name, "..") {
		return false
	}

	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return false
	}

	return path.Clean(name) == name
}
