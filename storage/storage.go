package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/malwarebo/portrait/config"
)

var ErrObjectNotFound = errors.New("object not found")

const (
	BackendLocal = "local"
	BackendMinio = "minio"
)

type ObjectInfo struct {
	Name        string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Store holds uploaded originals and generated results under flat object names.
type Store interface {
	Save(ctx context.Context, name string, data []byte, contentType string) error
	Open(ctx context.Context, name string) (io.ReadCloser, *ObjectInfo, error)
	Ping(ctx context.Context) error
	Backend() string
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*\.(png|jpg|jpeg|webp)$`)

// ValidName rejects anything that is not a bare generated object name.
func ValidName(name string) bool {
	return validName.MatchString(name) && filepath.Base(name) == name
}

// NewObjectName returns a fresh random name keeping the upload's extension.
func NewObjectName(ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "png"
	}
	return uuid.NewString() + "." + ext
}

// ResultName derives the result object name from the original one.
func ResultName(original, ext string) string {
	base := strings.TrimSuffix(original, filepath.Ext(original))
	if ext == "" {
		ext = "jpg"
	}
	return base + "_result." + ext
}

func ExtensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	default:
		return "jpg"
	}
}

func ContentTypeFor(name string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func CreateStore(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		return CreateLocalStore(cfg.UploadDir)
	case BackendMinio:
		return CreateMinioStore(ctx, cfg.Minio)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
