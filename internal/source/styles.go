package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"wmstiles/internal/feature"
)

// MemoryStyleSource holds style documents in memory.
type MemoryStyleSource struct {
	mu   sync.RWMutex
	docs map[string]memoryStyle
	rev  uint64
}

type memoryStyle struct {
	body    []byte
	version feature.Version
}

func NewMemoryStyleSource() *MemoryStyleSource {
	return &MemoryStyleSource{docs: make(map[string]memoryStyle)}
}

// Put stores a copy of body under ref with a new version.
func (s *MemoryStyleSource) Put(ref string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rev++
	s.docs[ref] = memoryStyle{body: append([]byte(nil), body...), version: revision(s.rev)}
}

func (s *MemoryStyleSource) LoadStyleDocument(_ context.Context, ref string) ([]byte, feature.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[ref]
	if !ok {
		return nil, "", notFound("style", ref)
	}
	return append([]byte(nil), d.body...), d.version, nil
}

func (s *MemoryStyleSource) StyleVersion(_ context.Context, ref string) (feature.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[ref]
	if !ok {
		return "", notFound("style", ref)
	}
	return d.version, nil
}

// FileStyleSource reads {dir}/{ref}.sld; a ref may carry the .sld suffix
// itself. The file's modification time is its version.
type FileStyleSource struct {
	dir string
}

func NewFileStyleSource(dir string) *FileStyleSource {
	return &FileStyleSource{dir: dir}
}

func (s *FileStyleSource) path(ref string) (string, error) {
	ref = strings.TrimSuffix(ref, ".sld")
	if ref == "" || strings.ContainsAny(ref, `/\`) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("invalid style reference %q", ref)
	}
	return filepath.Join(s.dir, ref+".sld"), nil
}

func (s *FileStyleSource) StyleVersion(_ context.Context, ref string) (feature.Version, error) {
	path, err := s.path(ref)
	if err != nil {
		return "", err
	}
	return fileVersion(path)
}

// LoadStyleDocument returns the body with the version observed before reading
// it, so a concurrent rewrite is picked up by the next version check.
func (s *FileStyleSource) LoadStyleDocument(ctx context.Context, ref string) ([]byte, feature.Version, error) {
	version, err := s.StyleVersion(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	path, _ := s.path(ref)
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read style %s: %w", ref, err)
	}
	return body, version, nil
}

// styleRecord is the stored shape of a style document in Firestore.
type styleRecord struct {
	Body string `firestore:"body"`
}

// FirestoreStyleSource reads style documents from a Firestore collection. The
// document ID is the style reference and the SLD is its "body" field; the
// document's update time is its version.
type FirestoreStyleSource struct {
	client     *firestore.Client
	collection string
	logger     *zap.Logger
}

func NewFirestoreStyleSource(client *firestore.Client, collection string, logger *zap.Logger) (*FirestoreStyleSource, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FirestoreStyleSource{
		client:     client,
		collection: collection,
		logger:     logger.With(zap.String("component", "firestore_styles")),
	}, nil
}

func (s *FirestoreStyleSource) get(ctx context.Context, ref string) (*firestore.DocumentSnapshot, error) {
	snap, err := s.client.Collection(s.collection).Doc(ref).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, notFound("style", ref)
		}
		s.logger.Error("failed to get style document", zap.String("ref", ref), zap.Error(err))
		return nil, fmt.Errorf("firestore get for %s: %w", ref, err)
	}
	return snap, nil
}

func snapshotVersion(snap *firestore.DocumentSnapshot) feature.Version {
	return feature.Version(fmt.Sprintf("ts:%d", snap.UpdateTime.UnixNano()))
}

func (s *FirestoreStyleSource) StyleVersion(ctx context.Context, ref string) (feature.Version, error) {
	snap, err := s.get(ctx, ref)
	if err != nil {
		return "", err
	}
	return snapshotVersion(snap), nil
}

func (s *FirestoreStyleSource) LoadStyleDocument(ctx context.Context, ref string) ([]byte, feature.Version, error) {
	snap, err := s.get(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	var rec styleRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, "", fmt.Errorf("firestore DataTo for %s: %w", ref, err)
	}
	s.logger.Debug("loaded style document", zap.String("ref", ref))
	return []byte(rec.Body), snapshotVersion(snap), nil
}

// Put writes a style document.
func (s *FirestoreStyleSource) Put(ctx context.Context, ref string, body []byte) error {
	if _, err := s.client.Collection(s.collection).Doc(ref).Set(ctx, styleRecord{Body: string(body)}); err != nil {
		return fmt.Errorf("firestore set for %s: %w", ref, err)
	}
	return nil
}
