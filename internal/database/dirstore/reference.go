package dirstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/kozaktomas/face-attendance/internal/database"
)

// referenceExts are the image extensions a reference image may be stored with.
var referenceExts = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tiff", ".webp"}

// SaveReferenceImage keeps a copy of the registration photo next to the embedding
// record as <label><ext>. Older copies with a different extension are removed.
func (s *Store) SaveReferenceImage(ctx context.Context, label, ext string, data []byte) error {
	label, err := database.ValidateLabel(label)
	if err != nil {
		return err
	}
	ext = strings.ToLower(ext)
	if !isReferenceExt(ext) {
		ext = ".png"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("save reference image"); err != nil {
		return err
	}

	s.removeReferenceImagesLocked(label)
	if err := renameio.WriteFile(filepath.Join(s.dir, label+ext), data, 0o640); err != nil {
		return database.WrapError(backendName, "save reference image", err)
	}
	return nil
}

// ReferenceImage returns the stored reference photo for label and its extension.
func (s *Store) ReferenceImage(label string) ([]byte, string, error) {
	label, err := database.ValidateLabel(label)
	if err != nil {
		return nil, "", err
	}
	for _, ext := range referenceExts {
		data, err := os.ReadFile(filepath.Join(s.dir, label+ext))
		if err == nil {
			return data, ext, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", database.WrapError(backendName, "read reference image", err)
		}
	}
	return nil, "", database.ErrNotFound
}

func (s *Store) removeReferenceImagesLocked(label string) {
	for _, ext := range referenceExts {
		_ = os.Remove(filepath.Join(s.dir, label+ext)) // best-effort cleanup
	}
}

func isReferenceExt(ext string) bool {
	for _, e := range referenceExts {
		if e == ext {
			return true
		}
	}
	return false
}
