package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	return &LocalStorage{basePath: abs}, nil
}

func (ls *LocalStorage) BasePath() string {
	return ls.basePath
}

// SaveFile stores r under a generated name and returns the relative path.
func (ls *LocalStorage) SaveFile(r io.Reader, info FileInfo) (string, error) {
	ext := strings.ToLower(filepath.Ext(info.Filename))
	if ext == "" {
		ext = ".jpg"
	}

	name := uuid.NewString() + ext
	if info.Dir != "" {
		name = filepath.Join(SanitizeSegment(info.Dir), name)
	}

	err := ls.WriteFile(name, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(name), nil
}

// WriteFile creates rel atomically: content goes to a temp file that is
// renamed into place once write succeeds.
func (ls *LocalStorage) WriteFile(rel string, write func(w io.Writer) error) error {
	fullPath, err := ls.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}
	return nil
}

func (ls *LocalStorage) OpenFile(path string) (io.ReadSeekCloser, error) {
	fullPath, err := ls.resolve(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	if st, err := file.Stat(); err == nil && st.IsDir() {
		file.Close()
		return nil, fmt.Errorf("failed to open file: %w", os.ErrNotExist)
	}

	return file, nil
}

func (ls *LocalStorage) DeleteFile(path string) error {
	fullPath, err := ls.resolve(path)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// resolve maps a relative path to an absolute one inside the storage root.
func (ls *LocalStorage) resolve(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return "", ErrInvalidPath
	}
	cleanPath := filepath.Clean(filepath.FromSlash(path))
	if cleanPath == "." || cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	fullPath := filepath.Join(ls.basePath, cleanPath)
	rel, err := filepath.Rel(ls.basePath, fullPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ErrInvalidPath
	}
	return fullPath, nil
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeSegment makes s safe to use as a single path element.
func SanitizeSegment(s string) string {
	s = unsafeSegment.ReplaceAllString(s, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "_"
	}
	return s
}
