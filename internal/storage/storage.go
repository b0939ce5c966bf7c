package storage

import (
	"errors"
	"io"
)

var ErrInvalidPath = errors.New("invalid path")

type FileInfo struct {
	// Dir is an optional sub-directory under the storage root.
	Dir         string
	Filename    string
	ContentType string
	Size        int64
}

type Storage interface {
	SaveFile(r io.Reader, info FileInfo) (string, error)
	OpenFile(path string) (io.ReadSeekCloser, error)
	DeleteFile(path string) error
}
