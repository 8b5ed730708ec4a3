package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Board file layout, version 1:
//
//	byte 0    header length (6)
//	byte 1    format version
//	bytes 2-3 height, big-endian uint16
//	bytes 4-5 width, big-endian uint16
//	bytes 6.. width*height color indices, row-major

const (
	boardHeaderSize    = 6
	boardFormatVersion = 1
)

// ErrBoardFormat marks a corrupt or incompatible board file. The loader
// copies the file aside before reporting it, so the bad bytes survive for
// inspection and are never overwritten by the next save.
var ErrBoardFormat = errors.New("invalid board file")

// ErrBoardNotFound reports that no board file exists yet.
var ErrBoardNotFound = errors.New("board file not found")

// EncodeBoard renders the header plus payload for one board image.
func EncodeBoard(width, height int, cells []byte) ([]byte, error) {
	if width <= 0 || width > 0xffff || height <= 0 || height > 0xffff {
		return nil, fmt.Errorf("dimensions %dx%d do not fit the header: %w", width, height, ErrBoardFormat)
	}
	if len(cells) != width*height {
		return nil, fmt.Errorf("payload is %d bytes, want %d: %w", len(cells), width*height, ErrBoardFormat)
	}
	out := make([]byte, boardHeaderSize+len(cells))
	out[0] = boardHeaderSize
	out[1] = boardFormatVersion
	binary.BigEndian.PutUint16(out[2:4], uint16(height))
	binary.BigEndian.PutUint16(out[4:6], uint16(width))
	copy(out[boardHeaderSize:], cells)
	return out, nil
}

// DecodeBoard parses a persisted board image.
func DecodeBoard(data []byte) (cells []byte, width, height int, err error) {
	if len(data) == 0 {
		return nil, 0, 0, fmt.Errorf("empty file: %w", ErrBoardFormat)
	}
	if len(data) < boardHeaderSize {
		return nil, 0, 0, fmt.Errorf("truncated header: %w", ErrBoardFormat)
	}
	headerLen := int(data[0])
	version := data[1]
	if version != boardFormatVersion {
		return nil, 0, 0, fmt.Errorf("version %d, want %d: %w", version, boardFormatVersion, ErrBoardFormat)
	}
	if headerLen < boardHeaderSize || headerLen > len(data) {
		return nil, 0, 0, fmt.Errorf("header length %d: %w", headerLen, ErrBoardFormat)
	}
	height = int(binary.BigEndian.Uint16(data[2:4]))
	width = int(binary.BigEndian.Uint16(data[4:6]))
	payload := data[headerLen:]
	if len(payload) != width*height {
		return nil, 0, 0, fmt.Errorf("payload is %d bytes, want %dx%d: %w", len(payload), width, height, ErrBoardFormat)
	}
	cells = make([]byte, len(payload))
	copy(cells, payload)
	return cells, width, height, nil
}

// SaveBoard writes the board to path via a temp file and atomic rename so an
// interrupted save never corrupts the previous good copy.
func SaveBoard(path string, width, height int, cells []byte) error {
	data, err := EncodeBoard(width, height, cells)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// LoadBoard reads and decodes the board at path. A missing file yields
// ErrBoardNotFound. A corrupt file is copied to path+".bak" and reported as
// ErrBoardFormat; the original is left untouched in place.
func LoadBoard(path string) (cells []byte, width, height int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, 0, ErrBoardNotFound
		}
		return nil, 0, 0, err
	}
	cells, width, height, err = DecodeBoard(data)
	if err != nil {
		if backupErr := copyFile(path, path+".bak"); backupErr != nil {
			return nil, 0, 0, fmt.Errorf("%w (backup failed: %v)", err, backupErr)
		}
		return nil, 0, 0, err
	}
	return cells, width, height, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
