package fits

import (
	"fmt"
	"io"
	"os"

	"platesolve/internal/fsutil"
)

// ReadHeader decodes the primary header of the file at path. Both FITS
// images and text WCS files are accepted.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var data []byte
	block := make([]byte, BlockSize)
	for {
		n, err := io.ReadFull(f, block)
		data = append(data, block[:n]...)
		if hasEnd(block[:n]) || err != nil {
			break
		}
	}

	h, _, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

func hasEnd(block []byte) bool {
	if !isBlocked(block) {
		return false
	}
	for off := 0; off+CardSize <= len(block); off += CardSize {
		if string(block[off:off+3]) == "END" && string(block[off+3:off+8]) == "     " {
			return true
		}
	}
	return false
}

// WriteFile writes header followed by the data bytes to path.
func WriteFile(path string, h *Header, data []byte) error {
	out := append(h.Encode(), data...)
	return fsutil.WriteFileAtomic(path, out, 0o644)
}

// UpdateFile rewrites the primary header of the FITS file at path through fn.
// The data section is preserved byte-for-byte and the file is replaced
// atomically, so a failed update leaves the file untouched.
func UpdateFile(path string, fn func(*Header) error) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !isBlocked(data) {
		return fmt.Errorf("%s: not a FITS file", path)
	}

	h, off, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := fn(h); err != nil {
		return err
	}

	out := append(h.Encode(), data[off:]...)
	if err := fsutil.WriteFileAtomic(path, out, info.Mode().Perm()); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
