// Stash persists a whole cache store as one blob per cache. This module reads and writes such blobs.
// On disk a blob is the codec payload followed by an 8 byte big-endian xxhash64 checksum of the payload, so a
// truncated or corrupted file is reported as a decode failure instead of being half-loaded.
// Writes go to a temp file in the same directory which is then renamed over the target.

package persist

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/stash/pkg/location"
)

var (
	ErrNotFound = errors.New("persisted value not found")
	ErrDecode   = errors.New("failed to decode persisted value")
)

const checksumSize = 8

// Codec converts values to and from their payload bytes.
type Codec interface {
	Marshal(value any) ([]byte, error)
	Unmarshal(data []byte, value any) error
}

type jsonCodec struct{} // Implements Codec.

var _ Codec = jsonCodec{}

// JSON encodes values with encoding/json; decoding rejects unknown fields so a changed value shape is reported.
var JSON Codec = jsonCodec{}

func (jsonCodec) Marshal(value any) ([]byte, error) { return json.Marshal(value) }

func (jsonCodec) Unmarshal(data []byte, value any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return err
	}
	// Trailing garbage means the payload isn't what we wrote.
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after payload")
	}
	return nil
}

// seal appends the payload checksum.
func seal(payload []byte) []byte {
	sealed := make([]byte, len(payload), len(payload)+checksumSize)
	copy(sealed, payload)
	return binary.BigEndian.AppendUint64(sealed, xxhash.Sum64(payload))
}

// unseal verifies and strips the payload checksum.
func unseal(data []byte) ([]byte, error) {
	if len(data) < checksumSize {
		return nil, fmt.Errorf("%w: file is %d bytes, shorter than its checksum", ErrDecode, len(data))
	}
	payload, trailer := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
	if want, got := binary.BigEndian.Uint64(trailer), xxhash.Sum64(payload); want != got {
		return nil, fmt.Errorf("%w: checksum mismatch, want %016x got %016x", ErrDecode, want, got)
	}
	return payload, nil
}

// Exists reports whether a blob called `name` exists in `loc`.
func Exists(name string, loc *location.Location) bool {
	_, err := loc.FS().Stat(name)
	return err == nil
}

// Load reads and decodes the blob called `name` from `loc`.
func Load[T any](name string, loc *location.Location, codec Codec) (T, error) {
	var value T
	file, err := loc.FS().Open(name)
	if errors.Is(err, os.ErrNotExist) {
		return value, fmt.Errorf("%w: %s in %s", ErrNotFound, name, loc)
	}
	if err != nil {
		return value, fmt.Errorf("failed to open %s in %s: %w", name, loc, err)
	}
	data, err := io.ReadAll(file)
	_ = file.Close()
	if err != nil {
		return value, fmt.Errorf("failed to read %s in %s: %w", name, loc, err)
	}

	payload, err := unseal(data)
	if err != nil {
		return value, err
	}
	if err := codec.Unmarshal(payload, &value); err != nil {
		return value, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return value, nil
}

// Save encodes `value` and atomically replaces the blob called `name` in `loc`.
func Save[T any](name string, loc *location.Location, value T, codec Codec) error {
	payload, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	// The directory may have been removed underneath us.
	if err := loc.Create(); err != nil {
		return err
	}

	fs := loc.FS()
	tempFile, err := fs.TempFile("", "."+name+"-")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", loc, err)
	}
	tempName := tempFile.Name()
	_, writeErr := tempFile.Write(seal(payload))
	closeErr := tempFile.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = fs.Remove(tempName)
		return fmt.Errorf("failed to write %s in %s: %w", name, loc, err)
	}
	if err := fs.Rename(tempName, name); err != nil {
		_ = fs.Remove(tempName)
		return fmt.Errorf("failed to replace %s in %s: %w", name, loc, err)
	}
	return nil
}
