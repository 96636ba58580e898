package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Settings are the values that survive a restart.
type Settings struct {
	Mode       MicrostepMode
	BusAddress string
}

// DefaultSettings is what a blank image decodes to unless configured otherwise.
func DefaultSettings() Settings {
	return Settings{Mode: defaultMicrostepMode, BusAddress: defaultBusAddress}
}

// settingsImage is the fixed-layout byte image:
//
//	[0, 100)  broker address, NUL-terminated
//	200       microstep mode byte
//
// Everything else is reserved and preserved across writes.
type settingsImage [settingsImageSize]byte

// decode reads the settings, substituting defaults for blank or corrupt fields.
func (img *settingsImage) decode(defaults Settings) Settings {
	s := defaults
	if !s.Mode.Valid() {
		s.Mode = defaultMicrostepMode
	}
	if s.BusAddress == "" {
		s.BusAddress = defaultBusAddress
	}

	if m := MicrostepMode(img[microstepOffset]); m.Valid() {
		s.Mode = m
	}

	raw := img[busAddressOffset : busAddressOffset+busAddressCapacity]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	} else {
		// No terminator within the slot.
		raw = nil
	}
	if len(raw) > 0 && printable(raw) {
		s.BusAddress = string(raw)
	}
	return s
}

func (img *settingsImage) setMode(m MicrostepMode) {
	img[microstepOffset] = byte(m)
}

func (img *settingsImage) setBusAddress(addr string) error {
	if len(addr) >= busAddressCapacity {
		return fmt.Errorf("address too long: %d bytes (max %d)", len(addr), busAddressCapacity-1)
	}
	slot := img[busAddressOffset : busAddressOffset+busAddressCapacity]
	clear(slot)
	copy(slot, addr)
	return nil
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// fileStore keeps the settings image in a file. Writes replace the file atomically.
type fileStore struct {
	path     string
	defaults Settings

	mu  sync.Mutex
	img settingsImage
}

// openFileStore loads the image at path. A missing file is a blank image;
// a short file is zero-padded.
func openFileStore(path string, defaults Settings) (*fileStore, Settings, error) {
	st := &fileStore{path: path, defaults: defaults}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, defaults, TransientIOError{Op: "read settings", Err: err}
	default:
		copy(st.img[:], data)
	}
	return st, st.img.decode(defaults), nil
}

func (st *fileStore) SaveMode(m MicrostepMode) error {
	if !m.Valid() {
		return ValidationError{Param: "mode", Reason: fmt.Sprintf("invalid microstep mode %d", int(m))}
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	next := st.img
	next.setMode(m)
	return st.commit(next)
}

func (st *fileStore) SaveBusAddress(addr string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := st.img
	if err := next.setBusAddress(addr); err != nil {
		return err
	}
	return st.commit(next)
}

// Load returns the settings currently held in memory.
func (st *fileStore) Load() Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.img.decode(st.defaults)
}

// commit writes img and adopts it only after the rename succeeds.
func (st *fileStore) commit(img settingsImage) error {
	if err := writeFileAtomic(st.path, img[:]); err != nil {
		return err
	}
	st.img = img
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
