package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/erazemk/pgtag/internal/nfc"
	"github.com/erazemk/pgtag/internal/ntag"
)

// The CLI drives tags through nfc.SimRadio. A tag is an image file holding
// the raw page memory, so a tag provisioned by one command can be scanned by
// the next.

func chipByName(name string) (ntag.Chip, error) {
	switch strings.TrimPrefix(strings.ToUpper(name), "NTAG") {
	case "213":
		return ntag.NTAG213, nil
	case "215":
		return ntag.NTAG215, nil
	case "216":
		return ntag.NTAG216, nil
	}
	return ntag.Chip{}, fmt.Errorf("unknown chip %q (want 213, 215 or 216)", name)
}

// loadTag reads a tag image, or returns a factory-fresh tag of chip if the
// file does not exist yet. An empty chip requires the image to exist.
func loadTag(path, chip string) (*ntag.Emulator, error) {
	img, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && chip != "" {
		c, err := chipByName(chip)
		if err != nil {
			return nil, err
		}
		return ntag.NewEmulator(c), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tag image: %w", err)
	}
	return ntag.RestoreEmulator(img)
}

func saveTag(path string, tag *ntag.Emulator) error {
	if err := os.WriteFile(path, tag.Image(), 0o600); err != nil {
		return fmt.Errorf("writing tag image: %w", err)
	}
	return nil
}

// benchRadio returns a radio with tag already in its field.
func benchRadio(tag *ntag.Emulator) *nfc.SimRadio {
	radio := nfc.NewSimRadio()
	radio.Present(tag)
	return radio
}
