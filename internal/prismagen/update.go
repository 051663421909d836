package prismagen

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/lexledger/lexmigrate/internal/metadata"
)

const (
	customStart = "// @custom-start"
	customEnd   = "// @custom-end"
)

// UpdateExisting regenerates the document at existingPath. The previous
// file is copied to existingPath+".bak" first. Hand-written sections marked
// with // @custom-start and // @custom-end are detected and reported, not
// merged. A missing file is treated as a fresh generation.
func UpdateExisting(result *metadata.ExtractionResult, existingPath string, opts Options) (*Result, error) {
	previous, err := os.ReadFile(existingPath)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading existing schema: %w", err)
	}

	opts.OutputPath = ""
	res, err := Generate(result, opts)
	if err != nil {
		return nil, err
	}

	if exists {
		if n := countCustomSections(string(previous)); n > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"%d manual section(s) found in %s were not merged; copy them from %s.bak", n, existingPath, existingPath))
		}
		if err := os.WriteFile(existingPath+".bak", previous, 0o644); err != nil {
			return nil, fmt.Errorf("backing up existing schema: %w", err)
		}
	}
	if err := writeDocument(existingPath, res.Document); err != nil {
		return nil, err
	}
	return res, nil
}

// countCustomSections counts complete start/end marker pairs.
func countCustomSections(doc string) int {
	n, open := 0, false
	for _, line := range strings.Split(doc, "\n") {
		switch strings.TrimSpace(line) {
		case customStart:
			open = true
		case customEnd:
			if open {
				n++
			}
			open = false
		}
	}
	return n
}
