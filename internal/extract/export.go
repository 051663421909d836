package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lexledger/lexmigrate/internal/metadata"
)

// Export writes result to path. The format follows the extension: .json,
// .yaml or .yml.
func Export(result *metadata.ExtractionResult, path string) error {
	var data []byte
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		data, err = json.MarshalIndent(result, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(result)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return fmt.Errorf("encoding extraction result: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating export directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Load reads a result previously written by Export.
func Load(path string) (*metadata.ExtractionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var result metadata.ExtractionResult
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &result)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &result)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &result, nil
}

// Fingerprint hashes the structural part of result. Two extractions of the
// same files have the same fingerprint regardless of when they ran.
func Fingerprint(result *metadata.ExtractionResult) string {
	data, _ := json.Marshal(struct {
		Tables    []*metadata.Table    `json:"tables"`
		Enums     []*metadata.Enum     `json:"enums"`
		Functions []*metadata.Function `json:"functions"`
	}{result.Tables, result.Enums, result.Functions})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
