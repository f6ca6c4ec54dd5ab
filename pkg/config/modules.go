package config

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const defaultModuleSizeLimit = 1 << 20

// ModuleSource locates one Rego module on disk.
type ModuleSource struct {
	Path string `yaml:"path" json:"path"`
	// Name keys the module in the compiler. Defaults to the file name.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// SHA256 pins the file contents when set.
	SHA256 string `yaml:"sha256,omitempty" json:"sha256,omitempty"`
	// Compression is "" or "gzip".
	Compression string `yaml:"compression,omitempty" json:"compression,omitempty"`
	SizeLimit   int64  `yaml:"size_limit,omitempty" json:"size_limit,omitempty"`
}

// LoadModules reads the configured Rego modules keyed by name. Relative
// paths resolve against baseDir. An empty result selects the bundled rules.
func (c PolicyConfig) LoadModules(baseDir string) (map[string]string, error) {
	modules := make(map[string]string, len(c.Modules))
	for _, src := range c.Modules {
		path := src.Path
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		name := src.Name
		if name == "" {
			name = filepath.Base(path)
		}
		if _, dup := modules[name]; dup {
			return nil, fmt.Errorf("policy module %q: duplicate name", name)
		}

		limit := src.SizeLimit
		if limit <= 0 {
			limit = defaultModuleSizeLimit
		}
		data, err := readModule(path, limit, src.SHA256)
		if err != nil {
			return nil, fmt.Errorf("policy module %q: %w", name, err)
		}
		data, err = decompress(data, src.Compression, limit)
		if err != nil {
			return nil, fmt.Errorf("policy module %q: %w", name, err)
		}
		modules[name] = string(data)
	}
	return modules, nil
}

func readModule(path string, limit int64, expectedDigest string) ([]byte, error) {
	file, err := os.Open(path) //nolint:gosec // G304: module paths come from operator configuration
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() == 0 {
		return nil, errors.New("module is empty")
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("module exceeds size limit (%d bytes)", limit)
	}

	data, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if err := verifyDigest(expectedDigest, computeSHA256Hex(data)); err != nil {
		return nil, err
	}
	return data, nil
}

func decompress(data []byte, compression string, limit int64) ([]byte, error) {
	switch strings.TrimSpace(strings.ToLower(compression)) {
	case "", "none":
		return data, nil
	case "gzip", "gz":
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress gzip: %w", err)
		}
		defer func() { _ = reader.Close() }()
		out, err := io.ReadAll(io.LimitReader(reader, limit))
		if err != nil {
			return nil, fmt.Errorf("read gzip: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}

func computeSHA256Hex(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

func verifyDigest(expected, actual string) error {
	if strings.TrimSpace(expected) == "" {
		return nil
	}
	normalized := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(expected)), "sha256:")
	if normalized != actual {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", normalized, actual)
	}
	return nil
}
