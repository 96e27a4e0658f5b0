package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Limits applied to untrusted configuration input
const (
	maxFileSize = 1 << 20
	maxNesting  = 32
	maxEnvValue = 4096
)

// readConfigFile returns the contents of a JSON config file. Relative paths
// must stay inside the working directory.
func readConfigFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("empty config path")
	}
	if filepath.Ext(path) != ".json" {
		return nil, fmt.Errorf("config file must be .json: %s", path)
	}
	if !filepath.IsAbs(path) && !filepath.IsLocal(path) {
		return nil, fmt.Errorf("config path escapes working directory: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config path is not a regular file: %s", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("config file larger than %d bytes", maxFileSize)
	}
	if err := checkNesting(data); err != nil {
		return nil, err
	}
	return data, nil
}

// checkNesting walks the token stream and rejects documents nested deeper
// than maxNesting or left unbalanced
func checkNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("malformed JSON: %w", err)
		}
		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			depth++
			if depth > maxNesting {
				return fmt.Errorf("JSON nested deeper than %d", maxNesting)
			}
		default:
			depth--
		}
	}
	if depth != 0 {
		return fmt.Errorf("malformed JSON: %d unclosed brackets", depth)
	}
	return nil
}

func checkEnvValue(key, value string) error {
	switch {
	case len(value) > maxEnvValue:
		return fmt.Errorf("%s longer than %d bytes", key, maxEnvValue)
	case strings.ContainsRune(value, 0):
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}
