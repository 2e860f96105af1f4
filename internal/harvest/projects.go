package harvest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadProjectKeys reads one project key per line, skipping blank lines and
// lines starting with '#'.
func LoadProjectKeys(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied input file.
	if err != nil {
		return nil, fmt.Errorf("open project file %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	keys, err := ParseProjectKeys(f)
	if err != nil {
		return nil, fmt.Errorf("read project file %s: %w", path, err)
	}
	return keys, nil
}

// ParseProjectKeys parses the project file format from r.
func ParseProjectKeys(r io.Reader) ([]string, error) {
	var keys []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan project keys: %w", err)
	}
	return keys, nil
}
