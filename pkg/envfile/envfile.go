// Package envfile reads and edits dotenv files in place.
package envfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"unicode"

	"github.com/subosito/gotenv"
)

// ErrMissing is returned when the file does not exist. Callers decide
// whether that is fatal; Upsert never creates the file.
var ErrMissing = errors.New("env file does not exist")

// ErrUnencodable is returned for values a dotenv parser cannot read back
// unchanged.
var ErrUnencodable = errors.New("value cannot be stored in an env file")

// Read parses path into a key/value map.
func Read(path string) (map[string]string, error) {
	env, err := gotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return env, nil
}

// Upsert rewrites the "key=" lines for every entry of values and appends the
// keys that are not present yet. Other lines, comments and blank lines
// included, are kept as they are.
func Upsert(path string, values map[string]string, order ...string) error {
	for k, v := range values {
		if err := checkValue(v); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrMissing
		}
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	keys := order
	if len(keys) == 0 {
		for k := range values {
			keys = append(keys, k)
		}
	}

	seen := make(map[string]bool, len(keys))
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if key, ok := lineKey(line); ok {
			if v, wanted := values[key]; wanted {
				line = format(key, v)
				seen[key] = true
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", path, err)
	}

	for _, k := range keys {
		v, ok := values[k]
		if !ok || seen[k] {
			continue
		}
		out.WriteString(format(k, v))
		out.WriteByte('\n')
	}

	return os.WriteFile(path, out.Bytes(), info.Mode().Perm())
}

func lineKey(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", false
	}
	trimmed = strings.TrimPrefix(trimmed, "export ")
	eq := strings.IndexByte(trimmed, '=')
	if eq <= 0 {
		return "", false
	}
	return strings.TrimSpace(trimmed[:eq]), true
}

// checkValue rejects control characters other than line breaks and tabs,
// literal "\n" or "\r" sequences, which read back as line breaks, and a
// trailing backslash or double quote, which escaping would leave in front of
// the closing quote.
func checkValue(value string) error {
	if strings.Contains(value, `\n`) || strings.Contains(value, `\r`) {
		return ErrUnencodable
	}
	if strings.HasSuffix(value, `\`) || strings.HasSuffix(value, `"`) {
		return ErrUnencodable
	}
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return ErrUnencodable
		}
	}
	return nil
}

var escaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	`$`, `\$`,
	"\n", `\n`,
	"\r", `\r`,
)

// format double quotes values that need it. Line breaks are escaped so a
// value always stays on its own line.
func format(key, value string) string {
	if strings.ContainsAny(value, " \t\n\r#\"'\\$") {
		value = `"` + escaper.Replace(value) + `"`
	}
	return key + "=" + value
}
