// Package envfile maintains a dotenv-style key/value file that other tools
// load as environment variables.
package envfile

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/subosito/gotenv"
)

// SecretPrefix is prepended to every key written for a secret.
const SecretPrefix = "SECRET_"

var (
	ErrWriteFailed = errors.New("envfile: write failed")
	ErrInvalidKey  = errors.New("envfile: invalid key")
)

// File is an env file on disk. It is read in full and replaced on every Set.
type File struct {
	path string
}

// New returns a File for path. The file is created on the first Set.
func New(path string) *File {
	return &File{path: path}
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// SecretKey returns the env key under which the secret titled title is
// stored: SecretPrefix followed by the title with every character outside
// [A-Za-z0-9_] replaced by an underscore.
func SecretKey(title string) string {
	var sb strings.Builder
	sb.WriteString(SecretPrefix)
	for _, r := range title {
		if r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// Read parses the file. A missing file reads as empty.
func (f *File) Read() (map[string]string, error) {
	data, err := f.load()
	if err != nil {
		return nil, err
	}
	return parse(data, f.path)
}

func (f *File) load() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("envfile: read %s: %w", f.path, err)
	}
	return data, nil
}

func parse(data []byte, path string) (map[string]string, error) {
	env, err := gotenv.StrictParse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("envfile: parse %s: %w", path, err)
	}
	return env, nil
}

// Set stores key=value, keeping every other key already in the file. Only
// the line for key is replaced (or appended); comments, blank lines and the
// order of other keys are left alone. The file is replaced atomically and
// always ends up with mode 0600.
func (f *File) Set(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	// Security: never follow a symlink planted at the target path
	if info, err := os.Lstat(f.path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing to write to symlink %s", ErrWriteFailed, f.path)
	}

	existing, err := f.load()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	env, err := parse(existing, f.path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	env[key] = value

	quoted, ok := quoteValue(value)
	if !ok {
		return fmt.Errorf("%w: value of %s cannot be represented in an env file", ErrWriteFailed, key)
	}

	content := replaceLine(existing, key, key+"="+quoted)
	if !readsBackAs(content, env) {
		// The line edit confused a multi-line value; write every key afresh.
		content, ok = render(env)
		if !ok || !readsBackAs(content, env) {
			return fmt.Errorf("%w: %s cannot be rewritten without changing its values", ErrWriteFailed, f.path)
		}
	}

	if err := writeAtomic(f.path, content); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

const header = "# Managed by secretmgr\n# WARNING: DO NOT COMMIT THIS FILE TO VERSION CONTROL\n"

// replaceLine swaps the first assignment of key in data for line and drops
// any later ones. Without an assignment, line is appended. A new file starts
// with the managed-file header.
func replaceLine(data []byte, key, line string) []byte {
	if len(data) == 0 {
		return []byte(header + line + "\n")
	}

	var buf bytes.Buffer
	replaced := false
	for _, l := range strings.SplitAfter(string(data), "\n") {
		if lineKey(l) != key {
			buf.WriteString(l)
			continue
		}
		if !replaced {
			buf.WriteString(line + "\n")
			replaced = true
		}
	}
	if !replaced {
		if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
			buf.WriteByte('\n')
		}
		buf.WriteString(line + "\n")
	}
	return buf.Bytes()
}

// lineKey returns the key assigned on line, or "" for comments, blank lines
// and anything else.
func lineKey(line string) string {
	s := strings.TrimSpace(line)
	if s == "" || s[0] == '#' {
		return ""
	}
	if rest, ok := strings.CutPrefix(s, "export"); ok && rest != "" && (rest[0] == ' ' || rest[0] == '\t') {
		s = strings.TrimSpace(rest)
	}
	end := strings.IndexAny(s, "=:")
	if end <= 0 {
		return ""
	}
	return strings.TrimSpace(s[:end])
}

func render(env map[string]string) ([]byte, bool) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(header)
	for _, k := range keys {
		quoted, ok := quoteValue(env[k])
		if !ok {
			return nil, false
		}
		fmt.Fprintf(&buf, "%s=%s\n", k, quoted)
	}
	return buf.Bytes(), true
}

func readsBackAs(content []byte, want map[string]string) bool {
	got, err := gotenv.StrictParse(bytes.NewReader(content))
	return err == nil && maps.Equal(map[string]string(got), want)
}

// quoteValue returns value as it must appear after the '=' so that gotenv
// reads back exactly value. It tries the value bare, then double-quoted with
// escapes, then single-quoted (read literally). ok is false when no form
// reads back unchanged, for example a trailing backslash.
func quoteValue(value string) (quoted string, ok bool) {
	if value == "" {
		return "", true
	}

	var forms []string
	if value == strings.TrimSpace(value) && !strings.ContainsAny(value, " \"'\\\n\r\t#$=:`") {
		forms = append(forms, value)
	}

	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	escaped = strings.ReplaceAll(escaped, "\r", `\r`)
	escaped = strings.ReplaceAll(escaped, "$", `\$`)
	forms = append(forms, `"`+escaped+`"`)

	if !strings.Contains(value, "'") {
		forms = append(forms, "'"+value+"'")
	}

	for _, form := range forms {
		env, err := gotenv.StrictParse(strings.NewReader("K=" + form + "\n"))
		if err == nil && len(env) == 1 && env["K"] == value {
			return form, true
		}
	}
	return "", false
}

func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	// CreateTemp opens with 0600
	tmp, err := os.CreateTemp(dir, ".env-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(content)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, syncErr, closeErr); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// validateKey enforces the POSIX environment variable name pattern
// ^[A-Za-z_][A-Za-z0-9_]*$.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		letter := c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
		if i == 0 && !letter {
			return fmt.Errorf("%w: %q must start with a letter or underscore", ErrInvalidKey, key)
		}
		if !letter && !(c >= '0' && c <= '9') {
			return fmt.Errorf("%w: %q contains invalid character %q", ErrInvalidKey, key, c)
		}
	}
	return nil
}
