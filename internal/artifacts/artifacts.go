// Package artifacts manages the shared per-run artifacts directory:
// resolving declared output filenames to basenames, validating that a
// task's declared outputs exist after a [TASK_DONE] directive, and
// computing a Manifest of written files (name, SHA-256, size) attached
// to the final run report. This promotes the output-validation helper
// spec §4.6/§8 property 7 describe into a first-class type, following
// original_source/'s artifact-writer whitelist enforcement.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// FileEntry describes one written artifact.
type FileEntry struct {
	Name      string    `json:"name"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	WrittenAt time.Time `json:"written_at"`
}

// Manifest is the per-task record of artifacts written into the shared
// directory, attached to the final run report.
type Manifest struct {
	TaskID string      `json:"task_id"`
	Files  []FileEntry `json:"files"`
}

// Dir returns the shared artifacts directory for a run rooted under
// root (typically <BASE_PATH>/<project_id>/artifacts).
func Dir(root string) string {
	return filepath.Join(root, "artifacts")
}

// Resolve maps a declared output name to its path under the shared
// artifacts directory, using only the basename — outputs are
// referenced by basename per the Task invariant in §3.
func Resolve(root, name string) string {
	return filepath.Join(Dir(root), filepath.Base(name))
}

// MissingOutputs returns the subset of declared outputs that do not
// exist as files under the shared artifacts directory.
func MissingOutputs(root string, declared []string) []string {
	var missing []string
	for _, name := range declared {
		path := Resolve(root, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			missing = append(missing, name)
		}
	}
	return missing
}

// ValidationOptions extends the baseline "file exists" output contract
// with the stricter checks §4.6 allows a run to opt into.
type ValidationOptions struct {
	RequireNonEmpty    bool
	RequireJSON        bool
	MaxAgeMinutes      int
}

// Validate checks declared outputs against the shared artifacts
// directory under the given options, returning every violation found
// (not just the first) so the caller can report a complete
// "missing outputs: …" message.
func Validate(root string, declared []string, opts ValidationOptions) []string {
	var problems []string
	for _, name := range declared {
		path := Resolve(root, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			problems = append(problems, name)
			continue
		}
		if opts.RequireNonEmpty && info.Size() == 0 {
			problems = append(problems, name+" (empty)")
			continue
		}
		if opts.RequireJSON {
			raw, err := os.ReadFile(path)
			if err != nil || !json.Valid(raw) {
				problems = append(problems, name+" (not valid JSON)")
				continue
			}
		}
		if opts.MaxAgeMinutes > 0 {
			age := time.Since(info.ModTime())
			if age > time.Duration(opts.MaxAgeMinutes)*time.Minute {
				problems = append(problems, fmt.Sprintf("%s (stale: %s old)", name, age.Round(time.Second)))
			}
		}
	}
	return problems
}

// Scan computes a Manifest for a task's declared outputs after they
// have been validated present.
func Scan(root, taskID string, declared []string) (Manifest, error) {
	m := Manifest{TaskID: taskID}
	for _, name := range declared {
		path := Resolve(root, name)
		entry, err := hashFile(filepath.Base(name), path)
		if err != nil {
			return Manifest{}, fmt.Errorf("artifacts: scan %s: %w", name, err)
		}
		m.Files = append(m.Files, entry)
	}
	return m, nil
}

func hashFile(name, path string) (FileEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileEntry{}, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return FileEntry{}, err
	}
	info, err := f.Stat()
	if err != nil {
		return FileEntry{}, err
	}
	return FileEntry{
		Name:      name,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		Size:      size,
		WrittenAt: info.ModTime(),
	}, nil
}

// EnsureDir creates the shared artifacts directory for a run if it
// does not already exist.
func EnsureDir(root string) error {
	return os.MkdirAll(Dir(root), 0o755)
}
