package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"path"
	"strings"
	"time"
)

// FilePermission is the default mode of materialized files.
const FilePermission = 0o644

// BuildArchive packs files into an uncompressed tar stream suitable for
// extraction with `tar -x` inside a sandbox. Names must be relative and stay
// inside the extraction directory.
func BuildArchive(files []File) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	for _, f := range files {
		name, err := cleanArchiveName(f.Name)
		if err != nil {
			return nil, err
		}

		mode := f.Mode
		if mode == 0 {
			mode = FilePermission
		}

		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     mode,
			Size:     int64(len(f.Content)),
			ModTime:  now,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("failed to write tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, fmt.Errorf("failed to write tar content for %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func cleanArchiveName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty file name in archive")
	}
	if path.IsAbs(name) {
		return "", fmt.Errorf("absolute path not allowed in archive: %s", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe relative path in archive: %s", name)
	}
	return clean, nil
}

// extractArgs is the in-sandbox command that unpacks an archive from stdin.
func extractArgs(dir string) []string {
	return []string{"tar", "-xof", "-", "-C", dir}
}
