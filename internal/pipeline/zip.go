package pipeline

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// reactorBootstrapName is the binary name the provided.al2023 Lambda runtime
// executes from the deployment package.
const reactorBootstrapName = "bootstrap"

// execPermission is the Unix permission mode for executable files in the ZIP.
const execPermission = 0o755

// buildReactorZIP creates an in-memory ZIP archive containing the
// pre-compiled reactor bootstrap binary read from binaryPath.
func buildReactorZIP(binaryPath string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	if err := addDiskFile(w, reactorBootstrapName, binaryPath); err != nil {
		return nil, fmt.Errorf("add %s: %w", reactorBootstrapName, err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}

// buildSourceZIP creates an in-memory ZIP archive of the designated source
// files for CodeBuild. Each file is stored under its base name, matching the
// flat layout buildspec.yml expects.
func buildSourceZIP(paths []string) ([]byte, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no source files configured")
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	for _, p := range paths {
		if err := addDiskFile(w, filepath.Base(p), p); err != nil {
			return nil, fmt.Errorf("add %s: %w", p, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}

// addDiskFile adds a file from disk to the ZIP archive with exec permissions.
func addDiskFile(w *zip.Writer, name, srcPath string) error {
	absPath, err := filepath.Abs(srcPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	f, err := os.Open(absPath) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	header := &zip.FileHeader{
		Name:               name,
		Method:             zip.Deflate,
		UncompressedSize64: uint64(info.Size()), //nolint:gosec // file size is always non-negative
	}
	header.SetMode(execPermission)

	zf, err := w.CreateHeader(header)
	if err != nil {
		return err
	}

	_, err = io.Copy(zf, f)
	return err
}
