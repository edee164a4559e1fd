package carver

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Extract unpacks a tar archive, optionally zstd-compressed, into dest and returns the extracted
// regular files relative to dest. Windows style entry names are normalised and entries that would
// land outside dest are rejected.
func Extract(ctx context.Context, archivePath, dest string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("carver: open archive: %w", err)
	}
	defer file.Close()

	br := bufio.NewReader(file)
	var r io.Reader = br
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		decoder, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("carver: zstd reader: %w", err)
		}
		defer decoder.Close()
		r = decoder
	}

	if err := ensureDir(dest); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("carver: resolve %s: %w", dest, err)
	}

	var files []string
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("carver: read tar entry: %w", err)
		}

		name, err := entryName(header.Name)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}

		target := filepath.Join(root, filepath.FromSlash(name))
		if !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return nil, fmt.Errorf("carver: invalid entry path %q", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("carver: mkdir %q: %w", name, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return nil, fmt.Errorf("carver: extract %q: %w", name, err)
			}
			files = append(files, name)
		}
	}
	return files, nil
}

// entryName maps a tar entry name to a clean relative slash path. Osquery carves may carry
// Windows paths such as C:\Windows\Prefetch\CMD.EXE-1234.pf.
func entryName(raw string) (string, error) {
	name := strings.ReplaceAll(raw, `\`, "/")
	if len(name) >= 2 && name[1] == ':' {
		name = name[2:]
	}
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return "", nil
	}
	name = path.Clean(name)
	if name == "." {
		return "", nil
	}
	if name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("carver: invalid entry path %q", raw)
	}
	return name, nil
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
