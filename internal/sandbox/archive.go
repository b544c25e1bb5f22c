package sandbox

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

const maxAdditionalFilesBytes = 8 << 20

var ErrUnsafePath = errors.New("unsafe file path")

// buildArchive packs the source file and any extra files under workDir. The
// result is meant to be extracted at "/" so workDir is created with it.
func buildArchive(workDir, sourceFile, source string, files []File) (io.Reader, error) {
	dir := strings.Trim(workDir, "/")
	if dir == "" {
		return nil, fmt.Errorf("invalid work dir %q", workDir)
	}
	if err := checkName(sourceFile); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     dir + "/",
		Mode:     0o777,
		ModTime:  now,
	}); err != nil {
		return nil, fmt.Errorf("write dir header: %w", err)
	}

	entries := make([]File, 0, len(files)+1)
	entries = append(entries, files...)
	// The submitted source wins over an additional file with the same name.
	entries = append(entries, File{Name: sourceFile, Content: []byte(source)})

	for _, f := range entries {
		if err := checkName(f.Name); err != nil {
			return nil, err
		}
		if err := addParents(tw, dir, f.Name, now); err != nil {
			return nil, err
		}
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     path.Join(dir, f.Name),
			Mode:     0o666,
			Size:     int64(len(f.Content)),
			ModTime:  now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write header for %s: %w", f.Name, err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.Name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return &buf, nil
}

func addParents(tw *tar.Writer, dir, name string, now time.Time) error {
	parent := path.Dir(name)
	if parent == "." {
		return nil
	}
	var walked string
	for _, part := range strings.Split(parent, "/") {
		walked = path.Join(walked, part)
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     path.Join(dir, walked) + "/",
			Mode:     0o777,
			ModTime:  now,
		}); err != nil {
			return fmt.Errorf("write dir header: %w", err)
		}
	}
	return nil
}

func checkName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	clean := path.Clean(name)
	if clean != name || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return nil
}

// ExtractZip unpacks an additional-files archive into memory. Directories
// are skipped; their files carry the full relative path.
func ExtractZip(data []byte) ([]File, error) {
	if len(data) == 0 {
		return nil, nil
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	var (
		files []File
		total int64
	)
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		if err := checkName(zf.Name); err != nil {
			return nil, err
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", zf.Name, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxAdditionalFilesBytes-total+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", zf.Name, err)
		}
		total += int64(len(content))
		if total > maxAdditionalFilesBytes {
			return nil, fmt.Errorf("additional files exceed %d bytes", maxAdditionalFilesBytes)
		}
		files = append(files, File{Name: zf.Name, Content: content})
	}
	return files, nil
}
