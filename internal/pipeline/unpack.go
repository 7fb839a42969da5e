package pipeline

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/arduino-build/coordinator/internal/coorderr"
)

// extractPrefix marks an in-flight extraction directory so cancellation
// cleanup can find and remove it (spec §4.6 "a well-known prefix such as
// `temp_extract_`").
const extractPrefix = "temp_extract_"

// Unpacker extracts an archive into destDir.
type Unpacker interface {
	Unpack(ctx context.Context, archivePath, destDir string) error
}

// ArchiveUnpacker dispatches on file extension, grounded on the teacher's
// own use of archive/tar + compress/gzip in internal/reliability/restore_service.go
// for its local backup restore path.
type ArchiveUnpacker struct{}

func (ArchiveUnpacker) Unpack(ctx context.Context, archivePath, destDir string) error {
	switch {
	case strings.HasSuffix(archivePath, ".zip"):
		return unpackZip(archivePath, destDir)
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		return unpackTarGz(ctx, archivePath, destDir)
	default:
		return coorderr.New(coorderr.KindDefectiveManifest, fmt.Sprintf("unsupported archive format: %s", archivePath))
	}
}

func unpackZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return classifyUnpackErr(err)
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(destDir, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return coorderr.New(coorderr.KindDefectiveManifest, fmt.Sprintf("zip entry escapes destination: %s", f.Name))
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return classifyUnpackErr(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return classifyUnpackErr(err)
		}
		if err := extractZipEntry(f, target); err != nil {
			return classifyUnpackErr(err)
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func unpackTarGz(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return classifyUnpackErr(err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return classifyUnpackErr(err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		select {
		case <-ctx.Done():
			return coorderr.New(coorderr.KindCancelled, "unpack cancelled")
		default:
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return classifyUnpackErr(err)
		}

		target := filepath.Join(destDir, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return coorderr.New(coorderr.KindDefectiveManifest, fmt.Sprintf("tar entry escapes destination: %s", hdr.Name))
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return classifyUnpackErr(err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return classifyUnpackErr(err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return classifyUnpackErr(err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return classifyUnpackErr(err)
			}
			out.Close()
		}
	}
}

// classifyUnpackErr distinguishes the one retryable unpack failure kind
// (permission denied, to tolerate antivirus scanners holding files
// briefly) from every other, permanent, failure (spec §4.6 "Unpack: on
// permission-denied retry... Other errors are permanent").
func classifyUnpackErr(err error) error {
	if os.IsPermission(err) {
		return coorderr.Wrap(coorderr.KindTransientIO, "permission denied during unpack", err)
	}
	return coorderr.Wrap(coorderr.KindDefectiveManifest, "unpack failed", err)
}
