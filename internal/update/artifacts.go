package update

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/klauspost/compress/zip"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/nodecross/nodex-agent/internal/errdefs"
)

func diskFree(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// capacity requires room for a backup copy plus the extracted payload. The
// payload is estimated without network access as the larger of the current
// binary and MinPayloadBytes; extract re-checks against the real archive.
func (c *Coordinator) capacity(s *Session) error {
	backup, err := c.backupSize(s)
	if err != nil {
		return err
	}
	binInfo, err := os.Stat(filepath.Join(s.InstallDir, s.Binary))
	if err != nil {
		return errdefs.IO("stat binary", filepath.Join(s.InstallDir, s.Binary), err)
	}
	payload := max(binInfo.Size(), c.opts.MinPayloadBytes)
	need := uint64(backup + payload)

	free, err := c.opts.FreeSpace(s.InstallDir)
	if err != nil {
		return errdefs.IO("query free space", s.InstallDir, err)
	}
	if free < need {
		return errdefs.Capacity("check free space", s.InstallDir,
			fmt.Errorf("need %d bytes, %d available", need, free))
	}
	return nil
}

func (c *Coordinator) backupSources(s *Session) []string {
	src := []string{s.Binary}
	return append(src, c.opts.Resources...)
}

func (c *Coordinator) backupSize(s *Session) (int64, error) {
	var total int64
	for _, rel := range c.backupSources(s) {
		root := filepath.Join(s.InstallDir, rel)
		err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				info, err := d.Info()
				if err != nil {
					return err
				}
				total += info.Size()
			}
			return nil
		})
		if err != nil && !(rel != s.Binary && os.IsNotExist(err)) {
			return 0, errdefs.IO("measure backup", root, err)
		}
	}
	return total, nil
}

// backup copies the binary and resources into
// <install>/.backup/<binary>-<version>-<unix>. Missing resources are skipped.
func (c *Coordinator) backup(s *Session) error {
	name := s.Binary + "-" + c.opts.Version + "-" + strconv.FormatInt(s.StartedAt.Unix(), 10)
	s.BackupDir = filepath.Join(s.InstallDir, BackupDirName, name)
	if err := os.MkdirAll(s.BackupDir, 0o750); err != nil {
		return errdefs.IO("create backup dir", s.BackupDir, err)
	}
	for _, rel := range c.backupSources(s) {
		src := filepath.Join(s.InstallDir, rel)
		if _, err := os.Lstat(src); os.IsNotExist(err) && rel != s.Binary {
			c.logger.Debug("backup resource missing; skipped", "path", src)
			continue
		}
		if err := copyTree(src, filepath.Join(s.BackupDir, rel)); err != nil {
			return errdefs.IO("backup", src, err)
		}
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o750)
		case info.Mode().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src) // #nosec G304 paths come from the install dir
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// download fetches the archive into memory. It is the only step bound by a timeout.
func (c *Coordinator) download(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return errdefs.Network("build request", s.URL, err)
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return errdefs.Network("download", s.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errdefs.Network("download", s.URL, fmt.Errorf("unexpected status %s", resp.Status))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxPayloadBytes+1))
	if err != nil {
		return errdefs.Network("read body", s.URL, err)
	}
	if int64(len(body)) > c.opts.MaxPayloadBytes {
		return errdefs.Network("read body", s.URL, fmt.Errorf("payload exceeds %d bytes", c.opts.MaxPayloadBytes))
	}
	s.payload = body
	return nil
}

// extract unpacks the archive into the install dir. Existing files are
// replaced through a rename so a running executable is never truncated;
// unrelated content is left alone.
func (c *Coordinator) extract(s *Session) error {
	zr, err := zip.NewReader(bytes.NewReader(s.payload), int64(len(s.payload)))
	if err != nil {
		return errdefs.Integrity("open archive", s.URL, err)
	}

	var total uint64
	for _, f := range zr.File {
		if !filepath.IsLocal(filepath.FromSlash(f.Name)) {
			return errdefs.IO("extract", f.Name, errors.New("entry escapes install dir"))
		}
		total += f.UncompressedSize64
	}
	if free, err := c.opts.FreeSpace(s.InstallDir); err == nil && free < total {
		return errdefs.Capacity("extract", s.InstallDir, fmt.Errorf("archive needs %d bytes, %d available", total, free))
	}
	// Nothing is written until every entry passes its CRC check.
	for _, f := range zr.File {
		if err := verifyEntry(f); err != nil {
			return errdefs.Integrity("verify archive", s.URL, fmt.Errorf("%s: %w", f.Name, err))
		}
	}

	for _, f := range zr.File {
		target := filepath.Join(s.InstallDir, filepath.FromSlash(f.Name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return errdefs.IO("create dir", target, err)
			}
			continue
		}
		if err := writeEntry(f, target); err != nil {
			if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) {
				return errdefs.Integrity("extract", s.URL, fmt.Errorf("%s: %w", f.Name, err))
			}
			return errdefs.IO("extract", target, err)
		}
	}

	bin := filepath.Join(s.InstallDir, s.Binary)
	if runtime.GOOS != "windows" {
		if _, err := os.Stat(bin); err == nil {
			if err := os.Chmod(bin, 0o755); err != nil { // #nosec G302 executable
				return errdefs.IO("chmod", bin, err)
			}
		}
	}
	s.payload = nil
	return nil
}

func verifyEntry(f *zip.File) error {
	if f.FileInfo().IsDir() {
		return nil
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	_, err = io.Copy(io.Discard, rc) // #nosec G110 size bounded by the checksum reader
	return err
}

func writeEntry(f *zip.File, target string) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	// The checksum reader fails with ErrFormat past the declared size and
	// checks the CRC at EOF, so the copy must run to EOF.
	if _, err := io.Copy(tmp, rc); err != nil { // #nosec G110 size bounded by the checksum reader
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
