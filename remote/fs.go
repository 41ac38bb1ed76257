package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"

	ncerr "sshlink/internal/errors"
)

// Entry is one item of a remote directory listing.
type Entry struct {
	Name      string
	Path      string
	Size      int64
	Mode      fs.FileMode
	ModTime   time.Time
	IsDir     bool
	IsSymlink bool
}

// Attributes is the result of [Handle.Stat].
type Attributes struct {
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	IsDir   bool
	UID     uint32
	GID     uint32
}

func entryFromInfo(dir string, fi os.FileInfo) Entry {
	return Entry{
		Name:      fi.Name(),
		Path:      path.Join(dir, fi.Name()),
		Size:      fi.Size(),
		Mode:      fi.Mode(),
		ModTime:   fi.ModTime(),
		IsDir:     fi.IsDir(),
		IsSymlink: fi.Mode()&fs.ModeSymlink != 0,
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}

// isNotExist reports whether err means the remote path is missing.
func isNotExist(err error) bool {
	if ncerr.IsNotFound(err) {
		return true
	}
	var se *sftp.StatusError
	return errors.As(err, &se) && se.Code == uint32(sftp.ErrSSHFxNoSuchFile)
}

func isPermission(err error) bool {
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	var se *sftp.StatusError
	return errors.As(err, &se) && se.Code == uint32(sftp.ErrSSHFxPermissionDenied)
}

// ListDirectory returns the entries of dir sorted by name.  If the
// SFTP listing fails for a reason other than a missing directory or a
// permission problem, the listing is retried through find(1).
func (h *Handle) ListDirectory(ctx context.Context, dir string) ([]Entry, error) {
	var entries []Entry
	err := h.do(ctx, "list", dir, func(s *session) error {
		c, err := s.sftpClient()
		if err != nil {
			return err
		}
		infos, err := c.ReadDir(dir)
		if err != nil {
			return err
		}
		entries = make([]Entry, 0, len(infos))
		for _, fi := range infos {
			entries = append(entries, entryFromInfo(dir, fi))
		}
		return nil
	})
	if err == nil {
		sortEntries(entries)
		return entries, nil
	}
	if isNotExist(err) || isPermission(err) || ncerr.IsCancelled(err) ||
		ncerr.IsAuth(err) || errors.Is(err, ncerr.ErrTimeout) {
		return nil, err
	}

	h.log.Verbose("sftp listing of %s failed (%v), trying find", dir, err)
	entries, ferr := h.listViaFind(ctx, dir)
	if ferr != nil {
		return nil, err
	}
	return entries, nil
}

const findFormat = `%y\t%s\t%T@\t%m\t%f\n`

func (h *Handle) listViaFind(ctx context.Context, dir string) ([]Entry, error) {
	cmd := fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -printf '%s'", shellQuote(dir), findFormat)
	status, out, err := h.ExecuteCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, ncerr.Remote("list", dir, fmt.Errorf("find exited with status %d: %s", status, strings.TrimSpace(out)))
	}
	entries, err := parseFindListing(dir, out)
	if err != nil {
		return nil, ncerr.Remote("list", dir, err)
	}
	sortEntries(entries)
	return entries, nil
}

// parseFindListing decodes lines of "type size mtime mode name"
// separated by tabs.
func parseFindListing(dir, out string) ([]Entry, error) {
	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		f := strings.SplitN(line, "\t", 5)
		if len(f) != 5 {
			return nil, fmt.Errorf("malformed listing line %q", line)
		}
		size, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad size in %q: %w", line, err)
		}
		secs, err := strconv.ParseFloat(f[2], 64)
		if err != nil {
			return nil, fmt.Errorf("bad mtime in %q: %w", line, err)
		}
		perm, err := strconv.ParseUint(f[3], 8, 32)
		if err != nil {
			return nil, fmt.Errorf("bad mode in %q: %w", line, err)
		}

		mode := fs.FileMode(perm) & fs.ModePerm
		switch f[0] {
		case "d":
			mode |= fs.ModeDir
		case "l":
			mode |= fs.ModeSymlink
		}
		whole := int64(secs)
		entries = append(entries, Entry{
			Name:      f[4],
			Path:      path.Join(dir, f[4]),
			Size:      size,
			Mode:      mode,
			ModTime:   time.Unix(whole, int64((secs-float64(whole))*1e9)),
			IsDir:     f[0] == "d",
			IsSymlink: f[0] == "l",
		})
	}
	return entries, nil
}

// CreateDirectory creates dir.  The parent must exist.
func (h *Handle) CreateDirectory(ctx context.Context, dir string) error {
	return h.do(ctx, "mkdir", dir, func(s *session) error {
		c, err := s.sftpClient()
		if err != nil {
			return err
		}
		return c.Mkdir(dir)
	})
}

// Remove deletes a file or symlink.  A missing path is not an error.
func (h *Handle) Remove(ctx context.Context, p string) error {
	err := h.do(ctx, "remove", p, func(s *session) error {
		c, err := s.sftpClient()
		if err != nil {
			return err
		}
		return c.Remove(p)
	})
	if isNotExist(err) {
		return nil
	}
	return err
}

// RemoveDirectory deletes an empty directory.  A missing path is not
// an error.
func (h *Handle) RemoveDirectory(ctx context.Context, dir string) error {
	err := h.do(ctx, "rmdir", dir, func(s *session) error {
		c, err := s.sftpClient()
		if err != nil {
			return err
		}
		return c.RemoveDirectory(dir)
	})
	if isNotExist(err) {
		return nil
	}
	return err
}

// RemoveAll deletes root and everything below it.  The whole subtree
// is enumerated first, then removed deepest-first, one call per path.
// Paths that vanish in the meantime are skipped.
func (h *Handle) RemoveAll(ctx context.Context, root string) error {
	var order []Entry
	err := h.do(ctx, "remove", root, func(s *session) error {
		c, err := s.sftpClient()
		if err != nil {
			return err
		}
		order, err = deletionOrder(c, root)
		return err
	})
	if isNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	h.log.Verbose("removing %d paths under %s", len(order), root)
	for _, e := range order {
		if e.IsDir && !e.IsSymlink {
			err = h.RemoveDirectory(ctx, e.Path)
		} else {
			err = h.Remove(ctx, e.Path)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// treeReader is the part of *sftp.Client used to walk a subtree.
type treeReader interface {
	Lstat(p string) (os.FileInfo, error)
	ReadDir(p string) ([]os.FileInfo, error)
}

// deletionOrder walks root and returns every path below it, root
// included, ordered so that no directory comes before its contents.
// Symlinks to directories are not followed.
func deletionOrder(c treeReader, root string) ([]Entry, error) {
	root = path.Clean(root)
	fi, err := c.Lstat(root)
	if err != nil {
		return nil, err
	}
	top := entryFromInfo(path.Dir(root), fi)
	top.Path = root
	if !top.IsDir || top.IsSymlink {
		return []Entry{top}, nil
	}

	var out []Entry
	var walk func(dir string) error
	walk = func(dir string) error {
		infos, err := c.ReadDir(dir)
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return err
		}
		for _, fi := range infos {
			e := entryFromInfo(dir, fi)
			out = append(out, e)
			if e.IsDir && !e.IsSymlink {
				if err := walk(e.Path); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	out = append(out, top)

	sort.SliceStable(out, func(i, j int) bool { return depth(out[i].Path) > depth(out[j].Path) })
	return out, nil
}

func depth(p string) int { return strings.Count(path.Clean(p), "/") }

// Rename moves oldPath to newPath, replacing newPath if the server
// supports it.
func (h *Handle) Rename(ctx context.Context, oldPath, newPath string) error {
	return h.do(ctx, "rename", oldPath, func(s *session) error {
		c, err := s.sftpClient()
		if err != nil {
			return err
		}
		err = c.Rename(oldPath, newPath)
		if err == nil || isNotExist(err) {
			return err
		}
		if perr := c.PosixRename(oldPath, newPath); perr == nil {
			return nil
		}
		return err
	})
}

// Stat returns the attributes of p, following symlinks.
func (h *Handle) Stat(ctx context.Context, p string) (Attributes, error) {
	var attrs Attributes
	err := h.do(ctx, "stat", p, func(s *session) error {
		c, err := s.sftpClient()
		if err != nil {
			return err
		}
		fi, err := c.Stat(p)
		if err != nil {
			return err
		}
		attrs = Attributes{
			Size:    fi.Size(),
			Mode:    fi.Mode(),
			ModTime: fi.ModTime(),
			IsDir:   fi.IsDir(),
		}
		if st, ok := fi.Sys().(*sftp.FileStat); ok {
			attrs.UID, attrs.GID = st.UID, st.GID
		}
		return nil
	})
	return attrs, err
}
