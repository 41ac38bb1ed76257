package remote

import (
	"bytes"
	"context"
	"crypto/rand"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	ncerr "sshlink/internal/errors"
	"sshlink/internal/sshtest"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFilesystemOperations(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	h := newTestHandle(t, srv, nil)
	ctx := context.Background()
	root := t.TempDir()

	dir := filepath.Join(root, "Movies")
	if err := h.CreateDirectory(ctx, dir); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	writeFile(t, filepath.Join(dir, "b.mkv"), []byte("bbbb"))
	writeFile(t, filepath.Join(dir, "a.mkv"), []byte("aa"))

	entries, err := h.ListDirectory(ctx, dir)
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "a.mkv" || entries[1].Name != "b.mkv" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Size != 2 || entries[0].Path != filepath.Join(dir, "a.mkv") {
		t.Errorf("a.mkv = %+v", entries[0])
	}

	attrs, err := h.Stat(ctx, filepath.Join(dir, "b.mkv"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if attrs.Size != 4 || attrs.IsDir {
		t.Errorf("attrs = %+v", attrs)
	}
	if uint32(os.Getuid()) != attrs.UID {
		t.Errorf("uid = %d, want %d", attrs.UID, os.Getuid())
	}

	renamed := filepath.Join(dir, "c.mkv")
	if err := h.Rename(ctx, filepath.Join(dir, "b.mkv"), renamed); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := os.Stat(renamed); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}

	if err := h.Remove(ctx, renamed); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := h.Remove(ctx, renamed); err != nil {
		t.Errorf("second Remove should succeed, got %v", err)
	}
	if err := h.RemoveDirectory(ctx, filepath.Join(root, "never-existed")); err != nil {
		t.Errorf("RemoveDirectory on missing path: %v", err)
	}
}

func TestStat_NotFound(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	h := newTestHandle(t, srv, nil)

	_, err := h.Stat(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if !isNotExist(err) {
		t.Fatalf("err = %v, want not found", err)
	}
	var re *ncerr.RemoteError
	if !ncerr.As(err, &re) || re.Op != "stat" {
		t.Errorf("err = %#v, want RemoteError for stat", err)
	}
	if n := srv.Handshakes(); n != 1 {
		t.Errorf("not-found must not trigger a reconnect, handshakes = %d", n)
	}
}

func TestRemoveAll(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	h := newTestHandle(t, srv, nil)
	ctx := context.Background()

	root := filepath.Join(t.TempDir(), "Show")
	writeFile(t, filepath.Join(root, "S01", "E01.mkv"), []byte("1"))
	writeFile(t, filepath.Join(root, "S01", "E02.mkv"), []byte("2"))
	writeFile(t, filepath.Join(root, "S02", "extras", "x.nfo"), []byte("x"))
	writeFile(t, filepath.Join(root, "poster.jpg"), []byte("p"))
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := h.RemoveAll(ctx, root); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("root still exists: %v", err)
	}
	if err := h.RemoveAll(ctx, root); err != nil {
		t.Errorf("RemoveAll on missing root: %v", err)
	}
}

func TestRemoveAll_SingleFile(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	h := newTestHandle(t, srv, nil)

	f := filepath.Join(t.TempDir(), "lone.srt")
	writeFile(t, f, []byte("subs"))
	if err := h.RemoveAll(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(f); !os.IsNotExist(err) {
		t.Errorf("file still exists: %v", err)
	}
}

// ── deletionOrder with a fake tree ───────────────────────────────────

type fakeInfo struct {
	name string
	dir  bool
	link bool
}

func (f fakeInfo) Name() string { return f.name }
func (f fakeInfo) Size() int64  { return 0 }
func (f fakeInfo) Mode() fs.FileMode {
	switch {
	case f.link:
		return fs.ModeSymlink | 0o777
	case f.dir:
		return fs.ModeDir | 0o755
	}
	return 0o644
}
func (f fakeInfo) ModTime() time.Time { return time.Time{} }
func (f fakeInfo) IsDir() bool        { return f.dir }
func (f fakeInfo) Sys() interface{}   { return nil }

type fakeTree map[string][]fakeInfo

func (t fakeTree) Lstat(p string) (os.FileInfo, error) {
	if p == "/r" {
		return fakeInfo{name: "r", dir: true}, nil
	}
	return nil, fs.ErrNotExist
}

func (t fakeTree) ReadDir(p string) ([]os.FileInfo, error) {
	kids, ok := t[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	out := make([]os.FileInfo, len(kids))
	for i, k := range kids {
		out[i] = k
	}
	return out, nil
}

func TestDeletionOrder(t *testing.T) {
	tree := fakeTree{
		"/r":     {{name: "a", dir: true}, {name: "f1"}, {name: "link", link: true}},
		"/r/a":   {{name: "b", dir: true}, {name: "f2"}},
		"/r/a/b": {{name: "f3"}},
	}

	order, err := deletionOrder(tree, "/r/")
	if err != nil {
		t.Fatal(err)
	}

	pos := make(map[string]int, len(order))
	for i, e := range order {
		pos[e.Path] = i
	}
	want := []string{"/r", "/r/a", "/r/a/b", "/r/a/b/f3", "/r/a/f2", "/r/f1", "/r/link"}
	got := make([]string, 0, len(pos))
	for p := range pos {
		got = append(got, p)
	}
	sort.Strings(got)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("paths = %v, want %v", got, want)
	}

	for _, e := range order {
		if e.Path == "/r" {
			continue
		}
		parent := filepath.Dir(e.Path)
		if pos[e.Path] > pos[parent] {
			t.Errorf("%s deleted after its parent %s", e.Path, parent)
		}
	}
	if order[len(order)-1].Path != "/r" {
		t.Errorf("root should be deleted last, got %s", order[len(order)-1].Path)
	}
}

func TestDeletionOrder_MissingRoot(t *testing.T) {
	if _, err := deletionOrder(fakeTree{}, "/gone"); !isNotExist(err) {
		t.Errorf("err = %v, want not exist", err)
	}
}

// ── transfers ────────────────────────────────────────────────────────

func TestTransfer_RoundTrip(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	h := newTestHandle(t, srv, nil)
	ctx := context.Background()
	dir := t.TempDir()

	payload := make([]byte, 200*1024+123)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	local := filepath.Join(dir, "in.bin")
	writeFile(t, local, payload)

	var upCalls []float64
	remote := filepath.Join(dir, "remote.bin")
	err := h.UploadFile(ctx, local, remote, func(f float64) bool {
		upCalls = append(upCalls, f)
		return true
	})
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	checkProgress(t, "upload", upCalls)

	var downCalls []float64
	back := filepath.Join(dir, "out.bin")
	err = h.DownloadFile(ctx, remote, back, func(f float64) bool {
		downCalls = append(downCalls, f)
		return true
	})
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	checkProgress(t, "download", downCalls)

	got, err := os.ReadFile(back)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("downloaded bytes differ from uploaded bytes")
	}
	if n := h.opts.Metrics.Snapshot().TransfersCompleted; n != 2 {
		t.Errorf("transfers completed = %d, want 2", n)
	}
}

func checkProgress(t *testing.T, name string, calls []float64) {
	t.Helper()
	if len(calls) < 2 {
		t.Fatalf("%s: expected several progress calls, got %d", name, len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if calls[i] < calls[i-1] {
			t.Errorf("%s: progress went backwards: %v -> %v", name, calls[i-1], calls[i])
		}
	}
	if last := calls[len(calls)-1]; last != 1 {
		t.Errorf("%s: final progress = %v, want 1", name, last)
	}
}

func TestDownload_EmptyFileReportsCompletion(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	h := newTestHandle(t, srv, nil)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "empty"), nil)

	var calls []float64
	err := h.DownloadFile(context.Background(), filepath.Join(dir, "empty"), filepath.Join(dir, "copy"), func(f float64) bool {
		calls = append(calls, f)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != 1 {
		t.Errorf("progress calls = %v, want [1]", calls)
	}
}

func TestDownload_CancelRemovesPartialFile(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	h := newTestHandle(t, srv, nil)
	dir := t.TempDir()

	remote := filepath.Join(dir, "big.bin")
	writeFile(t, remote, make([]byte, 512*1024))
	local := filepath.Join(dir, "partial.bin")

	calls := 0
	err := h.DownloadFile(context.Background(), remote, local, func(float64) bool {
		calls++
		return calls < 2
	})
	if !ncerr.IsCancelled(err) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Errorf("partial file should be removed, stat err = %v", err)
	}
	if n := h.opts.Metrics.Snapshot().TransfersCancelled; n != 1 {
		t.Errorf("transfers cancelled = %d, want 1", n)
	}
}

func TestUpload_ContextCancelled(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	h := newTestHandle(t, srv, nil)
	dir := t.TempDir()

	local := filepath.Join(dir, "src.bin")
	writeFile(t, local, make([]byte, 256*1024))
	remote := filepath.Join(dir, "dst.bin")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := h.UploadFile(ctx, local, remote, func(float64) bool {
		cancel()
		return true
	})
	if !ncerr.IsCancelled(err) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if _, err := os.Stat(remote); !os.IsNotExist(err) {
		t.Errorf("partial remote file should be removed, stat err = %v", err)
	}
}

func TestUpload_MissingLocalFile(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	h := newTestHandle(t, srv, nil)

	err := h.UploadFile(context.Background(), "/definitely/not/here", filepath.Join(t.TempDir(), "x"), nil)
	if !ncerr.IsNotFound(err) {
		t.Errorf("err = %v, want not exist", err)
	}
	if srv.Handshakes() != 0 {
		t.Error("a missing local file should fail before connecting")
	}
}

func TestDownloadToMemory(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	h := newTestHandle(t, srv, nil)
	f := filepath.Join(t.TempDir(), "settings.json")
	writeFile(t, f, []byte(`{"ok":true}`))

	data, err := h.DownloadToMemory(context.Background(), f, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("data = %q", data)
	}

	if _, err := h.DownloadToMemory(context.Background(), f, 4); err == nil {
		t.Error("expected size limit error")
	}
}

func TestFraction(t *testing.T) {
	tests := []struct {
		done, size int64
		want       float64
	}{
		{0, 0, 1},
		{50, 100, 0.5},
		{100, 100, 1},
		{150, 100, 1},
	}
	for _, tt := range tests {
		if got := fraction(tt.done, tt.size); got != tt.want {
			t.Errorf("fraction(%d, %d) = %v, want %v", tt.done, tt.size, got, tt.want)
		}
	}
}
