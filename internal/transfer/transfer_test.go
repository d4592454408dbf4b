package transfer

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

// writeTempFile writes content to a fresh file and returns its path.
func writeTempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestSanitizeFileName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"photo.png", "photo.png"},
		{`a<b>c:d"e/f\g|h?i*j.txt`, "a_b_c_d_e_f_g_h_i_j.txt"},
		{"ctrl\x01\x1fname", "ctrl__name"},
		{"  padded.doc  ", "padded.doc"},
		{"", "arquivo"},
		{"///", "___"},
		{" \t ", "arquivo"},
	}
	for _, tc := range cases {
		if got := SanitizeFileName(tc.in); got != tc.want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestChunkCount(t *testing.T) {
	cases := []struct {
		size int64
		want int
	}{
		{0, 1},
		{1, 1},
		{ChunkSize, 1},
		{ChunkSize + 1, 2},
		{3 * ChunkSize, 3},
	}
	for _, tc := range cases {
		if got := ChunkCount(tc.size); got != tc.want {
			t.Errorf("ChunkCount(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestIsManaged(t *testing.T) {
	root := t.TempDir()
	if !IsManaged(root, filepath.Join(root, "m1_a.png")) {
		t.Error("path inside root reported unmanaged")
	}
	if IsManaged(root, filepath.Join(root, "..", "escape.png")) {
		t.Error("path outside root reported managed")
	}
	if IsManaged(root, "/etc/passwd") {
		t.Error("absolute foreign path reported managed")
	}
}

// TestCopyIntoManaged verifies the copy lands at the managed path with a
// correct stream hash.
func TestCopyIntoManaged(t *testing.T) {
	content := []byte("the quick brown fox")
	src := writeTempFile(t, "notes.txt", content)
	root := t.TempDir()

	path, size, sha, err := CopyIntoManaged(root, "m1", src)
	if err != nil {
		t.Fatalf("CopyIntoManaged: %v", err)
	}
	if want := filepath.Join(root, "m1_notes.txt"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d", size)
	}
	sum := sha256.Sum256(content)
	if sha != hex.EncodeToString(sum[:]) {
		t.Errorf("sha mismatch")
	}
	got, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(got, content) {
		t.Errorf("managed copy differs: %v", err)
	}
}

// sendThrough pumps a file through the offer/chunks/complete pipeline to
// a receiver, exactly as the control loop does.
func sendThrough(t *testing.T, r *Receiver, from, fileID, messageID, name string, content []byte) (Result, error) {
	t.Helper()
	src := writeTempFile(t, name, content)
	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])

	if _, err := r.Offer(from, fileID, messageID, name, int64(len(content)), sha); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	it, err := OpenChunks(src, fileID, 0)
	if err != nil {
		t.Fatalf("OpenChunks: %v", err)
	}
	for {
		p, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if _, err := r.Chunk(p.FileID, p.Index, p.Total, p.DataBase64); err != nil {
			return Result{}, err
		}
	}
	return r.Complete(fileID)
}

// TestRoundTrip verifies bytes and SHA survive the full pipeline for a
// spread of sizes, including empty and non-chunk-aligned files.
func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, ChunkSize - 1, ChunkSize, ChunkSize + 1, 3*ChunkSize + 17}
	for _, n := range sizes {
		content := make([]byte, n)
		if _, err := rand.Read(content); err != nil {
			t.Fatalf("rand: %v", err)
		}
		r := NewReceiver(t.TempDir())
		res, err := sendThrough(t, r, "dev-a", "f1", "m1", "blob.bin", content)
		if err != nil {
			t.Fatalf("size %d: %v", n, err)
		}
		got, err := os.ReadFile(res.Path)
		if err != nil {
			t.Fatalf("read result: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("size %d: bytes differ", n)
		}
		sum := sha256.Sum256(content)
		if res.SHA256 != hex.EncodeToString(sum[:]) {
			t.Errorf("size %d: sha differs", n)
		}
	}
}

// TestEmptyFileStillEmitsOneChunk pins the single zero-length chunk rule.
func TestEmptyFileStillEmitsOneChunk(t *testing.T) {
	src := writeTempFile(t, "empty.bin", nil)
	it, err := OpenChunks(src, "f1", 0)
	if err != nil {
		t.Fatalf("OpenChunks: %v", err)
	}
	p, ok, err := it.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if p.Index != 0 || p.Total != 1 || p.DataBase64 != "" {
		t.Errorf("chunk = %+v", p)
	}
	if _, ok, _ := it.Next(); ok {
		t.Error("expected exhaustion after single chunk")
	}
}

// TestResumeFromIndex verifies OpenChunks(start=N) skips the first N
// chunks and the remainder matches the file tail.
func TestResumeFromIndex(t *testing.T) {
	content := make([]byte, 2*ChunkSize+100)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("rand: %v", err)
	}
	src := writeTempFile(t, "big.bin", content)

	it, err := OpenChunks(src, "f1", 2)
	if err != nil {
		t.Fatalf("OpenChunks: %v", err)
	}
	p, ok, err := it.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if p.Index != 2 {
		t.Errorf("index = %d, want 2", p.Index)
	}
	data, _ := base64.StdEncoding.DecodeString(p.DataBase64)
	if !bytes.Equal(data, content[2*ChunkSize:]) {
		t.Error("resumed chunk bytes differ")
	}
}

// TestShaMismatchUnlinksPartial verifies invariant: after a failed
// finalize the target path does not exist.
func TestShaMismatchUnlinksPartial(t *testing.T) {
	r := NewReceiver(t.TempDir())
	content := []byte("payload")

	path, err := r.Offer("dev-a", "f1", "m1", "x.bin", int64(len(content)), "deadbeef")
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if _, err := r.Chunk("f1", 0, 1, base64.StdEncoding.EncodeToString(content)); err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if _, err := r.Complete("f1"); err == nil {
		t.Fatal("expected sha mismatch error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("partial file survived failed finalize: %v", err)
	}
}

// TestInvalidChunkIndexAborts verifies a bad index kills the transfer and
// cleans up.
func TestInvalidChunkIndexAborts(t *testing.T) {
	r := NewReceiver(t.TempDir())
	path, err := r.Offer("dev-a", "f1", "m1", "x.bin", 10, "00")
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if _, err := r.Chunk("f1", 5, 1, ""); err == nil {
		t.Fatal("expected invalid index error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("partial file survived abort")
	}
	if _, err := r.Chunk("f1", 0, 1, ""); err == nil {
		t.Error("transfer still active after abort")
	}
}

// TestDuplicateChunksDiscarded verifies replayed chunks do not corrupt
// the stream.
func TestDuplicateChunksDiscarded(t *testing.T) {
	r := NewReceiver(t.TempDir())
	content := []byte("exactly-once")
	sum := sha256.Sum256(content)

	if _, err := r.Offer("dev-a", "f1", "m1", "x.bin", int64(len(content)), hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	enc := base64.StdEncoding.EncodeToString(content)
	for i := 0; i < 3; i++ {
		if _, err := r.Chunk("f1", 0, 1, enc); err != nil {
			t.Fatalf("Chunk #%d: %v", i, err)
		}
	}
	res, err := r.Complete("f1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := os.ReadFile(res.Path)
	if !bytes.Equal(got, content) {
		t.Error("duplicate chunk corrupted file")
	}
}

// TestReOfferIdempotent covers the three re-offer cases: same transfer in
// flight, already finalized, and a conflicting sender.
func TestReOfferIdempotent(t *testing.T) {
	root := t.TempDir()
	r := NewReceiver(root)
	content := []byte("hello")
	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])

	p1, err := r.Offer("dev-a", "f1", "m1", "x.bin", int64(len(content)), sha)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	p2, err := r.Offer("dev-a", "f1", "m1", "x.bin", int64(len(content)), sha)
	if err != nil || p2 != p1 {
		t.Fatalf("re-offer: path=%q err=%v", p2, err)
	}

	if _, err := r.Chunk("f1", 0, 1, base64.StdEncoding.EncodeToString(content)); err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if _, err := r.Complete("f1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Offer for the finalized transfer returns the final path.
	p3, err := r.Offer("dev-a", "f1", "m1", "x.bin", int64(len(content)), sha)
	if err != nil || p3 != p1 {
		t.Fatalf("post-finalize offer: path=%q err=%v", p3, err)
	}

	// A different sender claiming the same fileId starts fresh.
	p4, err := r.Offer("dev-c", "f1", "m9", "y.bin", int64(len(content)), sha)
	if err != nil {
		t.Fatalf("conflicting offer: %v", err)
	}
	if p4 == p1 {
		t.Error("conflicting offer reused prior path")
	}
}
