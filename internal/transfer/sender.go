// Package transfer implements the chunked file pipeline: copying files
// into the managed attachments directory, stream-hashing, producing
// ordered base64 chunks on the sending side, and reassembling + verifying
// them on the receiving side.
package transfer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
)

// Wire limits for file transfers.
const (
	MaxFileSize = 200 << 20 // 200 MiB
	ChunkSize   = 64 << 10  // 64 KiB
)

// ChunkCount returns the number of chunks for a file of the given size.
// An empty file still ships one zero-length chunk.
func ChunkCount(size int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// ManagedPath returns the attachment path for a message's file inside the
// managed root: <root>/<messageId>_<sanitizedName>.
func ManagedPath(root, messageID, fileName string) string {
	return filepath.Join(root, messageID+"_"+SanitizeFileName(fileName))
}

// IsManaged reports whether path lives inside the managed root. Only
// managed paths may ever be deleted by the core.
func IsManaged(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && rel != "." &&
		!(len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator))
}

// CopyIntoManaged copies srcPath into the managed root under
// <messageId>_<sanitizedName>, stream-hashing while copying. Files over
// MaxFileSize are rejected before any bytes move.
func CopyIntoManaged(root, messageID, srcPath string) (path string, size int64, sha string, err error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return "", 0, "", fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return "", 0, "", fmt.Errorf("source is a directory: %s", srcPath)
	}
	if info.Size() > MaxFileSize {
		return "", 0, "", fmt.Errorf("file exceeds %d bytes: %d", int64(MaxFileSize), info.Size())
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", 0, "", fmt.Errorf("create attachments directory: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", 0, "", fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	path = ManagedPath(root, messageID, filepath.Base(srcPath))
	dst, err := os.Create(path)
	if err != nil {
		return "", 0, "", fmt.Errorf("create attachment: %w", err)
	}

	h := sha256.New()
	size, err = io.Copy(io.MultiWriter(dst, h), src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, "", fmt.Errorf("copy attachment: %w", err)
	}
	return path, size, hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ChunkIter lazily produces the ordered chunk payloads of one file.
// Chunks are read on demand so socket back-pressure propagates to disk
// reads; a sender resuming at chunk N opens with start = N.
type ChunkIter struct {
	f      *os.File
	fileID string
	size   int64
	total  int
	next   int
}

// OpenChunks opens path for chunked reading starting at chunk index start.
func OpenChunks(path, fileID string, start int) (*ChunkIter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat attachment: %w", err)
	}
	total := ChunkCount(info.Size())
	if start < 0 || start >= total {
		start = 0
	}
	if start > 0 {
		if _, err := f.Seek(int64(start)*ChunkSize, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek to chunk %d: %w", start, err)
		}
	}
	return &ChunkIter{f: f, fileID: fileID, size: info.Size(), total: total, next: start}, nil
}

// Total returns the chunk count of the file.
func (it *ChunkIter) Total() int { return it.total }

// Size returns the file size in bytes.
func (it *ChunkIter) Size() int64 { return it.size }

// Next returns the next chunk payload. ok is false once every chunk has
// been produced; the iterator closes itself on exhaustion or error.
func (it *ChunkIter) Next() (p protocol.FileChunkPayload, ok bool, err error) {
	if it.f == nil || it.next >= it.total {
		it.Close()
		return protocol.FileChunkPayload{}, false, nil
	}

	buf := make([]byte, ChunkSize)
	n, err := io.ReadFull(it.f, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	if err != nil {
		it.Close()
		return protocol.FileChunkPayload{}, false, fmt.Errorf("read chunk %d: %w", it.next, err)
	}

	p = protocol.FileChunkPayload{
		FileID:     it.fileID,
		Index:      it.next,
		Total:      it.total,
		DataBase64: base64.StdEncoding.EncodeToString(buf[:n]),
	}
	it.next++
	if it.next >= it.total {
		it.Close()
	}
	return p, true, nil
}

// Close releases the underlying file. Safe to call repeatedly.
func (it *ChunkIter) Close() {
	if it.f != nil {
		_ = it.f.Close()
		it.f = nil
	}
}
