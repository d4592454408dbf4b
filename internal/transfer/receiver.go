package transfer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Progress reports the state of one inbound transfer after a chunk.
type Progress struct {
	FileID      string
	MessageID   string
	Transferred int64
	Total       int64
	Chunks      int
	TotalChunks int
}

// Result is the outcome of finalizing one inbound transfer.
type Result struct {
	FileID    string
	MessageID string
	Path      string
	Size      int64
	SHA256    string
}

type inbound struct {
	fileID      string
	messageID   string
	sender      string
	path        string
	size        int64
	expectedSHA string
	total       int
	file        *os.File
	hash        hash.Hash
	transferred int64
	received    map[int]bool
}

type finalized struct {
	messageID string
	sender    string
	path      string
}

// Receiver is the arena of in-flight inbound transfers, keyed by fileId.
// Entries are removed on finalize or error; finalized transfers are
// remembered so a re-offer for an already-completed fileId succeeds
// idempotently.
type Receiver struct {
	mu     sync.Mutex
	root   string
	active map[string]*inbound
	done   map[string]finalized
}

// NewReceiver creates a receiver writing into the managed root.
func NewReceiver(root string) *Receiver {
	return &Receiver{
		root:   root,
		active: make(map[string]*inbound),
		done:   make(map[string]finalized),
	}
}

// Offer starts (or idempotently re-acknowledges) an inbound transfer.
// A matching offer for an active or finalized transfer from the same
// sender and message returns the existing path; a conflicting offer
// aborts the prior transfer, deletes its partial file, and starts fresh.
func (r *Receiver) Offer(from, fileID, messageID, fileName string, size int64, sha string) (string, error) {
	if size < 0 || size > MaxFileSize {
		return "", fmt.Errorf("offered size out of range: %d", size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.done[fileID]; ok && f.sender == from && f.messageID == messageID {
		return f.path, nil
	}
	if in, ok := r.active[fileID]; ok {
		if in.sender == from && in.messageID == messageID {
			return in.path, nil
		}
		r.abortLocked(in)
	}

	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return "", fmt.Errorf("create attachments directory: %w", err)
	}
	path := ManagedPath(r.root, messageID, fileName)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create attachment: %w", err)
	}

	r.active[fileID] = &inbound{
		fileID:      fileID,
		messageID:   messageID,
		sender:      from,
		path:        path,
		size:        size,
		expectedSHA: strings.ToLower(sha),
		total:       ChunkCount(size),
		file:        file,
		hash:        sha256.New(),
		received:    make(map[int]bool),
	}
	slog.Debug("transfer opened", "file_id", fileID, "path", path, "size", size)
	return path, nil
}

// Chunk appends one chunk to its transfer. Duplicate indexes are
// discarded silently; an invalid index or a total that disagrees with the
// offer aborts the transfer and removes the partial file.
func (r *Receiver) Chunk(fileID string, index, total int, dataBase64 string) (Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.active[fileID]
	if !ok {
		return Progress{}, fmt.Errorf("no active transfer for fileId %s", fileID)
	}
	if index < 0 || index >= total || total != in.total {
		r.abortLocked(in)
		return Progress{}, fmt.Errorf("invalid chunk %d/%d for fileId %s (expected total %d)",
			index, total, fileID, in.total)
	}
	if in.received[index] {
		return r.progressLocked(in), nil
	}

	data, err := base64.StdEncoding.DecodeString(dataBase64)
	if err != nil {
		r.abortLocked(in)
		return Progress{}, fmt.Errorf("decode chunk %d: %w", index, err)
	}
	if _, err := in.file.Write(data); err != nil {
		r.abortLocked(in)
		return Progress{}, fmt.Errorf("write chunk %d: %w", index, err)
	}
	in.hash.Write(data)
	in.transferred += int64(len(data))
	in.received[index] = true
	return r.progressLocked(in), nil
}

// Complete closes the write stream and verifies hash, byte count, and
// chunk count against the offer. On success the final path is returned
// and the transfer is remembered as finalized; on any mismatch the
// partial file is unlinked so the sender can re-offer.
func (r *Receiver) Complete(fileID string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.active[fileID]
	if !ok {
		if f, done := r.done[fileID]; done {
			return Result{FileID: fileID, MessageID: f.messageID, Path: f.path}, nil
		}
		return Result{}, fmt.Errorf("no active transfer for fileId %s", fileID)
	}
	delete(r.active, fileID)

	if err := in.file.Close(); err != nil {
		_ = os.Remove(in.path)
		return Result{}, fmt.Errorf("close attachment: %w", err)
	}

	sum := hex.EncodeToString(in.hash.Sum(nil))
	switch {
	case sum != in.expectedSHA:
		_ = os.Remove(in.path)
		return Result{}, fmt.Errorf("sha256 mismatch for fileId %s", fileID)
	case in.transferred != in.size:
		_ = os.Remove(in.path)
		return Result{}, fmt.Errorf("size mismatch for fileId %s: got %d want %d",
			fileID, in.transferred, in.size)
	case len(in.received) != in.total:
		_ = os.Remove(in.path)
		return Result{}, fmt.Errorf("chunk count mismatch for fileId %s: got %d want %d",
			fileID, len(in.received), in.total)
	}

	r.done[fileID] = finalized{messageID: in.messageID, sender: in.sender, path: in.path}
	slog.Debug("transfer finalized", "file_id", fileID, "path", in.path, "bytes", in.transferred)
	return Result{
		FileID:    fileID,
		MessageID: in.messageID,
		Path:      in.path,
		Size:      in.transferred,
		SHA256:    sum,
	}, nil
}

// Abort cancels an in-flight transfer and deletes its partial file.
// Unknown ids are a no-op.
func (r *Receiver) Abort(fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.active[fileID]; ok {
		r.abortLocked(in)
	}
}

// CloseAll aborts every in-flight transfer; used on shutdown.
func (r *Receiver) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.active {
		r.abortLocked(in)
	}
}

func (r *Receiver) abortLocked(in *inbound) {
	delete(r.active, in.fileID)
	_ = in.file.Close()
	_ = os.Remove(in.path)
	slog.Debug("transfer aborted", "file_id", in.fileID, "path", in.path)
}

func (r *Receiver) progressLocked(in *inbound) Progress {
	return Progress{
		FileID:      in.fileID,
		MessageID:   in.messageID,
		Transferred: in.transferred,
		Total:       in.size,
		Chunks:      len(in.received),
		TotalChunks: in.total,
	}
}
