package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"time"

	"veche/internal/filestore"
	"veche/internal/storage"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

const maxUploadBytes = 20 << 20

type FilesAPI struct {
	store     *storage.BboltStorage
	filestore filestore.FileStore
}

func NewFilesAPI(store *storage.BboltStorage, fs filestore.FileStore) *FilesAPI {
	return &FilesAPI{store: store, filestore: fs}
}

type uploadResponse struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// UploadHandler accepts one multipart file and stores it content-addressed;
// the returned fileId goes into chat message attachments.
func (f *FilesAPI) UploadHandler(w http.ResponseWriter, r *http.Request, userID int64) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil || len(data) > maxUploadBytes {
		http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
		return
	}

	// Sniff the real type, never trust the client's content type.
	mimeType := "application/octet-stream"
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		mimeType = kind.MIME.Value
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if err := f.filestore.Save(bytes.NewReader(data), hash); err != nil {
		log.Printf("failed to save upload: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	meta := storage.FileMetadata{
		ID:        uuid.NewString(),
		Hash:      hash,
		Name:      header.Filename,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: time.Now().Unix(),
		UserID:    userID,
	}
	if err := f.store.UpsertFileMetadata(meta); err != nil {
		log.Printf("failed to save file metadata: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		FileID:   meta.ID,
		Name:     meta.Name,
		MimeType: meta.MimeType,
		Size:     meta.Size,
	})
}

// GetFileHandler serves an uploaded file by id.
func (f *FilesAPI) GetFileHandler(w http.ResponseWriter, r *http.Request) {
	meta, err := f.store.GetFileMetadata(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	rc, err := f.filestore.Get(meta.Hash)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("failed to stream file %s: %v", meta.ID, err)
	}
}
