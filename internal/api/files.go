package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"landrop/internal/models"
	"landrop/internal/storage"
	"landrop/internal/thumb"
	"landrop/internal/transfer"
)

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, models.DeviceInfo{
		DeviceID:   s.config.DeviceID,
		DeviceName: s.config.DeviceName,
		IP:         s.localIP,
		HTTPPort:   s.Port(),
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, map[string][]models.ReceivedFile{"files": s.store.List()})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		jsonError(w, "id required", http.StatusBadRequest)
		return
	}

	f, rec, err := s.store.Open(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			jsonError(w, "file not found", http.StatusNotFound)
			return
		}
		log.Printf("[WARN] download %s: %v", id, err)
		jsonError(w, "could not open file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", contentDisposition(rec.Name))
	http.ServeContent(w, r, rec.Name, rec.Time, f)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	limit := s.config.MaxUploadSize
	if limit > 0 {
		if r.ContentLength > limit {
			log.Printf("[UPLOAD] rejected %d byte upload from %s", r.ContentLength, r.RemoteAddr)
			jsonError(w, tooLarge(limit), http.StatusBadRequest)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	if s.config.IdleTimeout > 0 {
		r.Body = &idleBody{ReadCloser: r.Body, rc: http.NewResponseController(w), idle: s.config.IdleTimeout}
	}

	mr, err := r.MultipartReader()
	if err != nil {
		jsonError(w, "expected multipart/form-data", http.StatusBadRequest)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			jsonError(w, "missing file field", http.StatusBadRequest)
			return
		}
		if err != nil {
			if isTooLarge(err) {
				jsonError(w, tooLarge(limit), http.StatusBadRequest)
				return
			}
			jsonError(w, "malformed multipart body", http.StatusBadRequest)
			return
		}
		if part.FormName() != transfer.FieldName {
			part.Close()
			continue
		}

		s.receive(w, r, part.FileName(), part)
		part.Close()
		return
	}
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request, rawName string, body io.Reader) {
	name := storage.SanitizeFilename(rawName)
	id := storage.NewFileID()

	written, err := s.store.Write(id, name, body)
	if err != nil {
		if isTooLarge(err) {
			log.Printf("[UPLOAD] %s from %s exceeded %d bytes", name, r.RemoteAddr, s.config.MaxUploadSize)
			jsonError(w, tooLarge(s.config.MaxUploadSize), http.StatusBadRequest)
			return
		}
		log.Printf("[UPLOAD] %s from %s failed: %v", name, r.RemoteAddr, err)
		jsonError(w, fmt.Sprintf("upload failed: %v", err), http.StatusInternalServerError)
		return
	}

	rec, err := s.store.Commit(id, name, written)
	if err != nil {
		log.Printf("[UPLOAD] commit %s: %v", name, err)
		jsonError(w, fmt.Sprintf("upload failed: %v", err), http.StatusInternalServerError)
		return
	}

	log.Printf("[UPLOAD] received %s (%d bytes) from %s as %s", rec.Name, rec.Size, r.RemoteAddr, rec.ID)
	s.bus.FileReceived(rec.Event())

	writeJSON(w, map[string]any{"success": true, "fileId": rec.ID})
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("id")
	f, rec, err := s.store.Open(id)
	if err != nil {
		jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	size := thumb.DefaultSize
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && v > 0 && v <= 1024 {
		size = v
	}
	png, err := thumb.Render(f, size)
	if err != nil {
		jsonError(w, "no preview for "+rec.Name, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "max-age=3600")
	http.ServeContent(w, r, "", rec.Time, bytes.NewReader(png))
}

// contentDisposition names the file for download. Non-ASCII names also get
// an RFC 5987 filename* parameter.
func contentDisposition(name string) string {
	quoted := "attachment; filename=" + strconv.Quote(asciiOnly(name))
	if ext := mime.FormatMediaType("attachment", map[string]string{"filename": name}); ext != "" && !isASCII(name) {
		// FormatMediaType emits filename*=utf-8''... for non-ASCII values.
		return quoted + "; " + ext[len("attachment; "):]
	}
	return quoted
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// asciiOnly replaces each non-ASCII rune with '_' and drops control bytes.
func asciiOnly(s string) string {
	b := make([]byte, 0, len(s))
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		switch {
		case r >= 0x20 && r < 0x7f:
			b = append(b, byte(r))
		case r >= 0x80 || r == utf8.RuneError:
			b = append(b, '_')
		}
	}
	return string(b)
}

func tooLarge(limit int64) string {
	return fmt.Sprintf("file too large (max %d bytes)", limit)
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// idleBody pushes the connection read deadline forward on every read, so a
// stalled sender is dropped while a slow but steady one is not.
type idleBody struct {
	io.ReadCloser
	rc   *http.ResponseController
	idle time.Duration
}

func (b *idleBody) Read(p []byte) (int, error) {
	b.rc.SetReadDeadline(time.Now().Add(b.idle))
	return b.ReadCloser.Read(p)
}
