package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"landrop/internal/config"
	"landrop/internal/events"
	"landrop/internal/models"
)

// FieldName is the multipart field that carries the file.
const FieldName = "file"

const (
	PhaseConnecting = "connecting"
	PhaseUploading  = "uploading"
	PhaseWaiting    = "waiting"
	PhaseDone       = "done"
)

// Progress is reported while a send runs. Percent is -1 when the source size
// is unknown; Phase is always set.
type Progress struct {
	Phase   string
	Sent    int64
	Total   int64
	Percent int
}

type ProgressFunc func(Progress)

// Source is a file to send. Size is -1 when unknown, in which case the body
// is sent chunked.
type Source struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// Receipt describes a successful send.
type Receipt struct {
	FileID     string
	FileName   string
	DeviceName string
}

// SendError is the only error SendFile returns. Op is one of open, connect,
// read, status or decode; StatusCode is set for status.
type SendError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("send %s: peer returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("send %s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Client streams files to peers' transfer servers and keeps a record of
// every send it made.
type Client struct {
	config config.Config
	http   *http.Client
	bus    *events.Bus

	mu        sync.RWMutex
	transfers map[string]*models.Transfer
	order     []string
}

func NewClient(cfg config.Config, bus *events.Bus) *Client {
	c := &Client{
		config:    cfg,
		bus:       bus,
		transfers: make(map[string]*models.Transfer),
	}
	c.http = &http.Client{
		Transport: &http.Transport{
			DialContext:           c.dial,
			ResponseHeaderTimeout: cfg.ResponseTimeout,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
		},
	}
	return c
}

// SendPath opens a local file and sends it.
func (c *Client) SendPath(ctx context.Context, peer models.Device, path string, onProgress ProgressFunc) (*Receipt, error) {
	f, err := os.Open(path)
	if err != nil {
		c.finish(c.track(peer, filepath.Base(path), -1), nil, &SendError{Op: "open", Err: err})
		return nil, &SendError{Op: "open", Err: err}
	}
	defer f.Close()

	size := int64(-1)
	if st, err := f.Stat(); err == nil && st.Mode().IsRegular() {
		size = st.Size()
	}
	return c.SendFile(ctx, peer, Source{Name: filepath.Base(path), Size: size, Reader: f}, onProgress)
}

// SendFile uploads src to peer's /api/upload. The body is streamed; nothing
// beyond the multipart framing is buffered. Every failure comes back as a
// *SendError.
func (c *Client) SendFile(ctx context.Context, peer models.Device, src Source, onProgress ProgressFunc) (*Receipt, error) {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	if src.Name == "" {
		src.Name = "file"
	}
	id := c.track(peer, src.Name, src.Size)

	rec, err := c.send(ctx, id, peer, src, onProgress)
	c.finish(id, rec, err)
	if err != nil {
		log.Printf("[SEND] %s to %s failed: %v", src.Name, peer.Name, err)
		return nil, err
	}
	log.Printf("[SEND] %s delivered to %s as %s", src.Name, peer.Name, rec.FileID)
	return rec, nil
}

func (c *Client) send(ctx context.Context, id string, peer models.Device, src Source, onProgress ProgressFunc) (*Receipt, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	onProgress(Progress{Phase: PhaseConnecting, Total: src.Size, Percent: percentOf(0, src.Size)})

	var framing bytes.Buffer
	mw := multipart.NewWriter(&framing)
	if _, err := mw.CreateFormFile(FieldName, src.Name); err != nil {
		return nil, &SendError{Op: "read", Err: err}
	}
	prefix := bytes.Clone(framing.Bytes())
	framing.Reset()
	if err := mw.Close(); err != nil {
		return nil, &SendError{Op: "read", Err: err}
	}
	suffix := framing.Bytes()

	counter := &progressReader{
		r:     src.Reader,
		total: src.Size,
		report: func(p Progress) {
			c.progress(id, p)
			onProgress(p)
		},
	}
	body := io.MultiReader(bytes.NewReader(prefix), counter, bytes.NewReader(suffix))

	url := "http://" + net.JoinHostPort(peer.Address, strconv.Itoa(peer.Port)) + "/api/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, &SendError{Op: "connect", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if src.Size >= 0 {
		req.ContentLength = int64(len(prefix)) + src.Size + int64(len(suffix))
	} else {
		req.ContentLength = -1
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if counter.err != nil {
			return nil, &SendError{Op: "read", Err: counter.err}
		}
		return nil, &SendError{Op: "connect", Err: err}
	}
	defer resp.Body.Close()

	// Headers are in, so ResponseHeaderTimeout no longer applies; the body
	// gets the same bound.
	var stalled atomic.Bool
	if c.config.ResponseTimeout > 0 {
		timer := time.AfterFunc(c.config.ResponseTimeout, func() {
			stalled.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		if stalled.Load() {
			err = fmt.Errorf("response body stalled for %s: %w", c.config.ResponseTimeout, err)
		}
		return nil, &SendError{Op: "decode", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &SendError{Op: "status", StatusCode: resp.StatusCode, Err: errors.New(errorMessage(raw, resp.Status))}
	}

	var out struct {
		Success bool   `json:"success"`
		FileID  string `json:"fileId"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &SendError{Op: "decode", Err: err}
	}
	if !out.Success || out.FileID == "" {
		return nil, &SendError{Op: "status", StatusCode: resp.StatusCode, Err: errors.New("peer did not confirm the upload")}
	}

	onProgress(Progress{Phase: PhaseDone, Sent: counter.sent, Total: src.Size, Percent: 100})
	return &Receipt{FileID: out.FileID, FileName: src.Name, DeviceName: peer.Name}, nil
}

// FetchInfo asks a transfer server at addr (host:port) to describe itself.
func (c *Client) FetchInfo(ctx context.Context, addr string) (models.DeviceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/api/info", nil)
	if err != nil {
		return models.DeviceInfo{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return models.DeviceInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.DeviceInfo{}, fmt.Errorf("info from %s: %s", addr, resp.Status)
	}

	var info models.DeviceInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&info); err != nil {
		return models.DeviceInfo{}, fmt.Errorf("decode info: %w", err)
	}
	return info, nil
}

// Transfers returns the send records, oldest first.
func (c *Client) Transfers() []models.Transfer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Transfer, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.transfers[id])
	}
	return out
}

func (c *Client) track(peer models.Device, name string, size int64) string {
	t := &models.Transfer{
		ID:        uuid.NewString(),
		FileName:  name,
		FileSize:  size,
		Status:    models.TransferSending,
		PeerID:    peer.ID,
		PeerName:  peer.Name,
		StartTime: time.Now(),
	}
	c.mu.Lock()
	c.transfers[t.ID] = t
	c.order = append(c.order, t.ID)
	snapshot := *t
	c.mu.Unlock()

	c.bus.TransferUpdate(snapshot)
	return t.ID
}

func (c *Client) progress(id string, p Progress) {
	c.mu.Lock()
	t, ok := c.transfers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	t.Sent = p.Sent
	if p.Percent >= 0 {
		t.Progress = float64(p.Percent)
	}
	snapshot := *t
	c.mu.Unlock()

	c.bus.TransferUpdate(snapshot)
}

func (c *Client) finish(id string, rec *Receipt, err error) {
	c.mu.Lock()
	t, ok := c.transfers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if err != nil {
		t.Status = models.TransferFailed
		t.Error = err.Error()
	} else {
		t.Status = models.TransferCompleted
		t.Progress = 100
		t.FileID = rec.FileID
	}
	snapshot := *t
	c.mu.Unlock()

	c.bus.TransferUpdate(snapshot)
}

// errorMessage pulls the "error" field out of a JSON error body, falling back
// to the raw text or the status line.
func errorMessage(raw []byte, status string) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return status
}

func percentOf(sent, total int64) int {
	if total < 0 {
		return -1
	}
	if total == 0 {
		return 100
	}
	return int(sent * 100 / total)
}

// progressReader counts source bytes, reports whole-percent steps and holds
// on to any source error so it can be told apart from network failures.
type progressReader struct {
	r      io.Reader
	total  int64
	sent   int64
	last   int
	began  bool
	err    error
	report func(Progress)
}

func (p *progressReader) Read(b []byte) (int, error) {
	if !p.began {
		p.began = true
		p.last = percentOf(0, p.total)
		p.report(Progress{Phase: PhaseUploading, Total: p.total, Percent: p.last})
	}

	n, err := p.r.Read(b)
	p.sent += int64(n)

	if p.total >= 0 && p.sent > p.total {
		p.err = fmt.Errorf("source grew beyond its declared %d bytes", p.total)
		return n, p.err
	}
	if err != nil && err != io.EOF {
		p.err = err
		return n, err
	}

	if pct := percentOf(p.sent, p.total); pct != p.last {
		p.last = pct
		p.report(Progress{Phase: PhaseUploading, Sent: p.sent, Total: p.total, Percent: pct})
	}

	if err == io.EOF {
		if p.total >= 0 && p.sent != p.total {
			p.err = fmt.Errorf("source ended after %d of %d bytes", p.sent, p.total)
			return n, p.err
		}
		p.report(Progress{Phase: PhaseWaiting, Sent: p.sent, Total: p.total, Percent: percentOf(p.sent, p.total)})
	}
	return n, err
}
