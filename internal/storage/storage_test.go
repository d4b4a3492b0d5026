package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "received"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestReceiveWritesAndIndexes(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Receive("a.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Name != "a.txt" || rec.Size != 5 || rec.ID == "" || len(rec.Checksum) != 64 {
		t.Errorf("record = %+v", rec)
	}
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("stored %q", data)
	}
	if filepath.Dir(rec.Path) != s.Dir() {
		t.Errorf("stored outside dir: %s", rec.Path)
	}

	got, ok := s.Get(rec.ID)
	if !ok || got.Path != rec.Path {
		t.Errorf("Get = %+v, %v", got, ok)
	}
}

func TestSameNameDoesNotOverwrite(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Receive("dup.txt", strings.NewReader("one"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Receive("dup.txt", strings.NewReader("two"))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID || first.Path == second.Path {
		t.Fatalf("collision: %+v %+v", first, second)
	}
	a, _ := os.ReadFile(first.Path)
	b, _ := os.ReadFile(second.Path)
	if string(a) != "one" || string(b) != "two" {
		t.Errorf("contents %q %q", a, b)
	}
}

type failingReader struct{ after int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.after <= 0 {
		return 0, errors.New("connection reset")
	}
	n := min(len(p), r.after)
	for i := range p[:n] {
		p[i] = 'x'
	}
	r.after -= n
	return n, nil
}

func TestFailedWriteLeavesNothing(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Receive("broken.bin", &failingReader{after: 100}); err == nil {
		t.Fatal("expected error")
	}
	if s.Len() != 0 {
		t.Errorf("index has %d entries after failed write", s.Len())
	}
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("leftover files: %v", entries)
	}
}

func TestListIsReceiptOrder(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"1.txt", "2.txt", "3.txt"} {
		if _, err := s.Receive(name, strings.NewReader(name)); err != nil {
			t.Fatal(err)
		}
	}
	list := s.List()
	if len(list) != 3 {
		t.Fatalf("len = %d", len(list))
	}
	for i, want := range []string{"1.txt", "2.txt", "3.txt"} {
		if list[i].Name != want {
			t.Errorf("list[%d] = %s, want %s", i, list[i].Name, want)
		}
	}
	if list[2].Time.Before(list[0].Time) {
		t.Error("times not monotonic")
	}
}

func TestOpenMissing(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Open("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id err = %v", err)
	}

	rec, err := s.Receive("gone.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(rec.Path)
	if _, _, err := s.Open(rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing backing file err = %v", err)
	}
}

func TestOpenStreamsContent(t *testing.T) {
	s := newTestStore(t)
	payload := bytes.Repeat([]byte("0123456789"), 20000)
	s.SetChunkSize(1024)

	rec, err := s.Receive("big.bin", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	f, _, err := s.Open(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if !bytes.Equal(got, payload) {
		t.Error("content mismatch")
	}
}

func TestCommitRejectsDuplicateID(t *testing.T) {
	s := newTestStore(t)
	w := Written{Path: "/dev/null", Size: 1}
	if _, err := s.Commit("id1", "a", w); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit("id1", "b", w); err == nil {
		t.Error("duplicate id accepted")
	}
}

func TestConcurrentReceive(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Receive("same.txt", strings.NewReader("data")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, f := range s.List() {
		if seen[f.ID] {
			t.Errorf("duplicate id %s", f.ID)
		}
		seen[f.ID] = true
	}
	if len(seen) != 16 {
		t.Errorf("got %d files, want 16", len(seen))
	}
}

func TestNewFileID(t *testing.T) {
	id := NewFileID()
	if len(id) != 12 || strings.Contains(id, "-") {
		t.Errorf("id = %q", id)
	}
	if id == NewFileID() {
		t.Error("ids repeat")
	}
}
