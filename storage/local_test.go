package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "report.pdf", want: "report.pdf"},
		{in: "My Photo (1).JPG", want: "My_Photo_1_.jpg"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: "dir/sub/name.png", want: "name.png"},
		{in: "a.b.c.webp", want: "a_b_c.webp"},
		{in: ".hidden", wantErr: true},
		{in: "..", wantErr: true},
		{in: "", wantErr: true},
		{in: "###", want: "file"},
	}

	for _, tc := range cases {
		got, err := SanitizeName(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrBadName) {
				t.Errorf("SanitizeName(%q): expected ErrBadName, got %q, %v", tc.in, got, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("SanitizeName(%q): unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLocalPutGetDelete(t *testing.T) {
	t.Parallel()

	l, err := NewLocal(t.TempDir(), 1024)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	obj, err := l.Put(ctx, strings.NewReader("hello"), "greeting.txt")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if obj.SizeBytes != 5 {
		t.Errorf("expected size 5, got %d", obj.SizeBytes)
	}
	if !strings.HasSuffix(obj.Key, "_greeting.txt") {
		t.Errorf("key should embed sanitized name, got %q", obj.Key)
	}
	if obj.Key == "greeting.txt" {
		t.Error("key must not equal the client-supplied name")
	}

	rc, err := l.Get(ctx, obj.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" {
		t.Errorf("unexpected content %q", data)
	}

	if err := l.Delete(ctx, obj.Key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := l.Get(ctx, obj.Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: expected ErrNotFound, got %v", err)
	}
	if err := l.Delete(ctx, obj.Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: expected ErrNotFound, got %v", err)
	}
}

func TestLocalPutRejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	l, err := NewLocal(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	_, err = l.Put(context.Background(), strings.NewReader(strings.Repeat("x", 11)), "big.png")
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}

	// The partial object must not linger.
	st, err := l.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Objects != 0 {
		t.Errorf("expected empty storage after rejected put, got %d objects", st.Objects)
	}
}

func TestLocalListOlderThan(t *testing.T) {
	t.Parallel()

	l, err := NewLocal(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	obj, err := l.Put(ctx, strings.NewReader("data"), "old.pdf")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A fresh object is not older than an hour.
	got, err := l.List(ctx, time.Hour)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no objects older than 1h, got %d", len(got))
	}

	// Everything is older than a zero/negative age.
	got, err = l.List(ctx, -time.Second)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Key != obj.Key {
		t.Errorf("expected exactly the stored object, got %+v", got)
	}
}
