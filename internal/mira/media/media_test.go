package media

import (
	"errors"
	"math/rand"
	"testing"
	"testing/fstest"
)

func TestPickRandomFiltersAndVaries(t *testing.T) {
	fsys := fstest.MapFS{
		"one.png":   {Data: []byte("png-one")},
		"two.jpg":   {Data: []byte("jpg-two")},
		"three.PNG": {Data: []byte("png-three")},
		"notes.txt": {Data: []byte("not an image")},
	}
	src := NewDirSource(fsys, rand.NewSource(7))

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		a, err := src.PickRandom()
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if a.Name == "notes.txt" {
			t.Fatal("picked a non-image file")
		}
		if a.Mime == "" || len(a.Data) == 0 {
			t.Fatalf("asset %q has mime %q and %d bytes", a.Name, a.Mime, len(a.Data))
		}
		seen[a.Name] = true
	}
	if len(seen) < 2 {
		t.Errorf("only ever picked %v", seen)
	}
}

func TestPickRandomJpegMime(t *testing.T) {
	fsys := fstest.MapFS{"pic.JPEG": {Data: []byte("x")}}
	src := NewDirSource(fsys, rand.NewSource(1))
	a, err := src.PickRandom()
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if a.Mime != "image/jpeg" {
		t.Errorf("mime = %q", a.Mime)
	}
}

func TestPickRandomEmpty(t *testing.T) {
	src := NewDirSource(fstest.MapFS{"readme.md": {Data: []byte("hi")}}, rand.NewSource(1))
	_, err := src.PickRandom()
	if !errors.Is(err, ErrNoAssets) {
		t.Errorf("err = %v, want ErrNoAssets", err)
	}
}
