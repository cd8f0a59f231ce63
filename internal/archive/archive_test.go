package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/graaaaa/capsule-bridge/internal/capsule"
	"github.com/graaaaa/capsule-bridge/internal/capsuleapi"
	"github.com/graaaaa/capsule-bridge/internal/capsuleapi/capsuleapitest"
)

func strPtr(s string) *string { return &s }

func sourceCapsule(produced bool) *capsule.Capsule {
	c := &capsule.Capsule{
		ID:      "src",
		Project: "old-project",
		Name:    "Demo",
		Structure: []capsule.Gos{
			{
				Slides: []capsule.Slide{
					{UUID: "s1", Extra: strPtr("e1")},
					{UUID: "s2"},
				},
				Record: &capsule.RecordRef{UUID: "r1", PointerUUID: strPtr("p1")},
				Events: []capsule.Event{{Ty: capsule.EventStart}, {Ty: capsule.EventNextSlide, Time: 900}, {Ty: capsule.EventEnd, Time: 2000}},
			},
			{
				Slides: []capsule.Slide{{UUID: "s3"}},
			},
		},
	}
	if produced {
		done := capsule.TaskDone
		c.Produced = &done
	}
	return c
}

func sourceAssets() map[string][]byte {
	return map[string][]byte{
		"s1.png":  []byte("png-1"),
		"s2.png":  []byte("png-2"),
		"s3.png":  []byte("png-3"),
		"e1.mp4":  []byte("extra-1"),
		"r1.webm": []byte("record-1"),
	}
}

func setup(t *testing.T, produced bool) (*capsuleapitest.Server, *Archiver) {
	t.Helper()
	srv := capsuleapitest.NewServer()
	t.Cleanup(srv.Close)
	var output []byte
	if produced {
		output = []byte("output-video")
	}
	srv.AddCapsule(sourceCapsule(produced), sourceAssets(), output)
	return srv, New(capsuleapi.NewClient(srv.URL, "cookie"), WithParallelism(2))
}

func readZip(t *testing.T, data []byte) (names []string, files map[string][]byte) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	files = make(map[string][]byte)
	for _, f := range zr.File {
		names = append(names, f.Name)
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(rc)
		rc.Close()
		files[f.Name] = buf.Bytes()
	}
	return names, files
}

func TestExport_Layout(t *testing.T) {
	_, a := setup(t, true)
	c := sourceCapsule(true)

	data, err := a.Export(context.Background(), c)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	names, files := readZip(t, data)
	want := []string{"1/", "2/", "1/1.png", "1/1.mp4", "1/2.png", "1/record.webm", "2/1.png", "output.mp4", "structure.json"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("entries = %v, want %v", names, want)
	}

	checks := map[string]string{
		"1/1.png":       "png-1",
		"1/1.mp4":       "extra-1",
		"1/2.png":       "png-2",
		"1/record.webm": "record-1",
		"2/1.png":       "png-3",
		"output.mp4":    "output-video",
	}
	for name, content := range checks {
		if string(files[name]) != content {
			t.Errorf("%s = %q, want %q", name, files[name], content)
		}
	}

	manifest := string(files["structure.json"])
	if !strings.Contains(manifest, "\n    \"id\": \"src\"") {
		t.Errorf("structure.json should be indented with four spaces:\n%s", manifest)
	}
	for _, ref := range []string{`"uuid": "1/1.png"`, `"extra": "1/1.mp4"`, `"record": "1/record.webm"`, `"uuid": "2/1.png"`} {
		if !strings.Contains(manifest, ref) {
			t.Errorf("structure.json missing %s", ref)
		}
	}

	if c.Structure[0].Slides[0].UUID != "s1" || c.Structure[0].Record.UUID != "r1" {
		t.Error("Export must not modify its argument")
	}
}

func TestExport_NotProduced(t *testing.T) {
	_, a := setup(t, false)

	data, err := a.Export(context.Background(), sourceCapsule(false))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	_, files := readZip(t, data)
	if _, ok := files["output.mp4"]; ok {
		t.Error("output.mp4 should only be exported for produced capsules")
	}
}

func TestExport_FetchFailure(t *testing.T) {
	srv, a := setup(t, false)
	srv.Fail("data", http.StatusForbidden)

	_, err := a.Export(context.Background(), sourceCapsule(false))
	var status *capsuleapi.StatusError
	if !errors.As(err, &status) || status.Status != http.StatusForbidden {
		t.Errorf("expected 403 StatusError, got %v", err)
	}
}

func TestImport_RoundTrip(t *testing.T) {
	srv, a := setup(t, true)
	ctx := context.Background()

	data, err := a.Export(ctx, sourceCapsule(true))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	last, err := a.Import(ctx, "new-project", data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if last.ID == "src" || last.ID == "" {
		t.Fatalf("imported capsule id = %q", last.ID)
	}

	stored, ok := srv.Capsule(last.ID)
	if !ok {
		t.Fatal("imported capsule not stored")
	}
	if stored.Name != "Demo"+CopySuffix || stored.Project != "new-project" {
		t.Errorf("name/project = %q/%q", stored.Name, stored.Project)
	}
	if len(stored.Structure) != 2 || len(stored.Structure[0].Slides) != 2 || len(stored.Structure[1].Slides) != 1 {
		t.Fatalf("structure not restored: %+v", stored.Structure)
	}

	wantSlides := []struct {
		gos, slide int
		content    string
	}{
		{0, 0, "png-1"},
		{0, 1, "png-2"},
		{1, 0, "png-3"},
	}
	for _, w := range wantSlides {
		slide := stored.Structure[w.gos].Slides[w.slide]
		if slide.UUID == "s1" || strings.Contains(slide.UUID, "/") {
			t.Errorf("slide %d/%d uuid not rewritten: %q", w.gos, w.slide, slide.UUID)
		}
		got, _ := srv.Asset(last.ID, slide.UUID+".png")
		if string(got) != w.content {
			t.Errorf("slide %d/%d = %q, want %q", w.gos, w.slide, got, w.content)
		}
	}

	extra := stored.Structure[0].Slides[0].Extra
	if extra == nil {
		t.Fatal("extra not re-uploaded")
	}
	if got, _ := srv.Asset(last.ID, *extra+".mp4"); string(got) != "extra-1" {
		t.Errorf("extra = %q", got)
	}
	if stored.Structure[0].Slides[1].Extra != nil {
		t.Error("slide without extra gained one")
	}

	record := stored.Structure[0].Record
	if record == nil {
		t.Fatal("record not re-uploaded")
	}
	if got, _ := srv.Asset(last.ID, record.UUID+".webm"); string(got) != "record-1" {
		t.Errorf("record = %q", got)
	}
	if stored.Structure[1].Record != nil {
		t.Error("group without record gained one")
	}
	if len(stored.Structure[0].Events) != 3 {
		t.Errorf("events = %+v", stored.Structure[0].Events)
	}
}

func TestImport_InvalidArchive(t *testing.T) {
	_, a := setup(t, false)

	if _, err := a.Import(context.Background(), "p", []byte("not a zip")); !errors.Is(err, ErrInvalidArchive) {
		t.Errorf("garbage: expected ErrInvalidArchive, got %v", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("1/1.png")
	_, _ = w.Write([]byte("png"))
	_ = zw.Close()
	if _, err := a.Import(context.Background(), "p", buf.Bytes()); !errors.Is(err, ErrInvalidArchive) {
		t.Errorf("no manifest: expected ErrInvalidArchive, got %v", err)
	}
}

func TestImport_MissingAsset(t *testing.T) {
	_, a := setup(t, false)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create(structureFile)
	_, _ = w.Write([]byte(`{"id":"x","name":"n","structure":[{"slides":[{"uuid":"1/1.png","extra":null}],"record":null,"events":[]}]}`))
	_ = zw.Close()

	_, err := a.Import(context.Background(), "p", buf.Bytes())
	if !errors.Is(err, ErrInvalidArchive) || !strings.Contains(err.Error(), "1/1.png") {
		t.Errorf("expected missing 1/1.png, got %v", err)
	}
}

func TestWriteExport(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteExport(dir, "a/b", []byte("zip"))
	if err != nil {
		t.Fatalf("WriteExport: %v", err)
	}
	if path != filepath.Join(dir, "a_b.zip") {
		t.Errorf("path = %q", path)
	}
	if got, _ := os.ReadFile(path); string(got) != "zip" {
		t.Errorf("content = %q", got)
	}
}
