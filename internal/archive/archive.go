// Package archive exports a capsule with its assets to a zip archive and
// recreates a capsule on the server from such an archive.
//
// Archive layout:
//
//	structure.json      the capsule, asset references rewritten to archive paths
//	output.mp4          the produced video, when the capsule is produced
//	<g>/<s>.png         slide s of group g (both 1-indexed)
//	<g>/<s>.mp4         extra video of that slide
//	<g>/record.webm     record of group g
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/graaaaa/capsule-bridge/internal/capsule"
	"github.com/graaaaa/capsule-bridge/internal/capsuleapi"
	"github.com/graaaaa/capsule-bridge/internal/config"
)

const (
	structureFile = "structure.json"
	outputFile    = "output.mp4"
	recordFile    = "record.webm"

	// CopySuffix is appended to the name of an imported capsule.
	CopySuffix = " (copie)"

	defaultParallelism = 4
)

// ErrInvalidArchive is returned when an archive lacks structure.json or a file
// it references.
var ErrInvalidArchive = errors.New("invalid capsule archive")

// API is the subset of the capsule server used by the archiver.
type API interface {
	FetchAsset(ctx context.Context, capsuleID, uuid, ext string) ([]byte, error)
	FetchOutput(ctx context.Context, capsuleID string) ([]byte, error)
	EmptyCapsule(ctx context.Context, project, name string) (*capsule.Capsule, error)
	AddSlide(ctx context.Context, capsuleID string, mimeType string, data []byte) (*capsule.Capsule, error)
	UpdateCapsule(ctx context.Context, c *capsule.Capsule) error
	UploadRecord(ctx context.Context, capsuleID string, gos int, mimeType string, data []byte, progress capsuleapi.ProgressFunc) (*capsule.Capsule, error)
	ReplaceSlide(ctx context.Context, capsuleID, slideUUID string, mimeType string, data []byte) (*capsule.Capsule, error)
}

// Archiver exports and imports capsules.
type Archiver struct {
	api         API
	logger      *slog.Logger
	parallelism int
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archiver) { a.logger = logger }
}

// WithParallelism bounds the number of concurrent asset downloads.
func WithParallelism(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.parallelism = n
		}
	}
}

// New creates an Archiver.
func New(api API, opts ...Option) *Archiver {
	a := &Archiver{api: api, logger: slog.Default(), parallelism: defaultParallelism}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// fetch is one asset to download into the archive.
type fetch struct {
	name string
	uuid string
	ext  string
	data []byte
}

// Export downloads every asset of c and returns the zip archive. c is not
// modified.
func (a *Archiver) Export(ctx context.Context, c *capsule.Capsule) ([]byte, error) {
	structure, err := capsule.Clone(c)
	if err != nil {
		return nil, err
	}

	var fetches []*fetch
	for gi := range structure.Structure {
		gos := &structure.Structure[gi]
		dir := strconv.Itoa(gi + 1)
		for si := range gos.Slides {
			slide := &gos.Slides[si]
			base := dir + "/" + strconv.Itoa(si+1)

			fetches = append(fetches, &fetch{name: base + ".png", uuid: slide.UUID, ext: "png"})
			slide.UUID = base + ".png"

			if slide.HasExtra() {
				fetches = append(fetches, &fetch{name: base + ".mp4", uuid: *slide.Extra, ext: "mp4"})
				path := base + ".mp4"
				slide.Extra = &path
			} else {
				slide.Extra = nil
			}
		}
		if gos.Record != nil && gos.Record.UUID != "" {
			name := dir + "/" + recordFile
			fetches = append(fetches, &fetch{name: name, uuid: gos.Record.UUID, ext: "webm"})
			gos.Record = &capsule.RecordRef{Path: name}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)
	for _, f := range fetches {
		g.Go(func() error {
			data, err := a.api.FetchAsset(gctx, c.ID, f.uuid, f.ext)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", f.name, err)
			}
			f.data = data
			return nil
		})
	}
	var output []byte
	if c.IsProduced() {
		g.Go(func() error {
			data, err := a.api.FetchOutput(gctx, c.ID)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", outputFile, err)
			}
			output = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	manifest, err := json.MarshalIndent(structure, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", structureFile, err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for gi := range structure.Structure {
		if _, err := zw.CreateHeader(&zip.FileHeader{Name: strconv.Itoa(gi+1) + "/"}); err != nil {
			return nil, fmt.Errorf("write archive: %w", err)
		}
	}
	for _, f := range fetches {
		if err := writeEntry(zw, f.name, f.data); err != nil {
			return nil, err
		}
	}
	if output != nil {
		if err := writeEntry(zw, outputFile, output); err != nil {
			return nil, err
		}
	}
	if err := writeEntry(zw, structureFile, manifest); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}

	a.logger.Info("capsule exported",
		"capsule_id", c.ID,
		"assets", len(fetches),
		"produced", output != nil,
		"size", humanize.Bytes(uint64(buf.Len())),
	)
	return buf.Bytes(), nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	method := zip.Deflate
	if isVideo(name) {
		method = zip.Store
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func isVideo(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".mp4" || ext == ".webm"
}

// WriteExport stores an exported archive as <dir>/<capsule id>.zip and
// returns its path.
func WriteExport(dir, capsuleID string, data []byte) (string, error) {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, capsuleID)
	if name == "" || name == "." || name == ".." {
		name = "capsule"
	}
	path := filepath.Join(dir, name+".zip")
	if err := config.WriteFileAtomic(path, data, 0600); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

// Import recreates the archived capsule in project projectID under the name
// "<name> (copie)" and returns the capsule as last reported by the server.
func (a *Archiver) Import(ctx context.Context, projectID string, data []byte) (*capsule.Capsule, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}
	read := func(name string) ([]byte, error) {
		f, ok := files[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidArchive, name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArchive, name, err)
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArchive, name, err)
		}
		return b, nil
	}

	manifest, err := read(structureFile)
	if err != nil {
		return nil, err
	}
	var structure capsule.Capsule
	if err := json.Unmarshal(manifest, &structure); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArchive, structureFile, err)
	}

	created, err := a.api.EmptyCapsule(ctx, projectID, structure.Name+CopySuffix)
	if err != nil {
		return nil, fmt.Errorf("create capsule: %w", err)
	}
	a.logger.Info("importing capsule",
		"capsule_id", created.ID,
		"name", created.Name,
		"slides", structure.SlideCount(),
		"size", humanize.Bytes(uint64(len(data))),
	)

	for gi := range structure.Structure {
		for si := range structure.Structure[gi].Slides {
			slide := &structure.Structure[gi].Slides[si]
			image, err := read(slide.UUID)
			if err != nil {
				return nil, err
			}
			resp, err := a.api.AddSlide(ctx, created.ID, "image/png", image)
			if err != nil {
				return nil, fmt.Errorf("add slide %s: %w", slide.UUID, err)
			}
			id, err := lastSlideUUID(resp)
			if err != nil {
				return nil, fmt.Errorf("add slide %s: %w", slide.UUID, err)
			}
			slide.UUID = id
		}
	}

	edit, err := capsule.Clone(&structure)
	if err != nil {
		return nil, err
	}
	edit.ID = created.ID
	edit.Name = created.Name
	edit.Project = created.Project
	edit.Produced = nil
	for k, v := range created.Extra {
		if edit.Extra == nil {
			edit.Extra = make(map[string]json.RawMessage)
		}
		edit.Extra[k] = v
	}
	for gi := range edit.Structure {
		edit.Structure[gi].Record = nil
		for si := range edit.Structure[gi].Slides {
			edit.Structure[gi].Slides[si].Extra = nil
		}
	}
	if err := a.api.UpdateCapsule(ctx, edit); err != nil {
		return nil, fmt.Errorf("update capsule: %w", err)
	}

	last := edit
	for gi, gos := range structure.Structure {
		if gos.Record != nil {
			if gos.Record.Path == "" {
				return nil, fmt.Errorf("%w: group %d record is not an archive path", ErrInvalidArchive, gi+1)
			}
			record, err := read(gos.Record.Path)
			if err != nil {
				return nil, err
			}
			resp, err := a.api.UploadRecord(ctx, created.ID, gi, "video/webm", record, nil)
			if err != nil {
				return nil, fmt.Errorf("upload record %d: %w", gi, err)
			}
			last = resp
		}
		for _, slide := range gos.Slides {
			if !slide.HasExtra() {
				continue
			}
			video, err := read(*slide.Extra)
			if err != nil {
				return nil, err
			}
			resp, err := a.api.ReplaceSlide(ctx, created.ID, slide.UUID, "video/mp4", video)
			if err != nil {
				return nil, fmt.Errorf("upload extra %s: %w", *slide.Extra, err)
			}
			if resp != nil {
				last = resp
			}
		}
	}

	a.logger.Info("capsule imported", "capsule_id", created.ID)
	return last, nil
}

// lastSlideUUID returns the uuid of the slide add-slide just appended: the
// last slide of the last group.
func lastSlideUUID(c *capsule.Capsule) (string, error) {
	if len(c.Structure) == 0 {
		return "", errors.New("server returned no groups")
	}
	gos := c.Structure[len(c.Structure)-1]
	if len(gos.Slides) == 0 {
		return "", errors.New("server returned an empty group")
	}
	return gos.Slides[len(gos.Slides)-1].UUID, nil
}
