// Package export writes as-of snapshots of a whole relation to object storage.
// Each export is a snappy framed stream of newline-delimited JSON snapshots,
// ordered by entity id, with a small JSON metadata object next to it.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/tempora/tempora/internal/errors"
	"github.com/tempora/tempora/internal/query/executor"
	"github.com/tempora/tempora/internal/query/parser"
	"github.com/tempora/tempora/internal/query/planner"
	"github.com/tempora/tempora/internal/schema"
	"github.com/tempora/tempora/internal/storage"
	"github.com/tempora/tempora/pkg/types"
)

// MetadataSuffix is appended to an export's object path for its metadata.
const MetadataSuffix = ".meta.json"

// Info describes a finished export.
type Info struct {
	ObjectPath string    `json:"object_path"`
	Kind       string    `json:"kind"`
	Timestamp  string    `json:"timestamp"`
	ResolvedAt time.Time `json:"resolved_at"`
	Records    int64     `json:"records"`
	Bytes      int64     `json:"bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// Exporter runs as-of queries and uploads their results.
type Exporter struct {
	catalog  *schema.Catalog
	rewriter *planner.Rewriter
	exec     executor.Executor
	storage  storage.ObjectStorage
	workDir  string
	prefix   string
	clock    func() time.Time
}

// NewExporter creates an exporter. Temporary files are written to workDir,
// object paths generated by ObjectPath are placed under prefix.
func NewExporter(catalog *schema.Catalog, rewriter *planner.Rewriter, exec executor.Executor,
	store storage.ObjectStorage, workDir, prefix string) *Exporter {
	return &Exporter{
		catalog:  catalog,
		rewriter: rewriter,
		exec:     exec,
		storage:  store,
		workDir:  workDir,
		prefix:   strings.Trim(prefix, "/"),
		clock:    time.Now,
	}
}

// SetClock replaces the clock used to resolve relative timestamps in
// metadata. It must match the executor's clock.
func (e *Exporter) SetClock(clock func() time.Time) {
	e.clock = clock
}

// ObjectPath returns a fresh object path for an export of kind at ts.
func (e *Exporter) ObjectPath(kind string, ts types.Timestamp) string {
	key := strings.NewReplacer(":", "", "-", "", "+", "").Replace(ts.Key())
	name := fmt.Sprintf("%s-%s.ndjson.sz", key, uuid.New().String()[:8])
	return path.Join(e.prefix, kind, name)
}

// Export writes the snapshot of every entity of kind at ts to objectPath.
// An empty objectPath gets a generated one. Existing objects are never
// overwritten.
func (e *Exporter) Export(ctx context.Context, kind string, ts types.Timestamp, objectPath string) (*Info, error) {
	if ts.IsZero() {
		return nil, errors.NewValidationError(errors.CodeInvalidTimestamp, "export requires a timestamp")
	}
	rel, ok := e.catalog.ByKind(kind)
	if !ok {
		return nil, errors.NewValidationError(errors.CodeUnknownRelation,
			fmt.Sprintf("unknown entity kind %q", kind))
	}
	if objectPath == "" {
		objectPath = e.ObjectPath(kind, ts)
	}
	if _, err := storage.CleanObjectPath(objectPath); err != nil {
		return nil, errors.NewInvalidInput("invalid object path %q", objectPath)
	}

	q, err := e.rewriter.AsOf(parser.NewQuery(rel.Table).WithOrder(parser.Order{Expr: parser.Col(rel.Table, "id")}), ts)
	if err != nil {
		return nil, err
	}
	result, err := e.exec.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	snaps, err := result.Snapshots()
	if err != nil {
		return nil, errors.NewInternalError("decode snapshots", err)
	}

	if err := os.MkdirAll(e.workDir, 0755); err != nil {
		return nil, errors.NewInternalError("create work directory", err)
	}
	tmp, err := os.CreateTemp(e.workDir, "export-*.ndjson.sz")
	if err != nil {
		return nil, errors.NewInternalError("create export file", err)
	}
	defer os.Remove(tmp.Name())

	records, err := writeSnapshots(tmp, snaps, ts.Key())
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.NewInternalError("write export file", err)
	}

	stat, err := os.Stat(tmp.Name())
	if err != nil {
		return nil, errors.NewInternalError("stat export file", err)
	}

	info := &Info{
		ObjectPath: objectPath,
		Kind:       kind,
		Timestamp:  ts.Key(),
		ResolvedAt: ts.Resolve(e.clock()).UTC(),
		Records:    records,
		Bytes:      stat.Size(),
		CreatedAt:  e.clock().UTC(),
	}

	if err := e.storage.UploadIfAbsent(ctx, tmp.Name(), objectPath); err != nil {
		return nil, storageError(err, objectPath)
	}
	if err := e.uploadMetadata(ctx, info); err != nil {
		log.Printf("[WARN] export: metadata for %s not written: %v", objectPath, err)
	}

	log.Printf("export: wrote %d %s snapshots at %s to %s (%d bytes)",
		records, kind, info.Timestamp, objectPath, info.Bytes)
	return info, nil
}

// Load downloads an export and decodes its snapshots.
func (e *Exporter) Load(ctx context.Context, objectPath string) ([]types.Snapshot, error) {
	local, err := e.download(ctx, objectPath)
	if err != nil {
		return nil, err
	}
	defer os.Remove(local)

	f, err := os.Open(local)
	if err != nil {
		return nil, errors.NewInternalError("open export file", err)
	}
	defer f.Close()

	snaps, err := readSnapshots(f)
	if err != nil {
		return nil, errors.NewInternalError(fmt.Sprintf("decode export %s", objectPath), err)
	}
	return snaps, nil
}

// Stat returns the metadata of an export.
func (e *Exporter) Stat(ctx context.Context, objectPath string) (*Info, error) {
	local, err := e.download(ctx, objectPath+MetadataSuffix)
	if err != nil {
		return nil, err
	}
	defer os.Remove(local)

	data, err := os.ReadFile(local)
	if err != nil {
		return nil, errors.NewInternalError("read export metadata", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.NewInternalError("decode export metadata", err)
	}
	return &info, nil
}

// List returns the export object paths of kind, oldest key first.
func (e *Exporter) List(ctx context.Context, kind string) ([]string, error) {
	objects, err := e.storage.ListObjects(ctx, path.Join(e.prefix, kind)+"/")
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeDownloadFailed, "list exports", err)
	}
	out := objects[:0]
	for _, o := range objects {
		if !strings.HasSuffix(o, MetadataSuffix) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (e *Exporter) uploadMetadata(ctx context.Context, info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(e.workDir, "export-*.meta.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return e.storage.Upload(ctx, tmp.Name(), info.ObjectPath+MetadataSuffix)
}

func (e *Exporter) download(ctx context.Context, objectPath string) (string, error) {
	if err := os.MkdirAll(e.workDir, 0755); err != nil {
		return "", errors.NewInternalError("create work directory", err)
	}
	local := filepath.Join(e.workDir, "download-"+uuid.New().String())
	if err := e.storage.Download(ctx, objectPath, local); err != nil {
		os.Remove(local)
		return "", storageError(err, objectPath)
	}
	return local, nil
}

// writeSnapshots encodes one JSON snapshot per line through a snappy framed
// writer. Every snapshot carries key as its timestamp.
func writeSnapshots(w io.Writer, snaps []types.Snapshot, key string) (int64, error) {
	zw := snappy.NewBufferedWriter(w)
	enc := json.NewEncoder(zw)
	var n int64
	for i := range snaps {
		snaps[i].Timestamp = key
		if err := enc.Encode(&snaps[i]); err != nil {
			return n, err
		}
		n++
	}
	if err := zw.Close(); err != nil {
		return n, err
	}
	return n, nil
}

func readSnapshots(r io.Reader) ([]types.Snapshot, error) {
	scanner := bufio.NewScanner(snappy.NewReader(r))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var out []types.Snapshot
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var s types.Snapshot
		if err := json.Unmarshal(line, &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", len(out)+1, err)
		}
		if s.Attributes == nil {
			s.Attributes = types.Attributes{}
		}
		out = append(out, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func storageError(err error, objectPath string) error {
	switch {
	case stderrors.Is(err, storage.ErrObjectNotFound):
		return errors.NewStorageError(errors.CodeObjectNotFound,
			fmt.Sprintf("export %s not found", objectPath), err)
	case stderrors.Is(err, storage.ErrObjectExists):
		return errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("export %s already exists", objectPath))
	case stderrors.Is(err, storage.ErrDownloadFailed):
		return errors.NewStorageError(errors.CodeDownloadFailed,
			fmt.Sprintf("download %s", objectPath), err)
	default:
		return errors.NewStorageError(errors.CodeUploadFailed,
			fmt.Sprintf("store %s", objectPath), err)
	}
}
