package service

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/openkoi/koi/internal/common/db"
	"github.com/openkoi/koi/internal/common/storage"
	"github.com/openkoi/koi/internal/problem/repository"
	pkgerrors "github.com/openkoi/koi/pkg/errors"
)

type fakeProblemRepo struct {
	problems map[int64]*repository.Problem
}

func (f *fakeProblemRepo) GetByID(ctx context.Context, problemID int64) (*repository.Problem, error) {
	if p, ok := f.problems[problemID]; ok {
		return p, nil
	}
	return nil, repository.ErrProblemNotFound
}

func (f *fakeProblemRepo) Invalidate(ctx context.Context, problemID int64) error {
	return nil
}

type fakeTestCaseRepo struct {
	replaced    map[int64][]repository.TestCase
	invalidated []int64
	replaceErr  error
}

func (f *fakeTestCaseRepo) GetTestCases(ctx context.Context, problemID int64, forceRefresh bool) ([]repository.TestCase, error) {
	return f.replaced[problemID], nil
}

func (f *fakeTestCaseRepo) Invalidate(ctx context.Context, problemID int64) error {
	f.invalidated = append(f.invalidated, problemID)
	return nil
}

func (f *fakeTestCaseRepo) ReplaceAll(ctx context.Context, tx db.Transaction, problemID int64, cases []repository.TestCase) error {
	if f.replaceErr != nil {
		return f.replaceErr
	}
	if f.replaced == nil {
		f.replaced = make(map[int64][]repository.TestCase)
	}
	f.replaced[problemID] = append([]repository.TestCase(nil), cases...)
	return nil
}

type fakeObjectStorage struct {
	objects map[string][]byte
	removed []string
}

func newFakeObjectStorage() *fakeObjectStorage {
	return &fakeObjectStorage{objects: make(map[string][]byte)}
}

func (f *fakeObjectStorage) EnsureBucket(ctx context.Context, bucket string) error {
	return nil
}

func (f *fakeObjectStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.objects[objectKey] = data
	return nil
}

func (f *fakeObjectStorage) GetObject(ctx context.Context, bucket, objectKey string) (storage.ObjectReader, error) {
	data, ok := f.objects[objectKey]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjectStorage) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	data, ok := f.objects[objectKey]
	if !ok {
		return storage.ObjectStat{}, io.ErrUnexpectedEOF
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (f *fakeObjectStorage) ListObjects(ctx context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	out := make(chan storage.ObjectInfo, len(f.objects))
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		out <- storage.ObjectInfo{Key: key, SizeBytes: int64(len(f.objects[key]))}
	}
	close(out)
	return out
}

func (f *fakeObjectStorage) RemoveObjects(ctx context.Context, bucket string, keys []string) error {
	for _, key := range keys {
		delete(f.objects, key)
		f.removed = append(f.removed, key)
	}
	return nil
}

func buildArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range entries {
		header := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatalf("tar header %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("tar write %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	return buf.Bytes()
}

func newTestDataServiceWithFakes(store *fakeObjectStorage) (*TestDataService, *fakeTestCaseRepo) {
	problems := &fakeProblemRepo{problems: map[int64]*repository.Problem{
		42: {ID: 42, Title: "Adder"},
	}}
	testCases := &fakeTestCaseRepo{}
	var objectStorage storage.ObjectStorage
	if store != nil {
		objectStorage = store
	}
	svc := NewTestDataService(nil, problems, testCases, objectStorage, TestDataConfig{})
	return svc, testCases
}

func TestImportReplacesTestCases(t *testing.T) {
	store := newFakeObjectStorage()
	store.objects["problem-42/old-archive.tar.zst"] = []byte("old")
	svc, testCases := newTestDataServiceWithFakes(store)

	archive := buildArchive(t, map[string]string{
		"1.in":          "1 2\n",
		"1.out":         "3\n",
		"2.in":          "5 5\n",
		"2.out":         "10\n",
		"manifest.json": `{"hidden":[2]}`,
	})

	result, err := svc.Import(context.Background(), 42, bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 2 || result.Hidden != 1 {
		t.Fatalf("expected 2 imported 1 hidden, got %+v", result)
	}
	if !strings.HasPrefix(result.ObjectKey, "problem-42/") || !strings.HasSuffix(result.ObjectKey, ".tar.zst") {
		t.Fatalf("unexpected object key %q", result.ObjectKey)
	}

	replaced := testCases.replaced[42]
	if len(replaced) != 2 {
		t.Fatalf("expected 2 replaced cases, got %d", len(replaced))
	}
	if replaced[0].Order != 1 || replaced[0].Input != "1 2\n" || replaced[0].IsHidden {
		t.Fatalf("unexpected first case: %+v", replaced[0])
	}
	if replaced[1].Order != 2 || !replaced[1].IsHidden {
		t.Fatalf("expected second case hidden: %+v", replaced[1])
	}
	if len(testCases.invalidated) != 1 || testCases.invalidated[0] != 42 {
		t.Fatalf("expected cache invalidation for 42, got %v", testCases.invalidated)
	}

	if _, ok := store.objects[result.ObjectKey]; !ok {
		t.Fatalf("expected archive stored under %s", result.ObjectKey)
	}
	if _, ok := store.objects["problem-42/old-archive.tar.zst"]; ok {
		t.Fatalf("expected stale archive to be removed")
	}
}

func TestImportNestedAndStrayEntries(t *testing.T) {
	svc, testCases := newTestDataServiceWithFakes(nil)

	archive := buildArchive(t, map[string]string{
		"data/1.in":  "a\n",
		"data/1.out": "b\n",
		"README.md":  "notes",
	})

	result, err := svc.Import(context.Background(), 42, bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 1 {
		t.Fatalf("expected 1 imported, got %d", result.Imported)
	}
	if got := testCases.replaced[42][0]; got.Input != "a\n" || got.ExpectedOutput != "b\n" {
		t.Fatalf("unexpected case: %+v", got)
	}
}

func TestImportRejectsMalformedArchives(t *testing.T) {
	tests := []struct {
		name    string
		entries map[string]string
		want    pkgerrors.ErrorCode
	}{
		{
			name:    "missing out file",
			entries: map[string]string{"1.in": "x"},
			want:    pkgerrors.TestDataInvalid,
		},
		{
			name:    "missing in file",
			entries: map[string]string{"1.in": "x", "1.out": "y", "2.out": "z"},
			want:    pkgerrors.TestDataInvalid,
		},
		{
			name:    "no cases at all",
			entries: map[string]string{"README.md": "hi"},
			want:    pkgerrors.TestDataInvalid,
		},
		{
			name:    "broken manifest",
			entries: map[string]string{"1.in": "x", "1.out": "y", "manifest.json": "{oops"},
			want:    pkgerrors.TestDataInvalid,
		},
		{
			name:    "manifest hides unknown case",
			entries: map[string]string{"1.in": "x", "1.out": "y", "manifest.json": `{"hidden":[9]}`},
			want:    pkgerrors.TestDataInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, testCases := newTestDataServiceWithFakes(nil)
			archive := buildArchive(t, tt.entries)
			_, err := svc.Import(context.Background(), 42, bytes.NewReader(archive))
			if !pkgerrors.Is(err, tt.want) {
				t.Fatalf("expected code %v, got %v", tt.want, err)
			}
			if len(testCases.replaced) != 0 {
				t.Fatalf("expected no replacement on malformed archive")
			}
		})
	}
}

func TestImportRejectsGarbageBytes(t *testing.T) {
	svc, _ := newTestDataServiceWithFakes(nil)
	_, err := svc.Import(context.Background(), 42, strings.NewReader("definitely not zstd"))
	if !pkgerrors.Is(err, pkgerrors.TestDataInvalid) {
		t.Fatalf("expected TestDataInvalid, got %v", err)
	}
}

func TestImportUnknownProblem(t *testing.T) {
	svc, _ := newTestDataServiceWithFakes(nil)
	archive := buildArchive(t, map[string]string{"1.in": "x", "1.out": "y"})
	_, err := svc.Import(context.Background(), 7, bytes.NewReader(archive))
	if !pkgerrors.Is(err, pkgerrors.ProblemNotFound) {
		t.Fatalf("expected ProblemNotFound, got %v", err)
	}
}

func TestImportArchiveTooLarge(t *testing.T) {
	problems := &fakeProblemRepo{problems: map[int64]*repository.Problem{1: {ID: 1}}}
	svc := NewTestDataService(nil, problems, &fakeTestCaseRepo{}, nil, TestDataConfig{MaxArchiveBytes: 8})
	_, err := svc.Import(context.Background(), 1, strings.NewReader("123456789012345"))
	if !pkgerrors.Is(err, pkgerrors.TestDataTooLarge) {
		t.Fatalf("expected TestDataTooLarge, got %v", err)
	}
}
