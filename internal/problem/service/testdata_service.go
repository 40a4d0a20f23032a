package service

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/openkoi/koi/internal/common/db"
	"github.com/openkoi/koi/internal/common/storage"
	"github.com/openkoi/koi/internal/problem/repository"
	pkgerrors "github.com/openkoi/koi/pkg/errors"
	"github.com/openkoi/koi/pkg/utils/logger"
)

const (
	defaultTestDataBucket   = "koi-testdata"
	defaultMaxArchiveBytes  = 32 * 1024 * 1024
	defaultMaxUnpackedBytes = 256 * 1024 * 1024
)

type TestDataConfig struct {
	Bucket           string
	MaxArchiveBytes  int64
	MaxUnpackedBytes int64
}

// TestDataService imports `.tar.zst` test-data archives: the raw archive is
// kept in object storage, the unpacked N.in/N.out pairs replace the
// problem's test cases in one transaction. Malformed archives reject before
// anything is written.
type TestDataService struct {
	database  db.Database
	problems  repository.ProblemRepository
	testCases repository.TestCaseRepository
	storage   storage.ObjectStorage
	config    TestDataConfig
}

func NewTestDataService(database db.Database, problems repository.ProblemRepository, testCases repository.TestCaseRepository, objectStorage storage.ObjectStorage, config TestDataConfig) *TestDataService {
	if config.Bucket == "" {
		config.Bucket = defaultTestDataBucket
	}
	if config.MaxArchiveBytes <= 0 {
		config.MaxArchiveBytes = defaultMaxArchiveBytes
	}
	if config.MaxUnpackedBytes <= 0 {
		config.MaxUnpackedBytes = defaultMaxUnpackedBytes
	}
	return &TestDataService{
		database:  database,
		problems:  problems,
		testCases: testCases,
		storage:   objectStorage,
		config:    config,
	}
}

type ImportResult struct {
	ProblemID int64  `json:"problem_id"`
	Imported  int    `json:"imported"`
	Hidden    int    `json:"hidden"`
	ObjectKey string `json:"object_key,omitempty"`
}

func (s *TestDataService) Import(ctx context.Context, problemID int64, archive io.Reader) (ImportResult, error) {
	if problemID <= 0 || archive == nil {
		return ImportResult{}, pkgerrors.New(pkgerrors.InvalidParams)
	}
	if _, err := s.problems.GetByID(ctx, problemID); err != nil {
		if errors.Is(err, repository.ErrProblemNotFound) {
			return ImportResult{}, pkgerrors.New(pkgerrors.ProblemNotFound)
		}
		return ImportResult{}, pkgerrors.Wrap(fmt.Errorf("load problem failed: %w", err), pkgerrors.DatabaseError)
	}

	data, err := readBounded(archive, s.config.MaxArchiveBytes)
	if err != nil {
		return ImportResult{}, err
	}

	cases, hidden, err := parseTestDataArchive(data, s.config.MaxUnpackedBytes)
	if err != nil {
		return ImportResult{}, err
	}

	objectKey, err := s.storeArchive(ctx, problemID, data)
	if err != nil {
		return ImportResult{}, err
	}

	if err := s.withTransaction(ctx, func(tx db.Transaction) error {
		return s.testCases.ReplaceAll(ctx, tx, problemID, cases)
	}); err != nil {
		return ImportResult{}, pkgerrors.Wrap(fmt.Errorf("replace test cases failed: %w", err), pkgerrors.TestDataImportFailed)
	}

	if err := s.testCases.Invalidate(ctx, problemID); err != nil {
		logger.Warn(ctx, "invalidate test case cache failed",
			zap.Int64("problem_id", problemID), zap.Error(err))
	}
	s.removeStaleArchives(ctx, problemID, objectKey)

	return ImportResult{
		ProblemID: problemID,
		Imported:  len(cases),
		Hidden:    hidden,
		ObjectKey: objectKey,
	}, nil
}

func (s *TestDataService) withTransaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	if s.database == nil {
		return fn(nil)
	}
	return s.database.Transaction(ctx, fn)
}

func (s *TestDataService) storeArchive(ctx context.Context, problemID int64, data []byte) (string, error) {
	if s.storage == nil {
		return "", nil
	}
	sum := sha256.Sum256(data)
	key := fmt.Sprintf("problem-%d/%s.tar.zst", problemID, hex.EncodeToString(sum[:]))

	if err := s.storage.EnsureBucket(ctx, s.config.Bucket); err != nil {
		return "", pkgerrors.Wrap(fmt.Errorf("ensure bucket failed: %w", err), pkgerrors.StorageError)
	}
	if err := s.storage.PutObject(ctx, s.config.Bucket, key, bytes.NewReader(data), int64(len(data)), "application/zstd"); err != nil {
		return "", pkgerrors.Wrap(fmt.Errorf("store archive failed: %w", err), pkgerrors.StorageError)
	}
	return key, nil
}

// removeStaleArchives drops older archives of the problem. Best effort: the
// import has already succeeded, leftovers only cost storage.
func (s *TestDataService) removeStaleArchives(ctx context.Context, problemID int64, keep string) {
	if s.storage == nil || keep == "" {
		return
	}
	prefix := fmt.Sprintf("problem-%d/", problemID)
	var stale []string
	for info := range s.storage.ListObjects(ctx, s.config.Bucket, prefix) {
		if info.Err != nil {
			logger.Warn(ctx, "list old archives failed",
				zap.Int64("problem_id", problemID), zap.Error(info.Err))
			return
		}
		if info.Key != keep {
			stale = append(stale, info.Key)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := s.storage.RemoveObjects(ctx, s.config.Bucket, stale); err != nil {
		logger.Warn(ctx, "remove old archives failed",
			zap.Int64("problem_id", problemID), zap.Int("count", len(stale)), zap.Error(err))
	}
}

func readBounded(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, pkgerrors.Wrap(fmt.Errorf("read archive failed: %w", err), pkgerrors.TestDataInvalid)
	}
	if int64(len(data)) > max {
		return nil, pkgerrors.New(pkgerrors.TestDataTooLarge)
	}
	if len(data) == 0 {
		return nil, pkgerrors.New(pkgerrors.TestDataInvalid).WithMessage("archive is empty")
	}
	return data, nil
}

type testDataManifest struct {
	Hidden []int `json:"hidden"`
}

// parseTestDataArchive unpacks a `.tar.zst` of 1-based `N.in`/`N.out` pairs
// plus an optional manifest.json listing hidden case numbers. Every .in
// needs its .out and vice versa; unrelated entries are skipped.
func parseTestDataArchive(data []byte, maxUnpacked int64) ([]repository.TestCase, int, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, 0, pkgerrors.Wrap(fmt.Errorf("zstd open failed: %w", err), pkgerrors.TestDataInvalid)
	}
	defer decoder.Close()

	inputs := make(map[int]string)
	outputs := make(map[int]string)
	var manifest *testDataManifest
	remaining := maxUnpacked

	reader := tar.NewReader(decoder)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, pkgerrors.Wrap(fmt.Errorf("tar read failed: %w", err), pkgerrors.TestDataInvalid)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Base(path.Clean(header.Name))

		var kind string
		var index int
		switch {
		case name == "manifest.json":
			kind = "manifest"
		case strings.HasSuffix(name, ".in"):
			index, err = parseCaseNumber(strings.TrimSuffix(name, ".in"))
			if err != nil {
				continue
			}
			kind = "in"
		case strings.HasSuffix(name, ".out"):
			index, err = parseCaseNumber(strings.TrimSuffix(name, ".out"))
			if err != nil {
				continue
			}
			kind = "out"
		default:
			continue
		}

		content, err := io.ReadAll(io.LimitReader(reader, remaining+1))
		if err != nil {
			return nil, 0, pkgerrors.Wrap(fmt.Errorf("read entry %s failed: %w", name, err), pkgerrors.TestDataInvalid)
		}
		remaining -= int64(len(content))
		if remaining < 0 {
			return nil, 0, pkgerrors.New(pkgerrors.TestDataTooLarge).WithMessage("unpacked data exceeds limit")
		}

		switch kind {
		case "manifest":
			var m testDataManifest
			if err := json.Unmarshal(content, &m); err != nil {
				return nil, 0, pkgerrors.Wrap(fmt.Errorf("manifest parse failed: %w", err), pkgerrors.TestDataInvalid)
			}
			manifest = &m
		case "in":
			inputs[index] = string(content)
		case "out":
			outputs[index] = string(content)
		}
	}

	if len(inputs) == 0 {
		return nil, 0, pkgerrors.New(pkgerrors.TestDataInvalid).WithMessage("archive contains no test cases")
	}
	for n := range inputs {
		if _, ok := outputs[n]; !ok {
			return nil, 0, pkgerrors.Newf(pkgerrors.TestDataInvalid, "case %d has no .out file", n)
		}
	}
	for n := range outputs {
		if _, ok := inputs[n]; !ok {
			return nil, 0, pkgerrors.Newf(pkgerrors.TestDataInvalid, "case %d has no .in file", n)
		}
	}

	hiddenSet := make(map[int]bool)
	if manifest != nil {
		for _, n := range manifest.Hidden {
			if _, ok := inputs[n]; !ok {
				return nil, 0, pkgerrors.Newf(pkgerrors.TestDataInvalid, "manifest hides unknown case %d", n)
			}
			hiddenSet[n] = true
		}
	}

	numbers := make([]int, 0, len(inputs))
	for n := range inputs {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	cases := make([]repository.TestCase, 0, len(numbers))
	for _, n := range numbers {
		cases = append(cases, repository.TestCase{
			Input:          inputs[n],
			ExpectedOutput: outputs[n],
			Order:          n,
			IsHidden:       hiddenSet[n],
		})
	}
	return cases, len(hiddenSet), nil
}

func parseCaseNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("case number %d out of range", n)
	}
	return n, nil
}
