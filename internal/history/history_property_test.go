package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genField generates field values, including the characters that need CSV
// quoting and carriage returns, which Append must refuse.
func genField() gopter.Gen {
	return gen.SliceOf(gen.OneConstOf("a", "Z", "0", "9", "-", "/", ".", ",", "\"", " ", "\n", "\r", "\r\n", "é")).
		Map(func(parts []string) string { return strings.Join(parts, "") })
}

// genKeyField generates non-empty branch-like values.
func genKeyField() gopter.Gen {
	return gen.Identifier()
}

// genSHA generates lowercase hex commit ids.
func genSHA() gopter.Gen {
	return gen.UInt64().Map(func(v uint64) string { return fmt.Sprintf("%016x", v) })
}

func genRecord(status Status) gopter.Gen {
	return gopter.CombineGens(
		genKeyField(),
		genSHA(),
		genKeyField(),
		genSHA(),
		genKeyField(),
		genField(),
	).Map(func(values []interface{}) *BuildRecord {
		return &BuildRecord{
			SourceBranch:    values[0].(string),
			SourceCommit:    values[1].(string),
			InstallerBranch: values[2].(string),
			InstallerCommit: values[3].(string),
			ArtifactName:    values[4].(string) + ".ova",
			Status:          status,
			Notes:           values[5].(string),
		}
	})
}

// genStoredRecord generates records Append accepts.
func genStoredRecord(status Status) gopter.Gen {
	return genRecord(status).Map(func(r *BuildRecord) *BuildRecord {
		r.Notes = strings.ReplaceAll(r.Notes, "\r", "")
		return r
	})
}

func newPropertyStore(t *testing.T) *CSVStore {
	s := NewCSVStore(filepath.Join(t.TempDir(), "build_history.csv"))
	if err := s.InitializeIfAbsent(context.Background()); err != nil {
		t.Fatalf("InitializeIfAbsent() error = %v", err)
	}
	return s
}

func exactQuery(r *BuildRecord) Query {
	return Query{
		SourceBranch:    Eq(r.SourceBranch),
		SourceCommit:    Eq(r.SourceCommit),
		InstallerBranch: Eq(r.InstallerBranch),
		InstallerCommit: Eq(r.InstallerCommit),
		ArtifactName:    Eq(r.ArtifactName),
		Status:          Eq(r.Status),
		Notes:           Eq(r.Notes),
	}
}

func TestHistoryRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)
	s := newPropertyStore(t)
	ctx := context.Background()

	properties.Property("append then find by all fields returns the record", prop.ForAll(
		func(r *BuildRecord) bool {
			if strings.ContainsRune(r.Notes, '\r') {
				return errors.Is(s.Append(ctx, r), ErrInvalidRecord)
			}
			if err := s.Append(ctx, r); err != nil {
				return false
			}
			got, err := s.FindMatching(ctx, exactQuery(r))
			return err == nil && got != nil && *got == *r
		},
		genRecord(StatusSuccess),
	))

	properties.TestingRun(t)
}

func TestHistoryFailedNeverMatchesSuccessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)
	s := newPropertyStore(t)
	ctx := context.Background()

	properties.Property("failed records are invisible to success queries", prop.ForAll(
		func(r *BuildRecord) bool {
			if strings.ContainsRune(r.Notes, '\r') {
				return errors.Is(s.Append(ctx, r), ErrInvalidRecord)
			}
			if err := s.Append(ctx, r); err != nil {
				return false
			}
			q := exactQuery(r)
			q.Status = Eq(StatusSuccess)
			got, err := s.FindMatching(ctx, q)
			return err == nil && got == nil
		},
		genRecord(StatusFailed),
	))

	properties.TestingRun(t)
}

func TestHistoryFirstMatchProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)
	ctx := context.Background()

	properties.Property("the earliest of several key-equal rows is returned", prop.ForAll(
		func(r *BuildRecord, copies int) bool {
			s := newPropertyStore(t)
			for i := 0; i < copies; i++ {
				dup := *r
				dup.ArtifactName = r.ArtifactName + "-" + string(rune('a'+i))
				if err := s.Append(ctx, &dup); err != nil {
					return false
				}
			}
			got, err := s.FindMatching(ctx, Query{
				SourceBranch:    Eq(r.SourceBranch),
				SourceCommit:    Eq(r.SourceCommit),
				InstallerBranch: Eq(r.InstallerBranch),
				InstallerCommit: Eq(r.InstallerCommit),
				Status:          Eq(StatusSuccess),
			})
			return err == nil && got != nil && got.ArtifactName == r.ArtifactName+"-a"
		},
		genStoredRecord(StatusSuccess),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestInitializeIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)
	ctx := context.Background()

	properties.Property("re-initializing never changes a non-empty log", prop.ForAll(
		func(records []*BuildRecord) bool {
			s := newPropertyStore(t)
			for _, r := range records {
				if err := s.Append(ctx, r); err != nil {
					return false
				}
			}
			before, err := s.List(ctx)
			if err != nil {
				return false
			}
			if err := s.InitializeIfAbsent(ctx); err != nil {
				return false
			}
			after, err := s.List(ctx)
			if err != nil || len(before) != len(after) {
				return false
			}
			for i := range before {
				if before[i] != after[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, genStoredRecord(StatusSuccess)),
	))

	properties.TestingRun(t)
}
