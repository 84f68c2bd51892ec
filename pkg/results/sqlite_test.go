package results_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/poltergeist/crater/pkg/results"
	"github.com/poltergeist/crater/pkg/types"
)

func openSink(t *testing.T) *results.SQLiteSink {
	t.Helper()
	sink, err := results.NewSQLiteSink(filepath.Join(t.TempDir(), "nested", "results.db"))
	if err != nil {
		t.Fatalf("failed to open sink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	return sink
}

var (
	ex     = &types.Experiment{Name: "exp"}
	stable = types.MustParseToolchain("stable")
	beta   = types.MustParseToolchain("beta")
	foo    = types.RegistryPackage{Name: "foo", Version: "1.0.0"}
	hello  = types.RepoPackage{Org: "brson", Name: "hello-rs", SHA: "abcdef1"}
)

func TestSQLiteSink_Shas(t *testing.T) {
	sink := openSink(t)

	if _, err := sink.GetSha("exp", hello); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := sink.RecordSha(ex, hello, "abcdef1"); err != nil {
		t.Fatalf("RecordSha failed: %v", err)
	}
	if err := sink.RecordSha(ex, hello, "1234567"); err != nil {
		t.Fatalf("RecordSha overwrite failed: %v", err)
	}

	sha, err := sink.GetSha("exp", hello)
	if err != nil {
		t.Fatal(err)
	}
	if sha != "1234567" {
		t.Errorf("expected latest sha, got %s", sha)
	}
}

func TestSQLiteSink_Outcomes(t *testing.T) {
	sink := openSink(t)

	outcomes := []struct {
		tc      types.Toolchain
		pkg     types.Package
		outcome types.TaskOutcome
	}{
		{stable, foo, types.TaskOutcome{Status: types.OutcomeTestPass, Duration: 1500 * time.Millisecond}},
		{beta, foo, types.TaskOutcome{Status: types.OutcomeBuildFail, Output: "error[E0308]", Duration: time.Second}},
		{stable, hello, types.TaskOutcome{Status: types.OutcomeError, Error: "disk full"}},
	}
	for _, o := range outcomes {
		if err := sink.RecordTaskOutcome(ex, o.tc, o.pkg, o.outcome); err != nil {
			t.Fatalf("RecordTaskOutcome failed: %v", err)
		}
	}

	// Re-recording replaces the earlier outcome
	if err := sink.RecordTaskOutcome(ex, stable, hello, types.TaskOutcome{Status: types.OutcomeTestPass}); err != nil {
		t.Fatal(err)
	}

	records, err := sink.ListOutcomes("exp")
	if err != nil {
		t.Fatalf("ListOutcomes failed: %v", err)
	}

	want := []results.Record{
		{Experiment: "exp", Toolchain: "beta", Package: types.SpecOf(foo),
			Outcome: types.TaskOutcome{Status: types.OutcomeBuildFail, Output: "error[E0308]", Duration: time.Second}},
		{Experiment: "exp", Toolchain: "stable", Package: types.SpecOf(hello),
			Outcome: types.TaskOutcome{Status: types.OutcomeTestPass}},
		{Experiment: "exp", Toolchain: "stable", Package: types.SpecOf(foo),
			Outcome: types.TaskOutcome{Status: types.OutcomeTestPass, Duration: 1500 * time.Millisecond}},
	}
	if diff := cmp.Diff(want, records, cmpopts.IgnoreFields(results.Record{}, "RecordedAt")); diff != "" {
		t.Errorf("unexpected records (-want +got):\n%s", diff)
	}

	counts, err := sink.CountByStatus("exp")
	if err != nil {
		t.Fatal(err)
	}
	if counts[types.OutcomeTestPass] != 2 || counts[types.OutcomeBuildFail] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestSQLiteSink_CopyAndDelete(t *testing.T) {
	sink := openSink(t)

	if err := sink.RecordSha(ex, hello, "abcdef1"); err != nil {
		t.Fatal(err)
	}
	if err := sink.RecordTaskOutcome(ex, stable, foo, types.TaskOutcome{Status: types.OutcomeTestPass}); err != nil {
		t.Fatal(err)
	}

	if err := sink.CopyExperiment("exp", "copy"); err != nil {
		t.Fatalf("CopyExperiment failed: %v", err)
	}
	if err := sink.DeleteExperiment("exp"); err != nil {
		t.Fatalf("DeleteExperiment failed: %v", err)
	}

	if records, _ := sink.ListOutcomes("exp"); len(records) != 0 {
		t.Errorf("expected no records after delete, got %d", len(records))
	}
	if records, _ := sink.ListOutcomes("copy"); len(records) != 1 {
		t.Errorf("expected copy to keep its record, got %d", len(records))
	}
	if sha, err := sink.GetSha("copy", hello); err != nil || sha != "abcdef1" {
		t.Errorf("expected copied sha, got %q %v", sha, err)
	}
}

func TestSQLiteSink_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")

	sink, err := results.NewSQLiteSink(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.RecordTaskOutcome(ex, stable, foo, types.TaskOutcome{Status: types.OutcomeTestFail}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := results.NewSQLiteSink(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	records, err := reopened.ListOutcomes("exp")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Outcome.Status != types.OutcomeTestFail {
		t.Errorf("expected durable outcome, got %+v", records)
	}
}
