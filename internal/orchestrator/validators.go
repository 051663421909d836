package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lexledger/lexmigrate/internal/blobstore"
	"github.com/lexledger/lexmigrate/internal/extract"
)

// SchemaValidator re-extracts the legacy migrations and checks the result.
// Against an existing checkpoint it also fails when the schema fingerprint
// has drifted.
type SchemaValidator struct {
	Extractor     *extract.Extractor
	MigrationPath string
	Options       extract.ValidateOptions
}

func (v *SchemaValidator) Validate(ctx context.Context, prev *Checkpoint) (ValidationResults, error) {
	var res ValidationResults
	result, err := v.Extractor.Extract(ctx, extract.Options{MigrationPath: v.MigrationPath})
	if err != nil {
		res.add("extraction", false, err.Error())
		return res, nil
	}
	res.add("extraction", true, fmt.Sprintf("%d tables", len(result.Tables)))

	report := extract.Validate(result, v.Options)
	res.add("schema", report.IsValid, strings.Join(report.Errors, "; "))
	res.Warnings = append(res.Warnings, report.Warnings...)

	res.Fingerprint = extract.Fingerprint(result)
	if prev != nil && prev.Validation.Fingerprint != "" {
		same := prev.Validation.Fingerprint == res.Fingerprint
		msg := ""
		if !same {
			msg = fmt.Sprintf("schema changed since checkpoint %s", prev.Name)
		}
		res.add("fingerprint", same, msg)
	}
	res.Valid = allPassed(res.Checks)
	return res, nil
}

// SampleResult is what a DataSampler reports for one table.
type SampleResult struct {
	Rows int
	// Orphans describes foreign keys in the sample that point nowhere.
	Orphans []string
	Latency time.Duration
}

// DataSampler reads a bounded sample of a migrated table.
type DataSampler interface {
	Sample(ctx context.Context, table string, n int) (SampleResult, error)
}

// DataValidator samples the migrated tables for integrity and latency.
type DataValidator struct {
	Sampler         DataSampler
	Tables          []string
	SampleSize      int
	SkipIntegrity   bool
	SkipPerformance bool
	MaxLatency      time.Duration
}

func (v *DataValidator) Validate(ctx context.Context, _ *Checkpoint) (ValidationResults, error) {
	var res ValidationResults
	if len(v.Tables) == 0 {
		res.Warnings = append(res.Warnings, "no data tables configured")
	}
	size := v.SampleSize
	if size <= 0 {
		size = 100
	}
	for _, table := range v.Tables {
		sample, err := v.Sampler.Sample(ctx, table, size)
		if err != nil {
			res.add("sample:"+table, false, err.Error())
			continue
		}
		res.add("sample:"+table, true, fmt.Sprintf("%d rows", sample.Rows))
		if sample.Rows == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("table %s is empty", table))
		}
		if !v.SkipIntegrity {
			res.add("integrity:"+table, len(sample.Orphans) == 0, strings.Join(sample.Orphans, "; "))
		}
		if !v.SkipPerformance && v.MaxLatency > 0 {
			ok := sample.Latency <= v.MaxLatency
			msg := ""
			if !ok {
				msg = fmt.Sprintf("sample took %s, limit %s", sample.Latency.Round(time.Millisecond), v.MaxLatency)
			}
			res.add("performance:"+table, ok, msg)
		}
	}
	res.Valid = allPassed(res.Checks)
	return res, nil
}

// UserCounter counts accounts on one side of the identity migration.
type UserCounter interface {
	CountUsers(ctx context.Context) (int, error)
}

// UsersValidator requires at least as many migrated accounts as legacy ones.
type UsersValidator struct {
	Legacy UserCounter
	Target UserCounter
}

func (v *UsersValidator) Validate(ctx context.Context, _ *Checkpoint) (ValidationResults, error) {
	var res ValidationResults
	legacy, err := v.Legacy.CountUsers(ctx)
	if err != nil {
		return res, fmt.Errorf("counting legacy accounts: %w", err)
	}
	target, err := v.Target.CountUsers(ctx)
	if err != nil {
		return res, fmt.Errorf("counting migrated accounts: %w", err)
	}
	msg := fmt.Sprintf("%d legacy, %d migrated", legacy, target)
	res.add("accounts", target >= legacy, msg)
	res.Valid = allPassed(res.Checks)
	return res, nil
}

// FilesValidator checks that the blob backend holding migrated files answers.
type FilesValidator struct {
	Blobs blobstore.Backend
}

func (v *FilesValidator) Validate(ctx context.Context, _ *Checkpoint) (ValidationResults, error) {
	var res ValidationResults
	if err := v.Blobs.Ping(ctx); err != nil {
		res.add("backend", false, err.Error())
	} else {
		res.add("backend", true, "")
	}
	res.Valid = allPassed(res.Checks)
	return res, nil
}

func allPassed(checks []ValidationCheck) bool {
	for _, c := range checks {
		if !c.Passed {
			return false
		}
	}
	return true
}
