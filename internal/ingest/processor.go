// Package ingest implements the file ingestion pipeline: content digesting,
// dedup against a manifest, staged bulk load and timestamp-gated merge into a
// target relation, driven by filesystem arrival events.
package ingest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Batch exposes the store primitives for ingesting one file. All calls run on
// one connection inside one transaction; returning an error from the enclosing
// WithBatch rolls every call back.
type Batch interface {
	// DigestSeen reports whether the manifest already holds the digest.
	DigestSeen(ctx context.Context, digest string) (bool, error)

	// StageFile overwrites the staging relation with the file's rows and
	// returns the number of rows loaded. Malformed rows fail the whole load.
	StageFile(ctx context.Context, path string) (int64, error)

	// RecordManifest appends one manifest record.
	RecordManifest(ctx context.Context, m Manifest) error

	// MergeStaging upserts staged rows into the target relation, overwriting
	// an existing row only when the staged processed_at is strictly newer.
	// Returns the number of rows inserted or updated.
	MergeStaging(ctx context.Context) (int64, error)
}

// Store is the capability interface the processor needs from a backing store.
type Store interface {
	// Setup (re)creates the staging and manifest relations.
	Setup(ctx context.Context) error

	// WithBatch acquires a connection, opens a transaction and runs fn.
	// A nil return from fn commits; any error rolls back.
	WithBatch(ctx context.Context, fn func(Batch) error) error
}

// Step identifies where in the per-file sequence processing ended.
type Step int

const (
	StepDigest Step = iota
	StepCheck
	StepStage
	StepRecord
	StepMerge
)

func (s Step) String() string {
	switch s {
	case StepDigest:
		return "digest"
	case StepCheck:
		return "check"
	case StepStage:
		return "stage"
	case StepRecord:
		return "record"
	case StepMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// Outcome is the terminal state of processing one file.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeSkipped
	OutcomeDone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result reports how processing one file ended. Step is the last step
// reached; Err is set only when Outcome is OutcomeFailed.
type Result struct {
	Outcome Outcome
	Step    Step
	Digest  string
	Rows    int64
	Err     error
}

// Processor runs the dedup-check, stage-load, manifest-record, merge-upsert
// sequence for one configured entity. It is stateless aside from its
// configuration and safe to reuse across files.
type Processor struct {
	entity EntityConfig
	store  Store
	log    zerolog.Logger
}

// NewProcessor creates a processor for the given entity backed by store.
func NewProcessor(entity EntityConfig, store Store, log zerolog.Logger) *Processor {
	return &Processor{
		entity: entity,
		store:  store,
		log:    log.With().Str("entity", entity.Name).Logger(),
	}
}

// Entity returns the processor's entity configuration.
func (p *Processor) Entity() EntityConfig {
	return p.entity
}

// Setup (re)creates the entity's staging and manifest relations. Called once
// at pipeline start; the target relation is assumed to exist already.
func (p *Processor) Setup(ctx context.Context) error {
	p.log.Info().Msg("setting up staging and manifest tables")
	return p.store.Setup(ctx)
}

// ProcessFile runs the full ingestion sequence for one file and returns the
// terminal state. Failures never propagate as errors to the caller; they are
// reported in the Result so one bad file cannot stop the dispatch loop.
func (p *Processor) ProcessFile(ctx context.Context, path string) Result {
	digest, err := ContentDigest(path)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Step: StepDigest, Err: err}
	}
	p.log.Debug().Str("file", path).Str("digest", digest).Msg("computed digest")

	info, err := os.Stat(path)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Step: StepDigest, Err: fmt.Errorf("stat %s: %w", path, err)}
	}

	res := Result{Outcome: OutcomeFailed, Step: StepCheck, Digest: digest}
	err = p.store.WithBatch(ctx, func(b Batch) error {
		seen, err := b.DigestSeen(ctx, digest)
		if err != nil {
			// Fail closed: a flaky read must not lead to double ingestion.
			return fmt.Errorf("dedup check: %w", err)
		}
		if seen {
			res.Outcome = OutcomeSkipped
			return nil
		}

		p.log.Info().Str("file", path).Msg("processing new batch")

		res.Step = StepStage
		staged, err := b.StageFile(ctx, path)
		if err != nil {
			return fmt.Errorf("stage load: %w", err)
		}

		res.Step = StepRecord
		m := Manifest{
			FileName:    StableName(path),
			Digest:      digest,
			FileSize:    info.Size(),
			ProcessedAt: time.Now().Unix(),
		}
		if err := b.RecordManifest(ctx, m); err != nil {
			return fmt.Errorf("record manifest: %w", err)
		}

		res.Step = StepMerge
		merged, err := b.MergeStaging(ctx)
		if err != nil {
			return fmt.Errorf("merge staging: %w", err)
		}

		p.log.Debug().Int64("staged", staged).Int64("merged", merged).Msg("batch merged")
		res.Outcome = OutcomeDone
		res.Rows = merged
		return nil
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
	}
	return res
}
