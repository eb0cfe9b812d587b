package recovery

import (
	"fmt"

	"orders2sheet/internal/source"
)

// ConflictStrategy selects which side wins when the same record exists in
// both the source and the destination with different content
type ConflictStrategy string

const (
	StrategySourceWins      ConflictStrategy = "source_wins"
	StrategyDestinationWins ConflictStrategy = "destination_wins"
	StrategyNewestWins      ConflictStrategy = "newer_timestamp_wins"
	StrategyManualReview    ConflictStrategy = "manual_review"
)

// ConflictOptions configures record reconciliation
type ConflictOptions struct {
	Strategy       ConflictStrategy
	KeyField       string
	TimestampField string
}

// ConflictPair holds both versions of a record flagged for manual review
type ConflictPair struct {
	Key         string
	Source      source.Record
	Destination source.Record
}

// ConflictResult is the reconciled record set plus counts of what happened
type ConflictResult struct {
	Merged            []source.Record
	Conflicts         int
	OnlyInSource      int
	OnlyInDestination int
	ManualReview      []ConflictPair
}

// ResolveConflicts reconciles source records against what the destination
// already holds. Records present on only one side pass through unchanged;
// records present on both sides with differing content are resolved per the
// strategy. Order follows the source, with destination-only records
// appended. Under the manual-review strategy conflicting pairs are excluded
// from the merged set and returned for the operator to decide.
func ResolveConflicts(src, dst []source.Record, opts ConflictOptions) (ConflictResult, error) {
	switch opts.Strategy {
	case StrategySourceWins, StrategyDestinationWins, StrategyNewestWins, StrategyManualReview:
	default:
		return ConflictResult{}, fmt.Errorf("unknown conflict strategy %q", opts.Strategy)
	}

	byKey := make(map[string]source.Record, len(dst))
	for _, rec := range dst {
		if key := rec.Key(opts.KeyField); key != "" {
			byKey[key] = rec
		}
	}

	var result ConflictResult
	seen := make(map[string]bool, len(src))

	for _, srcRec := range src {
		key := srcRec.Key(opts.KeyField)
		if key == "" {
			result.Merged = append(result.Merged, srcRec)
			continue
		}
		seen[key] = true

		dstRec, exists := byKey[key]
		if !exists {
			result.OnlyInSource++
			result.Merged = append(result.Merged, srcRec)
			continue
		}
		if recordsEqual(srcRec, dstRec) {
			result.Merged = append(result.Merged, srcRec)
			continue
		}

		result.Conflicts++
		switch opts.Strategy {
		case StrategySourceWins:
			result.Merged = append(result.Merged, srcRec)
		case StrategyDestinationWins:
			result.Merged = append(result.Merged, dstRec)
		case StrategyNewestWins:
			result.Merged = append(result.Merged, newerOf(srcRec, dstRec, opts.TimestampField))
		case StrategyManualReview:
			result.ManualReview = append(result.ManualReview, ConflictPair{
				Key:         key,
				Source:      srcRec,
				Destination: dstRec,
			})
		}
	}

	for _, dstRec := range dst {
		key := dstRec.Key(opts.KeyField)
		if key == "" || seen[key] {
			continue
		}
		result.OnlyInDestination++
		result.Merged = append(result.Merged, dstRec)
	}

	return result, nil
}

// newerOf picks the record with the later timestamp. Missing or unparseable
// timestamps fall back to the source side.
func newerOf(srcRec, dstRec source.Record, field string) source.Record {
	srcTS, srcOK := srcRec.Timestamp(field)
	dstTS, dstOK := dstRec.Timestamp(field)
	if srcOK && dstOK && dstTS.After(srcTS) {
		return dstRec
	}
	return srcRec
}

func recordsEqual(a, b source.Record) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
