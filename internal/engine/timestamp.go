package engine

import (
	"time"

	"circuit_go/internal/domain"
	"circuit_go/internal/infra"
)

// ResolvedTime is the observation time chosen for one snapshot and the tier
// of the fallback chain it came from.
type ResolvedTime struct {
	Time time.Time
	Tier infra.TimestampTier
}

// validTimestamp rejects zero, pre-epoch and implausibly future timestamps.
func validTimestamp(ts, now time.Time, maxSkew time.Duration) bool {
	if ts.IsZero() || ts.Unix() <= 0 {
		return false
	}
	return !ts.After(now.Add(maxSkew))
}

// fallbackStep separates snapshots of one instrument that share a fallback time.
const fallbackStep = time.Microsecond

type tokenTime struct {
	token int64
	at    time.Time
}

// ResolveTimestamps picks an observation time for every snapshot of a batch:
// its own timestamp, then its last trade time, then the most recent valid time
// seen anywhere in the batch, then now. Results are in UTC and index-aligned
// with batch. Fallback times that would collide with another snapshot of the
// same instrument are pushed forward by batch position.
func ResolveTimestamps(batch []domain.QuoteSnapshot, now time.Time, maxSkew time.Duration) []ResolvedTime {
	now = now.UTC()

	var batchLatest time.Time
	for _, s := range batch {
		for _, ts := range [...]time.Time{s.Timestamp, s.LastTradeTime} {
			if validTimestamp(ts, now, maxSkew) && ts.After(batchLatest) {
				batchLatest = ts
			}
		}
	}

	out := make([]ResolvedTime, len(batch))
	own := make([]bool, len(batch))
	taken := make(map[tokenTime]struct{}, len(batch))
	for i, s := range batch {
		switch {
		case validTimestamp(s.Timestamp, now, maxSkew):
			out[i] = ResolvedTime{Time: s.Timestamp.UTC(), Tier: infra.TierPrimary}
		case validTimestamp(s.LastTradeTime, now, maxSkew):
			out[i] = ResolvedTime{Time: s.LastTradeTime.UTC(), Tier: infra.TierLastTrade}
		default:
			continue
		}
		own[i] = true
		taken[tokenTime{s.InstrumentToken, out[i].Time}] = struct{}{}
	}

	for i, s := range batch {
		if own[i] {
			continue
		}
		r := ResolvedTime{Time: now, Tier: infra.TierWallClock}
		if !batchLatest.IsZero() {
			r = ResolvedTime{Time: batchLatest.UTC(), Tier: infra.TierBatch}
		}
		for {
			k := tokenTime{s.InstrumentToken, r.Time}
			if _, dup := taken[k]; !dup {
				taken[k] = struct{}{}
				break
			}
			r.Time = r.Time.Add(fallbackStep)
		}
		out[i] = r
	}
	return out
}
