package engine

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"github.com/tmerz/assetcalc/series"
)

// failure is a job-terminal error with a structured reason code.
type failure struct {
	code   string
	detail string
}

func (f *failure) String() string {
	if f.detail == "" {
		return f.code
	}
	return f.code + ": " + f.detail
}

// execute processes the job's timestamp grid in batches. Raw samples are
// fetched once per tag and batch, then the plan is evaluated per
// timestamp. The cancellation flag and the continued existence of the
// target attribute are checked between batches.
func (s *Scheduler) execute(ctx context.Context, j *job) ([]series.ComputedSample, *failure) {
	total := j.total
	samples := make([]series.ComputedSample, 0, total)
	batchSize := uint64(s.cfg.BatchSize)
	if batchSize == 0 {
		batchSize = 1
	}

	for batchStart := uint64(0); batchStart < total; batchStart += batchSize {
		if j.cancelled.Load() || ctx.Err() != nil {
			return nil, &failure{code: ReasonCancelled}
		}
		if _, err := s.store.GetAttribute(j.req.AssetID, j.req.AttributeID); err != nil {
			return nil, &failure{code: ReasonTargetDeleted, detail: err.Error()}
		}

		batchEnd := batchStart + batchSize
		if batchEnd > total {
			batchEnd = total
		}
		fetched, fail := s.fetchBatch(ctx, j, j.req.timeAt(batchStart), j.req.timeAt(batchEnd))
		if fail != nil {
			return nil, fail
		}

		qualityCounts := make(map[series.Quality]uint64, 3)
		for i := batchStart; i < batchEnd; i++ {
			ts := j.req.timeAt(i)
			sample := j.plan.evaluate(ts, func(key string) (series.RawSample, bool) {
				bucket, ok := fetched[key]
				if !ok {
					return series.RawSample{}, false
				}
				raw, ok := bucket[ts.UnixNano()]
				return raw, ok
			})
			samples = append(samples, sample)
			qualityCounts[sample.Quality]++
			j.processed.Add(1)
		}
		for quality, count := range qualityCounts {
			s.collector.AddSamplesComputed(string(quality), count)
		}
	}
	return samples, nil
}

// fetchBatch pulls the raw samples for every tag the plan requires over
// one batch window. Fetches run under the per-call provider timeout and
// are retried with exponential backoff; an exhausted retry budget fails
// the job with reason ProviderTimeout.
func (s *Scheduler) fetchBatch(ctx context.Context, j *job, start, end time.Time) (map[string]map[int64]series.RawSample, *failure) {
	fetched := make(map[string]map[int64]series.RawSample, len(j.plan.tags))
	for _, fetch := range j.plan.tags {
		providerID := fetch.provider
		if providerID == "" {
			providerID = j.provider
		}
		prov := s.providers[providerID]
		if prov == nil {
			return nil, &failure{code: ReasonProviderTimeout, detail: "unknown data source " + providerID}
		}

		retry := &backoff.Backoff{
			Min:    s.cfg.RetryBackoff.Duration,
			Max:    s.cfg.RetryBackoffMax.Duration,
			Factor: 2,
			Jitter: true,
		}
		attempts := 0
		var raws []series.RawSample
		for {
			fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout.Duration)
			result, err := prov.FetchRange(fetchCtx, fetch.tag, start, end, j.req.Resolution)
			cancel()
			if err == nil {
				raws = result
				break
			}
			if ctx.Err() != nil || j.cancelled.Load() {
				return nil, &failure{code: ReasonCancelled}
			}
			attempts++
			if attempts > s.cfg.RetryBudget {
				return nil, &failure{code: ReasonProviderTimeout, detail: err.Error()}
			}
			s.collector.IncProviderRetry(providerID)
			s.logger.Warn().Str("job", j.id).Str("tag", fetch.tag).Int("attempt", attempts).Err(err).Msg("provider fetch retry")
			select {
			case <-time.After(retry.Duration()):
			case <-ctx.Done():
				return nil, &failure{code: ReasonCancelled}
			}
		}

		bucket := make(map[int64]series.RawSample, len(raws))
		for _, raw := range raws {
			bucket[alignTimestamp(raw.Timestamp, start, j.req.Resolution)] = raw
		}
		fetched[fetch.key] = bucket
	}
	return fetched, nil
}

// alignTimestamp snaps a raw sample onto the resolution grid anchored at
// the batch start.
func alignTimestamp(ts, gridStart time.Time, resolution time.Duration) int64 {
	offset := ts.Sub(gridStart)
	if offset < 0 {
		return ts.UnixNano()
	}
	bucket := offset / resolution
	return gridStart.Add(bucket * resolution).UnixNano()
}
