package syncjob

import "time"

// DayStatistics is one day bucket of job statistics.
type DayStatistics struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
}

// Statistics aggregates jobs for dashboards.
type Statistics struct {
	TotalJobs         int                       `json:"totalJobs"`
	ByStatus          map[Status]int            `json:"byStatus"`
	ByType            map[JobType]int           `json:"byType"`
	ByDay             map[string]*DayStatistics `json:"byDay"`
	SuccessRate       float64                   `json:"successRate"`
	AverageDurationMS int64                     `json:"averageDurationMs"`
	Resources         ResourceCounts            `json:"resources"`
	ConflictsDetected int                       `json:"conflictsDetected"`
	RetriesTotal      int                       `json:"retriesTotal"`
}

// ResourceCounts sums per-job progress counters.
type ResourceCounts struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Summarize computes statistics. Success rate is completed jobs over jobs
// that reached COMPLETED or FAILED; mean duration covers completed jobs.
func Summarize(jobs []*Job) Statistics {
	s := Statistics{
		ByStatus: make(map[Status]int),
		ByType:   make(map[JobType]int),
		ByDay:    make(map[string]*DayStatistics),
	}
	var durTotal time.Duration
	var durCount int
	for _, j := range jobs {
		s.TotalJobs++
		s.ByStatus[j.Status]++
		s.ByType[j.Type]++

		day := j.CreatedAt.UTC().Format("2006-01-02")
		d, ok := s.ByDay[day]
		if !ok {
			d = &DayStatistics{ByStatus: make(map[Status]int)}
			s.ByDay[day] = d
		}
		d.Total++
		d.ByStatus[j.Status]++

		s.Resources.Processed += j.ResourcesProcessed
		s.Resources.Created += j.ResourcesCreated
		s.Resources.Updated += j.ResourcesUpdated
		s.Resources.Skipped += j.ResourcesSkipped
		s.Resources.Failed += j.ResourcesFailed
		s.ConflictsDetected += j.ConflictsDetected
		s.RetriesTotal += j.RetryCount + j.ManualRetryCount

		if j.Status == StatusCompleted {
			if dur := j.Duration(); dur > 0 {
				durTotal += dur
				durCount++
			}
		}
	}
	if finished := s.ByStatus[StatusCompleted] + s.ByStatus[StatusFailed]; finished > 0 {
		s.SuccessRate = float64(s.ByStatus[StatusCompleted]) / float64(finished)
	}
	if durCount > 0 {
		s.AverageDurationMS = (durTotal / time.Duration(durCount)).Milliseconds()
	}
	return s
}
