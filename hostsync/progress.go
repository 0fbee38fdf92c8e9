package hostsync

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ProgressSink receives phase/item/counter updates as a syncer advances.
// Implementations must tolerate being called from a single goroutine at
// a high rate.
type ProgressSink interface {
	Update(p SyncProgress)
}

// consoleSink renders progress through the structured logger. Item-level
// updates go to debug so a normal run logs one line per phase.
type consoleSink struct {
	logger    *logrus.Logger
	lastPhase string
}

func NewConsoleSink(logger *logrus.Logger) ProgressSink {
	return &consoleSink{logger: logger}
}

func (s *consoleSink) Update(p SyncProgress) {
	if s.logger == nil {
		return
	}
	entry := s.logger.WithFields(logrus.Fields{
		"module":    "hostsync",
		"phase":     p.Phase,
		"processed": p.Processed,
		"total":     p.Total,
		"created":   p.Created,
		"updated":   p.Updated,
		"errors":    p.Errors,
	})
	if p.Phase != s.lastPhase {
		s.lastPhase = p.Phase
		entry.Info("sync phase")
		return
	}
	entry.WithField("currentItem", p.CurrentItem).Debug("sync progress")
}

// jobSink persists progress onto the SyncJob row so a separate request
// can poll it.
type jobSink struct {
	jobs  *JobManager
	jobId string
}

func NewJobSink(jobs *JobManager, jobId string) ProgressSink {
	return &jobSink{jobs: jobs, jobId: jobId}
}

func (s *jobSink) Update(p SyncProgress) {
	if s.jobs == nil || s.jobId == "" {
		return
	}
	// Persistence failures here must not disturb the sync itself.
	_ = s.jobs.UpdateJob(context.Background(), s.jobId, JobUpdate{Progress: &p})
}

// multiSink fans updates out to several sinks.
type multiSink []ProgressSink

func NewMultiSink(sinks ...ProgressSink) ProgressSink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Update(p SyncProgress) {
	for _, s := range m {
		s.Update(p)
	}
}

// nopSink is used when a caller runs the orchestrator without a job.
type nopSink struct{}

func (nopSink) Update(SyncProgress) {}
