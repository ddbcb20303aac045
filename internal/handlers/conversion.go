package handlers

import (
	"fmt"
	"os"
	"time"

	"ytjobs/internal/models"
)

var progressSteps = []float64{12.5, 25, 37.5, 50, 62.5, 75, 87.5, 100}

// runConversion walks a job through starting and processing to completed,
// one step every stepInterval, and writes a placeholder output file.
func (a *App) runConversion(jobID string) {
	if !a.step(jobID, func(j *models.ConversionJob) {
		j.Status = models.StatusStarting
		j.Message = "fetching video"
	}) {
		return
	}

	for _, percent := range progressSteps {
		select {
		case <-a.ctx.Done():
			a.failJob(jobID, models.StatusFailed, a.ctx.Err())
			return
		case <-time.After(a.stepInterval):
		}

		if !a.step(jobID, func(j *models.ConversionJob) {
			j.Status = models.StatusProcessing
			j.Progress = percent
			j.Message = "converting"
		}) {
			return
		}
	}

	job, ok := a.lookup(jobID)
	if !ok {
		return
	}
	fileName := sanitizeFileName(job.Title) + extensionFor(job.Mode)
	if err := a.writeOutput(job, fileName); err != nil {
		a.failJob(jobID, models.StatusError, err)
		return
	}

	a.step(jobID, func(j *models.ConversionJob) {
		j.Status = models.StatusCompleted
		j.Progress = 100
		j.Message = "conversion completed"
		j.FileName = fileName
		j.Error = ""
	})
	a.logger.Info("conversion completed", "job_id", jobID, "file", fileName)
}

// step applies fn and broadcasts the result. It reports false once the job
// is gone.
func (a *App) step(jobID string, fn func(*models.ConversionJob)) bool {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	job, ok := a.updateJob(jobID, fn)
	if !ok {
		return false
	}
	a.broadcast(job)
	return true
}

func (a *App) failJob(jobID string, status models.JobStatus, err error) {
	a.logger.Error("conversion failed", "job_id", jobID, "error", err)
	a.step(jobID, func(j *models.ConversionJob) {
		j.Status = status
		j.Error = err.Error()
		j.Message = "conversion failed"
	})
}

func (a *App) writeOutput(job *models.ConversionJob, fileName string) error {
	if err := os.MkdirAll(a.downloadsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create downloads dir: %w", err)
	}
	job.FileName = fileName
	content := fmt.Sprintf("%s converted from %s\n", job.Mode, job.URL)
	if err := os.WriteFile(a.outputPath(job), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func extensionFor(mode models.Mode) string {
	if mode == models.ModeVideo {
		return ".mp4"
	}
	return ".mp3"
}
