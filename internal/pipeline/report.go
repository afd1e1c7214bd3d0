package pipeline

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

type Status string

const (
	StatusProcessed           Status = "processed"
	StatusTranscriptionFailed Status = "transcription_failed"
	StatusTranscodeFailed     Status = "transcode_failed"
	StatusFailed              Status = "failed"
	StatusSkipped             Status = "skipped"
	StatusNotAttempted        Status = "not_attempted"
	StatusInterrupted         Status = "interrupted"
)

const noFilesMessage = "No files selected"

// Wrote reports whether a document was written for the file. A failed
// transcription still produces a document carrying the error text.
func (s Status) Wrote() bool {
	return s == StatusProcessed || s == StatusTranscriptionFailed
}

// Failed reports whether the file stopped before a document was written.
func (s Status) Failed() bool {
	return s == StatusTranscodeFailed || s == StatusFailed || s == StatusInterrupted
}

type FileOutcome struct {
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Document string `json:"document,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Report struct {
	Files      []FileOutcome `json:"files"`
	NoFiles    bool          `json:"no_files"`
	Aborted    bool          `json:"aborted"`
	FailedFile string        `json:"failed_file,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Processed lists, in upload order, every file a document was written for.
func (r *Report) Processed() []string {
	return lo.FilterMap(r.Files, func(f FileOutcome, _ int) (string, bool) {
		return f.Name, f.Status.Wrote()
	})
}

func (r *Report) Failures() []FileOutcome {
	return lo.Filter(r.Files, func(f FileOutcome, _ int) bool {
		return f.Status.Failed()
	})
}

func (r *Report) Counts() map[Status]int {
	return lo.CountValuesBy(r.Files, func(f FileOutcome) Status { return f.Status })
}

// Summary renders the plain-text response for the batch.
func (r *Report) Summary() string {
	if r.NoFiles {
		return noFilesMessage
	}
	if r.Aborted {
		return fmt.Sprintf("Error processing %s: %s", r.FailedFile, r.Error)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Successfully processed files: %s. Check the outputs folder.", strings.Join(r.Processed(), ", "))

	if failures := r.Failures(); len(failures) > 0 {
		parts := lo.Map(failures, func(f FileOutcome, _ int) string {
			return fmt.Sprintf("%s (%s)", f.Name, f.Error)
		})
		fmt.Fprintf(&b, " Failed files: %s.", strings.Join(parts, ", "))
	}
	return b.String()
}

func (r *Report) result() string {
	switch {
	case r.NoFiles:
		return "no_files"
	case r.Aborted:
		return "aborted"
	case len(r.Failures()) > 0:
		return "partial"
	default:
		return "completed"
	}
}
