package whisper

import "context"

type TranscriptionRequest struct {
	AudioPath string
	ModelPath string
	Language  string
	Threads   int
	UseGPU    bool
}

type Engine interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (string, error)
}
