package repositories

import "context"

// Summarizer abstracts any LLM able to condense a transcript
type Summarizer interface {
	// Summarize takes a speaker-labelled transcript and returns a short summary
	Summarize(ctx context.Context, transcript string) (string, error)
}
