package usage

import (
	"usage_meter/internal/models"
)

// Options are the product-level knobs of the extractor
type Options struct {
	InputImageCap  int64
	WebSearchCap   int64
	TokensPerImage int64

	// HeuristicImageTokens enables inferring output image tokens from linked
	// attachments when the provider did not report them.
	HeuristicImageTokens bool
}

// DefaultOptions returns the production caps
func DefaultOptions() Options {
	return Options{
		InputImageCap:        3,
		WebSearchCap:         50,
		TokensPerImage:       1,
		HeuristicImageTokens: true,
	}
}

// Input is everything the extractor reads for one assistant message
type Input struct {
	Message         *models.Message
	PairedUser      *models.Message // may be nil
	Attachments     []models.Attachment
	AnnotationCount int64
}

// Extractor derives billable counts from a message and its linked media.
// It performs no I/O and does not log; the caller reports Clamped.
type Extractor struct {
	opts Options
}

func NewExtractor(opts Options) *Extractor {
	if opts.TokensPerImage < 1 {
		opts.TokensPerImage = 1
	}
	return &Extractor{opts: opts}
}

// Options returns the extractor's configuration
func (e *Extractor) Options() Options {
	return e.opts
}

// Extract computes the usage counts of in.Message
func (e *Extractor) Extract(in Input) models.UsageCounts {
	msg := in.Message

	counts := models.UsageCounts{
		PromptTokens:     nonNegative(msg.PromptTokens),
		CompletionTokens: nonNegative(msg.CompletionTokens),
		AnnotationCount:  nonNegative(in.AnnotationCount),
	}

	// Input images live on the paired user message
	if in.PairedUser != nil {
		counts.InputImagesLinked = countLinked(in.Attachments, in.PairedUser.ID, models.SourceUser)
	}
	counts.InputImageUnits = capAt(counts.InputImagesLinked, e.opts.InputImageCap)

	counts.OutputImageUnits = countLinked(in.Attachments, msg.ID, models.SourceAssistant)
	counts.WebSearchResults = capAt(counts.AnnotationCount, e.opts.WebSearchCap)

	if tokens, ok := msg.ReportedOutputImageTokens(); ok {
		counts.OutputImageTokens = tokens
	} else if e.opts.HeuristicImageTokens && msg.OutputImageIntent && counts.OutputImageUnits > 0 {
		counts.OutputImageTokens = counts.OutputImageUnits * e.opts.TokensPerImage
		counts.Heuristic = true
	}

	text := counts.CompletionTokens - counts.OutputImageTokens
	if text < 0 {
		text = 0
		counts.Clamped = true
	}
	counts.TextCompletionTokens = text

	return counts
}

func countLinked(attachments []models.Attachment, messageID string, source models.AttachmentSource) int64 {
	var n int64
	seen := make(map[string]struct{}, len(attachments))
	for i := range attachments {
		a := &attachments[i]
		if !a.LinkedTo(messageID, source) {
			continue
		}
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		n++
	}
	return n
}

func capAt(n, limit int64) int64 {
	if n > limit {
		return limit
	}
	return n
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
