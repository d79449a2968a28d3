package usage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"usage_meter/internal/models"
)

func int64Ptr(v int64) *int64 { return &v }
func strPtr(s string) *string { return &s }

func assistant(id string) *models.Message {
	return &models.Message{
		ID:                  id,
		Role:                models.RoleAssistant,
		PairedUserMessageID: strPtr("user-1"),
	}
}

func attachments(messageID string, source models.AttachmentSource, n int) []models.Attachment {
	out := make([]models.Attachment, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.Attachment{
			ID:        fmt.Sprintf("%s-%s-%d", messageID, source, i),
			MessageID: strPtr(messageID),
			Source:    source,
			Status:    models.AttachmentReady,
		})
	}
	return out
}

func TestExtract_ReportedImageTokens(t *testing.T) {
	msg := assistant("a1")
	msg.PromptTokens = 303
	msg.CompletionTokens = 2624
	msg.OutputImageTokens = int64Ptr(2580)

	counts := NewExtractor(DefaultOptions()).Extract(Input{Message: msg})

	assert.Equal(t, int64(303), counts.PromptTokens)
	assert.Equal(t, int64(2624), counts.CompletionTokens)
	assert.Equal(t, int64(2580), counts.OutputImageTokens)
	assert.Equal(t, int64(44), counts.TextCompletionTokens)
	assert.False(t, counts.Heuristic)
	assert.False(t, counts.Clamped)
}

func TestExtract_InputImagesCapped(t *testing.T) {
	msg := assistant("a1")
	user := &models.Message{ID: "user-1", Role: models.RoleUser}

	counts := NewExtractor(DefaultOptions()).Extract(Input{
		Message:     msg,
		PairedUser:  user,
		Attachments: attachments("user-1", models.SourceUser, 5),
	})

	assert.Equal(t, int64(5), counts.InputImagesLinked)
	assert.Equal(t, int64(3), counts.InputImageUnits)
}

func TestExtract_InputImagesIgnoreDeletedAndForeign(t *testing.T) {
	msg := assistant("a1")
	user := &models.Message{ID: "user-1", Role: models.RoleUser}

	atts := attachments("user-1", models.SourceUser, 2)
	atts[1].Status = models.AttachmentDeleted
	atts = append(atts, attachments("user-2", models.SourceUser, 2)...)
	// Assistant-sourced attachment on the user message does not count as input
	atts = append(atts, models.Attachment{ID: "x", MessageID: strPtr("user-1"), Source: models.SourceAssistant, Status: models.AttachmentReady})
	// Duplicate rows for the same attachment count once
	atts = append(atts, atts[0])

	counts := NewExtractor(DefaultOptions()).Extract(Input{Message: msg, PairedUser: user, Attachments: atts})
	assert.Equal(t, int64(1), counts.InputImageUnits)
}

func TestExtract_NoPairedUserMeansNoInputImages(t *testing.T) {
	counts := NewExtractor(DefaultOptions()).Extract(Input{
		Message:     assistant("a1"),
		Attachments: attachments("user-1", models.SourceUser, 2),
	})
	assert.Zero(t, counts.InputImageUnits)
}

func TestExtract_OutputImagesUncapped(t *testing.T) {
	counts := NewExtractor(DefaultOptions()).Extract(Input{
		Message:     assistant("a1"),
		Attachments: attachments("a1", models.SourceAssistant, 12),
	})
	assert.Equal(t, int64(12), counts.OutputImageUnits)
}

func TestExtract_WebSearchCapped(t *testing.T) {
	ex := NewExtractor(DefaultOptions())

	counts := ex.Extract(Input{Message: assistant("a1"), AnnotationCount: 73})
	assert.Equal(t, int64(73), counts.AnnotationCount)
	assert.Equal(t, int64(50), counts.WebSearchResults)

	counts = ex.Extract(Input{Message: assistant("a1"), AnnotationCount: 7})
	assert.Equal(t, int64(7), counts.WebSearchResults)
}

func TestExtract_HeuristicBridge(t *testing.T) {
	tests := []struct {
		name        string
		reported    *int64
		intent      bool
		outputs     int
		enabled     bool
		perImage    int64
		wantTokens  int64
		wantHeurist bool
	}{
		{"infers one token per image", nil, true, 2, true, 1, 2, true},
		{"scales with tokens per image", nil, true, 2, true, 1290, 2580, true},
		{"zero reported counts as missing", int64Ptr(0), true, 1, true, 1, 1, true},
		{"reported value wins", int64Ptr(1290), true, 2, true, 1, 1290, false},
		{"no intent", nil, false, 2, true, 1, 0, false},
		{"no output attachments", nil, true, 0, true, 1, 0, false},
		{"heuristic disabled", nil, true, 2, false, 1, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := assistant("a1")
			msg.CompletionTokens = 5000
			msg.OutputImageTokens = tt.reported
			msg.OutputImageIntent = tt.intent

			opts := DefaultOptions()
			opts.HeuristicImageTokens = tt.enabled
			opts.TokensPerImage = tt.perImage

			counts := NewExtractor(opts).Extract(Input{
				Message:     msg,
				Attachments: attachments("a1", models.SourceAssistant, tt.outputs),
			})

			assert.Equal(t, tt.wantTokens, counts.OutputImageTokens)
			assert.Equal(t, tt.wantHeurist, counts.Heuristic)
			assert.Equal(t, int64(5000)-tt.wantTokens, counts.TextCompletionTokens)
		})
	}
}

func TestExtract_ClampsNegativeTextTokens(t *testing.T) {
	msg := assistant("a1")
	msg.CompletionTokens = 10
	msg.OutputImageTokens = int64Ptr(50)

	counts := NewExtractor(DefaultOptions()).Extract(Input{Message: msg})

	assert.Zero(t, counts.TextCompletionTokens)
	assert.True(t, counts.Clamped)
	assert.Equal(t, int64(50), counts.OutputImageTokens)
}

func TestExtract_NegativeInputsTreatedAsZero(t *testing.T) {
	msg := assistant("a1")
	msg.PromptTokens = -5
	msg.CompletionTokens = -1

	counts := NewExtractor(DefaultOptions()).Extract(Input{Message: msg, AnnotationCount: -3})

	assert.Zero(t, counts.PromptTokens)
	assert.Zero(t, counts.CompletionTokens)
	assert.Zero(t, counts.WebSearchResults)
	assert.False(t, counts.Clamped)
}

func TestNewExtractor_TokensPerImageFloor(t *testing.T) {
	ex := NewExtractor(Options{TokensPerImage: 0})
	assert.Equal(t, int64(1), ex.Options().TokensPerImage)
}
