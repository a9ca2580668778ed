package usecase

import (
	"context"

	"voicelink/internal/domain"
	"voicelink/internal/ports"
)

type transcriptExporter struct {
	formatter ports.TranscriptFormatter
	clipboard ports.Clipboard
	events    ports.EventSink
}

func newTranscriptExporter(formatter ports.TranscriptFormatter, clipboard ports.Clipboard, events ports.EventSink) transcriptExporter {
	return transcriptExporter{formatter: formatter, clipboard: clipboard, events: events}
}

// Export renders messages and copies the text. A clipboard failure is reported
// but still returns the text with Copied=false.
func (e transcriptExporter) Export(ctx context.Context, messages []domain.TranscriptMessage) (domain.ExportResult, error) {
	if len(messages) == 0 {
		return domain.ExportResult{}, domain.ErrEmptyTranscript
	}

	text, err := e.formatter.Transcript(messages)
	if err != nil {
		e.events.SessionError(domain.ErrorCodeExport, err.Error())
		return domain.ExportResult{}, err
	}

	result := domain.ExportResult{Text: text, Copied: true}
	if err := e.clipboard.SetText(ctx, text); err != nil {
		result.Copied = false
		e.events.SessionError(domain.ErrorCodeClipboard, "transcript ready but clipboard write failed")
	}
	return result, nil
}
