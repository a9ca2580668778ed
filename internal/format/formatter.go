package format

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"voicelink/internal/domain"
)

const defaultIterationLimit = 30

// listRules split inline bullet and numbered lists onto their own lines.
func listRules() []Rule {
	return []Rule{
		Regex(`\r\n`, "\n"),
		Regex(`([^\n])\s-\s`, "$1\n• "),
		Regex(`([^\n])\s•\s`, "$1\n• "),
		Regex(`([^\n])\s(\d+)\.\s`, "$1\n$2. "),
	}
}

var lineBreaks = regexp.MustCompile(`\n+`)

// Options configures a Formatter.
type Options struct {
	RulesFile      string
	IterationLimit int
	Parsers        []RuleParser
}

// Formatter renders transcript text for reading and export. User rules from
// RulesFile run after the built-in list rules; the rule set is applied until
// it stops changing the text or IterationLimit passes have run.
type Formatter struct {
	rules []Rule
	limit int
}

func New(opts Options, logger *zap.Logger) (*Formatter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IterationLimit <= 0 {
		opts.IterationLimit = defaultIterationLimit
	}
	userRules, err := LoadRules(opts.RulesFile, opts.Parsers)
	if err != nil {
		return nil, err
	}
	if len(userRules) > 0 {
		logger.Info("format rules loaded", zap.String("path", opts.RulesFile), zap.Int("rules", len(userRules)))
	}
	return &Formatter{
		rules: append(listRules(), userRules...),
		limit: opts.IterationLimit,
	}, nil
}

// Apply runs the rule set over text.
func (f *Formatter) Apply(text string) string {
	result := text
	for i := 0; i < f.limit; i++ {
		changed := false
		for _, rule := range f.rules {
			if next, ok := rule.Apply(result); ok {
				result = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return result
}

// Lines formats text and returns its trimmed, non-empty lines.
func (f *Formatter) Lines(text string) []string {
	parts := lineBreaks.Split(f.Apply(text), -1)
	lines := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

// Transcript renders each message as `role: line` rows, one blank line
// between messages. Messages with no text are skipped.
func (f *Formatter) Transcript(messages []domain.TranscriptMessage) (string, error) {
	blocks := make([]string, 0, len(messages))
	for _, msg := range messages {
		lines := f.Lines(msg.Content)
		if len(lines) == 0 {
			continue
		}
		var block strings.Builder
		for i, line := range lines {
			if i > 0 {
				block.WriteByte('\n')
			}
			block.WriteString(string(msg.Role))
			block.WriteString(": ")
			block.WriteString(line)
		}
		blocks = append(blocks, block.String())
	}
	return strings.Join(blocks, "\n\n"), nil
}
