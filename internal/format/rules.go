package format

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Rule rewrites text. changed is false when the output equals the input.
type Rule interface {
	Apply(input string) (output string, changed bool)
}

// RuleParser turns one line of a rules file into a Rule.
type RuleParser interface {
	CanParse(line string) bool
	Parse(line string) (Rule, error)
}

// DefaultParsers understands `s/re/repl/flags` and `from => to` lines.
func DefaultParsers() []RuleParser {
	return []RuleParser{regexRuleParser{}, literalRuleParser{}}
}

// LoadRules reads a rules file. A missing file yields no rules.
func LoadRules(path string, parsers []RuleParser) ([]Rule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}
	rules, err := ParseRules(string(contents), parsers)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %q: %w", path, err)
	}
	return rules, nil
}

// ParseRules compiles every non-blank, non-comment line of contents.
func ParseRules(contents string, parsers []RuleParser) ([]Rule, error) {
	if len(parsers) == 0 {
		parsers = DefaultParsers()
	}
	lines := strings.Split(contents, "\n")
	rules := make([]Rule, 0, len(lines))

	for index, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseLine(line, parsers)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", index+1, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseLine(line string, parsers []RuleParser) (Rule, error) {
	for _, parser := range parsers {
		if parser.CanParse(line) {
			return parser.Parse(line)
		}
	}
	return nil, errors.New("unsupported rule format")
}

type literalRuleParser struct{}

func (literalRuleParser) CanParse(line string) bool       { return strings.Contains(line, "=>") }
func (literalRuleParser) Parse(line string) (Rule, error) { return parseLiteralRule(line) }

type regexRuleParser struct{}

func (regexRuleParser) CanParse(line string) bool {
	return len(line) > 1 && line[0] == 's' && !isAlphaNumericOrSpace(line[1])
}
func (regexRuleParser) Parse(line string) (Rule, error) { return parseRegexRule(line) }

// literalRule replaces every case-insensitive occurrence of a phrase.
type literalRule struct {
	re          *regexp.Regexp
	replacement string
}

func parseLiteralRule(line string) (Rule, error) {
	from, to, ok := strings.Cut(line, "=>")
	if !ok {
		return nil, errors.New("invalid literal rule")
	}
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, errors.New("literal rule source cannot be empty")
	}
	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(from))
	return literalRule{re: re, replacement: strings.TrimSpace(to)}, nil
}

func (r literalRule) Apply(input string) (string, bool) {
	output := r.re.ReplaceAllLiteralString(input, r.replacement)
	return output, output != input
}

// regexRule replaces the first match, or every match with the g flag.
type regexRule struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

// Regex builds a case-sensitive rule replacing every match of pattern.
func Regex(pattern, replacement string) Rule {
	return regexRule{re: regexp.MustCompile(pattern), replacement: replacement, global: true}
}

func parseRegexRule(line string) (Rule, error) {
	if len(line) < 2 {
		return nil, errors.New("invalid regex rule")
	}
	delim := line[1]
	if isAlphaNumericOrSpace(delim) {
		return nil, errors.New("regex delimiter must be non-alphanumeric")
	}

	pattern, pos, err := parseDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	replacement, pos, err := parseDelimited(line, pos, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex replacement: %w", err)
	}

	// Rules files match case-insensitively unless told otherwise.
	modes := map[rune]bool{'i': true}
	global := false
	for _, flag := range strings.TrimSpace(line[pos:]) {
		switch flag {
		case 'i', 'm', 's':
			modes[flag] = true
		case 'I':
			modes['i'] = false
		case 'g':
			global = true
		case ' ':
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}

	prefix := ""
	for _, mode := range []rune{'i', 'm', 's'} {
		if modes[mode] {
			prefix += string(mode)
		}
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return regexRule{re: re, replacement: replacement, global: global}, nil
}

func (r regexRule) Apply(input string) (string, bool) {
	if r.global {
		output := r.re.ReplaceAllString(input, r.replacement)
		return output, output != input
	}

	loc := r.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input, false
	}
	replaced := r.re.ExpandString(nil, r.replacement, input, loc)
	output := input[:loc[0]] + string(replaced) + input[loc[1]:]
	return output, output != input
}

func parseDelimited(line string, start int, delim byte) (string, int, error) {
	if start >= len(line) {
		return "", 0, errors.New("unexpected end of expression")
	}

	var builder strings.Builder
	escaped := false
	for index := start; index < len(line); index++ {
		char := line[index]
		switch {
		case escaped:
			escaped = false
			if char != delim {
				builder.WriteByte('\\')
			}
			builder.WriteByte(char)
		case char == '\\':
			escaped = true
		case char == delim:
			return builder.String(), index + 1, nil
		default:
			builder.WriteByte(char)
		}
	}
	return "", 0, errors.New("unterminated expression")
}

func isAlphaNumericOrSpace(char byte) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == ' ' || char == '\t'
}
