package format

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"voicelink/internal/domain"
)

func newFormatter(t *testing.T, opts Options) *Formatter {
	t.Helper()
	f, err := New(opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to create formatter: %v", err)
	}
	return f
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLinesSplitsInlineLists(t *testing.T) {
	t.Parallel()

	f := newFormatter(t, Options{})
	cases := []struct {
		in   string
		want []string
	}{
		{"You need: - eggs - milk", []string{"You need:", "• eggs", "• milk"}},
		{"Options • red • blue", []string{"Options", "• red", "• blue"}},
		{"Steps: 1. open 2. close 3. done", []string{"Steps:", "1. open", "2. close", "3. done"}},
		{"line one\r\n\r\n  line two  ", []string{"line one", "line two"}},
		{"   ", []string{}},
	}
	for _, tc := range cases {
		if got := f.Lines(tc.in); !equalLines(got, tc.want) {
			t.Fatalf("%q: expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestApplyIsStable(t *testing.T) {
	t.Parallel()

	f := newFormatter(t, Options{})
	once := f.Apply("a - b 2. c")
	if twice := f.Apply(once); twice != once {
		t.Fatalf("expected formatted text to be stable, got %q then %q", once, twice)
	}
}

func TestUserRulesRunAfterListRules(t *testing.T) {
	t.Parallel()

	path := writeRules(t, "• => *\n")
	f := newFormatter(t, Options{RulesFile: path})
	if got := f.Lines("pack - tent"); !equalLines(got, []string{"pack", "* tent"}) {
		t.Fatalf("unexpected lines: %q", got)
	}
}

func TestIterationLimitBoundsCyclicRules(t *testing.T) {
	t.Parallel()

	path := writeRules(t, "ping => pong\npong => ping\n")
	f := newFormatter(t, Options{RulesFile: path, IterationLimit: 3})
	if got := f.Apply("ping"); got != "ping" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestNewRejectsInvalidRules(t *testing.T) {
	t.Parallel()

	path := writeRules(t, "garbage")
	if _, err := New(Options{RulesFile: path}, nil); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestTranscriptRendersRoleLines(t *testing.T) {
	t.Parallel()

	f := newFormatter(t, Options{})
	text, err := f.Transcript([]domain.TranscriptMessage{
		{Role: domain.RoleUser, Content: "what should I pack?"},
		{Role: domain.RoleAgent, Content: "Bring: - a tent - a stove"},
		{Role: domain.RoleAgent, Content: "  "},
	})
	if err != nil {
		t.Fatalf("transcript failed: %v", err)
	}
	want := "user: what should I pack?\n\nagent: Bring:\nagent: • a tent\nagent: • a stove"
	if text != want {
		t.Fatalf("unexpected transcript:\n%s", text)
	}
}
