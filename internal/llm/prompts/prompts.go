package prompts

import (
	"bytes"
	"embed"
	"errors"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed exchange.txt
var promptFS embed.FS

// MaxSubmissionRunes caps what a participant can put in front of the model.
const MaxSubmissionRunes = 4000

var (
	systemTagRegex = regexp.MustCompile(`(?i)</?\s*(system|assistant|instructions?)\b[^>]*>`)
	roleLineRegex  = regexp.MustCompile(`(?im)^\s*(original|rephrase)\s*:`)
)

var (
	loadOnce sync.Once
	loadErr  error
	exchange *template.Template
)

// ExchangeData holds template data for one stimulus/submission pair.
type ExchangeData struct {
	Original string
	Rephrase string
}

func load() error {
	loadOnce.Do(func() {
		content, err := promptFS.ReadFile("exchange.txt")
		if err != nil {
			loadErr = errors.New("failed to read prompt file exchange.txt: " + err.Error())
			return
		}
		exchange, loadErr = template.New("exchange").Parse(string(content))
	})
	return loadErr
}

// FormatExchange renders the user turn sent to the model: the stimulus the
// participant answered and their answer.
func FormatExchange(stimulus, submission string) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	data := ExchangeData{
		Original: strings.TrimSpace(stimulus),
		Rephrase: Sanitize(submission),
	}
	var buf bytes.Buffer
	if err := exchange.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// Sanitize strips markup that could pose as prompt structure and caps the
// length of a participant submission.
func Sanitize(submission string) string {
	s := systemTagRegex.ReplaceAllString(submission, "")
	s = roleLineRegex.ReplaceAllString(s, "$1 -")
	s = strings.TrimSpace(s)

	if s == "" {
		return "[No answer provided]"
	}
	if utf8.RuneCountInString(s) > MaxSubmissionRunes {
		runes := []rune(s)
		s = string(runes[:MaxSubmissionRunes]) + "\n\n[Answer truncated due to length]"
	}
	return s
}
