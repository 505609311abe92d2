package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type redactionRule struct {
	re *regexp.Regexp
	// keep writes capture group 1 back, so "api_key": "x" becomes
	// "api_key": "[REDACTED]"
	keep bool
}

// Redactor masks credentials in log output: provider API keys, bearer and
// bot tokens, the gateway shared secret and password-like fields.
type Redactor struct {
	rules []redactionRule
}

// NewRedactor creates a redactor with the default rules.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, expr := range []string{
		`sk-ant-[A-Za-z0-9_-]{20,}`,
		`sk-[A-Za-z0-9_-]{20,}`,
		`gsk_[A-Za-z0-9]{20,}`,
		`AIza[0-9A-Za-z_-]{35}`,
		`\b\d{8,10}:[A-Za-z0-9_-]{30,}`,
		`Bearer\s+[A-Za-z0-9._~+/=-]+`,
	} {
		r.rules = append(r.rules, redactionRule{re: regexp.MustCompile(expr)})
	}
	// Field rules keep the field name and mask the value, quoted or bare
	for _, expr := range []string{
		`(?i)("?(?:api_key|api_keys|bot_token|shared_secret|password|pwd|secret|token)"?\s*[:=]\s*"?)[^\s",}]+`,
		`(?i)(X-Lunar-Secret:\s*)\S+`,
		`(?i)([?&]token=)[^\s&"]+`,
	} {
		r.rules = append(r.rules, redactionRule{re: regexp.MustCompile(expr), keep: true})
	}
	return r
}

// AddPattern adds a rule that masks every match of pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{re: re})
	return nil
}

// Redact returns s with every rule applied.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		if rule.keep {
			s = rule.re.ReplaceAllString(s, "${1}"+redacted)
		} else {
			s = rule.re.ReplaceAllString(s, redacted)
		}
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success; the redacted form may differ in length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
