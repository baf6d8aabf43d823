// Package sanitize redacts credentials, user paths, emails, IPs, environment
// variables, database URLs and sensitive URL parameters from text before it is
// sent to any LLM provider.
//
// The stage order is semantic, not cosmetic: each stage consumes the output of
// the previous one, so database URLs are collapsed before the generic
// credential patterns can pick the password portion out of them, and URL
// parameter scrubbing runs last on whatever URLs survived the earlier stages.
package sanitize

import (
	"fmt"
	"net/url"
	"regexp"
)

// Metadata counts replacements per category for one sanitization call.
// Counters equal the number of replacements performed and only ever grow
// within a single call.
type Metadata struct {
	CredentialsRedacted  int `json:"credentialsRedacted"`
	PathsRedacted        int `json:"pathsRedacted"`
	EmailsRedacted       int `json:"emailsRedacted"`
	URLsRedacted         int `json:"urlsRedacted"`
	IPsRedacted          int `json:"ipsRedacted"`
	EnvVarsRedacted      int `json:"envVarsRedacted"`
	DatabaseURLsRedacted int `json:"databaseUrlsRedacted"`
}

// Result holds the sanitized content and the per-category counters.
type Result struct {
	Content  string
	Metadata Metadata
}

// Message is a role/content pair, the shape handed to chat-style providers.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesResult is the batched form's output. Placeholder numbering is
// continuous across the whole slice.
type MessagesResult struct {
	Messages        []Message
	TotalRedactions Metadata
}

// Database connection strings are collapsed whole; the password inside them
// never reaches the credential stage.
var databaseURLPattern = regexp.MustCompile(`(?:postgres|postgresql|mysql|mongodb|redis)://\S+`)

// credentialPattern pairs a regex with the index of the capture group holding
// the secret value. Group 0 means the whole match is the secret.
type credentialPattern struct {
	re    *regexp.Regexp
	value int
}

// Ordered most-specific first: the Anthropic and Stripe prefixes must win
// before the generic sk- pattern gets a chance. The Stripe patterns accept
// both `sk-test_` and `sk_test_` separator forms.
var credentialPatterns = []credentialPattern{
	{re: regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{10,}`)},
	{re: regexp.MustCompile(`\bsk[-_](?:test|live)_[A-Za-z0-9]{10,}`)},
	{re: regexp.MustCompile(`\bpk[-_](?:test|live)_[A-Za-z0-9]{10,}`)},
	{re: regexp.MustCompile(`\brk_(?:live|test)_[A-Za-z0-9]{10,}`)},
	{re: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`)},
	{re: regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`)},
	{re: regexp.MustCompile(`(AWS_SECRET_ACCESS_KEY\s*=\s*)(\S+)`), value: 2},
	{re: regexp.MustCompile(`((?i:api_?key)\s*[=:]\s*)(\S{16,})`), value: 2},
	{re: regexp.MustCompile(`(Bearer\s+)([A-Za-z0-9._\-+/=]{20,})`), value: 2},
	{re: regexp.MustCompile(`\bgh[psohr]_[A-Za-z0-9]{36,}`)},
	{re: regexp.MustCompile(`\bxox[bp]-[A-Za-z0-9-]{10,}`)},
	{re: regexp.MustCompile(`\bnpm_[A-Za-z0-9]{36,}`)},
	{re: regexp.MustCompile(`\bSG\.[A-Za-z0-9_-]{16,}\.[A-Za-z0-9_-]{16,}`)},
	{re: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)},
	{re: regexp.MustCompile(`((?i:secret|token|password|key)\s*=\s*)([a-fA-F0-9]{32,})\b`), value: 2},
	{re: regexp.MustCompile(`(://[^:/@\s]+:)([^@/\s]+)(@)`), value: 2},
}

var (
	// "password" keys in JSON/config snippets, both quote styles.
	jsonPasswordDouble = regexp.MustCompile(`("password"\s*:\s*")([^"]*)(")`)
	jsonPasswordSingle = regexp.MustCompile(`('password'\s*:\s*')([^']*)(')`)

	unixHomePattern    = regexp.MustCompile(`(?:/Users|/home)/[A-Za-z0-9._-]+(?:/[^\s:'",;)\]}]*)*`)
	windowsHomePattern = regexp.MustCompile(`[A-Z]:\\Users\\[A-Za-z0-9._-]+(?:\\[^\s:'",;)\]}]*)*`)

	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

	ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// $NAME needs at least two uppercase/underscore chars so $100 stays intact.
	envBracePattern = regexp.MustCompile(`\$\{[A-Z_]{2,}\}`)
	envBarePattern  = regexp.MustCompile(`\$[A-Z_]{2,}\b`)

	httpURLPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

	// Sensitive query parameter values; [?&] anchors at parameter start so
	// api_key is matched by its own alternative, not by key.
	sensitiveParamPattern = regexp.MustCompile(`([?&](?i:access_token|api_key|apikey|token|secret|password|auth|key)=)([^&\s#]*)`)
)

// state carries the monotonic placeholder counters for a single call.
// SanitizeMessages shares one state across the whole batch so numbering is
// continuous; Sanitize starts fresh each time.
type state struct {
	meta       Metadata
	credential int
	path       int
	email      int
	envVar     int
}

// Sanitize redacts sensitive content from text. It never fails: for input
// with no matches the output is identical to the input and every counter
// stays zero.
func Sanitize(text string) Result {
	s := &state{}
	content := s.sanitize(text)
	return Result{Content: content, Metadata: s.meta}
}

// SanitizeMessages sanitizes a batch of messages with numbering continuity
// across the whole slice. Numbering resets between calls.
func SanitizeMessages(messages []Message) MessagesResult {
	s := &state{}
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = Message{Role: m.Role, Content: s.sanitize(m.Content)}
	}
	return MessagesResult{Messages: out, TotalRedactions: s.meta}
}

// sanitize applies the fixed stage pipeline to one text.
func (s *state) sanitize(text string) string {
	text = s.redactDatabaseURLs(text)
	text = s.redactCredentials(text)
	text = s.redactConfigPasswords(text)
	text = s.redactHomePaths(text)
	text = s.redactEmails(text)
	text = s.redactIPs(text)
	text = s.redactEnvVars(text)
	text = s.redactURLParams(text)
	return text
}

func (s *state) nextCredential() string {
	s.credential++
	s.meta.CredentialsRedacted++
	return fmt.Sprintf("[CREDENTIAL_%d]", s.credential)
}

func (s *state) redactDatabaseURLs(text string) string {
	return databaseURLPattern.ReplaceAllStringFunc(text, func(string) string {
		s.meta.DatabaseURLsRedacted++
		return "[DATABASE_URL]"
	})
}

func (s *state) redactCredentials(text string) string {
	for _, p := range credentialPatterns {
		p := p
		text = p.re.ReplaceAllStringFunc(text, func(match string) string {
			if p.value == 0 {
				return s.nextCredential()
			}
			sub := p.re.FindStringSubmatch(match)
			if sub == nil {
				return match
			}
			out := ""
			for i := 1; i < len(sub); i++ {
				if i == p.value {
					out += s.nextCredential()
				} else {
					out += sub[i]
				}
			}
			return out
		})
	}
	return text
}

func (s *state) redactConfigPasswords(text string) string {
	for _, re := range []*regexp.Regexp{jsonPasswordDouble, jsonPasswordSingle} {
		re := re
		text = re.ReplaceAllStringFunc(text, func(match string) string {
			sub := re.FindStringSubmatch(match)
			if sub == nil || sub[2] == "" {
				return match
			}
			s.meta.CredentialsRedacted++
			return sub[1] + "[REDACTED_PASSWORD]" + sub[3]
		})
	}
	return text
}

func (s *state) redactHomePaths(text string) string {
	replace := func(string) string {
		s.path++
		s.meta.PathsRedacted++
		return fmt.Sprintf("[PATH_%d]", s.path)
	}
	text = unixHomePattern.ReplaceAllStringFunc(text, replace)
	text = windowsHomePattern.ReplaceAllStringFunc(text, replace)
	return text
}

func (s *state) redactEmails(text string) string {
	return emailPattern.ReplaceAllStringFunc(text, func(string) string {
		s.email++
		s.meta.EmailsRedacted++
		return fmt.Sprintf("[EMAIL_%d]", s.email)
	})
}

func (s *state) redactIPs(text string) string {
	// Placeholder carries no counter but the counter is still bumped.
	return ipv4Pattern.ReplaceAllStringFunc(text, func(string) string {
		s.meta.IPsRedacted++
		return "[IP_ADDRESS]"
	})
}

func (s *state) redactEnvVars(text string) string {
	replace := func(string) string {
		s.envVar++
		s.meta.EnvVarsRedacted++
		return fmt.Sprintf("[ENV_VAR_%d]", s.envVar)
	}
	text = envBracePattern.ReplaceAllStringFunc(text, replace)
	text = envBarePattern.ReplaceAllStringFunc(text, replace)
	return text
}

func (s *state) redactURLParams(text string) string {
	return httpURLPattern.ReplaceAllStringFunc(text, func(rawURL string) string {
		// Malformed URLs pass through unchanged.
		if _, err := url.Parse(rawURL); err != nil {
			return rawURL
		}
		return sensitiveParamPattern.ReplaceAllStringFunc(rawURL, func(match string) string {
			sub := sensitiveParamPattern.FindStringSubmatch(match)
			if sub == nil || sub[2] == "" {
				return match
			}
			s.meta.URLsRedacted++
			s.credential++
			return sub[1] + fmt.Sprintf("[CREDENTIAL_%d]", s.credential)
		})
	})
}
