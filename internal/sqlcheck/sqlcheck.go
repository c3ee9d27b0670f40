// Package sqlcheck statically screens SQL text before it may reach a
// database. It is a conservative keyword denylist over literal-stripped text,
// not a SQL parser; it may reject some legitimate read-only statements, and
// that tradeoff is intentional.
package sqlcheck

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/querygate/querygate/internal/registry"
)

// Rejection rule identifiers, reported in metrics and rejection reasons.
const (
	RuleMultiStatement      = "multi_statement"
	RuleStatementKind       = "statement_kind"
	RuleDeniedKeyword       = "denied_keyword"
	RuleSchemaQualification = "schema_qualification"
	RuleMaxLength           = "max_length"
)

// DefaultDenylist blocks administrative and side-effecting keywords anywhere
// in the statement body, including inside WITH bodies and subqueries. A
// deployment can extend it through Config.ExtraDenied.
var DefaultDenylist = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE",
	"GRANT", "REVOKE", "EXEC", "EXECUTE", "CALL", "MERGE", "UPSERT",
	"COPY", "ATTACH", "INSTALL", "INTO OUTFILE", "INTO DUMPFILE",
}

const defaultMaxStatementLength = 8192

// Statement is SQL text that passed validation for one specific connection,
// with the metadata later stages need. Never re-validated downstream.
type Statement struct {
	SQL        string
	Connection string

	// Tables are the raw table references found after FROM/JOIN, excluding
	// CTE names.
	Tables []string

	// HasLimit records whether the text already carries a LIMIT clause.
	// Limit is its value when it was a plain integer, otherwise -1.
	HasLimit bool
	Limit    int
}

// RejectError reports why a statement was refused. The Reason is safe to
// show verbatim to the end user.
type RejectError struct {
	Rule   string
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }

// AsReject unwraps a RejectError from err, if present.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

type Config struct {
	// MaxStatementLength guards against pathological inputs. Defaults to 8192.
	MaxStatementLength int

	// ExtraDenied extends DefaultDenylist for this deployment.
	ExtraDenied []string
}

func (cfg *Config) Validate() error {
	if cfg.MaxStatementLength <= 0 {
		cfg.MaxStatementLength = defaultMaxStatementLength
	}
	return nil
}

type Validator struct {
	cfg     Config
	denied  []deniedPattern
	limitRe *regexp.Regexp
	tableRe *regexp.Regexp
	cteRe   *regexp.Regexp
	segRe   *regexp.Regexp
}

type deniedPattern struct {
	keyword string
	re      *regexp.Regexp
}

func New(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate sqlcheck config: %w", err)
	}
	keywords := make([]string, 0, len(DefaultDenylist)+len(cfg.ExtraDenied))
	keywords = append(keywords, DefaultDenylist...)
	keywords = append(keywords, cfg.ExtraDenied...)

	denied := make([]deniedPattern, 0, len(keywords))
	for _, kw := range keywords {
		phrase := regexp.QuoteMeta(strings.ToUpper(kw))
		phrase = strings.ReplaceAll(phrase, " ", `\s+`)
		denied = append(denied, deniedPattern{
			keyword: kw,
			re:      regexp.MustCompile(`(?i)\b` + phrase + `\b`),
		})
	}
	return &Validator{
		cfg:     cfg,
		denied:  denied,
		limitRe: regexp.MustCompile(`(?i)\bLIMIT\s+(\S+)`),
		tableRe: regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+((?:"[^"]+"|[A-Za-z_][\w$]*)(?:\.(?:"[^"]+"|[A-Za-z_][\w$]*))*)`),
		cteRe:   regexp.MustCompile(`(?i)\b("[^"]+"|[A-Za-z_][\w$]*)\s+AS\s*\(`),
		segRe:   regexp.MustCompile(`"[^"]+"|[A-Za-z_][\w$]*`),
	}, nil
}

// Validate applies the rules in order; the first failure wins. The returned
// Statement is bound to the descriptor's connection and must not be executed
// against any other.
func (v *Validator) Validate(sqlText string, desc *registry.Descriptor) (*Statement, error) {
	trimmed := strings.TrimSpace(sqlText)
	trimmed = strings.TrimRight(trimmed, "; \t\r\n")
	masked := maskLiteralsAndComments(trimmed)

	// Rule 1: exactly one statement.
	if strings.Contains(masked, ";") {
		return nil, &RejectError{
			Rule:   RuleMultiStatement,
			Reason: "multiple statements are not allowed; submit exactly one SELECT",
		}
	}

	// Rule 2: leading keyword must be SELECT or WITH.
	kind := leadingKeyword(masked)
	if kind == "" {
		return nil, &RejectError{
			Rule:   RuleStatementKind,
			Reason: "empty statement",
		}
	}
	if kind != "SELECT" && kind != "WITH" {
		return nil, &RejectError{
			Rule:   RuleStatementKind,
			Reason: fmt.Sprintf("statement kind %s is not allowed; only SELECT and WITH queries are permitted", kind),
		}
	}

	// Rule 3: denied keywords anywhere in the body.
	for _, d := range v.denied {
		if d.re.MatchString(masked) {
			return nil, &RejectError{
				Rule:   RuleDeniedKeyword,
				Reason: fmt.Sprintf("statement contains forbidden keyword %s", d.keyword),
			}
		}
	}

	// Table references are extracted from a second masking pass that keeps
	// double-quoted identifiers visible, so `FROM "orders"` is still seen as a
	// table reference even though the denylist scan above never looks inside
	// quotes.
	idText := maskLiteralsKeepIdentifiers(trimmed)
	tables := v.extractTables(idText)

	// Rule 4: bare table references must carry the descriptor's schema.
	// Policy: reject, never rewrite. A quoted name with an embedded dot is
	// still a single identifier, so qualification is judged per segment.
	if desc.Schema != "" {
		ctes := v.cteNames(idText)
		for _, t := range tables {
			segments := v.segRe.FindAllString(t, -1)
			if len(segments) > 1 {
				continue
			}
			bare := strings.Trim(t, `"`)
			if _, ok := ctes[strings.ToLower(bare)]; ok {
				continue
			}
			return nil, &RejectError{
				Rule:   RuleSchemaQualification,
				Reason: fmt.Sprintf("table %q must be schema-qualified as %s.%s for connection %q", bare, desc.Schema, bare, desc.Name),
			}
		}
	}

	// Rule 5: length guard.
	if len(trimmed) > v.cfg.MaxStatementLength {
		return nil, &RejectError{
			Rule:   RuleMaxLength,
			Reason: fmt.Sprintf("statement length %d exceeds maximum %d", len(trimmed), v.cfg.MaxStatementLength),
		}
	}

	stmt := &Statement{
		SQL:        trimmed,
		Connection: desc.Name,
		Tables:     tables,
		Limit:      -1,
	}
	if m := v.limitRe.FindStringSubmatch(masked); m != nil {
		stmt.HasLimit = true
		if n, err := strconv.Atoi(m[1]); err == nil {
			stmt.Limit = n
		}
	}
	return stmt, nil
}

func (v *Validator) extractTables(idText string) []string {
	var tables []string
	seen := make(map[string]struct{})
	for _, m := range v.tableRe.FindAllStringSubmatch(idText, -1) {
		ref := m[1]
		key := strings.ToLower(ref)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		tables = append(tables, ref)
	}
	return tables
}

func (v *Validator) cteNames(idText string) map[string]struct{} {
	names := make(map[string]struct{})
	for _, m := range v.cteRe.FindAllStringSubmatch(idText, -1) {
		names[strings.ToLower(strings.Trim(m[1], `"`))] = struct{}{}
	}
	return names
}

// leadingKeyword returns the first word of the masked statement, uppercased.
func leadingKeyword(masked string) string {
	fields := strings.Fields(masked)
	if len(fields) == 0 {
		return ""
	}
	word := strings.TrimLeft(fields[0], "(")
	if i := strings.IndexAny(word, "(;"); i >= 0 {
		word = word[:i]
	}
	return strings.ToUpper(word)
}

// maskLiteralsAndComments blanks string literals, quoted identifiers, line
// comments, and block comments so that keyword matching never fires inside
// quoted text. Statement length is preserved.
func maskLiteralsAndComments(s string) string {
	out := []byte(s)
	i := 0
	for i < len(out) {
		switch {
		case out[i] == '\'':
			i = maskQuoted(out, i, '\'')
		case out[i] == '"':
			i = maskQuoted(out, i, '"')
		case out[i] == '-' && i+1 < len(out) && out[i+1] == '-':
			for i < len(out) && out[i] != '\n' {
				out[i] = ' '
				i++
			}
		case out[i] == '/' && i+1 < len(out) && out[i+1] == '*':
			for i < len(out) {
				if out[i] == '*' && i+1 < len(out) && out[i+1] == '/' {
					out[i], out[i+1] = ' ', ' '
					i += 2
					break
				}
				out[i] = ' '
				i++
			}
		default:
			i++
		}
	}
	return string(out)
}

// maskLiteralsKeepIdentifiers blanks string literals and comments but leaves
// double-quoted identifiers intact, for table-reference extraction. Statement
// length is preserved.
func maskLiteralsKeepIdentifiers(s string) string {
	out := []byte(s)
	i := 0
	for i < len(out) {
		switch {
		case out[i] == '\'':
			i = maskQuoted(out, i, '\'')
		case out[i] == '"':
			i = skipQuoted(out, i)
		case out[i] == '-' && i+1 < len(out) && out[i+1] == '-':
			for i < len(out) && out[i] != '\n' {
				out[i] = ' '
				i++
			}
		case out[i] == '/' && i+1 < len(out) && out[i+1] == '*':
			for i < len(out) {
				if out[i] == '*' && i+1 < len(out) && out[i+1] == '/' {
					out[i], out[i+1] = ' ', ' '
					i += 2
					break
				}
				out[i] = ' '
				i++
			}
		default:
			i++
		}
	}
	return string(out)
}

// skipQuoted advances past a double-quoted identifier starting at i without
// altering it, honoring doubled-quote escapes.
func skipQuoted(out []byte, i int) int {
	i++ // opening quote
	for i < len(out) {
		if out[i] == '"' {
			if i+1 < len(out) && out[i+1] == '"' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

// maskQuoted blanks the interior of a quoted run starting at i, honoring
// doubled-quote escapes. Returns the index after the closing quote.
func maskQuoted(out []byte, i int, quote byte) int {
	i++ // opening quote
	for i < len(out) {
		if out[i] == quote {
			if i+1 < len(out) && out[i+1] == quote {
				out[i], out[i+1] = ' ', ' '
				i += 2
				continue
			}
			return i + 1
		}
		out[i] = ' '
		i++
	}
	return i
}
