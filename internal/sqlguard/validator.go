// Package sqlguard classifies SQL text as safe read-only or rejects it with
// a reason. Validation is pure string analysis; it never touches a database.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"
)

// dangerousKeywords are tokens that must not appear anywhere in a query,
// word-bounded, regardless of casing. INTO/VALUES/SET are included to stop
// smuggled INSERT shapes.
var dangerousKeywords = []string{
	"DROP", "DELETE", "INSERT", "UPDATE", "TRUNCATE", "ALTER",
	"CREATE", "GRANT", "REVOKE", "EXECUTE", "CALL", "SHOW",
	"DESCRIBE", "EXPLAIN", "HANDLER", "LOAD", "LOCK",
	"REPLACE", "INTO", "VALUES", "SET",
}

// injectionPatterns are the injection shapes checked before keyword scanning.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`;\s*\w+`),                          // statement after a semicolon
	regexp.MustCompile(`--[\r\n]`),                         // line comment ended by a newline
	regexp.MustCompile(`/\*.*\*/`),                         // block comment
	regexp.MustCompile(`(?i)'\s*(OR|AND)\s*[\w']+\s*[=<>]`), // ' OR '1'='1
	regexp.MustCompile(`(?i)"\s*(OR|AND)\s*[\w"]+\s*[=<>]`), // " OR "1"="1
}

// strictFunctions are additionally rejected in strict mode as plain
// substrings of the uppercased statement.
var strictFunctions = []string{
	"LOAD_FILE", "INTO OUTFILE", "INTO DUMPFILE",
	"SYSTEM", "EXEC", "EVAL", "SHELL",
}

const (
	maxStatementLen = 10000
	maxParenDepth   = 50
)

var (
	keywordPatterns = compileKeywordPatterns()
	firstTokenRe    = regexp.MustCompile(`^[\s(]*(\w+)`)
	limitWordRe     = regexp.MustCompile(`(?i)\bLIMIT\b`)
)

func compileKeywordPatterns() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(dangerousKeywords))
	for _, kw := range dangerousKeywords {
		m[kw] = regexp.MustCompile(`\b` + kw + `\b`)
	}
	return m
}

// Normalize trims the statement and standardizes line endings.
func Normalize(sql string) string {
	sql = strings.TrimSpace(sql)
	sql = strings.ReplaceAll(sql, "\r\n", "\n")
	sql = strings.ReplaceAll(sql, "\r", "\n")
	return sql
}

// Validate reports whether sql is a safe read-only statement. The second
// return value carries the rejection reason when ok is false. Strict mode
// adds the dangerous-function, length, and nesting-depth checks used on the
// execution path.
func Validate(sql string, strict bool) (ok bool, reason string) {
	if strings.TrimSpace(sql) == "" {
		return false, "SQL 查询不能为空"
	}

	normalized := Normalize(sql)
	if normalized == "" {
		return false, "SQL 查询为空"
	}

	if ok, reason = checkStructure(normalized); !ok {
		return false, reason
	}
	if injected, reason := checkInjection(normalized); injected {
		return false, reason
	}

	if strict {
		upper := strings.ToUpper(normalized)
		for _, fn := range strictFunctions {
			if strings.Contains(upper, fn) {
				return false, fmt.Sprintf("检测到危险函数: %s", fn)
			}
		}
		if len(normalized) > maxStatementLen {
			return false, "SQL 语句过长（超过 10000 字符）"
		}
		if depth := strings.Count(normalized, "("); depth > maxParenDepth {
			return false, fmt.Sprintf("子查询嵌套过深（%d 层）", depth)
		}
	}

	return true, ""
}

// checkStructure verifies paren balance, single-quote parity, and that any
// semicolon only appears at the very end.
func checkStructure(sql string) (ok bool, reason string) {
	open := strings.Count(sql, "(")
	closed := strings.Count(sql, ")")
	if open != closed {
		return false, fmt.Sprintf("SQL 括号不匹配: %d 个开括号，%d 个闭括号", open, closed)
	}

	if strings.Count(sql, "'")%2 != 0 {
		return false, "SQL 单引号不匹配"
	}

	if strings.Contains(sql, ";") && !strings.HasSuffix(strings.TrimRight(sql, " \t\n"), ";") {
		return false, "检测到多语句执行（分号不在末尾）"
	}

	return true, ""
}

// checkInjection scans for injection shapes, enforces the SELECT/WITH prefix
// rule, and rejects any dangerous keyword appearing as a word.
func checkInjection(sql string) (injected bool, reason string) {
	for _, pattern := range injectionPatterns {
		if pattern.MatchString(sql) {
			return true, fmt.Sprintf("检测到可能的 SQL 注入模式: %s", pattern.String())
		}
	}

	upper := strings.ToUpper(sql)
	normalized := strings.Join(strings.Fields(upper), " ")

	if !strings.HasPrefix(normalized, "SELECT") && !strings.HasPrefix(normalized, "WITH") {
		if m := firstTokenRe.FindStringSubmatch(normalized); m != nil {
			return true, fmt.Sprintf("仅允许 SELECT 查询，检测到语句: %s", m[1])
		}
		return true, "仅允许 SELECT 查询"
	}

	for _, kw := range dangerousKeywords {
		if keywordPatterns[kw].MatchString(upper) {
			return true, fmt.Sprintf("检测到危险关键字: %s", kw)
		}
	}

	return false, ""
}

// IsSelect reports whether sql begins with SELECT or WITH after
// normalization. Cheaper than Validate; used for quick routing decisions.
func IsSelect(sql string) bool {
	if sql == "" {
		return false
	}
	upper := strings.ToUpper(Normalize(sql))
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH")
}

// ContainsLimit reports whether the statement already carries a LIMIT
// clause, word-bounded so column names like `limit_amount` do not count.
func ContainsLimit(sql string) bool {
	return limitWordRe.MatchString(sql)
}

// SanitizeLimit clamps a requested row limit to [1, 10000]. Zero means the
// caller did not ask for a limit and gets the default of 100.
func SanitizeLimit(limit int) int {
	switch {
	case limit == 0:
		return 100
	case limit < 0:
		return 1
	case limit > 10000:
		return 10000
	default:
		return limit
	}
}
