package sqlexec

import "strings"

// StripComments removes SQL line (--) and block (/* */) comments from sql and
// trims the surrounding whitespace. String literals (including E'' and
// dollar-quoted strings) and quoted identifiers are kept verbatim, so comment
// markers inside them are not mistaken for comments.
func StripComments(sql string) string {
	return strings.TrimSpace(scan(sql, false))
}

// IsReadOnly reports whether sql passes the read-only gate: after stripping
// comments and whitespace it must begin with the select keyword
// (case-insensitive) and must consist of a single statement. A trailing
// semicolon is allowed; a semicolon followed by anything else is not.
//
// This is a prefix policy, not a proof of safety. Pool connections default to
// read-only transactions as a second line.
func IsReadOnly(sql string) bool {
	bare := strings.TrimSpace(scan(sql, true))
	lower := strings.ToLower(bare)
	if !strings.HasPrefix(lower, "select") {
		return false
	}
	// "selectx" is an identifier, not the keyword.
	if len(lower) > len("select") && isIdentChar(lower[len("select")]) {
		return false
	}
	i := strings.IndexByte(bare, ';')
	return i < 0 || strings.TrimLeft(bare[i+1:], "; \t\r\n") == ""
}

// scan walks sql once, replacing every comment with a single space. When
// blankLiterals is set, the contents of string literals, dollar-quoted
// strings, and quoted identifiers are dropped too, leaving just the empty
// quotes.
func scan(sql string, blankLiterals bool) string {
	var b strings.Builder
	b.Grow(len(sql))
	for i := 0; i < len(sql); {
		c := sql[i]
		atWord := i == 0 || !isIdentChar(lowerByte(sql[i-1]))
		switch {
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				i = len(sql)
			} else {
				i += end
			}
			b.WriteByte(' ')
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
			} else {
				i += end + 4
			}
			b.WriteByte(' ')
		case (c == 'e' || c == 'E') && atWord && i+1 < len(sql) && sql[i+1] == '\'':
			end := closingQuote(sql, i+1, true)
			if blankLiterals {
				b.WriteString("''")
			} else {
				b.WriteString(sql[i:end])
			}
			i = end
		case c == '\'' || c == '"':
			end := closingQuote(sql, i, false)
			if blankLiterals {
				b.WriteByte(c)
				b.WriteByte(c)
			} else {
				b.WriteString(sql[i:end])
			}
			i = end
		case c == '$' && atWord:
			tag, ok := dollarTag(sql[i:])
			if !ok {
				b.WriteByte(c)
				i++
				continue
			}
			end := len(sql)
			if j := strings.Index(sql[i+len(tag):], tag); j >= 0 {
				end = i + len(tag) + j + len(tag)
			}
			if blankLiterals {
				b.WriteString("''")
			} else {
				b.WriteString(sql[i:end])
			}
			i = end
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// closingQuote returns the index just past the literal that opens at
// sql[start]. A doubled quote character is an escaped quote; with backslash
// set (E'' strings) a backslash escapes the next byte as well. An
// unterminated literal runs to the end of the input.
func closingQuote(sql string, start int, backslash bool) int {
	q := sql[start]
	for i := start + 1; i < len(sql); i++ {
		switch {
		case backslash && sql[i] == '\\':
			i++
		case sql[i] != q:
		case i+1 < len(sql) && sql[i+1] == q:
			i++
		default:
			return i + 1
		}
	}
	return len(sql)
}

// dollarTag reports the opening delimiter of a dollar-quoted string at the
// start of s: "$$" or "$tag$" where tag is an identifier. Positional
// parameters such as $1 are not tags.
func dollarTag(s string) (string, bool) {
	for i := 1; i < len(s); i++ {
		c := lowerByte(s[i])
		switch {
		case c == '$':
			return s[:i+1], true
		case c == '_' || ('a' <= c && c <= 'z') || c >= 0x80:
		case '0' <= c && c <= '9' && i > 1:
		default:
			return "", false
		}
	}
	return "", false
}

func lowerByte(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9')
}
