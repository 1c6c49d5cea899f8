package postgres

import (
	"strings"
)

// CommandKind classifies a SQL statement by its leading keyword. The kind
// drives authorization and the shape of the result payload.
type CommandKind string

const (
	CommandSelect   CommandKind = "SELECT"
	CommandInsert   CommandKind = "INSERT"
	CommandUpdate   CommandKind = "UPDATE"
	CommandDelete   CommandKind = "DELETE"
	CommandCreate   CommandKind = "CREATE"
	CommandDrop     CommandKind = "DROP"
	CommandTruncate CommandKind = "TRUNCATE"
	// CommandOther covers everything else, including WITH and DO blocks
	// whose effective statement cannot be determined from the first keyword.
	CommandOther CommandKind = "OTHER"
)

// Classify determines the command kind from the first keyword after leading
// whitespace and comments. It never parses the full statement; anything not
// positively identified lands in CommandOther and needs the admin role.
func Classify(sql string) CommandKind {
	keyword := firstKeyword(sql)
	switch keyword {
	case "SELECT":
		return CommandSelect
	case "INSERT":
		return CommandInsert
	case "UPDATE":
		return CommandUpdate
	case "DELETE":
		return CommandDelete
	case "CREATE":
		return CommandCreate
	case "DROP":
		return CommandDrop
	case "TRUNCATE":
		return CommandTruncate
	default:
		return CommandOther
	}
}

// firstKeyword returns the first word of the statement, uppercased, after
// skipping whitespace, line comments and block comments.
func firstKeyword(sql string) string {
	rest := sql
	for {
		rest = strings.TrimLeft(rest, " \t\r\n")
		switch {
		case strings.HasPrefix(rest, "--"):
			idx := strings.IndexByte(rest, '\n')
			if idx < 0 {
				return ""
			}
			rest = rest[idx+1:]
		case strings.HasPrefix(rest, "/*"):
			idx := strings.Index(rest, "*/")
			if idx < 0 {
				return ""
			}
			rest = rest[idx+2:]
		default:
			end := 0
			for end < len(rest) {
				c := rest[end]
				if c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '(' || c == ';' {
					break
				}
				end++
			}
			return strings.ToUpper(rest[:end])
		}
	}
}
