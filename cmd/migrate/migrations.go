package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// driverName 把 database.type 映射为 database/sql 驱动名
func driverName(dbType string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql":
		return "postgres", nil
	case "mysql":
		return "mysql", nil
	default:
		return "", fmt.Errorf("unsupported database type %q", dbType)
	}
}

// findMigrations 返回 <dir>/<driver>/*.<action>.sql
//
// up 按文件名升序执行，down 按降序执行。
func findMigrations(dir, driver, action string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, driver, "*."+action+".sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	if action == "down" {
		sort.Sort(sort.Reverse(sort.StringSlice(files)))
	}
	return files, nil
}

// splitStatements 按分号分割 SQL 语句，忽略引号内的分号和整行注释
func splitStatements(sql string) []string {
	var (
		statements []string
		current    strings.Builder
		inString   bool
		stringChar rune
	)

	flush := func() {
		if stmt := stripComments(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, r := range sql {
		switch {
		case r == '\'' || r == '"' || r == '`':
			if !inString {
				inString = true
				stringChar = r
			} else if r == stringChar {
				inString = false
			}
			current.WriteRune(r)
		case r == ';' && !inString:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return statements
}

func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// summarize 截取语句首行用于日志
func summarize(stmt string) string {
	first := strings.SplitN(stmt, "\n", 2)[0]
	if len(first) > 60 {
		return first[:60] + "..."
	}
	return first
}
