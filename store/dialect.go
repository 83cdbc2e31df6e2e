package store

import (
	"fmt"
	"strings"
)

// dialect papers over the placeholder and upsert syntax of each driver.
type dialect struct {
	driver string
}

func (d dialect) placeholder(i int) string {
	if d.driver == DriverPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (d dialect) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

// upsert builds an insert that overwrites cols on a key conflict.
func (d dialect) upsert(table string, keys, cols []string) string {
	all := append(append([]string{}, keys...), cols...)
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(all, ", "), d.placeholders(len(all)))
	sets := make([]string, len(cols))
	if d.driver == DriverMySQL {
		for i, c := range cols {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
		return q + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}
	return q + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET ", strings.Join(keys, ", ")) + strings.Join(sets, ", ")
}
