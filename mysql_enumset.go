package main

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// mysqlEnumSetLabels parses the quoted label list of an enum or set
// COLUMN_TYPE such as enum('a','it''s').
func mysqlEnumSetLabels(columnType string) ([]string, error) {
	open := strings.IndexByte(columnType, '(')
	closeIdx := strings.LastIndexByte(columnType, ')')
	if open < 0 || closeIdx <= open {
		return nil, fmt.Errorf("invalid enum/set column type %q", columnType)
	}

	inside := columnType[open+1 : closeIdx]
	var labels []string
	for i := 0; i < len(inside); {
		if inside[i] == ' ' || inside[i] == ',' {
			i++
			continue
		}
		if inside[i] != '\'' {
			return nil, fmt.Errorf("invalid enum/set label list in %q", columnType)
		}
		i++

		var b strings.Builder
		for i < len(inside) {
			c := inside[i]
			if c == '\\' && i+1 < len(inside) {
				b.WriteByte(inside[i+1])
				i += 2
				continue
			}
			if c == '\'' {
				if i+1 < len(inside) && inside[i+1] == '\'' {
					b.WriteByte('\'')
					i += 2
					continue
				}
				i++
				break
			}
			b.WriteByte(c)
			i++
		}
		labels = append(labels, b.String())
	}
	return labels, nil
}

// mysqlEnumSetWidth returns the longest value, in characters, an enum or set
// column can hold. A set value joins any subset of its labels with commas.
func mysqlEnumSetWidth(base, columnType string) (int64, bool) {
	labels, err := mysqlEnumSetLabels(columnType)
	if err != nil || len(labels) == 0 {
		return 0, false
	}
	var width int64
	for _, l := range labels {
		n := int64(utf8.RuneCountInString(l))
		if base == "set" {
			width += n
		} else {
			width = max(width, n)
		}
	}
	if base == "set" {
		width += int64(len(labels) - 1)
	}
	return max(width, 1), true
}
