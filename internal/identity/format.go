// Package identity реализует разбор отсканированных кодов и поиск профиля
// по цепочке исторических форматов идентификаторов.
package identity

import (
	"strings"
	"unicode"
)

// Normalize приводит отсканированный код к каноническому виду.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// FormatStudentID восстанавливает дефис в студенческом идентификаторе,
// набранном слитно: C250001 -> C25-0001. Возвращает false, если код не
// соответствует слитному студенческому формату.
func FormatStudentID(code string) (string, bool) {
	if len(code) < 7 || code[0] != 'C' || strings.ContainsRune(code, '-') {
		return "", false
	}
	if !allDigits(code[1:]) {
		return "", false
	}
	return code[:3] + "-" + code[3:], true
}

// FormatFacultyID восстанавливает дефисы в идентификаторе сотрудника,
// набранном слитно: SMCIC0012025 -> SMCIC-001-2025. Слитный формат имеет
// строго 12 символов.
func FormatFacultyID(code string) (string, bool) {
	if len(code) != 12 || !strings.HasPrefix(code, "SMCIC") || strings.ContainsRune(code, '-') {
		return "", false
	}
	if !allDigits(code[5:]) {
		return "", false
	}
	return "SMCIC-" + code[5:8] + "-" + code[8:], true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}
