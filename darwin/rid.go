package darwin

import (
	"regexp"
	"strconv"
)

// A Darwin RID encodes the service date in its leading 8 digits
// (YYYYMMDD) and, for most operators, ends with the 6-character train
// UID (a letter followed by five digits).
var (
	ridDateRe = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})`)
	ridUIDRe  = regexp.MustCompile(`([A-Z]\d{5})$`)
)

// Extracts the service date from a RID. Returns "" when the RID does
// not carry one.
func ServiceDateFromRID(rid string) string {
	m := ridDateRe.FindStringSubmatch(rid)
	if m == nil {
		return ""
	}

	mm, _ := strconv.Atoi(m[2])
	dd, _ := strconv.Atoi(m[3])
	if mm < 1 || mm > 12 || dd < 1 || dd > 31 {
		return ""
	}
	return m[1] + m[2] + m[3]
}

// Extracts the train UID segment from a RID. Returns "" when the RID
// does not carry one.
func TrainUIDFromRID(rid string) string {
	m := ridUIDRe.FindStringSubmatch(rid)
	if m == nil {
		return ""
	}
	return m[1]
}
