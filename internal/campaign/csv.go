package campaign

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"

	"voicebridge/internal/store"
)

// Column aliases accepted on import; lists ordered by preference.
var (
	phoneColumns = []string{"phone_number", "phone", "telefone", "numero", "number"}
	nameColumns  = []string{"name", "nome", "cliente", "contact"}
)

// ParseContacts reads a contact list from CSV. The header row is required;
// the delimiter is sniffed among comma, semicolon and tab. Rows without a
// usable phone number (at least 10 digits) are skipped. Columns beyond phone
// and name are preserved as contact metadata.
func ParseContacts(content string) ([]store.CampaignContact, error) {
	content = strings.TrimPrefix(content, "\ufeff")
	r := csv.NewReader(strings.NewReader(content))
	r.Comma = sniffDelimiter(content)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("campaign: parse csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("campaign: csv has no header row")
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}
	phoneIdx := findColumn(header, phoneColumns)
	if phoneIdx < 0 {
		return nil, fmt.Errorf("campaign: csv missing a phone column (one of %s)", strings.Join(phoneColumns, ", "))
	}
	nameIdx := findColumn(header, nameColumns)

	var out []store.CampaignContact
	for _, row := range rows[1:] {
		if phoneIdx >= len(row) {
			continue
		}
		phone := digitsOnly(row[phoneIdx])
		if len(phone) < 10 {
			continue
		}

		c := store.CampaignContact{PhoneNumber: phone, Status: store.ContactPending}
		if nameIdx >= 0 && nameIdx < len(row) {
			c.Name = strings.TrimSpace(row[nameIdx])
		}

		extra := map[string]string{}
		for i, v := range row {
			if i == phoneIdx || i == nameIdx || i >= len(header) {
				continue
			}
			v = strings.TrimSpace(v)
			if v != "" && header[i] != "" {
				extra[header[i]] = v
			}
		}
		if len(extra) > 0 {
			data, _ := json.Marshal(extra)
			c.ExtraData = string(data)
		}
		out = append(out, c)
	}
	return out, nil
}

func sniffDelimiter(content string) rune {
	head := content
	if i := strings.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	best, bestCount := ',', strings.Count(head, ",")
	if n := strings.Count(head, ";"); n > bestCount {
		best, bestCount = ';', n
	}
	if n := strings.Count(head, "\t"); n > bestCount {
		best = '\t'
	}
	return best
}

func findColumn(header []string, names []string) int {
	for _, name := range names {
		for i, h := range header {
			if h == name {
				return i
			}
		}
	}
	return -1
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
