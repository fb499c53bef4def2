package instrument

import (
	"regexp"
	"strconv"

	"wata/internal/domain"
)

// descriptionPattern matches "<name> <kind> <buy/sell> <knock-out> <issuer>",
// e.g. "TURBO LONG NASDAQ-100 LONG 17850.5 BNP" or "TURBO LONG DAX 15000 CITI".
var descriptionPattern = regexp.MustCompile(`^(.*) (\w+) (\w+) (\d+(?:\.\d+)?) (\w+)$`)

// ParseDescription extracts the structured fields of a turbo description.
// It returns false when the description does not follow the issuer format.
func ParseDescription(description string) (domain.ParsedDescription, bool) {
	m := descriptionPattern.FindStringSubmatch(description)
	if m == nil {
		return domain.ParsedDescription{}, false
	}
	price, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return domain.ParsedDescription{}, false
	}
	return domain.ParsedDescription{
		Name:    m[1],
		Kind:    m[2],
		BuySell: m[3],
		Price:   price,
		From:    m[5],
	}, true
}
