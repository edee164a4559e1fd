package cve

import (
	"strings"

	"espctl/pkg/espapi"
)

// PlatformSQL selects the installed software of a host by its os_info.platform. Every query
// returns part, vendor, product and version columns.
var PlatformSQL = map[string]string{
	"windows": `SELECT 'a' AS part, publisher AS vendor, name AS product, version AS version FROM programs WHERE name IS NOT NULL AND name <> '';`,
	"darwin":  `SELECT 'a' AS part, '' AS vendor, bundle_name AS product, bundle_version AS version FROM apps WHERE bundle_name IS NOT NULL AND bundle_name <> '';`,
	"ubuntu":  `SELECT 'a' AS part, '' AS vendor, name AS product, version AS version FROM deb_packages WHERE name IS NOT NULL AND name <> '';`,
	"rhel":    `SELECT 'a' AS part, '' AS vendor, name AS product, version AS version FROM rpm_packages WHERE name IS NOT NULL AND name <> '';`,
}

// Software is one installed application as a CPE tuple.
type Software struct {
	Part    string `json:"part"`
	Vendor  string `json:"vendor"`
	Product string `json:"product"`
	Version string `json:"version"`
}

// FromRow normalizes the vendor and product of an inventory row.
func FromRow(row espapi.Row) Software {
	return Software{
		Part:    row["part"],
		Vendor:  NormalizeToken(row["vendor"]),
		Product: NormalizeToken(row["product"]),
		Version: row["version"],
	}
}

// NormalizeToken returns the first space-separated token other than "The", lowercased. When
// every token is "The" the input is returned unchanged. Splitting is on single spaces, so a
// leading space yields an empty first token.
func NormalizeToken(s string) string {
	for _, tok := range strings.Split(s, " ") {
		if tok == "The" {
			continue
		}
		return strings.ToLower(tok)
	}
	return s
}

// CSV is the matcher input line: part,vendor,product,version.
func (s Software) CSV() string {
	return strings.Join([]string{s.Part, s.Vendor, s.Product, s.Version}, ",")
}
