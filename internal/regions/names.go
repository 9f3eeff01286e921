package regions

// displayNames maps region codes to the names shown to users. Regions
// missing from the table fall back to their raw code.
var displayNames = map[string]string{
	"us-east-1":      "Virginia",
	"us-east-2":      "Ohio",
	"us-west-1":      "California",
	"us-west-2":      "Oregon",
	"ap-southeast-2": "Australia (Sydney)",
	"sa-east-1":      "Brazil",
	"ca-central-1":   "Canada",
	"eu-west-3":      "France",
	"eu-central-1":   "Germany",
	"ap-east-1":      "Hong Kong",
	"ap-south-1":     "India (Mumbai)",
	"eu-west-1":      "Ireland",
	"ap-northeast-3": "Japan (Osaka)",
	"ap-northeast-1": "Japan (Tokyo)",
	"ap-southeast-1": "Singapore",
	"af-south-1":     "South Africa",
	"ap-northeast-2": "South Korea",
	"eu-north-1":     "Sweden",
	"eu-west-2":      "United Kingdom",
}

// DisplayName resolves a region code to its human-readable name.
func DisplayName(code string) string {
	if name, ok := displayNames[code]; ok {
		return name
	}
	return code
}
