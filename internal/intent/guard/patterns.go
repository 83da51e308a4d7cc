package guard

import "regexp"

// Categories of prompt-injection patterns.
const (
	CategoryRoleReversal  = "role_reversal"
	CategorySystemInfo    = "system_info"
	CategoryCodeInjection = "code_injection"
	CategoryJailbreaking  = "jailbreaking"
)

type pattern struct {
	category string
	re       *regexp.Regexp
}

var injectionPatterns = compileCatalog(map[string][]string{
	CategoryRoleReversal: {
		`ignore (all )?previous (instructions|prompts)`,
		`\byou are now\b`,
		`\bfrom now on\b`,
		`\bas an assistant\b`,
		`\bact as\b`,
		`forget everything before`,
		`disregard the above`,
		`override the system prompt`,
	},
	CategorySystemInfo: {
		`what is your system prompt`,
		`show me your instructions`,
		`tell me about your training data`,
		`repeat the initial prompt`,
		`what is your secret key`,
		`list all functions`,
	},
	CategoryCodeInjection: {
		`run shell command`,
		`\bexec\s*\(`,
		`os\.system\s*\(`,
		`\bimport os\b`,
		`eval\s*\(`,
		`\bcurl\b`,
		`\bwget\b`,
		`\bsh\s+-c\b`,
		`\brm\s+-rf\b`,
		`format (my|the) hard drive`,
	},
	CategoryJailbreaking: {
		`as a hypothetical scenario`,
		`in an alternative reality`,
		`in a roleplay, you must`,
		`i know this is not allowed, but`,
		`this is for a school project`,
	},
})

// Detection order is fixed so results are reproducible.
var categoryOrder = []string{CategoryRoleReversal, CategorySystemInfo, CategoryCodeInjection, CategoryJailbreaking}

func compileCatalog(src map[string][]string) []pattern {
	var out []pattern
	for _, cat := range categoryOrder {
		for _, expr := range src[cat] {
			out = append(out, pattern{category: cat, re: regexp.MustCompile(`(?i)` + expr)})
		}
	}
	return out
}

type mask struct {
	re   *regexp.Regexp
	with string
}

// Order matters: cards before generic digit runs, e-mails before names.
var sensitive = []mask{
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "*****@*****"},
	{regexp.MustCompile(`\b\d{4}-\d{4}-\d{4}-\d{4}\b`), "****-****-****-****"},
	{regexp.MustCompile(`\b\d{10,16}\b`), "************"},
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "xxx.xxx.xxx.xxx"},
	{regexp.MustCompile(`\b[A-Z][a-z]+\s[A-Z][a-z]+\b`), "**** ****"},
}
