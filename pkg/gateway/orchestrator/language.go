package orchestrator

import "strings"

const defaultLanguage = "en"

var supportedLanguages = map[string]struct{}{
	"en": {}, "es": {}, "fr": {}, "de": {}, "it": {},
	"pt": {}, "ja": {}, "ko": {}, "zh": {}, "hi": {},
	"ar": {}, "ru": {}, "nl": {}, "pl": {}, "tr": {},
}

var languageAliases = map[string]string{
	"pt-br":  "pt",
	"pt-pt":  "pt",
	"en-us":  "en",
	"en-gb":  "en",
	"es-mx":  "es",
	"es-419": "es",
	"zh-cn":  "zh",
	"zh-tw":  "zh",
	"cmn":    "zh",
	"fr-ca":  "fr",
}

// NormalizeLanguage maps a language tag onto the supported set. Unknown or
// empty values fall back to English.
func NormalizeLanguage(raw string) string {
	tag := strings.ToLower(strings.TrimSpace(raw))
	tag = strings.ReplaceAll(tag, "_", "-")
	if tag == "" {
		return defaultLanguage
	}
	if _, ok := supportedLanguages[tag]; ok {
		return tag
	}
	if alias, ok := languageAliases[tag]; ok {
		return alias
	}
	if base, _, found := strings.Cut(tag, "-"); found {
		if _, ok := supportedLanguages[base]; ok {
			return base
		}
	}
	return defaultLanguage
}
