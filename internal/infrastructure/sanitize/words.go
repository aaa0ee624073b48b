package sanitize

import (
	"regexp"
	"strings"
)

// WordFilter matches blocked words through common obfuscations: case,
// accents, leetspeak, repeated letters and separators between letters.
type WordFilter struct {
	regex *regexp.Regexp
}

var separators = regexp.MustCompile(`[\s_.\-*/\\|]+`)

var leet = strings.NewReplacer(
	"@", "a", "4", "a",
	"3", "e", "€", "e",
	"1", "i", "!", "i", "|", "i", "¡", "i",
	"0", "o", "()", "o", "[]", "o",
	"$", "s", "5", "s", "z", "s",
	"7", "t", "+", "t",
	"ph", "f",
	"ck", "k", "kk", "k",
)

// NewWordFilter returns a filter that matches nothing when words is empty.
func NewWordFilter(words []string) *WordFilter {
	var patterns []string
	for _, word := range words {
		if p := wordPattern(word); p != "" {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		return &WordFilter{}
	}

	expression := `(?:^|[^\p{L}])(?:` + strings.Join(patterns, "|") + `)(?:$|[^\p{L}])`
	return &WordFilter{regex: regexp.MustCompile(expression)}
}

func (f *WordFilter) Contains(text string) bool {
	if f.regex == nil || text == "" {
		return false
	}
	return f.regex.MatchString(normalize(text))
}

// wordPattern lets every letter repeat and allows non-letters between them:
// "darn" also matches "d a r n" and "daaarn".
func wordPattern(word string) string {
	word = strings.ReplaceAll(normalize(word), " ", "")
	if word == "" {
		return ""
	}

	var b strings.Builder
	for i, r := range word {
		if i > 0 {
			b.WriteString(`[^\p{L}]*`)
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
		b.WriteString("+")
	}
	return b.String()
}

func normalize(text string) string {
	s := strings.ToLower(text)
	s = strings.Map(foldAccent, s)
	s = leet.Replace(s)
	return separators.ReplaceAllString(s, " ")
}

func foldAccent(r rune) rune {
	switch r {
	case 'á', 'à', 'â', 'ä', 'ã', 'å':
		return 'a'
	case 'é', 'è', 'ê', 'ë':
		return 'e'
	case 'í', 'ì', 'î', 'ï':
		return 'i'
	case 'ó', 'ò', 'ô', 'ö', 'õ':
		return 'o'
	case 'ú', 'ù', 'û', 'ü':
		return 'u'
	case 'ñ':
		return 'n'
	case 'ç':
		return 'c'
	default:
		return r
	}
}
