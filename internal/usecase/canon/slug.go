package canon

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FallbackSlug возвращается для пустых и вырожденных тем.
const FallbackSlug = "untitled-topic"

const (
	maxTopicLen = 500
	maxSlugLen  = 80
)

// Служебные слова выбрасываются из слага, если тема длиннее двух слов.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "to": {}, "and": {},
	"in": {}, "on": {}, "for": {}, "with": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "be": {}, "by": {}, "at": {}, "from": {},
	"or": {}, "as": {}, "it": {}, "its": {}, "this": {}, "that": {},
	"what": {}, "how": {}, "why": {}, "about": {},
}

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeTopic приводит свободный текст темы к каноничному виду:
// обрезает края, схлопывает пробельные последовательности и ограничивает длину.
func NormalizeTopic(raw string) string {
	collapsed := strings.Join(strings.Fields(raw), " ")
	r := []rune(collapsed)
	if len(r) > maxTopicLen {
		r = r[:maxTopicLen]
	}
	return strings.TrimSpace(string(r))
}

// SlugifyTopic строит детерминированный ключ кластеризации темы.
// Одинаковый вход всегда даёт одинаковый слаг: это ключ канон-кэша.
func SlugifyTopic(raw string) string {
	text := strings.ToLower(NormalizeTopic(raw))
	if stripped, _, err := transform.String(deaccent, text); err == nil {
		text = stripped
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
		// знаки препинания, апострофы и нелатинские символы удаляются целиком
	}

	words := strings.Fields(b.String())
	words = dropStopWords(words)

	slug := strings.Join(words, "-")
	slug = truncateSlug(slug, maxSlugLen)
	if slug == "" {
		return FallbackSlug
	}
	return slug
}

// dropStopWords выбрасывает служебные слова. Темы из одного-двух слов
// и темы, состоящие только из служебных слов, остаются без фильтрации.
func dropStopWords(words []string) []string {
	if len(words) <= 2 {
		return words
	}
	filtered := make([]string, 0, len(words))
	for _, w := range words {
		if _, ok := stopWords[w]; ok {
			continue
		}
		filtered = append(filtered, w)
	}
	if len(filtered) == 0 {
		return words
	}
	return filtered
}

// truncateSlug обрезает слаг по границе слова и никогда не оставляет
// висячий дефис.
func truncateSlug(slug string, limit int) string {
	if len(slug) <= limit {
		return slug
	}
	cut := slug[:limit]
	if idx := strings.LastIndex(cut, "-"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, "-")
}
