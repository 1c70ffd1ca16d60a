package canon

import (
	"strings"
	"testing"
)

func TestSlugifyTopicDeterminism(t *testing.T) {
	first := SlugifyTopic("The History of Rome")
	for i := 0; i < 5; i++ {
		if got := SlugifyTopic("The History of Rome"); got != first {
			t.Fatalf("ожидали детерминированный слаг, получили %s и %s", first, got)
		}
	}
	if got := SlugifyTopic(NormalizeTopic("The History of Rome")); got != first {
		t.Fatalf("нормализация не должна менять слаг: %s != %s", got, first)
	}
}

func TestSlugifyTopicClustersVariants(t *testing.T) {
	cases := [][2]string{
		{"Machine Learning", "machine learning"},
		{"The History of Rome", "History of Rome"},
		{"  The   History  of Rome!!! ", "HISTORY OF ROME"},
		{"café culture", "cafe culture"},
		{"How AI Works", "How AI Works!!!"},
	}
	for _, pair := range cases {
		left, right := SlugifyTopic(pair[0]), SlugifyTopic(pair[1])
		if left != right {
			t.Fatalf("варианты %q и %q должны кластеризоваться: %s != %s", pair[0], pair[1], left, right)
		}
	}
}

func TestSlugifyTopicKnownInputs(t *testing.T) {
	cases := []struct{ input, expected string }{
		{"The Science of Sleep", "science-sleep"},
		{"The History of Rome", "history-rome"},
		{"history rome", "history-rome"},
		{"Café au lait", "cafe-au-lait"},
		{"quantum mechanics 101", "quantum-mechanics-101"},
	}
	for _, c := range cases {
		if got := SlugifyTopic(c.input); got != c.expected {
			t.Fatalf("для %q ожидали %s, получили %s", c.input, c.expected, got)
		}
	}
}

func TestSlugifyTopicShortTopicsKeepStopWords(t *testing.T) {
	// тема из одного-двух слов не фильтруется
	if got := SlugifyTopic("to be"); got != "to-be" {
		t.Fatalf("ожидали to-be, получили %s", got)
	}
	// тема только из служебных слов остаётся как есть
	if got := SlugifyTopic("the of and"); got != "the-of-and" {
		t.Fatalf("ожидали the-of-and, получили %s", got)
	}
}

func TestSlugifyTopicDegenerate(t *testing.T) {
	for _, input := range []string{"", "   ", "!!! ???", "@#$%^&*"} {
		if got := SlugifyTopic(input); got != FallbackSlug {
			t.Fatalf("для %q ожидали %s, получили %s", input, FallbackSlug, got)
		}
	}
}

func TestSlugifyTopicTruncation(t *testing.T) {
	long := strings.Repeat("verylongword ", 30)
	slug := SlugifyTopic(long)
	if len(slug) > 80 {
		t.Fatalf("слаг длиннее 80 символов: %d", len(slug))
	}
	if strings.HasSuffix(slug, "-") {
		t.Fatalf("слаг заканчивается дефисом: %s", slug)
	}
	// обрезка идёт по границе слова
	for _, word := range strings.Split(slug, "-") {
		if word != "verylongword" {
			t.Fatalf("обрезка разорвала слово: %s", word)
		}
	}
}

func TestNormalizeTopic(t *testing.T) {
	if got := NormalizeTopic("  How   vaccines \t work  "); got != "How vaccines work" {
		t.Fatalf("ожидали схлопнутые пробелы, получили %q", got)
	}
	long := strings.Repeat("я", 600)
	if got := NormalizeTopic(long); len([]rune(got)) != 500 {
		t.Fatalf("ожидали обрезку до 500 рун, получили %d", len([]rune(got)))
	}
}
