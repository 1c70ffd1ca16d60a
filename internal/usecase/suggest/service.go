package suggest

import (
	"math/rand"
	"sync"
)

// Запасная тема, если кураторский список пуст.
const fallbackTopic = "The science of memory"

// Кураторский список тем для «удиви меня».
var defaultTopics = []string{
	"The science of sleep",
	"How black holes form",
	"The fall of the Roman Empire",
	"Quantum mechanics for commuters",
	"Stoic philosophy in daily life",
	"The history of coffee",
	"How vaccines work",
	"The silk road and global trade",
	"Deep ocean ecosystems",
	"The psychology of habit formation",
	"How the internet moves data",
	"The printing press revolution",
	"Supervolcanoes and climate",
	"The mathematics of music",
	"Ancient Egyptian engineering",
	"How languages evolve",
	"The economics of inflation",
	"CRISPR and gene editing",
	"The space race",
	"Why we dream",
}

// Service выдаёт подсказки тем.
type Service struct {
	topics []string

	mu   sync.Mutex
	rand *rand.Rand
}

// NewService создаёт сервис подсказок. Пустой список заменяется встроенным.
func NewService(topics []string, seed int64) *Service {
	if len(topics) == 0 {
		topics = defaultTopics
	}
	return &Service{topics: topics, rand: rand.New(rand.NewSource(seed))}
}

// Random возвращает одну случайную тему.
func (s *Service) Random() string {
	if len(s.topics) == 0 {
		return fallbackTopic
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics[s.rand.Intn(len(s.topics))]
}

// RandomN возвращает n уникальных случайных тем.
func (s *Service) RandomN(n int) []string {
	if n <= 0 {
		return nil
	}
	if n > len(s.topics) {
		n = len(s.topics)
	}
	s.mu.Lock()
	perm := s.rand.Perm(len(s.topics))
	s.mu.Unlock()
	out := make([]string, 0, n)
	for _, idx := range perm[:n] {
		out = append(out, s.topics[idx])
	}
	return out
}
