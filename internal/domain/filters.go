package domain

// TopicSort перечисляет допустимые сортировки списка тем.
// Произвольные выражения от вызывающей стороны не принимаются.
type TopicSort string

const (
	TopicSortScore    TopicSort = "score"
	TopicSortRequests TopicSort = "requests"
	TopicSortUsers    TopicSort = "users"
	TopicSortRecent   TopicSort = "recent"
)

// ParseTopicSort возвращает сортировку по строке запроса, по умолчанию score.
func ParseTopicSort(raw string) TopicSort {
	switch TopicSort(raw) {
	case TopicSortRequests, TopicSortUsers, TopicSortRecent:
		return TopicSort(raw)
	default:
		return TopicSortScore
	}
}

// TopicFilter — типизированный фильтр админского списка тем.
type TopicFilter struct {
	Status *TopicStatus
	Sort   TopicSort
	Limit  int
	Offset int
}

// JobFilter — фильтр списка ремастер-задач.
type JobFilter struct {
	Status *CanonJobStatus
	Limit  int
	Offset int
}
