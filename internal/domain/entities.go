package domain

import "time"

// Channel описывает отслеживаемый канал Telegram.
type Channel struct {
	ID          string // внешний идентификатор: @username или -100…
	ChatID      int64
	Title       string
	Subscribers int
	TZOffset    float64 // часовой пояс в часах, от -12.0 до +14.0
	IsNews      bool
	Overrides   *ThresholdConfig // nil — используются глобальные пороги
	Admins      []int64
	CreatedAt   time.Time
}

// ThresholdConfig задаёт проценты для расчёта минимальных метрик.
type ThresholdConfig struct {
	ViewsPct     float64 // от числа подписчиков
	ReactionsPct float64 // от фактических просмотров
	ForwardsPct  float64 // от фактических просмотров
}

// ThresholdSet содержит рассчитанные минимумы. Не сохраняется в БД.
type ThresholdSet struct {
	Views     int
	Reactions int
	Forwards  int
}

// ObservedMetrics — снимок метрик поста на момент проверки.
type ObservedMetrics struct {
	Views     int
	Reactions int
	Forwards  int
	Replies   int
	FetchedAt time.Time
}

// MetricCheck — результат сравнения одной метрики с порогом.
type MetricCheck struct {
	Current  int
	Required int
	Percent  float64
	Passed   bool
}

// MetricsVerdict — итог сверки метрик поста с порогами.
type MetricsVerdict struct {
	Passed    bool
	Views     MetricCheck
	Reactions MetricCheck
	Forwards  MetricCheck
	Issues    []string
}

// ContentVerdict — итог проверки содержимого поста.
type ContentVerdict struct {
	HasErrors        bool
	Spelling         bool
	Grammar          bool
	Spam             bool
	ReadabilityScore int
	ReadabilityLevel string
	Details          string
}

// CheckKey однозначно идентифицирует проверку: на один пост — не больше одной.
type CheckKey struct {
	ChannelID string
	PostID    int64
}

// PendingCheck — запланированная, но ещё не выполненная проверка метрик.
type PendingCheck struct {
	ChannelID  string
	PostID     int64
	ReadyAt    time.Time
	EnqueuedAt time.Time
	Retries    int
}

// Key возвращает ключ проверки.
func (p PendingCheck) Key() CheckKey {
	return CheckKey{ChannelID: p.ChannelID, PostID: p.PostID}
}

// PostRecord — запись о посте и результатах его проверок.
type PostRecord struct {
	ChannelID   string
	PostID      int64
	Text        string
	PublishedAt time.Time
	URL         string
	Content     *ContentVerdict
	Metrics     *ObservedMetrics
	Verdict     *MetricsVerdict
	CreatedAt   time.Time
}

// CheckType различает этапы проверки поста.
type CheckType string

const (
	// CheckTypeContent — проверка содержимого сразу после публикации.
	CheckTypeContent CheckType = "content"
	// CheckTypeMetrics — отложенная проверка метрик.
	CheckTypeMetrics CheckType = "metrics"
)

// HistoryEntry — запись в истории проверок. Только добавление, без изменений.
type HistoryEntry struct {
	ChannelID string
	PostID    int64
	Type      CheckType
	Passed    bool
	Detail    string
	At        time.Time
}

// ChannelStats — агрегаты по истории проверок канала за окно времени.
type ChannelStats struct {
	ContentChecks int
	ContentFails  int
	MetricChecks  int
	MetricFails   int
}
