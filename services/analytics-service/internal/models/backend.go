package models

import "time"

// BackendHealth состояние здоровья бэкенда
type BackendHealth struct {
	Healthy       bool      `json:"healthy"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// BackendStatus состояние бэкенда для внешних потребителей
type BackendStatus struct {
	Name        string    `json:"name"`
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked"`
	IsPrimary   bool      `json:"is_primary"`
}

// DispatchResult результат рассылки события по бэкендам
type DispatchResult struct {
	EventID   string            `json:"event_id"`
	Succeeded []string          `json:"succeeded_backends"`
	Failed    map[string]string `json:"failed_backends,omitempty"`
	Skipped   []string          `json:"skipped_backends,omitempty"`
	AllFailed bool              `json:"all_failed"`
}
