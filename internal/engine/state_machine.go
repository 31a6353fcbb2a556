// Package engine содержит воркеры исполнения: очередь торговых действий
// и реконсилятор TP/SL пар.
package engine

import "tradesync/internal/models"

// ValidTransitions определяет допустимые переходы статуса позиции.
// Закрытие всегда проходит через CLOSING, напрямую OPEN → CLOSED нельзя
var ValidTransitions = map[string][]string{
	models.PositionStatusOpen:    {models.PositionStatusClosing},
	models.PositionStatusClosing: {models.PositionStatusClosed},
	models.PositionStatusClosed:  {}, // терминальный, дальше только архив
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StatusInfo возвращает описание статуса позиции для операторского API
func StatusInfo(s string) string {
	switch s {
	case models.PositionStatusOpen:
		return "Позиция открыта, TP/SL пара активна"
	case models.PositionStatusClosing:
		return "Одна нога исполнилась, отменяем вторую..."
	case models.PositionStatusClosed:
		return "Позиция закрыта"
	default:
		return "Неизвестный статус"
	}
}

// IsLive возвращает true если позиция ещё требует реконсиляции
func IsLive(s string) bool {
	return s == models.PositionStatusOpen || s == models.PositionStatusClosing
}
