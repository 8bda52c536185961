package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// Имена параметров повторяют ключи домена.
const (
	ParamMaxItemsPerOrder    = domain.ParamMaxItemsPerOrder
	SecretNotificationAPIKey = domain.SecretNotificationAPIKey
)

// Source отдаёт параметры и секреты из секций params и secrets.
type Source struct {
	v *viper.Viper
}

var (
	_ domain.ConfigSource = (*Source)(nil)
	_ domain.SecretSource = (*Source)(nil)
)

// NewSource оборачивает экземпляр viper.
func NewSource(v *viper.Viper) *Source {
	return &Source{v: v}
}

// Int возвращает целочисленный параметр из секции params.
func (s *Source) Int(key string) (int, error) {
	path := "params." + paramKey(key)
	if !s.v.IsSet(path) {
		return 0, fmt.Errorf("%w: %s", domain.ErrConfigKeyMissing, key)
	}
	value := s.v.GetInt(path)
	if value <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", domain.ErrConfigKeyMissing, key)
	}
	return value, nil
}

// Secret возвращает секрет из секции secrets. Значение не логируется.
func (s *Source) Secret(key string) (string, error) {
	value := strings.TrimSpace(s.v.GetString("secrets." + paramKey(key)))
	if value == "" {
		return "", fmt.Errorf("%w: %s", domain.ErrSecretMissing, key)
	}
	return value, nil
}

// paramKey переводит kebab-case ключ в имя поля viper.
func paramKey(key string) string {
	return strings.ReplaceAll(key, "-", "_")
}
