package env

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var (
	validationsMu sync.Mutex
	validations   = map[string]string{}
	validate      = validator.New()
)

// RegisterValidation registers a validator tag, e.g. "required" or "required,url", that
// ValidateEnv enforces for key.
func RegisterValidation(key, rule string) {
	validationsMu.Lock()
	defer validationsMu.Unlock()
	validations[key] = rule
}

// ValidateEnv panics if a registered variable fails its rule.
func ValidateEnv() {
	validationsMu.Lock()
	defer validationsMu.Unlock()

	var invalid []string
	for key, rule := range validations {
		if err := validate.Var(strings.TrimSpace(viper.GetString(key)), rule); err != nil {
			invalid = append(invalid, fmt.Sprintf("%s (%s)", key, rule))
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		panic(fmt.Sprintf("invalid environment variables: %s", strings.Join(invalid, ", ")))
	}
}

func GetString(key string) string {
	return viper.GetString(key)
}

func GetInt(key string) int {
	return viper.GetInt(key)
}

func GetUint64(key string) uint64 {
	return viper.GetUint64(key)
}

func GetFloat64(key string) float64 {
	return viper.GetFloat64(key)
}

func GetBool(key string) bool {
	return viper.GetBool(key)
}

func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}

// GetStringSlice reads a comma separated variable. Empty entries are dropped.
func GetStringSlice(key string) []string {
	var raw []string
	switch v := viper.Get(key).(type) {
	case string:
		raw = strings.Split(v, ",")
	default:
		raw = viper.GetStringSlice(key)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsLocal reports whether the process runs against the local environment.
func IsLocal() bool {
	return GetString("ENV") == "" || GetString("ENV") == "local"
}
