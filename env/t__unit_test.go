package env

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func setupTest(t *testing.T) *assert.Assertions {
	t.Helper()
	viper.Reset()
	validationsMu.Lock()
	validations = map[string]string{}
	validationsMu.Unlock()
	t.Cleanup(viper.Reset)
	return assert.New(t)
}

func TestValidateEnv(t *testing.T) {
	a := setupTest(t)
	RegisterValidation("STORE_BACKEND", "oneof=memory dynamo postgres")
	RegisterValidation("REDIS_URL", "omitempty,url")

	viper.Set("STORE_BACKEND", "dynamo")
	a.NotPanics(ValidateEnv)

	viper.Set("REDIS_URL", "redis://localhost:6379/0")
	a.NotPanics(ValidateEnv)

	viper.Set("STORE_BACKEND", "sqlite")
	a.PanicsWithValue("invalid environment variables: STORE_BACKEND (oneof=memory dynamo postgres)", ValidateEnv)
}

func TestGetStringSlice(t *testing.T) {
	a := setupTest(t)
	viper.Set("ETHEREUM_RPC_URLS", " https://a.example ,,https://b.example")
	a.Equal([]string{"https://a.example", "https://b.example"}, GetStringSlice("ETHEREUM_RPC_URLS"))
	a.Empty(GetStringSlice("MISSING"))
}

func TestIsLocal(t *testing.T) {
	a := setupTest(t)
	a.True(IsLocal())
	viper.Set("ENV", "production")
	a.False(IsLocal())
}
