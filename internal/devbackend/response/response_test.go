package response

import (
	"testing"

	"github.com/go-playground/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	type form struct {
		Email    string `validate:"required,email"`
		Password string `validate:"required,min=6"`
	}

	err := validator.New().Struct(form{Email: "nope", Password: "123"})
	require.Error(t, err)

	resp := ValidationError(err.(validator.ValidationErrors))
	assert.False(t, resp.Success)
	assert.Equal(t, "field Email must be a valid email, field Password must be at least 6 characters", resp.Message)
}

func TestOK(t *testing.T) {
	resp := OK(map[string]any{"plans": []string{}})
	assert.True(t, resp.Success)
	assert.Empty(t, resp.Message)
}
