package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "basic error",
			appError: ConfigError("maxSize must be at least 1"),
			want:     "config: maxSize must be at least 1",
		},
		{
			name: "error with code",
			appError: &AppError{
				Type:    ErrTypeConnectionRefused,
				Message: "dial failed",
				Code:    "ECONNREFUSED",
			},
			want: "connection_refused: dial failed: code=ECONNREFUSED",
		},
		{
			name:     "error with cause",
			appError: ConnectionTimeoutError("redis not ready", errors.New("i/o timeout")),
			want:     "connection_timeout: redis not ready: cause=i/o timeout",
		},
		{
			name:     "serialization carries key",
			appError: SerializationError("rbac:user:1", errors.New("unsupported type")),
			want:     "serialization: failed to serialize value: context={key=rbac:user:1}: cause=unsupported type",
		},
		{
			name: "context keys are sorted",
			appError: &AppError{
				Type:    ErrTypeInternal,
				Message: "boom",
				Context: map[string]interface{}{"b": 2, "a": 1},
			},
			want: "internal: boom: context={a=1, b=2}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	appError := InternalError("wrapped", cause)

	if !errors.Is(appError, cause) {
		t.Errorf("errors.Is should find the cause")
	}
	if appError.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", appError.Unwrap(), cause)
	}
}

func TestAppError_Key(t *testing.T) {
	err := DeserializationError("k1", errors.New("bad json"))
	if err.Key() != "k1" {
		t.Errorf("Key() = %q, want %q", err.Key(), "k1")
	}
	if ConfigError("x").Key() != "" {
		t.Errorf("Key() should be empty without context")
	}
}

func TestIsType(t *testing.T) {
	wrapped := fmt.Errorf("get failed: %w", NotInitializedError("memory"))

	tests := []struct {
		name    string
		err     error
		errType ErrorType
		want    bool
	}{
		{"nil error", nil, ErrTypeConfig, false},
		{"plain error", errors.New("x"), ErrTypeInternal, false},
		{"direct match", ConfigError("x"), ErrTypeConfig, true},
		{"direct mismatch", ConfigError("x"), ErrTypeInternal, false},
		{"wrapped match", wrapped, ErrTypeNotInitialized, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsType(tt.err, tt.errType); got != tt.want {
				t.Errorf("IsType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetType(t *testing.T) {
	if GetType(nil) != "" {
		t.Errorf("GetType(nil) should be empty")
	}
	if GetType(errors.New("plain")) != ErrTypeInternal {
		t.Errorf("plain errors should classify as internal")
	}
	if GetType(fmt.Errorf("ctx: %w", ConnectionRefusedError("no", nil))) != ErrTypeConnectionRefused {
		t.Errorf("wrapped AppError should keep its type")
	}
}

func TestAppError_Is(t *testing.T) {
	err := fmt.Errorf("op: %w", ConnectionTimeoutError("slow", nil))
	if !errors.Is(err, &AppError{Type: ErrTypeConnectionTimeout}) {
		t.Errorf("errors.Is should match on type")
	}
	if errors.Is(err, &AppError{Type: ErrTypeConnectionRefused}) {
		t.Errorf("errors.Is should not match a different type")
	}
}
