package perferrors

import (
	"errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error without underlying error",
			err:  NotFound("portfolio", "P1"),
			want: "[NOT_FOUND] resource not found",
		},
		{
			name: "error with underlying error",
			err:  Transport("cache.get", errors.New("connection reset")),
			want: "[TRANSPORT] transport operation failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Internal("boom", underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestError_WithDetails(t *testing.T) {
	err := Validation("start_date", "must precede end_date")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["field"] != "start_date" {
		t.Errorf("Details[field] = %v, want start_date", err.Details["field"])
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"not found", NotFound("benchmark", "B1"), CodeNotFound},
		{"validation", Validation("twr_method", "unknown"), CodeValidation},
		{"transport", Transport("audit.store", errors.New("timeout")), CodeTransport},
		{"serialization", Serialization("decode", errors.New("bad json")), CodeSerialization},
		{"business rule", BusinessRule("streaming not started"), CodeBusinessRule},
		{"plain error defaults to internal", errors.New("unstructured"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Transport("cache.get", errors.New("reset"))) {
		t.Error("Transport errors should be retryable")
	}
	if IsRetryable(Serialization("decode", errors.New("bad"))) {
		t.Error("Serialization errors must never be retryable")
	}
	if IsRetryable(Validation("x", "y")) {
		t.Error("Validation errors must never be retryable")
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Transport("redis.connect", cause)

	if !errors.Is(err, err) {
		t.Fatal("error should be equal to itself under errors.Is")
	}

	var perfErr *Error
	if !errors.As(err, &perfErr) {
		t.Fatal("errors.As should find the wrapped *Error")
	}
	if perfErr.Code != CodeTransport {
		t.Errorf("Code = %v, want %v", perfErr.Code, CodeTransport)
	}
}
