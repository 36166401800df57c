package client

import (
	"errors"
	"fmt"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{
			name:       "client error should not retry",
			errorClass: ErrorClassClient,
			expected:   false,
		},
		{
			name:       "auth error should not retry",
			errorClass: ErrorClassAuth,
			expected:   false,
		},
		{
			name:       "server error should retry",
			errorClass: ErrorClassServer,
			expected:   true,
		},
		{
			name:       "rate limit should retry",
			errorClass: ErrorClassRateLimit,
			expected:   true,
		},
		{
			name:       "network error should retry",
			errorClass: ErrorClassNetwork,
			expected:   true,
		},
		{
			name:       "empty error class should not retry",
			errorClass: "",
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := shouldRetry(tt.errorClass)
			if result != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, result, tt.expected)
			}
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		apiError *APIError
		expected string
	}{
		{
			name: "error with wrapped error",
			apiError: &APIError{
				Endpoint:   EndpointUserScores,
				StatusCode: 500,
				ErrorClass: ErrorClassServer,
				Message:    "Internal Server Error",
				Err:        errors.New("upstream"),
			},
			expected: "osu api server error on beatmap_user_scores (status 500): Internal Server Error: upstream",
		},
		{
			name: "error without wrapped error",
			apiError: &APIError{
				Endpoint:   EndpointMe,
				StatusCode: 401,
				ErrorClass: ErrorClassAuth,
				Message:    "Unauthorized",
			},
			expected: "osu api auth error on me (status 401): Unauthorized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.apiError.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	inner := errors.New("inner error")
	apiErr := &APIError{StatusCode: 500, ErrorClass: ErrorClassServer, Err: inner}

	if !errors.Is(apiErr, inner) {
		t.Error("errors.Is should find the wrapped error")
	}

	var nilWrapped *APIError = &APIError{StatusCode: 404}
	if nilWrapped.Unwrap() != nil {
		t.Error("Unwrap() should return nil when no error is wrapped")
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"auth", &APIError{StatusCode: 401, ErrorClass: ErrorClassAuth}, true},
		{"wrapped auth", fmt.Errorf("list: %w", &APIError{StatusCode: 403, ErrorClass: ErrorClassAuth}), true},
		{"client", &APIError{StatusCode: 404, ErrorClass: ErrorClassClient}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthError(tt.err); got != tt.want {
				t.Errorf("IsAuthError() = %v, want %v", got, tt.want)
			}
		})
	}
}
