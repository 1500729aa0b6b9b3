package reliability

import "testing"

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{101, false},
		{400, false},
		{401, false},
		{403, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableRealtimeErrorType(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"server_error", true},
		{" Rate_Limit_Exceeded ", true},
		{"invalid_request_error", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsRetryableRealtimeErrorType(tc.in); got != tc.want {
			t.Fatalf("IsRetryableRealtimeErrorType(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
